// Package store provides a small persisted key/value store shared by
// independent processes, with change notifications.
//
// The store is a single YAML file replaced atomically on every write. Each
// process keeps a snapshot of the last contents it saw; whenever it observes
// different contents, through its own write, a read, or an fsnotify event
// for a write by another process, subscribers receive the difference once.
//
// Writes are read-modify-write of the whole file without cross-process
// locking, so two processes writing at the same moment can lose an update.
package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/Rorqualx/defundx-go/internal/types"
)

// Change describes one key's transition. Old or New is nil when the key was
// absent on that side.
type Change struct {
	Old interface{}
	New interface{}
}

// Listener receives the changed keys of one observed write.
type Listener func(changes map[string]Change)

// Store is a file-backed key/value store. It is safe for concurrent use.
type Store struct {
	path string

	mu       sync.Mutex // Protects snapshot and file writes
	snapshot map[string]interface{}
	closed   bool

	subMu     sync.RWMutex
	listeners map[int]Listener
	nextID    int

	// Notifications are queued so delivery order matches observation order
	// and listeners may call back into the store.
	qmu    sync.Mutex
	qcond  *sync.Cond
	queue  []map[string]Change
	qclose bool

	watcher *fsnotify.Watcher
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// Open opens the store at path, creating its directory when needed, and
// starts watching it for writes by other processes.
func Open(path string) (*Store, error) {
	path = filepath.Clean(path)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	s := &Store{
		path:      path,
		listeners: make(map[int]Listener),
		stopCh:    make(chan struct{}),
	}
	s.qcond = sync.NewCond(&s.qmu)

	snapshot, err := s.readFile()
	if err != nil {
		return nil, err
	}
	s.snapshot = snapshot

	s.wg.Add(1)
	go s.dispatch()

	if err := s.startWatcher(); err != nil {
		log.Warn().
			Err(err).
			Str("path", path).
			Msg("Failed to watch store file, changes by other processes will only be seen on read")
	}

	log.Debug().Str("path", path).Int("keys", len(snapshot)).Msg("Store opened")
	return s, nil
}

// Path returns the store file location.
func (s *Store) Path() string {
	return s.path
}

// Get reads key from the file. The value is never served from memory.
func (s *Store) Get(ctx context.Context, key string) (interface{}, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, false, types.ErrStoreClosed
	}

	current, err := s.readFile()
	if err != nil {
		return nil, false, err
	}
	s.observeLocked(current)

	v, ok := current[key]
	return v, ok, nil
}

// Set writes values, keeping any other keys already in the file.
func (s *Store) Set(ctx context.Context, values map[string]interface{}) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return types.ErrStoreClosed
	}

	current, err := s.readFile()
	if err != nil {
		return err
	}
	for k, v := range values {
		current[k] = v
	}

	data, err := yaml.Marshal(current)
	if err != nil {
		return fmt.Errorf("failed to encode store: %w", err)
	}
	if err := s.writeFile(data); err != nil {
		return err
	}

	// Re-decode so the snapshot holds exactly what a reader would see.
	written, err := decode(data)
	if err != nil {
		return err
	}
	s.observeLocked(written)
	return nil
}

// Subscribe registers fn for change notifications. The returned function
// unregisters it.
func (s *Store) Subscribe(fn Listener) (unsubscribe func()) {
	s.subMu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	s.subMu.Unlock()

	return func() {
		s.subMu.Lock()
		delete(s.listeners, id)
		s.subMu.Unlock()
	}
}

// Close stops the watcher and the notification dispatcher.
// Safe to call multiple times.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.stopCh)

	s.qmu.Lock()
	s.qclose = true
	s.qcond.Broadcast()
	s.qmu.Unlock()

	var err error
	if s.watcher != nil {
		err = s.watcher.Close()
	}
	s.wg.Wait()
	return err
}

// observeLocked diffs current against the snapshot and queues the changes.
// Must be called with s.mu held.
func (s *Store) observeLocked(current map[string]interface{}) {
	changes := diff(s.snapshot, current)
	s.snapshot = current
	if len(changes) == 0 {
		return
	}

	s.qmu.Lock()
	s.queue = append(s.queue, changes)
	s.qcond.Signal()
	s.qmu.Unlock()
}

// dispatch delivers queued changes to listeners in order.
func (s *Store) dispatch() {
	defer s.wg.Done()

	for {
		s.qmu.Lock()
		for len(s.queue) == 0 && !s.qclose {
			s.qcond.Wait()
		}
		if s.qclose {
			s.qmu.Unlock()
			return
		}
		changes := s.queue[0]
		s.queue = s.queue[1:]
		s.qmu.Unlock()

		s.subMu.RLock()
		listeners := make([]Listener, 0, len(s.listeners))
		for _, fn := range s.listeners {
			listeners = append(listeners, fn)
		}
		s.subMu.RUnlock()

		for _, fn := range listeners {
			s.deliver(fn, changes)
		}
	}
}

func (s *Store) deliver(fn Listener, changes map[string]Change) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("Recovered from panic in store listener")
		}
	}()
	fn(changes)
}

// readFile loads the file; a missing file reads as empty.
func (s *Store) readFile() (map[string]interface{}, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return map[string]interface{}{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read store: %w", err)
	}
	return decode(data)
}

// writeFile replaces the store file atomically.
func (s *Store) writeFile(data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".store-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write store: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to sync store: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close store: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace store: %w", err)
	}
	return nil
}

func decode(data []byte) (map[string]interface{}, error) {
	values := map[string]interface{}{}
	if err := yaml.Unmarshal(data, &values); err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrStoreCorrupt, err)
	}
	if values == nil {
		values = map[string]interface{}{}
	}
	return values, nil
}

func diff(old, current map[string]interface{}) map[string]Change {
	changes := make(map[string]Change)
	for k, nv := range current {
		ov, ok := old[k]
		if !ok || !reflect.DeepEqual(ov, nv) {
			changes[k] = Change{Old: ov, New: nv}
		}
	}
	for k, ov := range old {
		if _, ok := current[k]; !ok {
			changes[k] = Change{Old: ov}
		}
	}
	return changes
}

// startWatcher watches the store directory; atomic renames replace the file
// inode, so watching the file itself would lose track after one write.
func (s *Store) startWatcher() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch directory: %w", err)
	}
	s.watcher = watcher

	s.wg.Add(1)
	go s.watch()
	return nil
}

// watch reloads the file after writes settle.
func (s *Store) watch() {
	defer s.wg.Done()

	const debounceDelay = 50 * time.Millisecond
	var debounceTimer *time.Timer

	for {
		select {
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != s.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}

			log.Trace().
				Str("event", event.Op.String()).
				Str("file", event.Name).
				Msg("Store file changed")

			if debounceTimer == nil {
				debounceTimer = time.AfterFunc(debounceDelay, s.reload)
			} else {
				debounceTimer.Reset(debounceDelay)
			}

		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			log.Warn().Err(err).Msg("Store watcher error")

		case <-s.stopCh:
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			return
		}
	}
}

// reload re-reads the file after an external change.
func (s *Store) reload() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}

	current, err := s.readFile()
	if err != nil {
		log.Warn().Err(err).Str("path", s.path).Msg("Failed to reload store, keeping previous snapshot")
		return
	}
	s.observeLocked(current)
}
