package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Rorqualx/defundx-go/internal/types"
)

func openTemp(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "state", "storage.yaml")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s, path
}

func waitChange(t *testing.T, ch <-chan map[string]Change, key string) Change {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case changes := <-ch:
			if c, ok := changes[key]; ok {
				return c
			}
		case <-deadline:
			t.Fatalf("No change notification for %q", key)
			return Change{}
		}
	}
}

func TestGetMissingKey(t *testing.T) {
	s, _ := openTemp(t)

	_, ok, err := s.Get(context.Background(), "blockedRequestCount")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if ok {
		t.Error("Expected missing key on a fresh store")
	}
}

func TestSetThenGet(t *testing.T) {
	s, path := openTemp(t)
	ctx := context.Background()

	if err := s.Set(ctx, map[string]interface{}{"blockedRequestCount": 5, "uuid": "abc"}); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if err := s.Set(ctx, map[string]interface{}{"blockedRequestCount": 6}); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	v, ok, err := s.Get(ctx, "blockedRequestCount")
	if err != nil || !ok {
		t.Fatalf("Get() = %v, %v, %v", v, ok, err)
	}
	if v != 6 {
		t.Errorf("blockedRequestCount = %v (%T), want 6", v, v)
	}

	// Other keys survive a partial write
	v, ok, _ = s.Get(ctx, "uuid")
	if !ok || v != "abc" {
		t.Errorf("uuid = %v, %v, want abc", v, ok)
	}

	if _, err := os.Stat(path); err != nil {
		t.Errorf("Store file missing: %v", err)
	}
}

func TestGetReadsFromDisk(t *testing.T) {
	s, path := openTemp(t)

	if err := os.WriteFile(path, []byte("blockedRequestCount: 41\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	v, ok, err := s.Get(context.Background(), "blockedRequestCount")
	if err != nil || !ok {
		t.Fatalf("Get() = %v, %v, %v", v, ok, err)
	}
	if v != 41 {
		t.Errorf("blockedRequestCount = %v, want 41", v)
	}
}

func TestCorruptFile(t *testing.T) {
	s, path := openTemp(t)

	if err := os.WriteFile(path, []byte("blockedRequestCount: [unterminated\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	_, _, err := s.Get(context.Background(), "blockedRequestCount")
	if !errors.Is(err, types.ErrStoreCorrupt) {
		t.Errorf("Get() error = %v, want ErrStoreCorrupt", err)
	}
}

func TestClosed(t *testing.T) {
	s, _ := openTemp(t)
	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("Second Close() error = %v", err)
	}

	if err := s.Set(context.Background(), map[string]interface{}{"k": 1}); !errors.Is(err, types.ErrStoreClosed) {
		t.Errorf("Set() after Close error = %v, want ErrStoreClosed", err)
	}
	if _, _, err := s.Get(context.Background(), "k"); !errors.Is(err, types.ErrStoreClosed) {
		t.Errorf("Get() after Close error = %v, want ErrStoreClosed", err)
	}
}

func TestCanceledContext(t *testing.T) {
	s, _ := openTemp(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := s.Set(ctx, map[string]interface{}{"k": 1}); !errors.Is(err, context.Canceled) {
		t.Errorf("Set() error = %v, want context.Canceled", err)
	}
}

func TestSubscribeLocalWrite(t *testing.T) {
	s, _ := openTemp(t)
	ch := make(chan map[string]Change, 16)
	s.Subscribe(func(c map[string]Change) { ch <- c })

	if err := s.Set(context.Background(), map[string]interface{}{"blockedRequestCount": 1}); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	c := waitChange(t, ch, "blockedRequestCount")
	if c.Old != nil || c.New != 1 {
		t.Errorf("Change = %+v, want {<nil> 1}", c)
	}
}

func TestUnchangedWriteIsSilent(t *testing.T) {
	s, _ := openTemp(t)
	ctx := context.Background()
	if err := s.Set(ctx, map[string]interface{}{"k": 1}); err != nil {
		t.Fatal(err)
	}

	ch := make(chan map[string]Change, 16)
	s.Subscribe(func(c map[string]Change) { ch <- c })

	if err := s.Set(ctx, map[string]interface{}{"k": 1}); err != nil {
		t.Fatal(err)
	}
	select {
	case c := <-ch:
		t.Errorf("Unexpected notification %v", c)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestUnsubscribe(t *testing.T) {
	s, _ := openTemp(t)
	ch := make(chan map[string]Change, 16)
	unsubscribe := s.Subscribe(func(c map[string]Change) { ch <- c })
	unsubscribe()

	if err := s.Set(context.Background(), map[string]interface{}{"k": 1}); err != nil {
		t.Fatal(err)
	}
	select {
	case c := <-ch:
		t.Errorf("Unsubscribed listener received %v", c)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestCrossInstanceNotification(t *testing.T) {
	writer, path := openTemp(t)

	reader, err := Open(path)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer reader.Close()

	ch := make(chan map[string]Change, 16)
	reader.Subscribe(func(c map[string]Change) { ch <- c })

	if err := writer.Set(context.Background(), map[string]interface{}{"blockedRequestCount": 7}); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	c := waitChange(t, ch, "blockedRequestCount")
	if c.New != 7 {
		t.Errorf("Observed New = %v, want 7", c.New)
	}
}

func TestDiff(t *testing.T) {
	old := map[string]interface{}{"a": 1, "b": "x", "gone": true}
	current := map[string]interface{}{"a": 2, "b": "x", "added": 3}

	changes := diff(old, current)
	if len(changes) != 3 {
		t.Fatalf("diff() = %v, want 3 changes", changes)
	}
	if c := changes["a"]; c.Old != 1 || c.New != 2 {
		t.Errorf("a = %+v", c)
	}
	if c := changes["added"]; c.Old != nil || c.New != 3 {
		t.Errorf("added = %+v", c)
	}
	if c := changes["gone"]; c.Old != true || c.New != nil {
		t.Errorf("gone = %+v", c)
	}
	if _, ok := changes["b"]; ok {
		t.Error("Unchanged key reported")
	}
}
