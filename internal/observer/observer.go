// Package observer watches outbound requests across the whole browser and
// notifies the active tab about requests that hit telemetry endpoints.
//
// Observation never touches the request itself: matching is a synchronous
// substring test and notification happens on a separate goroutine.
package observer

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"

	"github.com/Rorqualx/defundx-go/internal/messaging"
	"github.com/Rorqualx/defundx-go/internal/metrics"
	"github.com/Rorqualx/defundx-go/internal/types"
)

// Matcher tests request URLs against a fixed set of substrings.
type Matcher struct {
	markers []string
}

// NewMatcher creates a Matcher. Blank markers are ignored.
func NewMatcher(markers []string) *Matcher {
	m := &Matcher{markers: make([]string, 0, len(markers))}
	for _, marker := range markers {
		if marker != "" {
			m.markers = append(m.markers, marker)
		}
	}
	return m
}

// Match returns the first marker contained in url.
func (m *Matcher) Match(url string) (string, bool) {
	for _, marker := range m.markers {
		if strings.Contains(url, marker) {
			return marker, true
		}
	}
	return "", false
}

// TabQuerier reports the visible tab the user activated last.
// It returns types.ErrNoActiveTab when no tab is visible.
type TabQuerier interface {
	ActiveTab(ctx context.Context) (string, error)
}

// Sender delivers a message to one tab.
type Sender interface {
	Send(tabID string, msg messaging.Message) error
}

// maxDispatchers bounds the goroutines notifying tabs at any one time.
const maxDispatchers = 4

// Observer emits one BLOCKED_REQUEST per matching request.
//
// Matches are queued as a pending count and drained by at most
// maxDispatchers goroutines, so a burst of telemetry requests never fans out
// into one tab query per request running at once.
type Observer struct {
	matcher *Matcher
	tabs    TabQuerier
	sender  Sender
	timeout time.Duration

	mu      sync.Mutex
	pending int
	workers *semaphore.Weighted
	wg      sync.WaitGroup
}

// New creates an Observer. timeout bounds each active-tab query.
func New(matcher *Matcher, tabs TabQuerier, sender Sender, timeout time.Duration) *Observer {
	return &Observer{
		matcher: matcher,
		tabs:    tabs,
		sender:  sender,
		timeout: timeout,
		workers: semaphore.NewWeighted(maxDispatchers),
	}
}

// Observe inspects one outbound request URL. On a match it schedules a
// notification to the active tab and returns true immediately.
func (o *Observer) Observe(url string) bool {
	marker, ok := o.matcher.Match(url)
	if !ok {
		return false
	}
	metrics.RecordRequestObserved(marker)

	o.mu.Lock()
	o.pending++
	start := o.workers.TryAcquire(1)
	if start {
		o.wg.Add(1)
	}
	o.mu.Unlock()

	if start {
		go o.drain()
	}
	return true
}

// Wait blocks until all scheduled notifications have been attempted.
func (o *Observer) Wait() {
	o.wg.Wait()
}

// drain dispatches pending notifications until none are left. The exit check
// and the slot release happen under mu so a concurrent Observe either sees
// this worker still running or gets the freed slot.
func (o *Observer) drain() {
	defer o.wg.Done()
	for {
		o.mu.Lock()
		if o.pending == 0 {
			o.workers.Release(1)
			o.mu.Unlock()
			return
		}
		o.pending--
		o.mu.Unlock()

		o.dispatchSafe()
	}
}

func (o *Observer) dispatchSafe() {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("Recovered from panic in request observer dispatch")
		}
	}()
	o.dispatch()
}

func (o *Observer) dispatch() {
	ctx, cancel := context.WithTimeout(context.Background(), o.timeout)
	defer cancel()

	tabID, err := o.tabs.ActiveTab(ctx)
	if err != nil {
		if !errors.Is(err, types.ErrNoActiveTab) {
			log.Debug().Err(err).Msg("Active tab query failed")
		}
		metrics.RecordDelivery("no_active_tab")
		log.Debug().Msg("No active tab, dropping blocked-request event")
		return
	}

	if err := o.sender.Send(tabID, messaging.Message{Type: messaging.BlockedRequest}); err != nil {
		metrics.RecordDelivery("no_receiver")
		log.Debug().Err(err).Str("tab", tabID).Msg("Blocked-request event dropped")
		return
	}

	metrics.RecordDelivery("delivered")
	log.Debug().Str("tab", tabID).Msg("Blocked-request event sent")
}
