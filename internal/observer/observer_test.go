package observer

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/Rorqualx/defundx-go/internal/messaging"
	"github.com/Rorqualx/defundx-go/internal/types"
)

type fakeTabs struct {
	tab string
}

func (f *fakeTabs) ActiveTab(ctx context.Context) (string, error) {
	if f.tab == "" {
		return "", types.ErrNoActiveTab
	}
	return f.tab, nil
}

type recordingSender struct {
	mu   sync.Mutex
	sent map[string]int
}

func (r *recordingSender) Send(tabID string, msg messaging.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if msg.Type != messaging.BlockedRequest {
		return nil
	}
	if r.sent == nil {
		r.sent = make(map[string]int)
	}
	r.sent[tabID]++
	return nil
}

func (r *recordingSender) count(tabID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sent[tabID]
}

func defaultMatcher() *Matcher {
	return NewMatcher([]string{"events", "client_event", "update_subscriptions", ""})
}

func TestMatch(t *testing.T) {
	m := defaultMatcher()

	tests := []struct {
		url        string
		wantMarker string
		wantOK     bool
	}{
		{"https://api.x.com/1.1/jot/client_event.json", "client_event", true},
		{"https://x.com/i/api/1.1/jot/client_event", "client_event", true},
		{"https://x.com/i/api/graphql/abc/update_subscriptions", "update_subscriptions", true},
		{"https://x.com/i/api/2/badge_count/events", "events", true},
		{"https://x.com/home", "", false},
		{"https://x.com/CLIENT_EVENT", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			marker, ok := m.Match(tt.url)
			if ok != tt.wantOK {
				t.Fatalf("Match(%q) ok = %v, want %v", tt.url, ok, tt.wantOK)
			}
			if ok && marker != tt.wantMarker {
				t.Errorf("Match(%q) marker = %q, want %q", tt.url, marker, tt.wantMarker)
			}
		})
	}
}

func TestObserveDeliversOnePerMatch(t *testing.T) {
	sender := &recordingSender{}
	o := New(defaultMatcher(), &fakeTabs{tab: "tab-1"}, sender, time.Second)

	urls := []string{
		"https://x.com/i/api/1.1/jot/client_event",
		"https://x.com/home",
		"https://x.com/i/api/2/badge_count/events",
		"https://x.com/i/api/graphql/q/update_subscriptions",
		"https://abs.twimg.com/main.js",
	}
	matched := 0
	for _, u := range urls {
		if o.Observe(u) {
			matched++
		}
	}
	o.Wait()

	if matched != 3 {
		t.Errorf("Observe matched %d requests, want 3", matched)
	}
	if got := sender.count("tab-1"); got != 3 {
		t.Errorf("Delivered %d events, want 3", got)
	}
}

func TestObserveDropsWithoutActiveTab(t *testing.T) {
	sender := &recordingSender{}
	o := New(defaultMatcher(), &fakeTabs{}, sender, time.Second)

	if !o.Observe("https://x.com/i/api/1.1/jot/client_event") {
		t.Fatal("Expected request to match")
	}
	o.Wait()

	if len(sender.sent) != 0 {
		t.Errorf("Expected event dropped, got %v", sender.sent)
	}
}

func TestObserveDropsWithoutReceiver(t *testing.T) {
	hub := messaging.NewHub()
	o := New(defaultMatcher(), &fakeTabs{tab: "tab-1"}, hub, time.Second)

	o.Observe("https://x.com/i/api/1.1/jot/client_event")
	o.Wait()

	// Attaching afterwards must not replay anything
	got := make(chan messaging.Message, 1)
	hub.Listen("tab-1", func(m messaging.Message) { got <- m })
	select {
	case <-got:
		t.Error("Event was queued instead of dropped")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestObserveConcurrent(t *testing.T) {
	sender := &recordingSender{}
	o := New(defaultMatcher(), &fakeTabs{tab: "tab-9"}, sender, time.Second)

	const n = 100
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			o.Observe("https://x.com/i/api/1.1/jot/client_event")
		}()
	}
	wg.Wait()
	o.Wait()

	if got := sender.count("tab-9"); got != n {
		t.Errorf("Delivered %d events, want %d", got, n)
	}
}

// blockingTabs tracks how many active-tab queries run at once.
type blockingTabs struct {
	mu      sync.Mutex
	running int
	peak    int
	release chan struct{}
}

func (b *blockingTabs) ActiveTab(ctx context.Context) (string, error) {
	b.mu.Lock()
	b.running++
	if b.running > b.peak {
		b.peak = b.running
	}
	b.mu.Unlock()

	<-b.release

	b.mu.Lock()
	b.running--
	b.mu.Unlock()
	return "tab-1", nil
}

func TestObserveBoundsDispatchers(t *testing.T) {
	tabs := &blockingTabs{release: make(chan struct{})}
	sender := &recordingSender{}
	o := New(defaultMatcher(), tabs, sender, time.Second)

	const n = 50
	for i := 0; i < n; i++ {
		done := make(chan struct{})
		go func() {
			defer close(done)
			o.Observe("https://x.com/i/api/1.1/jot/client_event")
		}()
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("Observe blocked during a burst")
		}
	}

	close(tabs.release)
	o.Wait()

	if got := sender.count("tab-1"); got != n {
		t.Errorf("Delivered %d events, want %d", got, n)
	}
	tabs.mu.Lock()
	defer tabs.mu.Unlock()
	if tabs.peak > maxDispatchers {
		t.Errorf("%d tab queries ran at once, want at most %d", tabs.peak, maxDispatchers)
	}
}
