package browser

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/go-rod/rod/lib/proto"

	"github.com/Rorqualx/defundx-go/internal/config"
	"github.com/Rorqualx/defundx-go/internal/types"
)

// testConfig returns a headless configuration with a throwaway profile.
func testConfig(t *testing.T) *config.Config {
	return &config.Config{
		Headless:      true,
		UserDataDir:   t.TempDir(),
		LoadTimeout:   20 * time.Second,
		FocusPollWait: 2 * time.Second,
	}
}

// skipCI skips tests that require a browser.
func skipCI(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping browser test in short mode")
	}
	if os.Getenv("DEFUNDX_BROWSER_TESTS") == "" {
		t.Skip("Set DEFUNDX_BROWSER_TESTS=1 to run browser tests")
	}
}

func TestNewLauncherFlags(t *testing.T) {
	cfg := &config.Config{Headless: false, UserDataDir: "/tmp/defundx-profile"}
	l := NewLauncher(cfg)

	for _, name := range []flags.Flag{"no-first-run", "disable-renderer-backgrounding", "disable-blink-features"} {
		if !l.Has(name) {
			t.Errorf("Launcher missing --%s", name)
		}
	}
	if l.Has("enable-automation") {
		t.Error("Launcher must not set --enable-automation")
	}
	if got := l.Get(flags.UserDataDir); got != "/tmp/defundx-profile" {
		t.Errorf("user-data-dir = %q", got)
	}
	if l.Has(flags.Headless) {
		t.Error("Headed config launched headless")
	}
}

func TestNewLauncherHeadless(t *testing.T) {
	l := NewLauncher(&config.Config{Headless: true})
	if got := l.Get(flags.Headless); got != "new" {
		t.Errorf("headless = %q, want new", got)
	}
}

func TestActiveTabWithoutTabs(t *testing.T) {
	s := newSession(nil, nil, &config.Config{FocusPollWait: time.Millisecond})
	if _, err := s.ActiveTab(context.Background()); !errors.Is(err, types.ErrNoActiveTab) {
		t.Errorf("ActiveTab() error = %v, want ErrNoActiveTab", err)
	}
}

func TestSessionTracksStartPage(t *testing.T) {
	skipCI(t)

	cfg := testConfig(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s, err := Launch(ctx, cfg)
	if err != nil {
		t.Fatalf("Launch() error = %v", err)
	}
	defer s.Close()

	seen := make(chan *rod.Page, 8)
	handler := func(ctx context.Context, page *rod.Page) func() {
		seen <- page
		return func() {}
	}

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx, handler, "about:blank#start") }()

	select {
	case <-seen:
	case <-time.After(30 * time.Second):
		t.Fatal("No tab handed to the handler")
	}

	deadline := time.Now().Add(10 * time.Second)
	var tabID string
	for time.Now().Before(deadline) {
		if tabID, err = s.ActiveTab(ctx); err == nil {
			break
		}
		time.Sleep(100 * time.Millisecond)
	}
	if tabID == "" {
		t.Errorf("ActiveTab() never found an active tab: %v", err)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Error("Run did not return after cancel")
	}
}

func TestPickActive(t *testing.T) {
	tests := []struct {
		name   string
		tabs   []activity
		want   string
		wantOK bool
	}{
		{"no tabs", nil, "", false},
		{"all hidden", []activity{{"a", -1, 1}, {"b", -1, 2}}, "", false},
		{"hidden tab ignored", []activity{{"a", -1, 2}, {"b", 10, 1}}, "b", true},
		{"latest activation wins", []activity{{"a", 20, 1}, {"b", 10, 2}}, "a", true},
		{"equal stamps go to latest seen", []activity{{"b", 10, 2}, {"a", 10, 1}}, "b", true},
		{"unstamped visible tab", []activity{{"a", 0, 1}}, "a", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := pickActive(tt.tabs)
			if got != tt.want || ok != tt.wantOK {
				t.Errorf("pickActive() = %q, %v, want %q, %v", got, ok, tt.want, tt.wantOK)
			}
		})
	}
}

func TestPickActiveIgnoresOrder(t *testing.T) {
	a := []activity{{"a", 10, 1}, {"b", 10, 2}, {"c", 5, 3}}
	b := []activity{{"c", 5, 3}, {"b", 10, 2}, {"a", 10, 1}}
	first, _ := pickActive(a)
	second, _ := pickActive(b)
	if first != second {
		t.Errorf("pickActive() depends on order: %q vs %q", first, second)
	}
}

// runSession launches a browser and runs a session with handler until the
// test ends.
func runSession(t *testing.T, handler PageHandler, startURL string) (*Session, context.Context) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())

	s, err := Launch(ctx, testConfig(t))
	if err != nil {
		cancel()
		t.Fatalf("Launch() error = %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx, handler, startURL) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(10 * time.Second):
			t.Error("Run did not return after cancel")
		}
		s.Close()
	})
	return s, ctx
}

// waitPrepared reads handed tabs until id shows up.
func waitPrepared(t *testing.T, pages <-chan *rod.Page, id proto.TargetTargetID) {
	t.Helper()
	deadline := time.After(30 * time.Second)
	for {
		select {
		case p := <-pages:
			if p.TargetID == id {
				return
			}
		case <-deadline:
			t.Fatalf("Tab %s was never handed to the handler", id)
		}
	}
}

func TestActiveTabPicksOneOfTwoVisibleTabs(t *testing.T) {
	skipCI(t)

	pages := make(chan *rod.Page, 8)
	s, ctx := runSession(t, func(_ context.Context, page *rod.Page) func() {
		pages <- page
		return func() {}
	}, "")

	// Each tab is prepared before the next one opens.
	var opened []*rod.Page
	for i := 0; i < 2; i++ {
		page, err := s.Browser().Page(proto.TargetCreateTarget{})
		if err != nil {
			t.Fatalf("Page() error = %v", err)
		}
		opened = append(opened, page)
		waitPrepared(t, pages, page.TargetID)
	}

	for _, page := range opened {
		visible, err := page.Eval(`() => document.visibilityState`)
		if err != nil {
			t.Fatal(err)
		}
		if visible.Value.Str() != "visible" {
			t.Skipf("Headless tabs report %q, need visible", visible.Value.Str())
		}
	}

	want := string(opened[1].TargetID)
	for i := 0; i < 3; i++ {
		got, err := s.ActiveTab(ctx)
		if err != nil {
			t.Fatalf("ActiveTab() error = %v", err)
		}
		if got != want {
			t.Errorf("ActiveTab() = %q, want the last opened tab %q", got, want)
		}
	}

	// Activating the first tab moves the choice there.
	time.Sleep(20 * time.Millisecond)
	if _, err := opened[0].Eval(`() => window.dispatchEvent(new Event('focus'))`); err != nil {
		t.Fatal(err)
	}
	got, err := s.ActiveTab(ctx)
	if err != nil {
		t.Fatalf("ActiveTab() error = %v", err)
	}
	if got != string(opened[0].TargetID) {
		t.Errorf("ActiveTab() after focus = %q, want %q", got, opened[0].TargetID)
	}
}

func TestRunPreparesNewTabBeforeFirstScript(t *testing.T) {
	skipCI(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, `<html><head><script>document.title = String(window.__defundxPrepared === true);</script></head><body></body></html>`)
	}))
	defer srv.Close()

	s, _ := runSession(t, func(_ context.Context, page *rod.Page) func() {
		remove, err := page.EvalOnNewDocument(`window.__defundxPrepared = true`)
		if err != nil {
			t.Errorf("EvalOnNewDocument() error = %v", err)
			return func() {}
		}
		return func() { _ = remove() }
	}, "")

	// A tab opened with its URL loads straight away, like a link opened in
	// a new tab.
	res, err := (proto.TargetCreateTarget{URL: srv.URL}).Call(s.Browser())
	if err != nil {
		t.Fatalf("TargetCreateTarget error = %v", err)
	}
	page, err := s.Browser().PageFromTarget(res.TargetID)
	if err != nil {
		t.Fatalf("PageFromTarget() error = %v", err)
	}

	deadline := time.Now().Add(20 * time.Second)
	var title string
	for time.Now().Before(deadline) {
		obj, err := page.Eval(`() => location.href.startsWith('http') ? document.title : ''`)
		if err == nil {
			if title = obj.Value.Str(); title != "" {
				break
			}
		}
		time.Sleep(100 * time.Millisecond)
	}
	if title != "true" {
		t.Errorf("First page script saw prepared = %q, want true", title)
	}
}
