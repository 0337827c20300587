package browser

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
	"github.com/rs/zerolog/log"

	"github.com/Rorqualx/defundx-go/internal/config"
	"github.com/Rorqualx/defundx-go/internal/security"
	"github.com/Rorqualx/defundx-go/internal/types"
)

// PageHandler prepares a newly seen tab. It must return quickly; long-running
// listeners belong on their own goroutines bound to ctx. The returned function
// is called once the tab is gone.
type PageHandler func(ctx context.Context, page *rod.Page) (detach func())

// activationJS stamps the document with the time it last became visible or
// gained focus. It runs on every new document and once on the current one.
const activationJS = `() => {
	if (window.__defundxActivation) {
		return;
	}
	window.__defundxActivation = true;
	const mark = () => {
		if (document.visibilityState === 'visible') {
			window.__defundxActivatedAt = Date.now();
		}
	};
	mark();
	document.addEventListener('visibilitychange', mark, true);
	window.addEventListener('focus', mark, true);
}`

// activityJS evaluates to the activation stamp of a visible tab, or -1 for a
// hidden one. Window focus is not required: the browser keeps its active tab
// while another application has focus.
const activityJS = `() => document.visibilityState === 'visible' ? (window.__defundxActivatedAt || 0) : -1`

// closeTimeout bounds browser shutdown.
const closeTimeout = 10 * time.Second

type tab struct {
	page   *rod.Page
	seq    uint64 // Order in which tabs were first seen
	ready  chan struct{}
	detach func()
}

// Session is a running browser and the tabs it has seen.
type Session struct {
	browser  *rod.Browser
	launcher *launcher.Launcher
	cfg      *config.Config

	mu      sync.Mutex
	tabs    map[proto.TargetTargetID]*tab
	nextSeq uint64

	wg        sync.WaitGroup
	closeOnce sync.Once
}

func newSession(b *rod.Browser, l *launcher.Launcher, cfg *config.Config) *Session {
	return &Session{
		browser:  b,
		launcher: l,
		cfg:      cfg,
		tabs:     make(map[proto.TargetTargetID]*tab),
	}
}

// Browser returns the underlying browser.
func (s *Session) Browser() *rod.Browser {
	return s.browser
}

// Run hands every existing and future tab to handle, opens startURL, and
// blocks until ctx is done or the browser goes away, in which case it
// returns types.ErrBrowserClosed.
//
// New tabs are held before their first document loads until handle has
// prepared them, so new-document scripts registered by handle run before
// any page script.
func (s *Session) Run(ctx context.Context, handle PageHandler, startURL string) error {
	if err := (proto.TargetSetDiscoverTargets{Discover: true}).Call(s.browser); err != nil {
		return fmt.Errorf("failed to enable target discovery: %w", err)
	}

	autoAttach := true
	if err := (proto.TargetSetAutoAttach{
		AutoAttach:             true,
		WaitForDebuggerOnStart: true,
		Flatten:                true,
	}).Call(s.browser); err != nil {
		log.Warn().Err(err).Msg("Auto-attach unavailable, new tabs are prepared after they start loading")
		autoAttach = false
	}

	// Subscribe before listing so no tab is missed in between.
	wait := s.browser.Context(ctx).EachEvent(
		func(e *proto.TargetAttachedToTarget) {
			if !e.WaitingForDebugger && string(e.TargetInfo.Type) != "page" {
				return
			}
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				s.adopt(ctx, e, handle)
			}()
		},
		func(e *proto.TargetTargetCreated) {
			if autoAttach || string(e.TargetInfo.Type) != "page" {
				return
			}
			id := e.TargetInfo.TargetID
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				page, err := s.browser.PageFromTarget(id)
				if err != nil {
					log.Debug().Err(err).Str("target", string(id)).Msg("Failed to attach to new tab")
					return
				}
				s.track(ctx, page, handle)
			}()
		},
		func(e *proto.TargetTargetDestroyed) {
			s.forget(e.TargetID)
		},
	)

	pages, err := s.browser.Pages()
	if err != nil {
		return fmt.Errorf("failed to list tabs: %w", err)
	}
	for _, page := range pages {
		s.track(ctx, page, handle)
	}

	if startURL != "" {
		if err := s.open(ctx, startURL, handle); err != nil {
			log.Warn().Err(err).Str("url", security.RedactURL(startURL)).Msg("Failed to open start page")
		}
	}

	wait()
	s.wg.Wait()
	if err := ctx.Err(); err != nil {
		return err
	}
	return types.ErrBrowserClosed
}

// adopt prepares a newly attached page. A target paused by auto-attach is
// resumed once prepared, and targets other than pages are resumed untouched.
// Sessions that were not paused belong to someone else and stay attached.
func (s *Session) adopt(ctx context.Context, e *proto.TargetAttachedToTarget, handle PageHandler) {
	if e.WaitingForDebugger {
		paused := s.browser.PageFromSession(e.SessionID)
		defer func() {
			if err := (proto.RuntimeRunIfWaitingForDebugger{}).Call(paused); err != nil {
				log.Debug().Err(err).Str("target", string(e.TargetInfo.TargetID)).Msg("Failed to resume target")
			}
			_ = (proto.TargetDetachFromTarget{SessionID: e.SessionID}).Call(s.browser)
		}()
	}

	if string(e.TargetInfo.Type) != "page" {
		return
	}
	page, err := s.browser.PageFromTarget(e.TargetInfo.TargetID)
	if err != nil {
		log.Debug().Err(err).Str("target", string(e.TargetInfo.TargetID)).Msg("Failed to attach to new tab")
		return
	}
	s.track(ctx, page, handle)
}

// open creates a blank tab, prepares it, then navigates so new-document
// scripts are in place before the first page script runs.
func (s *Session) open(ctx context.Context, url string, handle PageHandler) error {
	var (
		page *rod.Page
		err  error
	)
	if s.cfg.StealthPage {
		page, err = stealth.Page(s.browser)
	} else {
		page, err = s.browser.Page(proto.TargetCreateTarget{})
	}
	if err != nil {
		return fmt.Errorf("failed to create tab: %w", err)
	}

	s.track(ctx, page, handle)

	navCtx, cancel := context.WithTimeout(ctx, s.cfg.LoadTimeout)
	defer cancel()
	if err := page.Context(navCtx).Navigate(url); err != nil {
		return fmt.Errorf("failed to navigate: %w", err)
	}
	return nil
}

// track runs handle once per target. Concurrent callers for the same target
// return after the first one finishes.
func (s *Session) track(ctx context.Context, page *rod.Page, handle PageHandler) {
	s.mu.Lock()
	if t, ok := s.tabs[page.TargetID]; ok {
		s.mu.Unlock()
		select {
		case <-t.ready:
		case <-ctx.Done():
		}
		return
	}
	s.nextSeq++
	t := &tab{page: page, seq: s.nextSeq, ready: make(chan struct{})}
	s.tabs[page.TargetID] = t
	s.mu.Unlock()
	defer close(t.ready)

	if _, err := page.EvalOnNewDocument("(" + activationJS + ")()"); err != nil {
		log.Debug().Err(err).Msg("Failed to register activation tracking")
	}
	evalCtx, cancel := context.WithTimeout(ctx, s.cfg.FocusPollWait)
	if _, err := page.Context(evalCtx).Evaluate(rod.Eval(activationJS)); err != nil {
		log.Debug().Err(err).Msg("Failed to start activation tracking")
	}
	cancel()

	if s.cfg.Headless {
		// Headless windows never have focus unless it is emulated.
		if err := (proto.EmulationSetFocusEmulationEnabled{Enabled: true}).Call(page); err != nil {
			log.Debug().Err(err).Msg("Failed to enable focus emulation")
		}
	}

	detach := handle(ctx, page)

	s.mu.Lock()
	t.detach = detach
	s.mu.Unlock()

	log.Debug().Str("target", string(page.TargetID)).Msg("Tab tracked")
}

func (s *Session) forget(id proto.TargetTargetID) {
	s.mu.Lock()
	t, ok := s.tabs[id]
	if ok {
		delete(s.tabs, id)
	}
	s.mu.Unlock()

	if ok && t.detach != nil {
		t.detach()
	}
	if ok {
		log.Debug().Str("target", string(id)).Msg("Tab closed")
	}
}

// Tabs returns the number of tracked tabs.
func (s *Session) Tabs() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tabs)
}

// activity is what ActiveTab learns about one tab.
type activity struct {
	id          string
	activatedAt float64 // -1 when hidden
	seq         uint64
}

// pickActive returns the visible tab that was activated last. Equal stamps
// go to the tab seen last.
func pickActive(tabs []activity) (string, bool) {
	var best *activity
	for i := range tabs {
		t := &tabs[i]
		if t.activatedAt < 0 {
			continue
		}
		if best == nil || t.activatedAt > best.activatedAt ||
			(t.activatedAt == best.activatedAt && t.seq > best.seq) {
			best = t
		}
	}
	if best == nil {
		return "", false
	}
	return best.id, true
}

// ActiveTab returns the target id of the visible tab the user activated
// last. Each tab gets FocusPollWait to answer; a busy tab counts as hidden.
func (s *Session) ActiveTab(ctx context.Context) (string, error) {
	s.mu.Lock()
	tabs := make([]*tab, 0, len(s.tabs))
	for _, t := range s.tabs {
		tabs = append(tabs, t)
	}
	s.mu.Unlock()

	seen := make([]activity, 0, len(tabs))
	for _, t := range tabs {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		pctx, cancel := context.WithTimeout(ctx, s.cfg.FocusPollWait)
		obj, err := t.page.Context(pctx).Evaluate(rod.Eval(activityJS))
		cancel()
		if err != nil {
			continue
		}
		seen = append(seen, activity{
			id:          string(t.page.TargetID),
			activatedAt: obj.Value.Num(),
			seq:         t.seq,
		})
	}

	if id, ok := pickActive(seen); ok {
		return id, nil
	}
	return "", types.ErrNoActiveTab
}

// Close shuts the browser down. The profile directory is kept.
// Safe to call multiple times.
func (s *Session) Close() error {
	var closeErr error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		tabs := s.tabs
		s.tabs = make(map[proto.TargetTargetID]*tab)
		s.mu.Unlock()
		for _, t := range tabs {
			if t.detach != nil {
				t.detach()
			}
		}

		done := make(chan error, 1)
		go func() {
			done <- s.browser.Close()
		}()

		select {
		case err := <-done:
			if err != nil {
				log.Warn().Err(err).Msg("Error closing browser")
				closeErr = err
			}
		case <-time.After(closeTimeout):
			log.Warn().Dur("timeout", closeTimeout).Msg("Browser close timed out, killing process")
			closeErr = types.ErrBrowserClosed
		}

		// Kill never removes the user data dir, unlike Cleanup.
		s.launcher.Kill()
		log.Info().Msg("Browser closed")
	})
	return closeErr
}
