// Package orchestrator composes the per-tab protections. Attach prepares
// every tab; OnLoad runs the ordered load-time steps on protected pages.
package orchestrator

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/rs/zerolog/log"
	"github.com/ysmood/gson"

	"github.com/Rorqualx/defundx-go/internal/blocker"
	"github.com/Rorqualx/defundx-go/internal/ledger"
	"github.com/Rorqualx/defundx-go/internal/messaging"
	"github.com/Rorqualx/defundx-go/internal/metrics"
	"github.com/Rorqualx/defundx-go/internal/neutralizer"
	"github.com/Rorqualx/defundx-go/internal/observer"
	"github.com/Rorqualx/defundx-go/internal/overlay"
	"github.com/Rorqualx/defundx-go/internal/sanitize"
	"github.com/Rorqualx/defundx-go/internal/security"
	"github.com/Rorqualx/defundx-go/internal/types"
)

// defaultStepTimeout bounds each load-time step.
const defaultStepTimeout = 10 * time.Second

// Options wires the orchestrator to its collaborators.
type Options struct {
	TargetHost     string
	Sanitizer      *sanitize.Sanitizer
	Blocker        *blocker.Blocker
	Observer       *observer.Observer
	Hub            *messaging.Hub
	Ledger         *ledger.Ledger
	OverlayEnabled bool
	ViewerURL      string
	StepTimeout    time.Duration
}

// Orchestrator attaches protections to tabs.
type Orchestrator struct {
	opts    Options
	monitor *neutralizer.Monitor
}

// New creates an Orchestrator.
func New(opts Options) *Orchestrator {
	if opts.StepTimeout <= 0 {
		opts.StepTimeout = defaultStepTimeout
	}
	opts.TargetHost = strings.ToLower(opts.TargetHost)
	return &Orchestrator{
		opts:    opts,
		monitor: neutralizer.NewMonitor(),
	}
}

// Monitor returns the controller lifecycle monitor shared by all tabs.
func (o *Orchestrator) Monitor() *neutralizer.Monitor {
	return o.monitor
}

// MatchesOrigin reports whether rawURL is an http(s) page on host or one
// of its subdomains.
func MatchesOrigin(rawURL, host string) bool {
	if host == "" {
		return false
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return false
	}
	name := strings.ToLower(u.Hostname())
	host = strings.ToLower(host)
	return name == host || strings.HasSuffix(name, "."+host)
}

// pageOrigin returns scheme://host/ of rawURL, the form registration
// scopes start with.
func pageOrigin(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return ""
	}
	return u.Scheme + "://" + u.Host + "/"
}

// tabState is the per-tab bookkeeping kept between loads.
type tabState struct {
	mu             sync.Mutex
	removeListener func()
}

func (s *tabState) setListener(remove func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.removeListener != nil {
		s.removeListener()
	}
	s.removeListener = remove
}

// Attach prepares a tab: the interception script is registered for every
// new document before any page script runs, page bindings are exposed, and
// request and load events are followed until ctx ends or detach is called.
func (o *Orchestrator) Attach(ctx context.Context, page *rod.Page) (detach func()) {
	tabID := string(page.TargetID)
	pageCtx, cancel := context.WithCancel(ctx)
	state := &tabState{}
	var cleanups []func() error

	remove, err := page.EvalOnNewDocument(neutralizer.InterceptScript(o.opts.TargetHost, neutralizer.LifecycleBinding))
	if err != nil {
		log.Warn().Err(err).Str("tab", tabID).Msg("Failed to register interception script")
	} else {
		cleanups = append(cleanups, remove)
	}

	stop, err := page.Expose(neutralizer.LifecycleBinding, o.monitor.Binding)
	if err != nil {
		log.Warn().Err(err).Str("tab", tabID).Msg("Failed to expose lifecycle binding")
	} else {
		cleanups = append(cleanups, stop)
	}

	stop, err = page.Expose(blocker.ScriptBlockedBinding, scriptBlocked)
	if err != nil {
		log.Warn().Err(err).Str("tab", tabID).Msg("Failed to expose script binding")
	} else {
		cleanups = append(cleanups, stop)
	}

	if err := (proto.PageEnable{}).Call(page); err != nil {
		log.Debug().Err(err).Str("tab", tabID).Msg("Failed to enable page events")
	}
	if err := (proto.NetworkEnable{}).Call(page); err != nil {
		// Request observation is unavailable for this tab; everything else
		// still runs.
		log.Warn().Err(err).Str("tab", tabID).Msg("Request observation unavailable")
	}

	// Loads are coalesced and handled one at a time per tab.
	loads := make(chan struct{}, 1)
	signal := func() {
		select {
		case loads <- struct{}{}:
		default:
		}
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		page.Context(pageCtx).EachEvent(
			func(e *proto.NetworkRequestWillBeSent) {
				if o.opts.Observer != nil && e.Request != nil {
					o.opts.Observer.Observe(e.Request.URL)
				}
			},
			func(e *proto.PageLoadEventFired) {
				signal()
			},
		)()
	}()
	go func() {
		defer wg.Done()
		for {
			select {
			case <-pageCtx.Done():
				return
			case <-loads:
				o.load(pageCtx, page, state)
			}
		}
	}()

	// The tab may already hold a loaded document.
	signal()

	return func() {
		cancel()
		wg.Wait()
		state.setListener(nil)
		for _, fn := range cleanups {
			// The tab is usually gone by now.
			_ = fn()
		}
	}
}

func scriptBlocked(src gson.JSON) (interface{}, error) {
	metrics.RecordScriptBlocked()
	log.Debug().Str("src", src.Str()).Msg("Tracking script removed")
	return nil, nil
}

// load runs OnLoad and keeps the tab's receiver in step with the origin.
func (o *Orchestrator) load(ctx context.Context, page *rod.Page, state *tabState) {
	report := o.OnLoad(ctx, page)
	if !report.Matched {
		state.setListener(nil)
		return
	}
	if o.opts.Hub == nil || o.opts.Ledger == nil {
		return
	}

	var renderer ledger.Renderer = ledger.RenderFunc(func(_ context.Context, count int, text string) error {
		log.Debug().Int("count", count).Str("impact", text).Msg("Blocked request recorded")
		return nil
	})
	if o.opts.OverlayEnabled {
		renderer = overlay.New(page, o.opts.ViewerURL)
	}
	receiver := ledger.NewReceiver(o.opts.Ledger, renderer)
	state.setListener(o.opts.Hub.Listen(string(page.TargetID), receiver.Handle))
}

// Report summarizes one OnLoad run.
type Report struct {
	URL               string
	Matched           bool
	Teardown          neutralizer.Result
	URLSanitized      bool
	LinkHook          bool
	ScriptObserver    bool
	AttributesRemoved int
	OverlayMounted    bool
}

// OnLoad runs the load-time steps when the page is on the protected origin:
// controller teardown, address and link sanitization, script and attribute
// blocking, then the overlay. A failing step is logged and the rest still run.
func (o *Orchestrator) OnLoad(ctx context.Context, page *rod.Page) Report {
	var report Report

	info, err := page.Context(ctx).Info()
	if err != nil {
		log.Debug().Err(err).Msg("Failed to read tab info")
		return report
	}
	report.URL = info.URL
	if !MatchesOrigin(info.URL, o.opts.TargetHost) {
		return report
	}
	report.Matched = true
	metrics.RecordPageOrchestrated()

	logger := log.With().Str("tab", string(page.TargetID)).Str("url", security.RedactURL(info.URL)).Logger()

	o.step(ctx, func(ctx context.Context) error {
		result, err := neutralizer.Teardown(ctx, neutralizer.NewPageRegistry(page), pageOrigin(info.URL))
		report.Teardown = result
		if errors.Is(err, types.ErrCapabilityUnavailable) {
			logger.Debug().Msg("No controller support, skipping teardown")
			return nil
		}
		return err
	}, "teardown")

	o.step(ctx, func(ctx context.Context) error {
		if cleaned, changed := o.opts.Sanitizer.Changed(info.URL); changed {
			if _, err := page.Context(ctx).Evaluate(rod.Eval(sanitize.ReplaceAddressJS, cleaned)); err != nil {
				return err
			}
			report.URLSanitized = true
			metrics.RecordURLSanitized()
		}
		obj, err := page.Context(ctx).Evaluate(rod.Eval(sanitize.LinkHookJS, o.opts.Sanitizer.ParamNames()))
		if err != nil {
			return err
		}
		report.LinkHook = obj.Value.Bool()
		return nil
	}, "sanitize")

	o.step(ctx, func(ctx context.Context) error {
		obj, err := page.Context(ctx).Evaluate(rod.Eval(blocker.ObserverJS, o.opts.Blocker.Terms(), blocker.ScriptBlockedBinding))
		if err != nil {
			return err
		}
		report.ScriptObserver = obj.Value.Bool()

		obj, err = page.Context(ctx).Evaluate(rod.Eval(blocker.AttributesJS, o.opts.Blocker.Attributes()))
		if err != nil {
			return err
		}
		report.AttributesRemoved = obj.Value.Int()
		metrics.RecordAttributesRemoved(report.AttributesRemoved)
		return nil
	}, "block")

	if o.opts.OverlayEnabled {
		o.step(ctx, func(ctx context.Context) error {
			ov := overlay.New(page.Context(ctx), o.opts.ViewerURL)
			mounted, err := ov.Mount(ctx)
			if err != nil {
				return err
			}
			report.OverlayMounted = mounted
			if o.opts.Ledger == nil {
				return nil
			}
			count, err := o.opts.Ledger.Count(ctx)
			if err != nil {
				return err
			}
			return ov.Render(ctx, count, o.opts.Ledger.Display(count))
		}, "overlay")
	}

	logger.Info().
		Int("registrations_removed", report.Teardown.Removed).
		Bool("url_sanitized", report.URLSanitized).
		Int("attributes_removed", report.AttributesRemoved).
		Bool("overlay", report.OverlayMounted).
		Msg("Protected page prepared")

	return report
}

// step runs fn under the step timeout and logs its failure.
func (o *Orchestrator) step(ctx context.Context, fn func(ctx context.Context) error, name string) {
	stepCtx, cancel := context.WithTimeout(ctx, o.opts.StepTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("step", name).Msg("Recovered from panic in load step")
		}
	}()

	if err := fn(stepCtx); err != nil {
		log.Warn().Err(err).Str("step", name).Msg("Load step failed")
	}
}
