package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/Rorqualx/defundx-go/internal/blocker"
	"github.com/Rorqualx/defundx-go/internal/browser"
	"github.com/Rorqualx/defundx-go/internal/config"
	"github.com/Rorqualx/defundx-go/internal/ledger"
	"github.com/Rorqualx/defundx-go/internal/messaging"
	"github.com/Rorqualx/defundx-go/internal/metrics"
	"github.com/Rorqualx/defundx-go/internal/middleware"
	"github.com/Rorqualx/defundx-go/internal/observer"
	"github.com/Rorqualx/defundx-go/internal/orchestrator"
	"github.com/Rorqualx/defundx-go/internal/patterns"
	"github.com/Rorqualx/defundx-go/internal/sanitize"
	"github.com/Rorqualx/defundx-go/internal/types"
	"github.com/Rorqualx/defundx-go/pkg/version"
)

func runRun(cmd *cobra.Command, args []string) error {
	cfg := loadConfig(cmd)
	printBanner()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	set, err := patterns.Load(cfg.PatternsPath)
	if err != nil {
		return fmt.Errorf("failed to load patterns: %w", err)
	}

	kv, l, err := openLedger(cfg)
	if err != nil {
		return err
	}
	defer kv.Close()

	if err := ensureInstalled(ctx, l); err != nil {
		return err
	}

	session, err := browser.Launch(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := session.Close(); err != nil {
			log.Error().Err(err).Msg("Browser close error")
		}
	}()

	hub := messaging.NewHub()
	obs := observer.New(observer.NewMatcher(set.RequestMarkers()), session, hub, cfg.LoadTimeout)
	sanitizer := sanitize.New(set.TrackingParamNames())
	orch := orchestrator.New(orchestrator.Options{
		TargetHost:     cfg.TargetHost(),
		Sanitizer:      sanitizer,
		Blocker:        blocker.New(set.ScriptBlockTerms(), set.TrackingAttributes(), sanitizer),
		Observer:       obs,
		Hub:            hub,
		Ledger:         l,
		OverlayEnabled: cfg.OverlayEnabled,
		ViewerURL:      cfg.ViewerURL,
		StepTimeout:    cfg.LoadTimeout,
	})

	log.Info().
		Str("target", cfg.TargetOrigin).
		Str("start_url", cfg.StartURL).
		Str("store", kv.Path()).
		Bool("overlay", cfg.OverlayEnabled).
		Bool("metrics_enabled", cfg.PrometheusEnabled).
		Msg("defundx is ready")

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return session.Run(gctx, orch.Attach, cfg.StartURL)
	})

	if cfg.PrometheusEnabled {
		startMetrics(gctx, g, cfg)
	}

	err = g.Wait()
	obs.Wait()

	switch {
	case err == nil, errors.Is(err, context.Canceled):
		log.Info().Msg("Shutting down")
		return nil
	case errors.Is(err, types.ErrBrowserClosed):
		log.Info().Msg("Browser closed, shutting down")
		return nil
	default:
		return err
	}
}

// ensureInstalled performs the install reset on first run only.
func ensureInstalled(ctx context.Context, l *ledger.Ledger) error {
	id, err := l.InstallID(ctx)
	if err != nil {
		return fmt.Errorf("failed to read store: %w", err)
	}
	if id != "" {
		return nil
	}
	if _, err := l.Install(ctx); err != nil {
		return err
	}
	return nil
}

// startMetrics serves /metrics until gctx is done.
func startMetrics(gctx context.Context, g *errgroup.Group, cfg *config.Config) {
	metrics.SetBuildInfo(version.Full(), version.GoVersion())

	stopCh := make(chan struct{})
	go metrics.StartRuntimeCollector(10*time.Second, stopCh)

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", metrics.Handler())

	metricsServer := &http.Server{
		Addr:         fmt.Sprintf("127.0.0.1:%d", cfg.PrometheusPort),
		Handler:      middleware.Wrap(metricsMux, middleware.Recovery, middleware.Logging),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	g.Go(func() error {
		log.Info().
			Int("port", cfg.PrometheusPort).
			Msg("Prometheus metrics server started")

		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			// Metrics are optional; the session keeps running.
			log.Error().Err(err).Msg("Metrics server failed")
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		close(stopCh)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Metrics server shutdown error")
		}
		return nil
	})
}
