// Package browser launches the user's browser session and tracks its tabs.
//
// The session is a single long-lived browser with a persistent profile, so
// site registrations and cookies survive restarts the same way they would
// in an everyday browser.
package browser

import (
	"context"
	"fmt"
	"os"
	"runtime"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/rs/zerolog/log"

	"github.com/Rorqualx/defundx-go/internal/config"
)

// NewLauncher creates a configured launcher. Launchers can only launch once.
func NewLauncher(cfg *config.Config) *launcher.Launcher {
	l := launcher.New()

	if cfg.BrowserPath != "" {
		l = l.Bin(cfg.BrowserPath)
	}

	// Rod enables headless by default; this session is meant to be used by
	// a person, so only go headless when asked.
	if cfg.Headless {
		l = l.Set("headless", "new")
	} else {
		l = l.Headless(false)
	}

	// Persistent profile. Leakless must stay on so the browser does not
	// outlive a crashed process.
	if cfg.UserDataDir != "" {
		l = l.UserDataDir(cfg.UserDataDir)
	}

	l = l.Set("disable-blink-features", "AutomationControlled")
	l = l.Delete("enable-automation")

	// WebRtcHideLocalIpsWithMdns: Prevents mDNS from leaking local IPs
	l = l.Set("force-webrtc-ip-handling-policy", "disable_non_proxied_udp")
	l = l.Set("disable-features", "Translate,TranslateUI,WebRtcHideLocalIpsWithMdns")

	l = l.Set("no-first-run").
		Set("no-default-browser-check").
		Set("disable-infobars").
		Set("disable-search-engine-choice-screen")

	// Background tabs keep running their scripts so request observation and
	// the page mutation observer do not stall.
	l = l.Set("disable-renderer-backgrounding").
		Set("disable-background-timer-throttling").
		Set("disable-backgrounding-occluded-windows")

	if os.Getuid() == 0 {
		// Chrome refuses to start as root with the sandbox on.
		l = l.NoSandbox(true)
	}

	if isARM() {
		l = l.Set("disable-gpu-compositing")
		log.Debug().Msg("ARM detected: using software compositing")
	}

	return l
}

// Launch starts the browser and connects to it.
func Launch(ctx context.Context, cfg *config.Config) (*Session, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	log.Info().
		Bool("headless", cfg.Headless).
		Str("browser_path", cfg.BrowserPath).
		Str("user_data_dir", cfg.UserDataDir).
		Msg("Launching browser")

	if cfg.UserDataDir != "" {
		if err := os.MkdirAll(cfg.UserDataDir, 0o700); err != nil {
			return nil, fmt.Errorf("failed to create profile directory: %w", err)
		}
	}

	l := NewLauncher(cfg).Context(ctx)
	url, err := l.Launch()
	if err != nil {
		return nil, fmt.Errorf("failed to launch browser: %w", err)
	}

	b := rod.New().ControlURL(url)
	if err := b.Connect(); err != nil {
		l.Kill()
		return nil, fmt.Errorf("failed to connect to browser: %w", err)
	}

	log.Debug().Str("url", url).Msg("Browser connected")
	return newSession(b, l, cfg), nil
}

// isARM returns true if running on ARM architecture.
func isARM() bool {
	arch := runtime.GOARCH
	return arch == "arm" || arch == "arm64"
}
