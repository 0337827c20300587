// Package config provides application configuration management.
package config

import (
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// Configuration bounds.
const (
	defaultTargetOrigin = "https://x.com/"
	defaultImpactRate   = 0.003
	maxImpactRate       = 1.0
	defaultMetricsPort  = 9464
)

// Config holds all application configuration.
// Configuration is loaded from environment variables at startup.
type Config struct {
	// Protected site
	TargetOrigin string // Scheme, host and trailing slash, e.g. https://x.com/
	StartURL     string // First page opened by `run`

	// Browser settings
	Headless      bool
	BrowserPath   string
	UserDataDir   string // Persistent profile so controller registrations survive restarts
	StealthPage   bool
	LoadTimeout   time.Duration
	FocusPollWait time.Duration // Per-tab budget for the active-tab query

	// Storage
	StorePath string

	// Patterns
	PatternsPath string // Optional YAML override, read once at startup

	// Ledger
	ImpactRate float64

	// Surfaces
	OverlayEnabled bool
	ViewerURL      string // Reference URL handed to the embedded auxiliary frame

	// Logging
	LogLevel string

	// Metrics
	PrometheusEnabled bool
	PrometheusPort    int
}

// Load loads configuration from environment variables.
// Returns a Config with values from environment or sensible defaults.
func Load() *Config {
	return &Config{
		TargetOrigin: getEnvString("DEFUNDX_TARGET_ORIGIN", defaultTargetOrigin),
		StartURL:     getEnvString("DEFUNDX_START_URL", ""),

		// Headed by default: the browser is the user's own session
		Headless:      getEnvBool("HEADLESS", false),
		BrowserPath:   getEnvString("BROWSER_PATH", ""),
		UserDataDir:   getEnvString("USER_DATA_DIR", defaultStateFile("profile")),
		StealthPage:   getEnvBool("STEALTH_ENABLED", false),
		LoadTimeout:   getEnvDuration("LOAD_TIMEOUT", 30*time.Second),
		FocusPollWait: getEnvDuration("FOCUS_POLL_WAIT", 500*time.Millisecond),

		StorePath:    getEnvString("DEFUNDX_STORE_PATH", defaultStateFile("storage.yaml")),
		PatternsPath: getEnvString("DEFUNDX_PATTERNS_PATH", ""),

		ImpactRate: getEnvFloat("DEFUNDX_IMPACT_RATE", defaultImpactRate),

		OverlayEnabled: getEnvBool("DEFUNDX_OVERLAY", true),
		ViewerURL:      getEnvString("DEFUNDX_VIEWER_URL", "about:blank"),

		LogLevel: getEnvString("LOG_LEVEL", "info"),

		PrometheusEnabled: getEnvBool("PROMETHEUS_ENABLED", false),
		PrometheusPort:    getEnvInt("PROMETHEUS_PORT", defaultMetricsPort),
	}
}

// Validate checks configuration values and logs warnings for invalid values.
// Invalid values are corrected to sensible defaults.
func (c *Config) Validate() {
	if origin, ok := normalizeOrigin(c.TargetOrigin); ok {
		c.TargetOrigin = origin
	} else {
		log.Warn().
			Str("origin", c.TargetOrigin).
			Str("default", defaultTargetOrigin).
			Msg("Invalid target origin, using default")
		c.TargetOrigin = defaultTargetOrigin
	}

	if c.StartURL == "" {
		c.StartURL = c.TargetOrigin
	}

	if c.BrowserPath != "" && !filepath.IsAbs(c.BrowserPath) {
		log.Warn().
			Str("path", c.BrowserPath).
			Msg("BrowserPath should be an absolute path")
	}

	if c.StorePath == "" {
		log.Warn().Msg("DEFUNDX_STORE_PATH empty, using default state location")
		c.StorePath = defaultStateFile("storage.yaml")
	}

	if c.PatternsPath != "" {
		if _, err := os.Stat(c.PatternsPath); os.IsNotExist(err) {
			log.Warn().
				Str("path", c.PatternsPath).
				Msg("Patterns override file does not exist, using embedded patterns")
			c.PatternsPath = ""
		}
	}

	if c.ImpactRate <= 0 || c.ImpactRate > maxImpactRate {
		log.Warn().
			Float64("rate", c.ImpactRate).
			Float64("default", defaultImpactRate).
			Msg("Impact rate out of range, using default")
		c.ImpactRate = defaultImpactRate
	}

	const minLoadTimeout = time.Second
	const maxLoadTimeout = 5 * time.Minute
	if c.LoadTimeout < minLoadTimeout {
		log.Warn().
			Dur("timeout", c.LoadTimeout).
			Dur("min", minLoadTimeout).
			Msg("Load timeout too short, using minimum")
		c.LoadTimeout = minLoadTimeout
	} else if c.LoadTimeout > maxLoadTimeout {
		log.Warn().
			Dur("timeout", c.LoadTimeout).
			Dur("max", maxLoadTimeout).
			Msg("Load timeout too long, using maximum")
		c.LoadTimeout = maxLoadTimeout
	}

	if c.FocusPollWait <= 0 || c.FocusPollWait > 10*time.Second {
		log.Warn().Dur("wait", c.FocusPollWait).Msg("Invalid focus poll wait, using 500ms")
		c.FocusPollWait = 500 * time.Millisecond
	}

	if c.PrometheusPort < 1 || c.PrometheusPort > 65535 {
		log.Warn().Int("port", c.PrometheusPort).Msg("Invalid Prometheus port, using default")
		c.PrometheusPort = defaultMetricsPort
	}

	validLogLevels := map[string]bool{
		"trace": true, "debug": true, "info": true,
		"warn": true, "error": true, "fatal": true,
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		log.Warn().Str("level", c.LogLevel).Msg("Invalid log level, using 'info'")
		c.LogLevel = "info"
	}
	c.LogLevel = strings.ToLower(c.LogLevel)
}

// TargetHost returns the hostname of the protected origin.
func (c *Config) TargetHost() string {
	u, err := url.Parse(c.TargetOrigin)
	if err != nil {
		return ""
	}
	return u.Hostname()
}

// normalizeOrigin reduces an origin-like string to scheme://host[:port]/.
func normalizeOrigin(raw string) (string, bool) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" {
		return "", false
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", false
	}
	return scheme + "://" + strings.ToLower(u.Host) + "/", true
}

// defaultStateFile places name under the user's state directory.
func defaultStateFile(name string) string {
	base := os.Getenv("XDG_STATE_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return filepath.Join(os.TempDir(), "defundx", name)
		}
		base = filepath.Join(home, ".local", "state")
	}
	return filepath.Join(base, "defundx", name)
}

// Helper functions for environment variable parsing

func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		intValue, err := strconv.ParseInt(value, 10, 32)
		if err == nil {
			return int(intValue)
		}
		log.Warn().
			Str("key", key).
			Str("value", value).
			Err(err).
			Int("default", defaultValue).
			Msg("Invalid integer in environment variable, using default")
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		floatValue, err := strconv.ParseFloat(value, 64)
		if err == nil {
			return floatValue
		}
		log.Warn().
			Str("key", key).
			Str("value", value).
			Err(err).
			Float64("default", defaultValue).
			Msg("Invalid number in environment variable, using default")
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		boolValue, err := strconv.ParseBool(value)
		if err == nil {
			return boolValue
		}
		log.Warn().
			Str("key", key).
			Str("value", value).
			Err(err).
			Bool("default", defaultValue).
			Msg("Invalid boolean in environment variable, using default")
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		duration, err := time.ParseDuration(value)
		if err == nil {
			if duration > 0 {
				return duration
			}
			log.Warn().
				Str("key", key).
				Str("value", value).
				Dur("default", defaultValue).
				Msg("Duration must be positive, using default")
			return defaultValue
		}
		log.Warn().
			Str("key", key).
			Str("value", value).
			Err(err).
			Dur("default", defaultValue).
			Msg("Invalid duration in environment variable, using default")
	}
	return defaultValue
}
