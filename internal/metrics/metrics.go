// Package metrics provides Prometheus metrics for monitoring defundx.
package metrics

import (
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// RequestsObserved counts outbound requests matching a telemetry marker.
	RequestsObserved = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "defundx_requests_observed_total",
			Help: "Outbound requests matching a tracking marker",
		},
		[]string{"marker"},
	)

	// Deliveries counts BLOCKED_REQUEST deliveries by outcome.
	Deliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "defundx_event_deliveries_total",
			Help: "Blocked-request events by delivery outcome",
		},
		[]string{"outcome"},
	)

	// ScriptsBlocked counts tracking scripts removed from pages.
	ScriptsBlocked = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "defundx_scripts_blocked_total",
			Help: "Tracking script elements removed from pages",
		},
	)

	// AttributesRemoved counts tracking attributes stripped by the one-shot pass.
	AttributesRemoved = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "defundx_attributes_removed_total",
			Help: "Tracking attributes removed from page elements",
		},
	)

	// URLsSanitized counts page addresses rewritten without tracking parameters.
	URLsSanitized = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "defundx_urls_sanitized_total",
			Help: "Page addresses rewritten without tracking parameters",
		},
	)

	// RegistrationsRemoved counts controller registrations torn down.
	RegistrationsRemoved = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "defundx_registrations_removed_total",
			Help: "Persistent controller registrations unregistered",
		},
	)

	// LifecycleTransitions counts observed controller state transitions.
	LifecycleTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "defundx_lifecycle_transitions_total",
			Help: "Observed controller lifecycle transitions by target state",
		},
		[]string{"state"},
	)

	// LedgerCount mirrors the persisted blocked-request counter.
	LedgerCount = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "defundx_ledger_count",
			Help: "Last known persisted blocked-request count",
		},
	)

	// PagesOrchestrated counts qualifying page loads the orchestrator ran on.
	PagesOrchestrated = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "defundx_pages_orchestrated_total",
			Help: "Page loads on the protected origin that were processed",
		},
	)

	// GoroutineCount shows current goroutine count.
	GoroutineCount = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "defundx_goroutines",
			Help: "Current number of goroutines",
		},
	)

	// BuildInfo provides build information as labels.
	BuildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "defundx_build_info",
			Help: "Build information",
		},
		[]string{"version", "go_version"},
	)
)

func init() {
	prometheus.MustRegister(
		RequestsObserved,
		Deliveries,
		ScriptsBlocked,
		AttributesRemoved,
		URLsSanitized,
		RegistrationsRemoved,
		LifecycleTransitions,
		LedgerCount,
		PagesOrchestrated,
		GoroutineCount,
		BuildInfo,
	)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// SetBuildInfo sets the build info metric.
func SetBuildInfo(version, goVersion string) {
	BuildInfo.WithLabelValues(version, goVersion).Set(1)
}

// StartRuntimeCollector periodically updates runtime gauges until stopCh closes.
func StartRuntimeCollector(interval time.Duration, stopCh <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			GoroutineCount.Set(float64(runtime.NumGoroutine()))
		case <-stopCh:
			return
		}
	}
}

// RecordRequestObserved records a matching outbound request.
func RecordRequestObserved(marker string) {
	RequestsObserved.WithLabelValues(marker).Inc()
}

// RecordDelivery records the outcome of one event delivery:
// "delivered", "no_active_tab" or "no_receiver".
func RecordDelivery(outcome string) {
	Deliveries.WithLabelValues(outcome).Inc()
}

// RecordScriptBlocked records a removed tracking script.
func RecordScriptBlocked() {
	ScriptsBlocked.Inc()
}

// RecordAttributesRemoved records attributes stripped by one pass.
func RecordAttributesRemoved(n int) {
	AttributesRemoved.Add(float64(n))
}

// RecordURLSanitized records a rewritten page address.
func RecordURLSanitized() {
	URLsSanitized.Inc()
}

// RecordRegistrationRemoved records an unregistered controller.
func RecordRegistrationRemoved() {
	RegistrationsRemoved.Inc()
}

// RecordLifecycle records an observed controller transition.
func RecordLifecycle(state string) {
	LifecycleTransitions.WithLabelValues(state).Inc()
}

// RecordLedgerCount records the latest persisted counter value.
func RecordLedgerCount(count int) {
	LedgerCount.Set(float64(count))
}

// RecordPageOrchestrated records a processed page load.
func RecordPageOrchestrated() {
	PagesOrchestrated.Inc()
}
