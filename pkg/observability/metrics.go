package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics. A nil *Metrics is a valid no-op.
type Metrics struct {
	// Plugin lifecycle metrics
	PluginInstallsTotal *prometheus.CounterVec
	PluginLoadsTotal    *prometheus.CounterVec
	PluginsActive       prometheus.Gauge

	// Hook metrics
	HookDispatchDuration *prometheus.HistogramVec
	HookFailuresTotal    *prometheus.CounterVec

	// Sandbox metrics
	SandboxViolationsTotal *prometheus.CounterVec
	SandboxInvocations     *prometheus.CounterVec

	// Marketplace metrics
	MarketplaceSearchDuration   prometheus.Histogram
	MarketplaceRepositoryErrors *prometheus.CounterVec
	MarketplaceCacheHitsTotal   prometheus.Counter
	MarketplaceCacheMissesTotal prometheus.Counter
	MarketplaceDownloadsTotal   *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		PluginInstallsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cloudcraver_plugin_installs_total",
				Help: "Total number of plugin installs",
			},
			[]string{"result"},
		),
		PluginLoadsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cloudcraver_plugin_loads_total",
				Help: "Total number of plugin loads",
			},
			[]string{"result"},
		),
		PluginsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "cloudcraver_plugin_active",
				Help: "Number of active plugins",
			},
		),

		HookDispatchDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "cloudcraver_hook_dispatch_duration_seconds",
				Help:    "Hook dispatch duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"hook"},
		),
		HookFailuresTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cloudcraver_hook_failures_total",
				Help: "Total number of failed hook handler calls",
			},
			[]string{"hook", "plugin"},
		),

		SandboxViolationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cloudcraver_sandbox_violations_total",
				Help: "Total number of sandbox violations",
			},
			[]string{"plugin"},
		),
		SandboxInvocations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cloudcraver_sandbox_invocations_total",
				Help: "Total number of sandboxed invocations",
			},
			[]string{"result"},
		),

		MarketplaceSearchDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "cloudcraver_marketplace_search_duration_seconds",
				Help:    "Marketplace search duration in seconds",
				Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
		),
		MarketplaceRepositoryErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cloudcraver_marketplace_repository_errors_total",
				Help: "Total number of marketplace repository failures",
			},
			[]string{"repo"},
		),
		MarketplaceCacheHitsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "cloudcraver_marketplace_cache_hits_total",
				Help: "Total number of marketplace cache hits",
			},
		),
		MarketplaceCacheMissesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "cloudcraver_marketplace_cache_misses_total",
				Help: "Total number of marketplace cache misses",
			},
		),
		MarketplaceDownloadsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cloudcraver_marketplace_downloads_total",
				Help: "Total number of plugin downloads",
			},
			[]string{"result"},
		),
	}

	registry.MustRegister(
		m.PluginInstallsTotal,
		m.PluginLoadsTotal,
		m.PluginsActive,
		m.HookDispatchDuration,
		m.HookFailuresTotal,
		m.SandboxViolationsTotal,
		m.SandboxInvocations,
		m.MarketplaceSearchDuration,
		m.MarketplaceRepositoryErrors,
		m.MarketplaceCacheHitsTotal,
		m.MarketplaceCacheMissesTotal,
		m.MarketplaceDownloadsTotal,
	)

	return m
}

func result(err error) string {
	if err != nil {
		return "failure"
	}
	return "success"
}

// RecordInstall counts an install attempt
func (m *Metrics) RecordInstall(err error) {
	if m == nil {
		return
	}
	m.PluginInstallsTotal.WithLabelValues(result(err)).Inc()
}

// RecordLoad counts a load attempt
func (m *Metrics) RecordLoad(err error) {
	if m == nil {
		return
	}
	m.PluginLoadsTotal.WithLabelValues(result(err)).Inc()
}

// SetActive sets the number of active plugins
func (m *Metrics) SetActive(n int) {
	if m == nil {
		return
	}
	m.PluginsActive.Set(float64(n))
}

// ObserveHook records one hook broadcast
func (m *Metrics) ObserveHook(hook string, d time.Duration) {
	if m == nil {
		return
	}
	m.HookDispatchDuration.WithLabelValues(hook).Observe(d.Seconds())
}

// RecordHookFailure counts a failed hook handler
func (m *Metrics) RecordHookFailure(hook, plugin string) {
	if m == nil {
		return
	}
	m.HookFailuresTotal.WithLabelValues(hook, plugin).Inc()
}

// RecordViolation counts a sandbox violation
func (m *Metrics) RecordViolation(plugin string) {
	if m == nil {
		return
	}
	m.SandboxViolationsTotal.WithLabelValues(plugin).Inc()
}

// RecordInvocation counts a sandboxed invocation
func (m *Metrics) RecordInvocation(err error) {
	if m == nil {
		return
	}
	m.SandboxInvocations.WithLabelValues(result(err)).Inc()
}

// ObserveSearch records a marketplace search
func (m *Metrics) ObserveSearch(d time.Duration) {
	if m == nil {
		return
	}
	m.MarketplaceSearchDuration.Observe(d.Seconds())
}

// RecordRepositoryError counts a failed repository call
func (m *Metrics) RecordRepositoryError(repo string) {
	if m == nil {
		return
	}
	m.MarketplaceRepositoryErrors.WithLabelValues(repo).Inc()
}

// RecordCache counts a cache lookup
func (m *Metrics) RecordCache(hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.MarketplaceCacheHitsTotal.Inc()
		return
	}
	m.MarketplaceCacheMissesTotal.Inc()
}

// RecordDownload counts a download attempt
func (m *Metrics) RecordDownload(err error) {
	if m == nil {
		return
	}
	m.MarketplaceDownloadsTotal.WithLabelValues(result(err)).Inc()
}

// RegisterMetricsEndpoint registers the /metrics endpoint
func RegisterMetricsEndpoint(mux *http.ServeMux, registry *prometheus.Registry) {
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
}
