// Package metrics provides a Prometheus metrics registry for the suggestion
// service.
//
// All metrics are scoped to a private registry (not the global default) so
// they don't interfere with host-level metrics when embedded in other
// applications. The /metrics HTTP handler is exposed via Handler().
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

// Registry holds all exported metrics.
type Registry struct {
	reg *prometheus.Registry

	// merino_inflight_requests
	inFlight prometheus.Gauge

	// merino_http_requests_total{route,status}
	httpRequestsTotal *prometheus.CounterVec

	// merino_http_request_duration_seconds{route}
	httpDuration *prometheus.HistogramVec

	// merino_provider_duration_seconds{provider,accepts_english}
	providerDuration *prometheus.HistogramVec

	// merino_provider_errors_total{provider,kind}
	providerErrors *prometheus.CounterVec

	// merino_cache_hits_total{tier} / merino_cache_misses_total{tier} /
	// merino_cache_errors_total{tier}
	cacheHits   *prometheus.CounterVec
	cacheMisses *prometheus.CounterVec
	cacheErrors *prometheus.CounterVec

	// merino_cache_duration_us{tier,status}
	cacheDuration *prometheus.HistogramVec

	// merino_cache_pointers_len / merino_cache_storage_len
	cachePointersLen prometheus.Gauge
	cacheStorageLen  prometheus.Gauge

	// merino_cache_singleflight_total{tier,result}
	singleflightTotal *prometheus.CounterVec

	// merino_cache_save_errors_total{tier}
	cacheSaveErrors *prometheus.CounterVec

	// merino_keyword_filter_matches_total{rule}
	keywordFilterMatches *prometheus.CounterVec

	// merino_remote_settings_syncs_total{result}
	remoteSettingsSyncs *prometheus.CounterVec

	// merino_build_info{version}
	buildInfo *prometheus.GaugeVec

	metricsHandler fasthttp.RequestHandler
}

func New() *Registry {
	reg := prometheus.NewRegistry()

	// Baseline runtime metrics even with a private registry.
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	r := &Registry{
		reg: reg,

		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "merino_inflight_requests",
			Help: "Current number of in-flight HTTP requests",
		}),

		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "merino_http_requests_total",
				Help: "Total number of HTTP requests handled",
			},
			[]string{"route", "status"},
		),

		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "merino_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds (end-to-end)",
				Buckets: []float64{0.001, 0.002, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"route"},
		),

		providerDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "merino_provider_duration_seconds",
				Help:    "Per-provider suggest duration in seconds",
				Buckets: []float64{0.0005, 0.001, 0.002, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2},
			},
			[]string{"provider", "accepts_english"},
		),

		providerErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "merino_provider_errors_total",
				Help: "Provider errors by kind",
			},
			[]string{"provider", "kind"},
		),

		cacheHits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "merino_cache_hits_total",
				Help: "Cache hits per tier",
			},
			[]string{"tier"},
		),

		cacheMisses: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "merino_cache_misses_total",
				Help: "Cache misses per tier",
			},
			[]string{"tier"},
		),

		cacheErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "merino_cache_errors_total",
				Help: "Cache infrastructure errors per tier",
			},
			[]string{"tier"},
		),

		cacheDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "merino_cache_duration_us",
				Help:    "Cache layer suggest duration in microseconds, by resulting status",
				Buckets: prometheus.ExponentialBuckets(50, 2, 16), // 50us .. ~1.6s
			},
			[]string{"tier", "status"},
		),

		cachePointersLen: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "merino_cache_pointers_len",
			Help: "Memory cache pointer-map entry count",
		}),

		cacheStorageLen: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "merino_cache_storage_len",
			Help: "Memory cache storage-map entry count",
		}),

		singleflightTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "merino_cache_singleflight_total",
				Help: "Single-flight outcomes per tier (lead, wait, bypass, takeover)",
			},
			[]string{"tier", "result"},
		),

		cacheSaveErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "merino_cache_save_errors_total",
				Help: "Failed cache writes per tier",
			},
			[]string{"tier"},
		),

		keywordFilterMatches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "merino_keyword_filter_matches_total",
				Help: "Suggestions dropped by the keyword filter, per rule id",
			},
			[]string{"rule"},
		),

		remoteSettingsSyncs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "merino_remote_settings_syncs_total",
				Help: "Remote Settings sync outcomes",
			},
			[]string{"result"},
		),

		buildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "merino_build_info",
				Help: "Build information",
			},
			[]string{"version"},
		),
	}

	reg.MustRegister(
		r.inFlight,
		r.httpRequestsTotal,
		r.httpDuration,
		r.providerDuration,
		r.providerErrors,
		r.cacheHits,
		r.cacheMisses,
		r.cacheErrors,
		r.cacheDuration,
		r.cachePointersLen,
		r.cacheStorageLen,
		r.singleflightTotal,
		r.cacheSaveErrors,
		r.keywordFilterMatches,
		r.remoteSettingsSyncs,
		r.buildInfo,
	)

	h := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	r.metricsHandler = fasthttpadaptor.NewFastHTTPHandler(h)

	return r
}

func (r *Registry) IncInFlight() { r.inFlight.Inc() }
func (r *Registry) DecInFlight() { r.inFlight.Dec() }

// ObserveHTTP records end-to-end HTTP metrics.
func (r *Registry) ObserveHTTP(route string, statusCode int, dur time.Duration) {
	r.httpRequestsTotal.WithLabelValues(route, strconv.Itoa(statusCode)).Inc()
	r.httpDuration.WithLabelValues(route).Observe(dur.Seconds())
}

// ObserveProvider records one provider suggest call.
func (r *Registry) ObserveProvider(provider string, acceptsEnglish bool, dur time.Duration) {
	r.providerDuration.WithLabelValues(provider, strconv.FormatBool(acceptsEnglish)).Observe(dur.Seconds())
}

func (r *Registry) RecordProviderError(provider, kind string) {
	r.providerErrors.WithLabelValues(provider, kind).Inc()
}

func (r *Registry) CacheHit(tier string)   { r.cacheHits.WithLabelValues(tier).Inc() }
func (r *Registry) CacheMiss(tier string)  { r.cacheMisses.WithLabelValues(tier).Inc() }
func (r *Registry) CacheError(tier string) { r.cacheErrors.WithLabelValues(tier).Inc() }

// ObserveCache records a cache layer's suggest duration by resulting status.
func (r *Registry) ObserveCache(tier, status string, dur time.Duration) {
	r.cacheDuration.WithLabelValues(tier, status).Observe(float64(dur.Microseconds()))
}

// SetMemoryCacheLens publishes the memory cache's two map sizes.
func (r *Registry) SetMemoryCacheLens(pointers, storage int) {
	r.cachePointersLen.Set(float64(pointers))
	r.cacheStorageLen.Set(float64(storage))
}

// RecordSingleflight records a single-flight outcome: "lead" (this caller did
// the fetch), "wait" (observed the holder's result), "bypass" (gave up
// waiting and queried upstream directly), or "takeover" (the holder was
// cancelled and this caller fetched in its place).
func (r *Registry) RecordSingleflight(tier, result string) {
	r.singleflightTotal.WithLabelValues(tier, result).Inc()
}

func (r *Registry) RecordCacheSaveError(tier string) {
	r.cacheSaveErrors.WithLabelValues(tier).Inc()
}

func (r *Registry) RecordKeywordFilterMatch(rule string) {
	r.keywordFilterMatches.WithLabelValues(rule).Inc()
}

// RecordSync records a Remote Settings sync outcome: "ok", "error", or "empty".
func (r *Registry) RecordSync(result string) {
	r.remoteSettingsSyncs.WithLabelValues(result).Inc()
}

func (r *Registry) SetBuildInfo(version string) {
	// Gauge is used so the time series always exists.
	r.buildInfo.WithLabelValues(version).Set(1)
}

func (r *Registry) Handler() fasthttp.RequestHandler {
	return r.metricsHandler
}

func (r *Registry) PromRegistry() *prometheus.Registry { return r.reg }
