// Package metrics provides a Prometheus metrics registry for the gateway.
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

	// gateway_inflight_requests
	inFlight prometheus.Gauge

	// gateway_http_requests_total{route,status}
	httpRequestsTotal *prometheus.CounterVec

	// gateway_http_request_duration_seconds{route}
	httpDuration *prometheus.HistogramVec

	// gateway_request_duration_seconds{route,source} — source: cache|coalesced|upstream
	requestDuration *prometheus.HistogramVec

	// gateway_upstream_attempts_total{outcome} — success|transient|credential_invalid|timeout
	upstreamAttempts *prometheus.CounterVec

	// gateway_upstream_attempt_duration_seconds{outcome}
	upstreamDuration *prometheus.HistogramVec

	// cache_hits_total / cache_misses_total
	cacheHits   prometheus.Counter
	cacheMisses prometheus.Counter

	// gateway_cache_operations_total{op,result}
	cacheOps *prometheus.CounterVec

	// gateway_cache_entries
	cacheEntries prometheus.Gauge

	// gateway_coalesced_requests_total{role} — owner|follower
	coalesced *prometheus.CounterVec

	// gateway_inflight_fingerprints
	inflightFingerprints prometheus.Gauge

	// gateway_key_pool_size{state} — live|invalid
	keyPoolSize *prometheus.GaugeVec

	// gateway_key_acquisitions_total{result} — ok|exhausted
	keyAcquisitions *prometheus.CounterVec

	// gateway_key_invalidations_total
	keyInvalidations prometheus.Counter

	// gateway_ratelimit_total{result}
	rateLimitTotal *prometheus.CounterVec

	// gateway_tokens_total{direction,source}
	tokensTotal *prometheus.CounterVec

	// gateway_build_info{version}
	buildInfo *prometheus.GaugeVec

	metricsHandler fasthttp.RequestHandler
}

func New() *Registry {
	reg := prometheus.NewRegistry()

	// Baseline runtime metrics even with a private registry.
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	durationBuckets := []float64{0.001, 0.002, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60}

	r := &Registry{
		reg: reg,

		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_inflight_requests",
			Help: "Current number of in-flight HTTP requests handled by the gateway",
		}),

		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_http_requests_total",
				Help: "Total number of HTTP requests handled by the gateway",
			},
			[]string{"route", "status"},
		),

		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds (end-to-end, includes cache + upstream)",
				Buckets: durationBuckets,
			},
			[]string{"route"},
		),

		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_request_duration_seconds",
				Help:    "End-to-end request duration by response source (cache, coalesced, upstream)",
				Buckets: durationBuckets,
			},
			[]string{"route", "source"},
		),

		upstreamAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_upstream_attempts_total",
				Help: "Total upstream attempts (includes key-rotation retries)",
			},
			[]string{"outcome"},
		),

		upstreamDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_upstream_attempt_duration_seconds",
				Help:    "Upstream attempt duration in seconds",
				Buckets: durationBuckets,
			},
			[]string{"outcome"},
		),

		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cache_hits_total",
			Help: "Total cache hits",
		}),

		cacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cache_misses_total",
			Help: "Total cache misses",
		}),

		cacheOps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_cache_operations_total",
				Help: "Cache operations by type and result",
			},
			[]string{"op", "result"},
		),

		cacheEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_cache_entries",
			Help: "Entries currently held by the in-memory response cache",
		}),

		coalesced: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_coalesced_requests_total",
				Help: "Coalescing decisions: owner performs the upstream call, followers wait",
			},
			[]string{"role"},
		),

		inflightFingerprints: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_inflight_fingerprints",
			Help: "Distinct request fingerprints currently in flight upstream",
		}),

		keyPoolSize: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gateway_key_pool_size",
				Help: "API key pool membership by state",
			},
			[]string{"state"},
		),

		keyAcquisitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_key_acquisitions_total",
				Help: "Key acquisition attempts against the rotation cursor",
			},
			[]string{"result"},
		),

		keyInvalidations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_key_invalidations_total",
			Help: "Keys permanently removed from the live pool",
		}),

		rateLimitTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_ratelimit_total",
				Help: "Rate limit decisions",
			},
			[]string{"result"},
		),

		tokensTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_tokens_total",
				Help: "Token usage totals derived from upstream usage fields",
			},
			[]string{"direction", "source"},
		),

		buildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gateway_build_info",
				Help: "Build information",
			},
			[]string{"version"},
		),
	}

	reg.MustRegister(
		r.inFlight,
		r.httpRequestsTotal,
		r.httpDuration,
		r.requestDuration,
		r.upstreamAttempts,
		r.upstreamDuration,
		r.cacheHits,
		r.cacheMisses,
		r.cacheOps,
		r.cacheEntries,
		r.coalesced,
		r.inflightFingerprints,
		r.keyPoolSize,
		r.keyAcquisitions,
		r.keyInvalidations,
		r.rateLimitTotal,
		r.tokensTotal,
		r.buildInfo,
	)

	h := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	r.metricsHandler = fasthttpadaptor.NewFastHTTPHandler(h)

	return r
}

// Handler returns the fasthttp handler serving the /metrics endpoint.
func (r *Registry) Handler() fasthttp.RequestHandler { return r.metricsHandler }

func (r *Registry) IncInFlight() { r.inFlight.Inc() }
func (r *Registry) DecInFlight() { r.inFlight.Dec() }

// ObserveHTTP records end-to-end HTTP metrics.
func (r *Registry) ObserveHTTP(route string, statusCode int, dur time.Duration) {
	status := strconv.Itoa(statusCode)
	r.httpRequestsTotal.WithLabelValues(route, status).Inc()
	r.httpDuration.WithLabelValues(route).Observe(dur.Seconds())
}

// ObserveRequest records request latency by response source
// ("cache", "coalesced", or "upstream").
func (r *Registry) ObserveRequest(route, source string, dur time.Duration) {
	r.requestDuration.WithLabelValues(route, source).Observe(dur.Seconds())
}

// ObserveUpstreamAttempt records one upstream attempt with its outcome label.
func (r *Registry) ObserveUpstreamAttempt(outcome string, dur time.Duration) {
	r.upstreamAttempts.WithLabelValues(outcome).Inc()
	r.upstreamDuration.WithLabelValues(outcome).Observe(dur.Seconds())
}

func (r *Registry) CacheGetHit() { r.cacheHits.Inc(); r.cacheOps.WithLabelValues("get", "hit").Inc() }
func (r *Registry) CacheGetMiss() {
	r.cacheMisses.Inc()
	r.cacheOps.WithLabelValues("get", "miss").Inc()
}
func (r *Registry) CacheGetBypass() { r.cacheOps.WithLabelValues("get", "bypass").Inc() }
func (r *Registry) CacheSetOK()     { r.cacheOps.WithLabelValues("set", "ok").Inc() }
func (r *Registry) CacheSetError()  { r.cacheOps.WithLabelValues("set", "error").Inc() }

// SetCacheEntries publishes the in-memory cache size after a sweep.
func (r *Registry) SetCacheEntries(n int) { r.cacheEntries.Set(float64(n)) }

// RecordCoalesced records one coalescing decision ("owner" or "follower").
func (r *Registry) RecordCoalesced(role string) { r.coalesced.WithLabelValues(role).Inc() }

// SetInflightFingerprints publishes the tracker's current flight count.
func (r *Registry) SetInflightFingerprints(n int) { r.inflightFingerprints.Set(float64(n)) }

// SetKeyPool publishes the pool membership gauges.
func (r *Registry) SetKeyPool(live, invalid int) {
	r.keyPoolSize.WithLabelValues("live").Set(float64(live))
	r.keyPoolSize.WithLabelValues("invalid").Set(float64(invalid))
}

// RecordKeyAcquisition records an Acquire outcome ("ok" or "exhausted").
func (r *Registry) RecordKeyAcquisition(result string) {
	r.keyAcquisitions.WithLabelValues(result).Inc()
}

// RecordKeyInvalidation counts a permanent pool removal.
func (r *Registry) RecordKeyInvalidation() { r.keyInvalidations.Inc() }

// RecordRateLimit records a rate limit decision ("allowed", "blocked", "error").
func (r *Registry) RecordRateLimit(result string) {
	r.rateLimitTotal.WithLabelValues(result).Inc()
}

// AddTokens accumulates token usage for a served request.
func (r *Registry) AddTokens(source string, inputTokens, outputTokens int) {
	if inputTokens > 0 {
		r.tokensTotal.WithLabelValues("input", source).Add(float64(inputTokens))
	}
	if outputTokens > 0 {
		r.tokensTotal.WithLabelValues("output", source).Add(float64(outputTokens))
	}
}

// SetBuildInfo publishes the build version gauge.
func (r *Registry) SetBuildInfo(version string) {
	r.buildInfo.WithLabelValues(version).Set(1)
}
