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

// Registry holds every metric the gateway exports.
type Registry struct {
	reg *prometheus.Registry

	// gateway_inflight_requests
	inFlight prometheus.Gauge

	// gateway_http_requests_total{route,status}
	httpRequestsTotal *prometheus.CounterVec

	// gateway_http_request_duration_seconds{route}
	httpDuration *prometheus.HistogramVec

	// gateway_channel_attempts_total{channel,outcome} — one count per C9
	// orchestrator attempt against a channel adapter (§4.9 step 4-6).
	channelAttempts *prometheus.CounterVec

	// gateway_channel_attempt_duration_seconds{channel,outcome}
	channelDuration *prometheus.HistogramVec

	// gateway_cache_hits_total / gateway_cache_misses_total — C5's prompt
	// cache simulator.
	cacheHits   prometheus.Counter
	cacheMisses prometheus.Counter

	// gateway_token_check_total{channel,result} — outcome of C2's
	// get_valid_token, whether it returned a cached token or refreshed one.
	tokenCheckTotal *prometheus.CounterVec

	// gateway_account_breaker_state{account_id,channel} — 0=closed,
	// 1=open, mirroring account.Pool.StateLabel (C4).
	breakerState *prometheus.GaugeVec

	// gateway_tokens_total{channel,model,direction} — usage derived from
	// upstream usage fields (C10).
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
				Help:    "HTTP request duration in seconds (handler time; a streamed response body is not included)",
				Buckets: []float64{0.001, 0.002, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60},
			},
			[]string{"route"},
		),

		channelAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_channel_attempts_total",
				Help: "Total channel adapter attempts by outcome",
			},
			[]string{"channel", "outcome"},
		),

		channelDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_channel_attempt_duration_seconds",
				Help:    "Channel adapter attempt duration in seconds",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60, 120},
			},
			[]string{"channel", "outcome"},
		),

		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_cache_hits_total",
			Help: "Prompt-cache simulator hits",
		}),

		cacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_cache_misses_total",
			Help: "Prompt-cache simulator misses",
		}),

		tokenCheckTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_token_check_total",
				Help: "get_valid_token outcomes by channel and result",
			},
			[]string{"channel", "result"},
		),

		breakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gateway_account_breaker_state",
				Help: "Account breaker state (0=closed,1=open)",
			},
			[]string{"account_id", "channel"},
		),

		tokensTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_tokens_total",
				Help: "Token usage totals reported by upstream channels",
			},
			[]string{"channel", "model", "direction"},
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
		r.channelAttempts,
		r.channelDuration,
		r.cacheHits,
		r.cacheMisses,
		r.tokenCheckTotal,
		r.breakerState,
		r.tokensTotal,
		r.buildInfo,
	)

	h := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	r.metricsHandler = fasthttpadaptor.NewFastHTTPHandler(h)

	return r
}

func (r *Registry) IncInFlight() { r.inFlight.Inc() }
func (r *Registry) DecInFlight() { r.inFlight.Dec() }

// ObserveHTTP records end-to-end HTTP metrics for one request.
func (r *Registry) ObserveHTTP(route string, statusCode int, dur time.Duration) {
	status := strconv.Itoa(statusCode)
	r.httpRequestsTotal.WithLabelValues(route, status).Inc()
	r.httpDuration.WithLabelValues(route).Observe(dur.Seconds())
}

// ObserveChannelAttempt records one C9 orchestrator attempt against a
// channel adapter.
func (r *Registry) ObserveChannelAttempt(channel, outcome string, dur time.Duration) {
	r.channelAttempts.WithLabelValues(channel, outcome).Inc()
	r.channelDuration.WithLabelValues(channel, outcome).Observe(dur.Seconds())
}

func (r *Registry) CacheHit()  { r.cacheHits.Inc() }
func (r *Registry) CacheMiss() { r.cacheMisses.Inc() }

// RecordTokenCheck records one C2 get_valid_token outcome; result is "ok"
// or "failed".
func (r *Registry) RecordTokenCheck(channel, result string) {
	r.tokenCheckTotal.WithLabelValues(channel, result).Inc()
}

// SetBreakerState mirrors account.Pool.StateLabel for one account (C4).
func (r *Registry) SetBreakerState(accountID, channel string, open bool) {
	v := 0.0
	if open {
		v = 1.0
	}
	r.breakerState.WithLabelValues(accountID, channel).Set(v)
}

// AddTokens records C10 usage token counts by direction.
func (r *Registry) AddTokens(channel, model string, inputTokens, outputTokens int) {
	if inputTokens > 0 {
		r.tokensTotal.WithLabelValues(channel, model, "input").Add(float64(inputTokens))
	}
	if outputTokens > 0 {
		r.tokensTotal.WithLabelValues(channel, model, "output").Add(float64(outputTokens))
	}
}

func (r *Registry) SetBuildInfo(version string) {
	// Gauge is used so the time series always exists.
	r.buildInfo.WithLabelValues(version).Set(1)
}

func (r *Registry) Handler() fasthttp.RequestHandler {
	return r.metricsHandler
}
