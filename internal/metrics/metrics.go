// Package metrics defines the gateway's Prometheus registry.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry bundles every metric the gateway exports, on its own Prometheus
// registry so tests can create isolated instances.
type Registry struct {
	reg *prometheus.Registry

	RequestsTotal  *prometheus.CounterVec
	RequestLatency *prometheus.HistogramVec
	TTFB           *prometheus.HistogramVec
	FailoversTotal *prometheus.CounterVec
	TokensTotal    *prometheus.CounterVec
	CostUSD        *prometheus.CounterVec

	CacheOps       *prometheus.CounterVec
	BlacklistSize  prometheus.Gauge
	ChannelHealthy *prometheus.GaugeVec
	RateLimited    prometheus.Counter
	DiscoveryRuns  *prometheus.CounterVec
}

// New creates and registers the metric set.
func New() *Registry {
	reg := prometheus.NewRegistry()
	m := &Registry{
		reg: reg,
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "smartrouter_requests_total",
			Help: "Requests routed, by serving channel and outcome",
		}, []string{"channel", "provider", "model", "status"}),
		RequestLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "smartrouter_request_latency_ms",
			Help:    "End-to-end upstream latency in milliseconds",
			Buckets: prometheus.ExponentialBuckets(10, 2, 12),
		}, []string{"channel", "provider"}),
		TTFB: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "smartrouter_stream_ttfb_ms",
			Help:    "Streaming time to first byte in milliseconds",
			Buckets: prometheus.ExponentialBuckets(10, 2, 12),
		}, []string{"channel", "provider"}),
		FailoversTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "smartrouter_failovers_total",
			Help: "Failover attempts, by error class of the failed channel",
		}, []string{"channel", "error_class"}),
		TokensTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "smartrouter_tokens_total",
			Help: "Tokens processed, split by direction",
		}, []string{"channel", "model", "direction"}),
		CostUSD: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "smartrouter_cost_usd_total",
			Help: "Estimated spend in USD",
		}, []string{"channel", "model", "price_source"}),
		CacheOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "smartrouter_route_cache_ops_total",
			Help: "Routing selection cache operations",
		}, []string{"op"}), // hit|miss|invalidate
		BlacklistSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "smartrouter_blacklist_entries",
			Help: "Active blacklist entries",
		}),
		ChannelHealthy: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "smartrouter_channel_healthy",
			Help: "Channel health: 1 healthy, 0.5 degraded, 0 down",
		}, []string{"channel"}),
		RateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "smartrouter_rate_limited_total",
			Help: "Requests rejected by the per-client rate limiter",
		}),
		DiscoveryRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "smartrouter_discovery_runs_total",
			Help: "Model discovery refreshes, by outcome",
		}, []string{"outcome"}), // ok|error
	}
	reg.MustRegister(
		m.RequestsTotal, m.RequestLatency, m.TTFB, m.FailoversTotal,
		m.TokensTotal, m.CostUSD, m.CacheOps, m.BlacklistSize,
		m.ChannelHealthy, m.RateLimited, m.DiscoveryRuns,
	)
	return m
}

// Handler serves this registry at /metrics.
func (m *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// SetChannelHealth records the tracker state as a gauge value.
func (m *Registry) SetChannelHealth(channel, state string) {
	v := 0.0
	switch state {
	case "healthy":
		v = 1
	case "degraded":
		v = 0.5
	}
	m.ChannelHealthy.WithLabelValues(channel).Set(v)
}
