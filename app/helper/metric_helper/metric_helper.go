package metric_helper

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registry = prometheus.NewRegistry()

	// RequestTotal 路由解析成功且通过限流后计数，401/403/429 不计入
	RequestTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "apex_requests_total",
			Help: "Gateway requests total",
		},
		[]string{"route", "router"},
	)

	ErrorTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "apex_errors_total",
			Help: "Gateway errors total",
		},
		[]string{"route", "router", "status"},
	)

	TokenTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "apex_token_total",
			Help: "Token usage total",
		},
		[]string{"router", "channel", "model", "type"},
	)

	UpstreamLatencyMs = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "apex_upstream_latency_ms",
			Help:    "Upstream latency in ms",
			Buckets: []float64{10, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000},
		},
		[]string{"route", "router", "channel"},
	)

	FallbackTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "apex_fallback_total",
			Help: "Gateway fallback total",
		},
		[]string{"router", "channel"},
	)
)

func init() {
	registry.MustRegister(RequestTotal, ErrorTotal, TokenTotal, UpstreamLatencyMs, FallbackTotal)
}

// Handler Prometheus 文本格式暴露
func Handler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
