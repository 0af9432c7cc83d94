// Package metrics exposes the proxy's Prometheus series and the chi
// mux that serves them on metrics_port. Adapted from the teacher's
// pkg/prometheus/metrics.Meter (which recorded the same
// hit/miss/latency shape against VictoriaMetrics); this module wires
// the same concerns onto github.com/prometheus/client_golang, the
// stack's ecosystem-standard choice, registered per policy name rather
// than per HTTP path+method.
package metrics

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the four named series of spec §10.
type Metrics struct {
	CacheHits     *prometheus.CounterVec
	CacheMisses   *prometheus.CounterVec
	FetchSeconds  *prometheus.HistogramVec
	StorageBytes  *prometheus.GaugeVec

	registry *prometheus.Registry
}

// New builds a fresh registry and registers every series on it.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		CacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cache_hits_total",
			Help: "Cache hits served without an upstream fetch.",
		}, []string{"policy"}),
		CacheMisses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cache_misses_total",
			Help: "Requests that required an upstream fetch.",
		}, []string{"policy"}),
		FetchSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "upstream_fetch_seconds",
			Help:    "Upstream fetch latency, observed per single-flight leader call.",
			Buckets: prometheus.DefBuckets,
		}, []string{"policy"}),
		StorageBytes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "storage_size_bytes",
			Help: "Current total cached size tracked by a policy's size accounting key.",
		}, []string{"policy"}),
	}

	reg.MustRegister(m.CacheHits, m.CacheMisses, m.FetchSeconds, m.StorageBytes)
	return m
}

// Handler returns the chi mux serving /metrics in the Prometheus
// exposition format, the same router library the teacher pairs with
// fasthttp's net/http fallback admin endpoints.
func (m *Metrics) Handler() http.Handler {
	r := chi.NewRouter()
	r.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
	return r
}
