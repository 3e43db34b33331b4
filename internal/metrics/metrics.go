// Package metrics defines the Prometheus metrics exported by the wallet daemon.
// All methods are safe to call on a nil *Metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "ltcwallet"

// Metrics holds wallet business and transport metrics on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	WalletsCreated  prometheus.Counter
	Refreshes       *prometheus.CounterVec
	RateFallbacks   prometheus.Counter
	Sends           *prometheus.CounterVec
	SentAmount      prometheus.Counter
	ExternalLatency *prometheus.HistogramVec
	RPCRequests     *prometheus.CounterVec
	RPCDuration     *prometheus.HistogramVec
}

// New creates the metrics and registers them, plus the Go runtime and
// process collectors, on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		WalletsCreated: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "wallets_created_total",
			Help:      "Number of custodial wallets created.",
		}),
		Refreshes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "refresh_total",
			Help:      "Balance refreshes by result (ok, fallback).",
		}, []string{"result"}),
		RateFallbacks: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_fallback_total",
			Help:      "Times the default exchange rate was used.",
		}),
		Sends: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sends_total",
			Help:      "Send workflows by terminal state.",
		}, []string{"state"}),
		SentAmount: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sent_amount_ltc_total",
			Help:      "LTC sent in broadcast transactions, excluding fees.",
		}),
		ExternalLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "external_request_duration_seconds",
			Help:      "Latency of explorer and price feed calls.",
			Buckets:   []float64{0.05, 0.1, 0.3, 0.5, 1.0, 2.0, 5.0, 10.0},
		}, []string{"service", "op", "status"}),
		RPCRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rpc_requests_total",
			Help:      "JSON-RPC requests by method and outcome.",
		}, []string{"method", "status"}),
		RPCDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "rpc_request_duration_seconds",
			Help:      "JSON-RPC request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),
	}
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// WalletCreated counts a new wallet.
func (m *Metrics) WalletCreated() {
	if m == nil {
		return
	}
	m.WalletsCreated.Inc()
}

// Refreshed counts a refresh; fallback means the cached snapshot was served.
func (m *Metrics) Refreshed(fallback bool) {
	if m == nil {
		return
	}
	result := "ok"
	if fallback {
		result = "fallback"
	}
	m.Refreshes.WithLabelValues(result).Inc()
}

// RateFallback counts a use of the default exchange rate.
func (m *Metrics) RateFallback() {
	if m == nil {
		return
	}
	m.RateFallbacks.Inc()
}

// SendFinished counts a send reaching a terminal state. amountLTC is only
// added for successful broadcasts.
func (m *Metrics) SendFinished(state string, amountLTC float64, broadcast bool) {
	if m == nil {
		return
	}
	m.Sends.WithLabelValues(state).Inc()
	if broadcast {
		m.SentAmount.Add(amountLTC)
	}
}

// ObserveExternal records the latency of an external call.
func (m *Metrics) ObserveExternal(service, op string, start time.Time, err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.ExternalLatency.WithLabelValues(service, op, status).Observe(time.Since(start).Seconds())
}

// ObserveRPC records one JSON-RPC request.
func (m *Metrics) ObserveRPC(method string, start time.Time, failed bool) {
	if m == nil {
		return
	}
	status := "ok"
	if failed {
		status = "error"
	}
	m.RPCRequests.WithLabelValues(method, status).Inc()
	m.RPCDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
}
