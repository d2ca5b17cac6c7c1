package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type PrometheusRecorder struct {
	verifications *prometheus.CounterVec
	settlements   *prometheus.CounterVec
	latency       *prometheus.HistogramVec
}

// NewPrometheusRecorder registers the engine's collectors on the default
// registry. Call it once per process.
func NewPrometheusRecorder() Recorder {
	verifications := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "x402",
			Name:      "verifications_total",
			Help:      "Payment verification outcomes",
		},
		[]string{"network", "reason"},
	)

	settlements := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "x402",
			Name:      "settlements_total",
			Help:      "Payment settlement outcomes",
		},
		[]string{"network", "outcome"},
	)

	latency := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "x402",
			Name:      "operation_latency_seconds",
			Help:      "Engine operation latency",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"operation", "network"},
	)

	prometheus.MustRegister(verifications, settlements, latency)

	return &PrometheusRecorder{
		verifications: verifications,
		settlements:   settlements,
		latency:       latency,
	}
}

func (p *PrometheusRecorder) IncVerification(network, reason string) {
	p.verifications.With(prometheus.Labels{"network": network, "reason": reason}).Inc()
}

func (p *PrometheusRecorder) IncSettlement(network, outcome string) {
	p.settlements.With(prometheus.Labels{"network": network, "outcome": outcome}).Inc()
}

func (p *PrometheusRecorder) ObserveLatency(operation, network string, d time.Duration) {
	p.latency.With(prometheus.Labels{"operation": operation, "network": network}).Observe(d.Seconds())
}
