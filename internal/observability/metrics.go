package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service.
type Metrics struct {
	Operations        *prometheus.CounterVec
	OperationLatency  *prometheus.HistogramVec
	EvictedTurns      prometheus.Counter
	IngestedFragments prometheus.Counter
	EmbeddingErrors   *prometheus.CounterVec
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		Operations: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_total",
			Help:      "Engine operations by name and outcome.",
		}, []string{"op", "outcome"}),
		OperationLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_latency_ms",
			Help:      "Engine operation latency in milliseconds.",
			Buckets:   []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
		}, []string{"op"}),
		EvictedTurns: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "evicted_turns_total",
			Help:      "Conversational turns evicted by the history capacity policy.",
		}),
		IngestedFragments: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingested_fragments_total",
			Help:      "Document fragments stored by ingestion.",
		}),
		EmbeddingErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "embedding_errors_total",
			Help:      "Embedding gateway failures by operation.",
		}, []string{"op"}),
	}
}

func (m *Metrics) ObserveOperation(op, outcome string, d time.Duration) {
	m.Operations.WithLabelValues(op, outcome).Inc()
	m.OperationLatency.WithLabelValues(op).Observe(float64(d.Milliseconds()))
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
