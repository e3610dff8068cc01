// Package observability groups the Prometheus instruments of the memory
// subsystem.
package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all instruments used by the service.
type Metrics struct {
	TurnsHandled      *prometheus.CounterVec
	WindowRejections  prometheus.Counter
	RecoveryCycles    *prometheus.CounterVec
	FactsExtracted    prometheus.Counter
	FactsDeduplicated prometheus.Counter
	FactsStored       prometheus.Counter
	CuratorDrops      prometheus.Counter
	GenerateLatency   prometheus.Histogram
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		TurnsHandled: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_handled_total",
			Help:      "Handled user turns by outcome.",
		}, []string{"outcome"}),
		WindowRejections: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "window_rejections_total",
			Help:      "Context windows rejected for structural violations.",
		}),
		RecoveryCycles: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recovery_cycles_total",
			Help:      "Session recovery cycles by terminal state.",
		}, []string{"state"}),
		FactsExtracted: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "facts_extracted_total",
			Help:      "Facts produced by the extraction capability.",
		}),
		FactsDeduplicated: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "facts_deduplicated_total",
			Help:      "Extracted facts skipped as near-duplicates.",
		}),
		FactsStored: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "facts_stored_total",
			Help:      "Facts written to the semantic index.",
		}),
		CuratorDrops: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "curator_queue_drops_total",
			Help:      "Curation tasks dropped because a user queue was full.",
		}),
		GenerateLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "generate_latency_ms",
			Help:      "Latency of generation calls in milliseconds.",
			Buckets:   []float64{200, 500, 1000, 2000, 4000, 8000, 16000},
		}),
	}
}

func (m *Metrics) ObserveGenerateLatency(d time.Duration) {
	m.GenerateLatency.Observe(float64(d.Milliseconds()))
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
