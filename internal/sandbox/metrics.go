package sandbox

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics counts generated documents by outcome.
type Metrics struct {
	Documents        *prometheus.CounterVec
	GenerateDuration prometheus.Histogram
}

// NewMetrics creates the sandbox metrics and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Documents: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "blocksite_sandbox_documents_total",
				Help: "Total number of sandbox document requests by outcome",
			},
			[]string{"outcome"},
		),
		GenerateDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "blocksite_sandbox_generate_duration_seconds",
				Help:    "Time to generate a sandbox document in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
			},
		),
	}
}

func (m *Metrics) observe(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.Documents.WithLabelValues(outcome).Inc()
	m.GenerateDuration.Observe(d.Seconds())
}
