package marker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// protocolsMarked counts protocol marking passes.
	// Labels: result (clean, with_errors, failed)
	protocolsMarked = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "featuremark",
		Subsystem: "marker",
		Name:      "protocols_total",
		Help:      "Protocol marking passes by result",
	}, []string{"result"})

	// patientsMarked counts additional marking passes.
	patientsMarked = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "featuremark",
		Subsystem: "marker",
		Name:      "patients_total",
		Help:      "Additional marking passes by result",
	}, []string{"result"})

	// featureAttentions counts attentions written to edges.
	// Labels: stage (mark, transitional, additional), attention
	featureAttentions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "featuremark",
		Subsystem: "marker",
		Name:      "feature_attentions_total",
		Help:      "Edge attentions written by stage",
	}, []string{"stage", "attention"})

	markingDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "featuremark",
		Subsystem: "marker",
		Name:      "duration_seconds",
		Help:      "Duration of one protocol or patient pass",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
	}, []string{"stage"})
)

func resultLabel(hadErrors bool) string {
	if hadErrors {
		return "with_errors"
	}
	return "clean"
}
