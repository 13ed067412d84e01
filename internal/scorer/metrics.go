package scorer

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	sentinelScores = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "featuremark",
		Subsystem: "scorer",
		Name:      "sentinel_scores_total",
		Help:      "Lookups that failed and reported the error score",
	})

	embeddingLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "featuremark",
		Subsystem: "scorer",
		Name:      "embedding_lookups_total",
		Help:      "Description embedding lookups by source",
	}, []string{"source"}) // cache, store, model, missing, model_failed, write_failed
)
