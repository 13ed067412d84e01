package scheduler

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// jobRuns counts scheduled job runs.
	// Labels: job, result (ok, skipped, soft_limit, hard_limit, cancelled, failed)
	jobRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "featuremark",
		Subsystem: "scheduler",
		Name:      "job_runs_total",
		Help:      "Scheduled job runs by result",
	}, []string{"job", "result"})

	// gateContention counts activations refused because another instance
	// held the gate.
	gateContention = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "featuremark",
		Subsystem: "scheduler",
		Name:      "gate_contention_total",
		Help:      "Job activations refused by the gate",
	}, []string{"job"})

	claimResets = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "featuremark",
		Subsystem: "scheduler",
		Name:      "claim_resets_total",
		Help:      "Protocol claims cleared, by reason",
	}, []string{"reason"})

	reconnects = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "featuremark",
		Subsystem: "scheduler",
		Name:      "reconnects_total",
		Help:      "Database reconnects after connection loss",
	})
)
