package scheduler

import (
	"context"
	"log/slog"

	"github.com/dizel0110/ITMO-sub000/internal/db"
	"github.com/dizel0110/ITMO-sub000/internal/marker"
)

// PatientQueue lists patients whose protocols changed since their last
// additional pass.
type PatientQueue interface {
	PatientsToReprocess(ctx context.Context) ([]int64, error)
	Reconnect(ctx context.Context) error
}

// PatientMarker runs additional marking for one patient.
type PatientMarker interface {
	Mark(ctx context.Context, patientID int64) (*marker.AdditionalResult, error)
}

// AdditionalJob reprocesses patients one after another.
type AdditionalJob struct {
	queue  PatientQueue
	marker PatientMarker
	log    *slog.Logger
}

// NewAdditionalJob creates the additional marking job.
func NewAdditionalJob(queue PatientQueue, m PatientMarker, log *slog.Logger) *AdditionalJob {
	if log == nil {
		log = slog.Default()
	}
	return &AdditionalJob{queue: queue, marker: m, log: log.With("component", "additional-job")}
}

func (j *AdditionalJob) Name() string { return "mark-additional" }

// Run processes every pending patient. A failing patient is logged and
// left for the next run.
func (j *AdditionalJob) Run(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "AdditionalJob.Run")
	defer span.End()

	patients, err := j.queue.PatientsToReprocess(ctx)
	if err != nil {
		return err
	}
	done, failed := 0, 0
	for _, id := range patients {
		if ctx.Err() != nil {
			break
		}
		if _, err := j.marker.Mark(ctx, id); err != nil {
			failed++
			j.log.Error("additional marking failed", "patient_id", id, "error", err)
			if db.IsConnectionError(err) {
				reconnects.Inc()
				if err := j.queue.Reconnect(ctx); err != nil {
					j.log.Error("reconnecting to database", "error", err)
				}
			}
			continue
		}
		done++
	}
	j.log.Info("additional run finished", "patients", len(patients), "done", done, "failed", failed)
	return ctx.Err()
}
