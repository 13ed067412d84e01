package scheduler

import (
	"context"
	"log/slog"
	"time"
)

// ClaimStore releases claims that were never completed.
type ClaimStore interface {
	ResetStaleClaims(ctx context.Context, olderThan int64) (int64, error)
}

// LockExpirer is implemented by stores that back the SQL job gate.
type LockExpirer interface {
	ExpireLocks(ctx context.Context, now int64) (int64, error)
}

// MaintenanceJob un-claims protocols whose marking was cut off before the
// rollup was written, typically by a hard time limit or a crash. When the
// store also holds task locks, leases left by dead processes are dropped.
type MaintenanceJob struct {
	store      ClaimStore
	staleAfter time.Duration
	log        *slog.Logger
	now        func() time.Time
}

// NewMaintenanceJob creates the claim maintenance job.
func NewMaintenanceJob(store ClaimStore, staleAfter time.Duration, log *slog.Logger) *MaintenanceJob {
	if log == nil {
		log = slog.Default()
	}
	return &MaintenanceJob{store: store, staleAfter: staleAfter, log: log.With("component", "maintenance-job"), now: time.Now}
}

func (j *MaintenanceJob) Name() string { return "maintenance" }

func (j *MaintenanceJob) Run(ctx context.Context) error {
	now := j.now()
	if le, ok := j.store.(LockExpirer); ok {
		expired, err := le.ExpireLocks(ctx, now.UnixMilli())
		if err != nil {
			return err
		}
		if expired > 0 {
			j.log.Info("expired task locks", "locks", expired)
		}
	}

	n, err := j.store.ResetStaleClaims(ctx, now.Add(-j.staleAfter).UnixMilli())
	if err != nil {
		return err
	}
	if n > 0 {
		claimResets.WithLabelValues("stale").Add(float64(n))
		j.log.Info("released stale claims", "protocols", n)
	}
	return nil
}
