package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

// ErrHardLimit is returned when a job outlives its hard time limit. The job
// goroutine is abandoned; its claims are left to the maintenance job.
var ErrHardLimit = errors.New("job exceeded its hard time limit")

// Limits bound one job run.
type Limits struct {
	Soft time.Duration // the run's context expires
	Hard time.Duration // the scheduler stops waiting for it
}

// Entry schedules one job at a fixed interval.
type Entry struct {
	Job      Job
	Interval time.Duration
}

// Scheduler runs jobs at their intervals, one gated instance at a time.
type Scheduler struct {
	gate    Gate
	limits  Limits
	entries []Entry
	log     *slog.Logger
}

// New creates a scheduler.
func New(gate Gate, limits Limits, log *slog.Logger, entries ...Entry) *Scheduler {
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{gate: gate, limits: limits, entries: entries, log: log.With("component", "scheduler")}
}

// Run starts every job immediately and then at its interval until ctx ends.
func (s *Scheduler) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, e := range s.entries {
		g.Go(func() error {
			ticker := time.NewTicker(e.Interval)
			defer ticker.Stop()
			for {
				if err := s.RunOnce(ctx, e.Job); err != nil && !errors.Is(err, ErrJobRunning) && ctx.Err() == nil {
					s.log.Error("job failed", "job", e.Job.Name(), "error", err)
				}
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
				}
			}
		})
	}
	return g.Wait()
}

// RunOnce runs job once under its gate and time limits. A run that hits the
// soft limit counts as a clean exit. ErrJobRunning means another instance
// holds the gate and nothing was done.
func (s *Scheduler) RunOnce(ctx context.Context, job Job) (err error) {
	name := job.Name()
	ctx, span := tracer.Start(ctx, "Scheduler.RunOnce", trace.WithAttributes(attribute.String("job", name)))
	result := "ok"
	defer func() {
		jobRuns.WithLabelValues(name, result).Inc()
		if err != nil && !errors.Is(err, ErrJobRunning) {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	// The lease outlives the hard limit so an abandoned run still holds it.
	ttl := 2 * s.limits.Hard
	if ttl <= 0 {
		ttl = time.Hour
	}
	release, err := s.gate.Acquire(ctx, name, ttl)
	if err != nil {
		if errors.Is(err, ErrJobRunning) {
			result = "skipped"
			s.log.Info("job already running elsewhere, skipping", "job", name)
		} else {
			result = "failed"
		}
		return err
	}
	releaseGate := func() {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := release(rctx); err != nil {
			s.log.Warn("releasing job gate", "job", name, "error", err)
		}
	}
	abandoned := false
	defer func() {
		if !abandoned {
			releaseGate()
		}
	}()

	var runCtx context.Context
	var cancel context.CancelFunc
	if s.limits.Soft > 0 {
		runCtx, cancel = context.WithTimeout(ctx, s.limits.Soft)
	} else {
		runCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	done := make(chan error, 1)
	start := time.Now()
	go func() { done <- job.Run(runCtx) }()

	var hard <-chan time.Time
	if s.limits.Hard > 0 {
		timer := time.NewTimer(s.limits.Hard)
		defer timer.Stop()
		hard = timer.C
	}

	select {
	case err = <-done:
	case <-hard:
		result = "hard_limit"
		abandoned = true
		go func() {
			<-done
			s.log.Warn("abandoned job finished", "job", name, "elapsed", time.Since(start).Round(time.Second))
			releaseGate()
		}()
		return fmt.Errorf("%s: %w", name, ErrHardLimit)
	}

	switch {
	case err == nil:
	case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
		result = "soft_limit"
		s.log.Warn("job reached its soft time limit", "job", name, "elapsed", time.Since(start).Round(time.Second))
		err = nil
	case ctx.Err() != nil:
		result = "cancelled"
	default:
		result = "failed"
	}
	return err
}
