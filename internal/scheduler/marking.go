// Package scheduler runs the recurring marking jobs: the protocol marking
// pool, the additional marking pass and claim maintenance.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/dizel0110/ITMO-sub000/internal/db"
	"github.com/dizel0110/ITMO-sub000/internal/marker"
)

// DefaultBatch is the marking pool size when BATCH is unset.
const DefaultBatch = 6

var tracer = otel.Tracer("featuremark/scheduler")

// Job is one recurring unit of work.
type Job interface {
	Name() string
	Run(ctx context.Context) error
}

// ProtocolQueue is what the marking job needs from the relational store.
type ProtocolQueue interface {
	NextProtocol(ctx context.Context, priorityUsers, exclude []int64) (int64, error)
	ClaimProtocol(ctx context.Context, id, now int64) (bool, error)
	ResetClaim(ctx context.Context, id int64) error
	Reconnect(ctx context.Context) error
}

// ProtocolMarker marks one claimed protocol.
type ProtocolMarker interface {
	Mark(ctx context.Context, protocolID int64) (*marker.Result, error)
}

// MarkingStats counts the outcome of one marking run.
type MarkingStats struct {
	Marked int64
	Failed int64
	Reset  int64
}

// MarkingJob drains the queue of loaded, unclaimed protocols with a pool of
// Batch consumers fed by one producer.
type MarkingJob struct {
	queue         ProtocolQueue
	marker        ProtocolMarker
	batch         int
	priorityUsers []int64
	log           *slog.Logger
	now           func() time.Time
	retryDelay    time.Duration
}

const maxRetryDelay = 5 * time.Second

// NewMarkingJob creates the protocol marking job.
func NewMarkingJob(queue ProtocolQueue, m ProtocolMarker, batch int, priorityUsers []int64, log *slog.Logger) *MarkingJob {
	if batch < 1 {
		batch = DefaultBatch
	}
	if log == nil {
		log = slog.Default()
	}
	return &MarkingJob{
		queue:         queue,
		marker:        m,
		batch:         batch,
		priorityUsers: priorityUsers,
		log:           log.With("component", "marking-job"),
		now:           time.Now,
		retryDelay:    200 * time.Millisecond,
	}
}

func (j *MarkingJob) Name() string { return "mark-protocols" }

// recent remembers the last n selected protocol ids.
type recent struct {
	ids  []int64
	next int
}

func newRecent(n int) *recent { return &recent{ids: make([]int64, 0, n)} }

func (r *recent) add(id int64) {
	if len(r.ids) < cap(r.ids) {
		r.ids = append(r.ids, id)
		return
	}
	r.ids[r.next] = id
	r.next = (r.next + 1) % len(r.ids)
}

func (r *recent) list() []int64 { return append([]int64(nil), r.ids...) }

// Run marks protocols until none is left or ctx ends.
func (j *MarkingJob) Run(ctx context.Context) error {
	_, err := j.RunStats(ctx)
	return err
}

// RunStats is Run returning the counts of the pass. Claims of protocols
// that were queued but never started are released before returning.
func (j *MarkingJob) RunStats(ctx context.Context) (MarkingStats, error) {
	ctx, span := tracer.Start(ctx, "MarkingJob.Run")
	defer span.End()

	var stats struct{ marked, failed, reset atomic.Int64 }
	queue := make(chan int64, j.batch)
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer close(queue)
		return j.produce(gctx, queue)
	})
	for i := 0; i < j.batch; i++ {
		g.Go(func() error {
			for id := range queue {
				if gctx.Err() != nil {
					j.release(id, "cancelled")
					stats.reset.Add(1)
					continue
				}
				switch j.consume(gctx, id) {
				case outcomeMarked:
					stats.marked.Add(1)
				case outcomeReset:
					stats.failed.Add(1)
					stats.reset.Add(1)
				case outcomeFailed:
					stats.failed.Add(1)
				}
			}
			return nil
		})
	}
	err := g.Wait()

	out := MarkingStats{Marked: stats.marked.Load(), Failed: stats.failed.Load(), Reset: stats.reset.Load()}
	span.SetAttributes(
		attribute.Int64("marked", out.Marked),
		attribute.Int64("failed", out.Failed))
	j.log.Info("marking run finished", "marked", out.Marked, "failed", out.Failed, "reset", out.Reset)
	if err != nil {
		return out, err
	}
	return out, ctx.Err()
}

// produce selects and claims protocols. It returns when the queue is empty,
// when it would pick a protocol already tried in this run, or when ctx ends.
func (j *MarkingJob) produce(ctx context.Context, queue chan<- int64) error {
	last := newRecent(j.batch)
	tried := make(map[int64]bool)
	lost := 0
	for {
		id, err := j.queue.NextProtocol(ctx, j.priorityUsers, last.list())
		switch {
		case errors.Is(err, db.ErrNotFound):
			return nil
		case err != nil && ctx.Err() != nil:
			return nil
		case db.IsConnectionError(err):
			lost++
			j.reconnect(ctx)
			j.backoff(ctx, lost)
			continue
		case err != nil:
			j.log.Error("selecting next protocol", "error", err)
			return nil
		}
		lost = 0
		if tried[id] {
			return nil
		}
		tried[id] = true
		last.add(id)

		ok, err := j.queue.ClaimProtocol(ctx, id, j.now().UnixMilli())
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			j.log.Warn("claiming protocol", "protocol_id", id, "error", err)
			if db.IsConnectionError(err) {
				j.reconnect(ctx)
			}
			continue
		}
		if !ok {
			// Another worker took it between select and claim.
			continue
		}

		select {
		case queue <- id:
		case <-ctx.Done():
			j.release(id, "cancelled")
			return nil
		}
	}
}

type outcome int

const (
	outcomeMarked outcome = iota
	outcomeReset
	outcomeFailed
)

// consume marks one claimed protocol and resets its claim on failure. A
// pass cut short by ctx keeps its claim for the maintenance job.
func (j *MarkingJob) consume(ctx context.Context, id int64) outcome {
	_, err := j.marker.Mark(ctx, id)
	if err == nil {
		return outcomeMarked
	}
	if ctx.Err() != nil {
		j.log.Warn("marking interrupted", "protocol_id", id, "error", err)
		return outcomeFailed
	}

	j.log.Error("marking failed", "protocol_id", id, "error", err)
	if db.IsConnectionError(err) {
		j.reconnect(ctx)
	}
	if err := j.queue.ResetClaim(ctx, id); err != nil {
		j.log.Error("resetting claim", "protocol_id", id, "error", err)
		return outcomeFailed
	}
	claimResets.WithLabelValues("mark_failed").Inc()
	return outcomeReset
}

// release clears a claim after ctx is gone, using a short detached context.
func (j *MarkingJob) release(id int64, reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := j.queue.ResetClaim(ctx, id); err != nil {
		j.log.Warn("releasing claim", "protocol_id", id, "error", err)
		return
	}
	claimResets.WithLabelValues(reason).Inc()
}

// backoff waits before the next attempt after the n-th consecutive
// connection failure, doubling from retryDelay up to maxRetryDelay.
func (j *MarkingJob) backoff(ctx context.Context, n int) {
	d := j.retryDelay
	for i := 1; i < n && d < maxRetryDelay; i++ {
		d *= 2
	}
	d = min(d, maxRetryDelay)
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}

func (j *MarkingJob) reconnect(ctx context.Context) {
	reconnects.Inc()
	if err := j.queue.Reconnect(ctx); err != nil {
		j.log.Error("reconnecting to database", "error", err)
		select {
		case <-ctx.Done():
		case <-time.After(time.Second):
		}
		return
	}
	j.log.Info("reconnected to database")
}
