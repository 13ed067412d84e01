// Package marker writes feature attentions: the chain resolver, the
// per-protocol marker and the per-patient additional marker.
package marker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/dizel0110/ITMO-sub000/internal/classify"
	"github.com/dizel0110/ITMO-sub000/internal/db"
	"github.com/dizel0110/ITMO-sub000/internal/feature"
)

// ErrNoFeatures is logged for a protocol without any feature edge.
var ErrNoFeatures = errors.New("protocol has no features")

var tracer = otel.Tracer("featuremark/marker")

// ProtocolStore is what the protocol marker reads and writes.
type ProtocolStore interface {
	ChildProber
	GetProtocol(ctx context.Context, id int64) (*db.Protocol, error)
	ProtocolFeatures(ctx context.Context, protocolID int64) ([]feature.Row, error)
	SetEdgeAttention(ctx context.Context, key feature.EdgeKey, attention feature.Attention, score *float64, now int64) (int64, error)
	SaveProtocolMarking(ctx context.Context, id int64, m db.ProtocolMarking) error
}

// Classifier decides the attention of one terminal feature.
type Classifier interface {
	Classify(ctx context.Context, chain, class, value string) classify.Verdict
}

// Config tunes the markers.
type Config struct {
	Chains   feature.Chains
	Retries  int // per-feature retries of graph writes and probes
	LogLimit int // byte cap of marking_log
}

// Result is the outcome of marking one protocol.
type Result struct {
	ProtocolID int64
	Seen       feature.AttentionSet
	Required   feature.Required
	HadErrors  bool
	Log        string
	Written    int
	Skipped    int
}

// Marker marks every feature of one protocol.
type Marker struct {
	store      ProtocolStore
	classifier Classifier
	cfg        Config
	log        *slog.Logger
	now        func() time.Time
}

// NewMarker creates a protocol marker.
func NewMarker(store ProtocolStore, classifier Classifier, cfg Config, log *slog.Logger) *Marker {
	if log == nil {
		log = slog.Default()
	}
	return &Marker{
		store:      store,
		classifier: classifier,
		cfg:        cfg,
		log:        log.With("component", "marker"),
		now:        time.Now,
	}
}

// Mark runs the chain resolver and the classifier over one protocol and
// persists the edge attentions and the rollup. Per-feature problems are
// logged and recorded on the result; the returned error means the whole
// pass failed and nothing about the protocol outcome was saved.
func (m *Marker) Mark(ctx context.Context, protocolID int64) (res *Result, err error) {
	ctx, span := tracer.Start(ctx, "Marker.Mark", trace.WithAttributes(attribute.Int64("protocol.id", protocolID)))
	start := time.Now()
	defer func() {
		markingDuration.WithLabelValues("mark").Observe(time.Since(start).Seconds())
		if err != nil {
			protocolsMarked.WithLabelValues("failed").Inc()
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			protocolsMarked.WithLabelValues(resultLabel(res.HadErrors)).Inc()
			span.SetAttributes(attribute.String("attention_required", string(res.Required)))
		}
		span.End()
	}()

	protocol, err := m.store.GetProtocol(ctx, protocolID)
	if err != nil {
		return nil, err
	}
	rows, err := m.store.ProtocolFeatures(ctx, protocolID)
	if err != nil {
		return nil, fmt.Errorf("loading features of protocol %d: %w", protocolID, err)
	}
	resolver := &Resolver{Chains: m.cfg.Chains, Prober: m.store, Retries: m.cfg.Retries}
	part, err := resolver.Resolve(ctx, rows)
	if err != nil {
		return nil, fmt.Errorf("resolving chains of protocol %d: %w", protocolID, err)
	}

	res = &Result{ProtocolID: protocolID, Seen: feature.NewAttentionSet()}
	var lines markingLog
	log := m.log.With("protocol_id", protocolID)

	// A featureless protocol is closed as FALSE with errors rather than
	// handed back to the queue.
	if len(rows) == 0 {
		res.HadErrors = true
		lines.addf("%v", ErrNoFeatures)
		log.Warn("protocol has no features")
	}

	for _, u := range part.Unresolved {
		res.HadErrors = true
		res.Skipped++
		lines.addf("feature %s: chain status unknown: %v", u.Row.Chain, u.Err)
		log.Warn("chain status unknown", "chain", u.Row.Chain, "error", u.Err)
	}

	// Transitional edges first: the FALSE floor is in place before any
	// terminal verdict is written.
	for _, row := range part.Transitional {
		ok, err := m.write(ctx, row, feature.False, nil, &lines, res)
		if err != nil {
			return nil, err
		}
		if ok {
			featureAttentions.WithLabelValues("transitional", feature.False.String()).Inc()
		}
	}

	for _, row := range part.Terminal {
		attention, score := feature.False, (*float64)(nil)
		if !row.ParentNotFound {
			v := m.classifier.Classify(ctx, row.Chain, row.Class, row.Value)
			attention, score = v.Attention, v.Score
			if v.Err != nil {
				res.HadErrors = true
				lines.addf("feature %s: score lookup failed: %v", row.Chain, v.Err)
				log.Warn("score lookup failed", "chain", row.Chain, "error", v.Err)
			}
		}
		ok, err := m.write(ctx, row, attention, score, &lines, res)
		if err != nil {
			return nil, err
		}
		if ok {
			res.Seen.Add(attention)
			featureAttentions.WithLabelValues("mark", attention.String()).Inc()
		}
	}

	res.Required = feature.Rollup(res.Seen)
	res.Log = lines.String()
	marking := db.ProtocolMarking{
		Required:             res.Required,
		UnmarkedFeaturesLeft: res.Seen.Has(feature.None),
		AttentionsChanged:    res.Seen.Has(feature.True),
		MarkedWithErrors:     res.HadErrors,
		MarkingLog:           protocol.MarkingLog,
	}
	if !lines.empty() {
		marking.MarkingLog = AppendLog(protocol.MarkingLog, res.Log, m.cfg.LogLimit)
	}
	if err := m.store.SaveProtocolMarking(ctx, protocolID, marking); err != nil {
		return nil, err
	}

	log.Info("protocol marked",
		"attention_required", res.Required,
		"written", res.Written,
		"skipped", res.Skipped,
		"with_errors", res.HadErrors)
	return res, nil
}

// write stores one edge attention. It reports whether the edge was written;
// a skipped edge is logged on the result. The error is returned only when
// the whole pass must stop.
func (m *Marker) write(ctx context.Context, row feature.Row, attention feature.Attention, score *float64, lines *markingLog, res *Result) (bool, error) {
	now := m.now().UnixMilli()
	err := retry(ctx, m.cfg.Retries, func() error {
		_, err := m.store.SetEdgeAttention(ctx, row.Key(), attention, score, now)
		return err
	})
	switch {
	case err == nil:
		res.Written++
		return true, nil
	case errors.Is(err, db.ErrQuoteConflict):
		res.HadErrors = true
		res.Skipped++
		value, _ := row.Key().QuoteConflict()
		lines.addf("feature %s skipped: value mixes single and double quotes: %s", row.Chain, TruncateMiddle(value, maxValueInLog))
		m.log.Warn("quote conflict, edge skipped", "protocol_id", row.ProtocolID, "value", value)
		return false, nil
	case fatal(ctx, err):
		return false, fmt.Errorf("writing edge %s: %w", row.Chain, err)
	default:
		res.HadErrors = true
		res.Skipped++
		lines.addf("feature %s skipped: %v", row.Chain, err)
		m.log.Warn("edge write failed", "protocol_id", row.ProtocolID, "chain", row.Chain, "error", err)
		return false, nil
	}
}
