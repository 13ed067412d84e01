package marker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/dizel0110/ITMO-sub000/internal/classify"
	"github.com/dizel0110/ITMO-sub000/internal/db"
	"github.com/dizel0110/ITMO-sub000/internal/feature"
	"github.com/dizel0110/ITMO-sub000/internal/graph"
)

// Default Δ thresholds.
const (
	DefaultDeltaOne     = 0.06
	DefaultDeltaSeveral = 0.01
)

// PatientStore is what the additional marker reads and writes.
type PatientStore interface {
	graph.SnapshotSource
	PatientFeatures(ctx context.Context, patientID int64, attentions ...feature.Attention) ([]feature.Row, error)
	PatientDiagnoses(ctx context.Context, patientID int64) (map[int64][]string, error)
	GetPatient(ctx context.Context, id int64) (*db.Patient, error)
	SetEdgeAttentionKeepScore(ctx context.Context, key feature.EdgeKey, attention feature.Attention, now int64) (int64, error)
	ProtocolAttentions(ctx context.Context, patientID int64) (map[int64]feature.AttentionSet, error)
	SaveProtocolRollup(ctx context.Context, id int64, required feature.Required, unmarkedLeft, changed bool, now int64) error
	MaxClassifiedAt(ctx context.Context, patientID int64) (int64, error)
	SavePatientMarking(ctx context.Context, id int64, withErrors bool, log string, reprocessedAt int64) error
}

// SemanticScorer is the embedding side of the scorer.
type SemanticScorer interface {
	Embed(ctx context.Context, name, value string) ([]float32, error)
	Nearest(ctx context.Context, v []float32, k int) ([]graph.Neighbor, error)
	DistancesTo(ctx context.Context, v []float32, ids []string) (map[string]float64, error)
}

// RuleApplier runs the class-based auto-rules of the classifier.
type RuleApplier interface {
	ApplyRules(chain, class, value string) (classify.Verdict, bool)
}

// Deltas are the distance gains needed to promote a feature.
type Deltas struct {
	One     float64 // context of exactly one row
	Several float64 // context of more than one row
}

// AdditionalResult is the outcome of one patient pass.
type AdditionalResult struct {
	PatientID int64
	Verdicts  map[feature.EdgeKey]feature.Attention
	Promoted  int
	Demoted   int
	HadErrors bool
	Log       string
}

// AdditionalMarker revisits a patient's NONE features using the TRUE
// features around them.
type AdditionalMarker struct {
	store  PatientStore
	scorer SemanticScorer
	rules  RuleApplier
	cfg    Config
	deltas atomic.Pointer[Deltas]
	log    *slog.Logger
	now    func() time.Time
}

// NewAdditionalMarker creates an additional marker.
func NewAdditionalMarker(store PatientStore, s SemanticScorer, rules RuleApplier, deltas Deltas, cfg Config, log *slog.Logger) *AdditionalMarker {
	if log == nil {
		log = slog.Default()
	}
	a := &AdditionalMarker{
		store:  store,
		scorer: s,
		rules:  rules,
		cfg:    cfg,
		log:    log.With("component", "additional"),
		now:    time.Now,
	}
	a.SetDeltas(deltas)
	return a
}

// SetDeltas replaces the Δ thresholds for subsequent passes.
func (a *AdditionalMarker) SetDeltas(d Deltas) {
	a.deltas.Store(&d)
}

// pass holds the per-patient state of one run.
type pass struct {
	patientID int64
	trueRows  []feature.Row
	vectors   map[feature.EdgeKey][]float32
	snapshots map[int64]*graph.Snapshot
	deltas    Deltas
	lines     markingLog
	hadErrors bool
}

// Mark reprocesses every NONE feature of a patient, then re-derives the
// rollup of each protocol and stamps the patient as reprocessed. Verdicts
// are computed from the attentions as loaded; edges are written only after
// all of them are known.
func (a *AdditionalMarker) Mark(ctx context.Context, patientID int64) (res *AdditionalResult, err error) {
	ctx, span := tracer.Start(ctx, "AdditionalMarker.Mark", trace.WithAttributes(attribute.Int64("patient.id", patientID)))
	start := time.Now()
	defer func() {
		markingDuration.WithLabelValues("additional").Observe(time.Since(start).Seconds())
		if err != nil {
			patientsMarked.WithLabelValues("failed").Inc()
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			patientsMarked.WithLabelValues(resultLabel(res.HadErrors)).Inc()
		}
		span.End()
	}()

	rows, err := a.store.PatientFeatures(ctx, patientID, feature.True, feature.None)
	if err != nil {
		return nil, fmt.Errorf("loading features of patient %d: %w", patientID, err)
	}
	diagnoses, err := a.store.PatientDiagnoses(ctx, patientID)
	if err != nil {
		return nil, fmt.Errorf("loading diagnoses of patient %d: %w", patientID, err)
	}

	p := &pass{
		patientID: patientID,
		vectors:   make(map[feature.EdgeKey][]float32),
		snapshots: make(map[int64]*graph.Snapshot),
		deltas:    *a.deltas.Load(),
	}
	var pending []feature.Row
	for _, row := range rows {
		row.Diseases = diagnoses[row.ProtocolID]
		if row.Attention == nil {
			continue
		}
		switch *row.Attention {
		case feature.True:
			p.trueRows = append(p.trueRows, row)
		case feature.None:
			pending = append(pending, row)
		}
	}
	sort.SliceStable(p.trueRows, func(i, j int) bool {
		return scoreOf(p.trueRows[i]) > scoreOf(p.trueRows[j])
	})

	res = &AdditionalResult{PatientID: patientID, Verdicts: make(map[feature.EdgeKey]feature.Attention)}
	order := make([]feature.EdgeKey, 0, len(pending))
	for _, n := range pending {
		key := n.Key()
		if _, done := res.Verdicts[key]; done {
			continue
		}
		attention, err := a.evaluate(ctx, p, n)
		if err != nil {
			if fatal(ctx, err) {
				return nil, err
			}
			p.hadErrors = true
			p.lines.addf("feature %s (protocol %d): %v", n.Chain, n.ProtocolID, err)
			a.log.Warn("additional marking failed for feature", "patient_id", patientID, "chain", n.Chain, "error", err)
			attention = feature.None
		}
		res.Verdicts[key] = attention
		order = append(order, key)
	}

	now := a.now().UnixMilli()
	for _, key := range order {
		attention := res.Verdicts[key]
		err := retry(ctx, a.cfg.Retries, func() error {
			_, err := a.store.SetEdgeAttentionKeepScore(ctx, key, attention, now)
			return err
		})
		switch {
		case err == nil:
			featureAttentions.WithLabelValues("additional", attention.String()).Inc()
			if attention == feature.True {
				res.Promoted++
			} else if attention == feature.False {
				res.Demoted++
			}
		case errors.Is(err, db.ErrQuoteConflict):
			value, _ := key.QuoteConflict()
			p.hadErrors = true
			p.lines.addf("feature %s skipped: value mixes single and double quotes: %s", key.Chain, TruncateMiddle(value, maxValueInLog))
		case fatal(ctx, err):
			return nil, fmt.Errorf("writing edge %s: %w", key.Chain, err)
		default:
			p.hadErrors = true
			p.lines.addf("feature %s skipped: %v", key.Chain, err)
		}
	}

	if err := a.rollup(ctx, patientID, now); err != nil {
		return nil, err
	}

	maxClassified, err := a.store.MaxClassifiedAt(ctx, patientID)
	if err != nil {
		return nil, err
	}
	reprocessedAt := now
	if reprocessedAt <= maxClassified {
		reprocessedAt = maxClassified + 1
	}

	var existing string
	patient, err := a.store.GetPatient(ctx, patientID)
	switch {
	case err == nil:
		existing = patient.MarkingLog
	case !errors.Is(err, db.ErrNotFound):
		return nil, err
	}

	res.HadErrors = p.hadErrors
	res.Log = p.lines.String()
	logText := existing
	if !p.lines.empty() {
		logText = AppendLog(existing, res.Log, a.cfg.LogLimit)
	}
	if err := a.store.SavePatientMarking(ctx, patientID, res.HadErrors, logText, reprocessedAt); err != nil {
		return nil, err
	}

	a.log.Info("patient additionally marked",
		"patient_id", patientID,
		"candidates", len(order),
		"promoted", res.Promoted,
		"demoted", res.Demoted,
		"with_errors", res.HadErrors)
	return res, nil
}

// rollup re-derives attention_required of each protocol from the edge
// attentions now stored.
func (a *AdditionalMarker) rollup(ctx context.Context, patientID, now int64) error {
	sets, err := a.store.ProtocolAttentions(ctx, patientID)
	if err != nil {
		return fmt.Errorf("reading attentions of patient %d: %w", patientID, err)
	}
	ids := make([]int64, 0, len(sets))
	for id := range sets {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		set := sets[id]
		err := a.store.SaveProtocolRollup(ctx, id, feature.Rollup(set), set.Has(feature.None), set.Has(feature.True), now)
		if err != nil {
			return err
		}
	}
	return nil
}

// evaluate decides the new attention of one NONE feature.
func (a *AdditionalMarker) evaluate(ctx context.Context, p *pass, n feature.Row) (feature.Attention, error) {
	contained, err := a.contained(ctx, p, n)
	if err != nil {
		return feature.None, err
	}
	if contained {
		return feature.False, nil
	}

	if v, ok := a.rules.ApplyRules(n.Chain, n.Class, n.Value); ok {
		return v.Attention, nil
	}

	own, err := a.vector(ctx, p, n)
	if err != nil {
		return feature.None, err
	}

	markers := feature.NewAttentionSet()
	for _, slice := range a.slices(p, n) {
		verdicts, err := a.compare(ctx, p, slice, own, len(slice))
		if err != nil {
			return feature.None, err
		}
		for v := range verdicts {
			markers.Add(v)
		}
	}

	if !markers.Has(feature.True) && len(n.Diseases) > 0 {
		var matched []feature.Row
		for _, t := range p.trueRows {
			if t.SharesDisease(n) {
				matched = append(matched, t)
			}
		}
		if len(matched) > 0 {
			// The diagnosis pass always uses the several-rows threshold.
			verdicts, err := a.compare(ctx, p, matched, own, max(len(matched), 2))
			if err != nil {
				return feature.None, err
			}
			for v := range verdicts {
				markers.Add(v)
			}
		}
	}
	return feature.Collapse(markers), nil
}

// contained reports whether n is an interior node of its protocol's chain
// tree without a value of its own.
func (a *AdditionalMarker) contained(ctx context.Context, p *pass, n feature.Row) (bool, error) {
	if feature.HasAlnum(n.Value) {
		return false, nil
	}
	snap, ok := p.snapshots[n.ProtocolID]
	if !ok {
		var err error
		snap, err = graph.LoadSnapshot(ctx, a.store, n.ProtocolID)
		if err != nil {
			return false, err
		}
		p.snapshots[n.ProtocolID] = snap
	}
	return snap.HasChildren(feature.NodeRef{Class: n.Class, Name: n.Name}, n.Chain, a.cfg.Chains), nil
}

// slices builds the growing context sets of n: TRUE rows below n, then
// widened by the rows under each ancestor of n, nearest first. Slices that
// add nothing to the previous one are dropped.
func (a *AdditionalMarker) slices(p *pass, n feature.Row) [][]feature.Row {
	chains := a.cfg.Chains
	var out [][]feature.Row
	var current []feature.Row
	seen := make(map[feature.EdgeKey]bool)

	grow := func(match func(chain string) bool) {
		added := false
		for _, t := range p.trueRows {
			k := t.Key()
			if seen[k] || !match(t.Chain) {
				continue
			}
			seen[k] = true
			current = append(current, t)
			added = true
		}
		if added {
			out = append(out, append([]feature.Row(nil), current...))
		}
	}

	grow(func(chain string) bool { return chains.IsDescendant(chain, n.Chain) })
	for _, ancestor := range chains.Ancestors(n.Chain) {
		grow(func(chain string) bool { return chain == ancestor || chains.IsDescendant(chain, ancestor) })
	}
	return out
}

// compare applies the Δ rule to one context set: nearest symptoms of the
// context alone against the same symptoms with n's vector added.
func (a *AdditionalMarker) compare(ctx context.Context, p *pass, ctxRows []feature.Row, own []float32, size int) (feature.AttentionSet, error) {
	vectors := make([][]float32, 0, len(ctxRows))
	for _, t := range ctxRows {
		v, err := a.vector(ctx, p, t)
		if err != nil {
			p.hadErrors = true
			p.lines.addf("context feature %s (protocol %d) left out: %v", t.Chain, t.ProtocolID, err)
			continue
		}
		vectors = append(vectors, v)
	}
	sum := graph.Sum(vectors...)
	out := feature.NewAttentionSet()
	if len(vectors) == 0 || graph.IsZero(sum) {
		return out, nil
	}

	before, err := a.scorer.Nearest(ctx, sum, 0)
	if err != nil {
		return nil, err
	}
	if len(before) == 0 {
		return out, nil
	}
	ids := make([]string, len(before))
	for i, nb := range before {
		ids[i] = nb.ID
	}
	after, err := a.scorer.DistancesTo(ctx, graph.Sum(sum, own), ids)
	if err != nil {
		return nil, err
	}

	for _, nb := range before {
		d, ok := after[nb.ID]
		if !ok {
			continue
		}
		out.Add(p.deltas.judge(nb.Distance-d, size))
	}
	return out, nil
}

// judge maps a distance gain to an attention.
func (d Deltas) judge(delta float64, size int) feature.Attention {
	switch {
	case delta < 0:
		return feature.False
	case size > 1 && delta >= d.Several:
		return feature.True
	case size == 1 && delta >= d.One:
		return feature.True
	default:
		return feature.None
	}
}

func (a *AdditionalMarker) vector(ctx context.Context, p *pass, row feature.Row) ([]float32, error) {
	key := row.Key()
	if v, ok := p.vectors[key]; ok {
		return v, nil
	}
	name, value := classify.Synthesize(a.cfg.Chains, row.Chain, row.Value)
	v, err := a.scorer.Embed(ctx, name, value)
	if err != nil {
		return nil, err
	}
	p.vectors[key] = v
	return v, nil
}

func scoreOf(r feature.Row) float64 {
	if r.Score == nil {
		return -1
	}
	return *r.Score
}
