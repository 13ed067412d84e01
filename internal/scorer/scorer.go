// Package scorer turns a (name, value) feature into its nearest symptom of
// the ANN catalog and the angular distance to it.
package scorer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"

	"github.com/dizel0110/ITMO-sub000/internal/graph"
)

// ScoreForErrors is the distance reported when a lookup fails.
const ScoreForErrors = -1.0

var (
	// ErrNoEmbedding is returned when a description has no stored vector.
	ErrNoEmbedding = errors.New("no embedding for description")

	// ErrIndexUnavailable is returned when the ANN index cannot answer.
	ErrIndexUnavailable = errors.New("symptom index unavailable")
)

// Description modes.
const (
	ModeJoin       = "join"
	ModeParaphrase = "paraphrase"
)

// Match is the outcome of scoring one feature.
type Match struct {
	SymptomID string
	Distance  float64
	Empty     bool  // value was empty, nothing was looked up
	Err       error // set together with Distance == ScoreForErrors
}

// Sentinel reports whether the lookup failed.
func (m Match) Sentinel() bool { return m.Err != nil }

// Options configures a Scorer.
type Options struct {
	TopK        int
	Mode        string
	Paraphraser Paraphraser
	Logger      *slog.Logger
}

// Scorer composes feature descriptions, embeds them and queries the index.
// The index can be replaced at runtime with SetIndex.
type Scorer struct {
	index    atomic.Pointer[indexHolder]
	embedder Embedder
	opts     Options
	log      *slog.Logger
}

type indexHolder struct{ Index }

// New creates a Scorer.
func New(index Index, embedder Embedder, opts Options) *Scorer {
	if opts.TopK <= 0 {
		opts.TopK = 5
	}
	if opts.Mode == "" {
		opts.Mode = ModeJoin
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	s := &Scorer{embedder: embedder, opts: opts, log: log.With("component", "scorer")}
	s.SetIndex(index)
	return s
}

// SetIndex swaps the ANN index used by subsequent lookups.
func (s *Scorer) SetIndex(index Index) {
	s.index.Store(&indexHolder{index})
}

func (s *Scorer) currentIndex() (Index, error) {
	h := s.index.Load()
	if h == nil || h.Index == nil {
		return nil, ErrIndexUnavailable
	}
	return h.Index, nil
}

// Describe composes the text that stands for a feature in embedding space.
func (s *Scorer) Describe(ctx context.Context, name, value string) string {
	joined := strings.TrimSpace(strings.TrimSpace(name) + " " + strings.TrimSpace(value))
	if s.opts.Mode != ModeParaphrase || s.opts.Paraphraser == nil {
		return joined
	}
	text, err := s.opts.Paraphraser.Paraphrase(ctx, name, value)
	if err != nil || strings.TrimSpace(text) == "" {
		s.log.Warn("paraphrase failed, using joined description", "name", name, "error", err)
		return joined
	}
	return strings.TrimSpace(text)
}

// Embed returns the vector of a feature's description.
func (s *Scorer) Embed(ctx context.Context, name, value string) ([]float32, error) {
	desc := s.Describe(ctx, name, value)
	v, err := s.embedder.Embed(ctx, desc)
	if err != nil {
		return nil, fmt.Errorf("embedding %q: %w", desc, err)
	}
	return v, nil
}

// Score finds the nearest symptom for a feature. An empty value yields an
// empty match; any lookup failure yields ScoreForErrors with Err set.
func (s *Scorer) Score(ctx context.Context, name, value string) Match {
	if strings.TrimSpace(value) == "" {
		return Match{Empty: true}
	}
	v, err := s.Embed(ctx, name, value)
	if err != nil {
		return s.sentinel(err)
	}
	ns, err := s.Nearest(ctx, v, 1)
	if err != nil {
		return s.sentinel(err)
	}
	if len(ns) == 0 {
		return s.sentinel(fmt.Errorf("%w: no neighbours", ErrIndexUnavailable))
	}
	return Match{SymptomID: ns[0].ID, Distance: ns[0].Distance}
}

func (s *Scorer) sentinel(err error) Match {
	sentinelScores.Inc()
	return Match{Distance: ScoreForErrors, Err: err}
}

// Nearest returns up to k neighbours of v, nearest first. k <= 0 uses the
// configured top-k.
func (s *Scorer) Nearest(ctx context.Context, v []float32, k int) ([]graph.Neighbor, error) {
	if k <= 0 {
		k = s.opts.TopK
	}
	idx, err := s.currentIndex()
	if err != nil {
		return nil, err
	}
	ns, err := idx.Nearest(ctx, v, k)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIndexUnavailable, err)
	}
	return ns, nil
}

// DistancesTo returns the distance from v to each of the given symptoms.
// Symptoms unknown to the index are absent from the result.
func (s *Scorer) DistancesTo(ctx context.Context, v []float32, ids []string) (map[string]float64, error) {
	idx, err := s.currentIndex()
	if err != nil {
		return nil, err
	}
	d, err := idx.Distances(ctx, v, ids)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIndexUnavailable, err)
	}
	return d, nil
}
