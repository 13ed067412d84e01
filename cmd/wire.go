package cmd

import (
	"fmt"
	"log/slog"

	"github.com/dizel0110/ITMO-sub000/internal/classify"
	"github.com/dizel0110/ITMO-sub000/internal/config"
	"github.com/dizel0110/ITMO-sub000/internal/db"
	"github.com/dizel0110/ITMO-sub000/internal/marker"
	"github.com/dizel0110/ITMO-sub000/internal/scheduler"
	"github.com/dizel0110/ITMO-sub000/internal/scorer"
)

// app holds the components built from one configuration.
type app struct {
	cfg        *config.Config
	db         *db.DB
	log        *slog.Logger
	scorer     *scorer.Scorer
	classifier *classify.Classifier
	marker     *marker.Marker
	additional *marker.AdditionalMarker
}

// newIndex builds the ANN index: Weaviate when WEAVIATE_URL is set,
// otherwise the YAML catalog.
func newIndex(c *config.Config) (scorer.Index, error) {
	if c.WeaviateURL != "" {
		return scorer.NewWeaviateIndex(c.WeaviateURL, c.WeaviateClass)
	}
	return scorer.LoadCatalog(c.SymptomCatalog, c.Metric)
}

func newApp(c *config.Config, d *db.DB, log *slog.Logger) (*app, error) {
	index, err := newIndex(c)
	if err != nil {
		return nil, fmt.Errorf("building symptom index: %w", err)
	}

	opts := scorer.Options{TopK: c.TopK, Mode: c.DescriptionMode, Logger: log}
	if c.DescriptionMode == scorer.ModeParaphrase {
		p, err := scorer.NewCommandParaphraser(c.ParaphraseCommand, c.ParaphraseRPS)
		if err != nil {
			return nil, fmt.Errorf("paraphrase command: %w", err)
		}
		opts.Paraphraser = p
	}
	embedder := scorer.NewStoreEmbedder(d)
	if c.EmbeddingURL != "" {
		embedder.WithModel(scorer.NewServiceEmbedder(c.EmbeddingURL, c.EmbeddingTimeout))
	}
	s := scorer.New(index, embedder, opts)

	rules := classify.DefaultRules()
	if c.RulesFile != "" {
		if rules, err = classify.LoadRules(c.RulesFile); err != nil {
			return nil, err
		}
	}
	cl, err := classify.New(rules, c.Chains(), s, c.Boundaries())
	if err != nil {
		return nil, err
	}

	mc := c.MarkerConfig()
	return &app{
		cfg:        c,
		db:         d,
		log:        log,
		scorer:     s,
		classifier: cl,
		marker:     marker.NewMarker(d, cl, mc, log),
		additional: marker.NewAdditionalMarker(d, s, cl, c.Deltas(), mc, log),
	}, nil
}

// newGate picks the Redis gate when REDIS_ADDR is set.
func newGate(c *config.Config, d *db.DB) scheduler.Gate {
	if c.RedisAddr != "" {
		return scheduler.NewRedisGate(c.RedisAddr, "", 0)
	}
	return scheduler.NewSQLGate(d)
}

// reload pushes the hot-reloadable settings of c into the running app.
func (a *app) reload(c *config.Config) {
	if err := a.classifier.SetBoundaries(c.Boundaries()); err != nil {
		a.log.Warn("keeping previous boundaries", "error", err)
	}
	a.additional.SetDeltas(c.Deltas())
	if c.SymptomCatalog != a.cfg.SymptomCatalog || c.WeaviateURL != a.cfg.WeaviateURL || c.Metric != a.cfg.Metric {
		index, err := newIndex(c)
		if err != nil {
			a.log.Warn("keeping previous symptom index", "error", err)
			return
		}
		a.scorer.SetIndex(index)
	}
	a.cfg = c
}
