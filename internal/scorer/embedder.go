package scorer

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/dizel0110/ITMO-sub000/internal/db"
)

// Embedder maps a description to its vector.
type Embedder interface {
	Embed(ctx context.Context, description string) ([]float32, error)
}

// VectorStore is where precomputed description vectors live.
type VectorStore interface {
	GetDescriptionEmbedding(ctx context.Context, description string) ([]float32, error)
}

// VectorWriter is implemented by stores that keep vectors computed on a miss.
type VectorWriter interface {
	PutDescriptionEmbedding(ctx context.Context, description string, v []float32) error
}

// StoreEmbedder serves precomputed vectors from the database with an
// in-process cache. Concurrent misses for one description share a lookup.
// With a model attached, misses are embedded by the model and written back
// to the store when it accepts writes.
type StoreEmbedder struct {
	store VectorStore
	model Embedder
	group singleflight.Group

	mu    sync.RWMutex
	cache map[string][]float32
}

// NewStoreEmbedder creates a StoreEmbedder.
func NewStoreEmbedder(store VectorStore) *StoreEmbedder {
	return &StoreEmbedder{store: store, cache: make(map[string][]float32)}
}

// WithModel sets the embedder consulted for descriptions missing from the store.
func (e *StoreEmbedder) WithModel(model Embedder) *StoreEmbedder {
	e.model = model
	return e
}

func (e *StoreEmbedder) Embed(ctx context.Context, description string) ([]float32, error) {
	e.mu.RLock()
	v, ok := e.cache[description]
	e.mu.RUnlock()
	if ok {
		embeddingLookups.WithLabelValues("cache").Inc()
		return v, nil
	}

	res, err, _ := e.group.Do(description, func() (interface{}, error) {
		v, err := e.store.GetDescriptionEmbedding(ctx, description)
		switch {
		case errors.Is(err, db.ErrNotFound) && e.model == nil:
			embeddingLookups.WithLabelValues("missing").Inc()
			return nil, ErrNoEmbedding
		case errors.Is(err, db.ErrNotFound):
			if v, err = e.model.Embed(ctx, description); err != nil {
				embeddingLookups.WithLabelValues("model_failed").Inc()
				return nil, err
			}
			embeddingLookups.WithLabelValues("model").Inc()
			if w, ok := e.store.(VectorWriter); ok {
				if err := w.PutDescriptionEmbedding(ctx, description, v); err != nil {
					embeddingLookups.WithLabelValues("write_failed").Inc()
				}
			}
		case err != nil:
			return nil, err
		default:
			embeddingLookups.WithLabelValues("store").Inc()
		}
		e.mu.Lock()
		e.cache[description] = v
		e.mu.Unlock()
		return v, nil
	})
	if err != nil {
		return nil, err
	}
	return res.([]float32), nil
}
