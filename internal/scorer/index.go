package scorer

import (
	"context"
	"fmt"
	"math"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/dizel0110/ITMO-sub000/internal/graph"
)

// Index is an approximate nearest-neighbour index of symptoms.
type Index interface {
	// Nearest returns up to k symptoms closest to v, nearest first.
	Nearest(ctx context.Context, v []float32, k int) ([]graph.Neighbor, error)
	// Distances returns the distance from v to each listed symptom.
	Distances(ctx context.Context, v []float32, ids []string) (map[string]float64, error)
}

// Metrics understood by the in-memory index.
const (
	MetricAngular   = "angular"
	MetricEuclidean = "euclidean"
)

// Symptom is one catalog entry.
type Symptom struct {
	ID          string    `yaml:"id"`
	Description string    `yaml:"description"`
	Vector      []float32 `yaml:"vector"`
}

// Catalog is the YAML form of the in-memory index.
type Catalog struct {
	Metric   string    `yaml:"metric"`
	Symptoms []Symptom `yaml:"symptoms"`
}

// MemoryIndex is a brute-force index over a loaded catalog.
type MemoryIndex struct {
	metric  string
	vectors []graph.Vector
	byID    map[string][]float32
}

// NewMemoryIndex builds an index from catalog entries.
func NewMemoryIndex(metric string, symptoms []Symptom) (*MemoryIndex, error) {
	if metric == "" {
		metric = MetricAngular
	}
	if metric != MetricAngular && metric != MetricEuclidean {
		return nil, fmt.Errorf("unsupported metric %q", metric)
	}
	m := &MemoryIndex{metric: metric, byID: make(map[string][]float32, len(symptoms))}
	dim := -1
	for _, s := range symptoms {
		if dim < 0 {
			dim = len(s.Vector)
		}
		if len(s.Vector) != dim || dim == 0 {
			return nil, fmt.Errorf("symptom %s: vector has %d dims, want %d", s.ID, len(s.Vector), dim)
		}
		if _, dup := m.byID[s.ID]; dup {
			return nil, fmt.Errorf("duplicate symptom %s", s.ID)
		}
		m.byID[s.ID] = s.Vector
		m.vectors = append(m.vectors, graph.Vector{ID: s.ID, Embedding: s.Vector})
	}
	return m, nil
}

// LoadCatalog reads a YAML catalog file into a MemoryIndex. metric
// overrides the file's own metric when set.
func LoadCatalog(path, metric string) (*MemoryIndex, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading symptom catalog: %w", err)
	}
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parsing symptom catalog %s: %w", path, err)
	}
	if metric == "" {
		metric = c.Metric
	}
	return NewMemoryIndex(metric, c.Symptoms)
}

// Len returns the number of symptoms.
func (m *MemoryIndex) Len() int { return len(m.vectors) }

func (m *MemoryIndex) Nearest(_ context.Context, v []float32, k int) ([]graph.Neighbor, error) {
	if m.metric == MetricAngular {
		return graph.FindNearest(v, m.vectors, k), nil
	}
	out := make([]graph.Neighbor, 0, len(m.vectors))
	for _, c := range m.vectors {
		if len(c.Embedding) == len(v) {
			out = append(out, graph.Neighbor{ID: c.ID, Distance: euclidean(v, c.Embedding)})
		}
	}
	sortNeighbors(out)
	if len(out) > k {
		out = out[:k]
	}
	return out, nil
}

func (m *MemoryIndex) Distances(_ context.Context, v []float32, ids []string) (map[string]float64, error) {
	out := make(map[string]float64, len(ids))
	for _, id := range ids {
		vec, ok := m.byID[id]
		if !ok || len(vec) != len(v) {
			continue
		}
		if m.metric == MetricAngular {
			out[id] = graph.AngularDistance(v, vec)
		} else {
			out[id] = euclidean(v, vec)
		}
	}
	return out, nil
}

func euclidean(a, b []float32) float64 {
	var sum float64
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return math.Sqrt(sum)
}

func sortNeighbors(ns []graph.Neighbor) {
	sort.Slice(ns, func(i, j int) bool {
		if ns[i].Distance != ns[j].Distance {
			return ns[i].Distance < ns[j].Distance
		}
		return ns[i].ID < ns[j].ID
	})
}
