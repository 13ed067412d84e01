package graph

import (
	"math"
	"sort"
)

// Vector is a labelled embedding, e.g. one symptom of the ANN catalog.
type Vector struct {
	ID        string
	Embedding []float32
}

// Neighbor is a catalog item with its angular distance to a query vector.
type Neighbor struct {
	ID       string
	Distance float64
}

// CosineSimilarity computes cosine similarity between two vectors.
// Returns 0.0 for zero-norm vectors or mismatched lengths.
func CosineSimilarity(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0.0
	}

	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}

	if normA == 0 || normB == 0 {
		return 0.0
	}
	return float32(dot / (math.Sqrt(normA) * math.Sqrt(normB)))
}

// AngularDistance is the distance between the normalised vectors,
// sqrt(2 * (1 - cos)). It ranges over [0, 2].
func AngularDistance(a, b []float32) float64 {
	cos := float64(CosineSimilarity(a, b))
	d := 2 * (1 - cos)
	if d < 0 {
		d = 0
	}
	return math.Sqrt(d)
}

// Sum adds vectors element-wise. Vectors of a different length than the
// first one are ignored.
func Sum(vectors ...[]float32) []float32 {
	var out []float32
	for _, v := range vectors {
		if out == nil {
			out = make([]float32, len(v))
		}
		if len(v) != len(out) {
			continue
		}
		for i := range v {
			out[i] += v[i]
		}
	}
	return out
}

// IsZero reports whether every component of v is zero.
func IsZero(v []float32) bool {
	for _, x := range v {
		if x != 0 {
			return false
		}
	}
	return true
}

// FindNearest returns the k catalog items closest to target by angular
// distance, nearest first. Ties are broken by ID for deterministic output.
func FindNearest(target []float32, candidates []Vector, k int) []Neighbor {
	if k <= 0 || IsZero(target) {
		return nil
	}
	results := make([]Neighbor, 0, len(candidates))
	for _, c := range candidates {
		if len(c.Embedding) != len(target) {
			continue
		}
		results = append(results, Neighbor{ID: c.ID, Distance: AngularDistance(target, c.Embedding)})
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Distance != results[j].Distance {
			return results[i].Distance < results[j].Distance
		}
		return results[i].ID < results[j].ID
	})

	if len(results) > k {
		results = results[:k]
	}
	return results
}
