package scorer

import (
	"context"
	"fmt"
	"math"
	"net/url"

	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/filters"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"github.com/weaviate/weaviate/entities/models"

	"github.com/dizel0110/ITMO-sub000/internal/graph"
)

// symptomIDProperty is the property holding the catalog id on each object.
const symptomIDProperty = "symptomId"

// WeaviateIndex queries a Weaviate class whose objects carry symptom
// vectors under the cosine distance.
type WeaviateIndex struct {
	client *weaviate.Client
	class  string
}

// NewWeaviateIndex connects to the Weaviate instance at rawURL.
func NewWeaviateIndex(rawURL, class string) (*WeaviateIndex, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parsing weaviate url: %w", err)
	}
	scheme := parsed.Scheme
	if scheme == "" {
		scheme = "http"
	}
	client, err := weaviate.NewClient(weaviate.Config{Host: parsed.Host, Scheme: scheme})
	if err != nil {
		return nil, fmt.Errorf("create weaviate client: %w", err)
	}
	return &WeaviateIndex{client: client, class: class}, nil
}

func (w *WeaviateIndex) fields() []graphql.Field {
	return []graphql.Field{
		{Name: symptomIDProperty},
		{Name: "_additional", Fields: []graphql.Field{{Name: "distance"}}},
	}
}

func (w *WeaviateIndex) Nearest(ctx context.Context, v []float32, k int) ([]graph.Neighbor, error) {
	nearVector := w.client.GraphQL().NearVectorArgBuilder().WithVector(v)
	result, err := w.client.GraphQL().Get().
		WithClassName(w.class).
		WithFields(w.fields()...).
		WithNearVector(nearVector).
		WithLimit(k).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("weaviate search failed: %w", err)
	}
	return parseNeighbors(result, w.class)
}

func (w *WeaviateIndex) Distances(ctx context.Context, v []float32, ids []string) (map[string]float64, error) {
	if len(ids) == 0 {
		return map[string]float64{}, nil
	}
	operands := make([]*filters.WhereBuilder, 0, len(ids))
	for _, id := range ids {
		operands = append(operands, filters.Where().
			WithPath([]string{symptomIDProperty}).
			WithOperator(filters.Equal).
			WithValueText(id))
	}
	where := filters.Where().WithOperator(filters.Or).WithOperands(operands)

	nearVector := w.client.GraphQL().NearVectorArgBuilder().WithVector(v)
	result, err := w.client.GraphQL().Get().
		WithClassName(w.class).
		WithFields(w.fields()...).
		WithWhere(where).
		WithNearVector(nearVector).
		WithLimit(len(ids)).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("weaviate search failed: %w", err)
	}
	ns, err := parseNeighbors(result, w.class)
	if err != nil {
		return nil, err
	}
	out := make(map[string]float64, len(ns))
	for _, n := range ns {
		out[n.ID] = n.Distance
	}
	return out, nil
}

// parseNeighbors extracts symptom ids and distances from a Get response.
// Weaviate reports cosine distance 1-cos; it is converted to the angular
// distance sqrt(2(1-cos)) used everywhere else.
func parseNeighbors(result *models.GraphQLResponse, class string) ([]graph.Neighbor, error) {
	if result == nil {
		return nil, nil
	}
	if len(result.Errors) > 0 {
		return nil, fmt.Errorf("search error: %s", result.Errors[0].Message)
	}
	data, ok := result.Data["Get"].(map[string]interface{})
	if !ok {
		return nil, nil
	}
	objects, ok := data[class].([]interface{})
	if !ok {
		return nil, nil
	}

	out := make([]graph.Neighbor, 0, len(objects))
	for _, obj := range objects {
		m, ok := obj.(map[string]interface{})
		if !ok {
			continue
		}
		id, _ := m[symptomIDProperty].(string)
		additional, _ := m["_additional"].(map[string]interface{})
		d, ok := additional["distance"].(float64)
		if id == "" || !ok {
			continue
		}
		out = append(out, graph.Neighbor{ID: id, Distance: math.Sqrt(math.Max(0, 2*d))})
	}
	sortNeighbors(out)
	return out, nil
}
