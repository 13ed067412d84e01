package scorer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// DefaultEmbeddingTimeout bounds one call to the embedding service.
const DefaultEmbeddingTimeout = 30 * time.Second

// ServiceEmbedder computes description vectors with a remote embedding
// model. It speaks the /batch_embed and /health protocol of the
// embeddings service. Safe for concurrent use.
type ServiceEmbedder struct {
	baseURL    string
	httpClient *http.Client
}

// NewServiceEmbedder creates a client for the embedding service at baseURL.
// A non-positive timeout selects DefaultEmbeddingTimeout.
func NewServiceEmbedder(baseURL string, timeout time.Duration) *ServiceEmbedder {
	if timeout <= 0 {
		timeout = DefaultEmbeddingTimeout
	}
	return &ServiceEmbedder{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

type embeddingRequest struct {
	Texts []string `json:"texts"`
}

type embeddingResponse struct {
	Model   string      `json:"model"`
	Vectors [][]float32 `json:"vectors"`
	Dim     int         `json:"dim"`
}

func (e *ServiceEmbedder) Embed(ctx context.Context, description string) ([]float32, error) {
	if strings.TrimSpace(description) == "" {
		return nil, fmt.Errorf("%w: empty description", ErrNoEmbedding)
	}
	vectors, err := e.BatchEmbed(ctx, []string{description})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

// BatchEmbed embeds several descriptions in one request. The result has
// one vector per input, in order.
func (e *ServiceEmbedder) BatchEmbed(ctx context.Context, texts []string) ([][]float32, error) {
	body, err := json.Marshal(embeddingRequest{Texts: texts})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/batch_embed", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embedding request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("embedding service returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var out embeddingResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if len(out.Vectors) != len(texts) {
		return nil, fmt.Errorf("embedding service returned %d vectors for %d texts", len(out.Vectors), len(texts))
	}
	for i, v := range out.Vectors {
		if len(v) == 0 {
			return nil, fmt.Errorf("%w: empty vector for %q", ErrNoEmbedding, texts[i])
		}
	}
	return out.Vectors, nil
}

// Health checks that the service is up and its model is loaded.
func (e *ServiceEmbedder) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	resp, err := e.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("embedding service health: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("embedding service unhealthy: status %d", resp.StatusCode)
	}
	return nil
}
