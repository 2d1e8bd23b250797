package embedding

import (
	"context"
	"errors"
	"time"

	"media-pipeline/internal/upstream"
)

// Model identifiers of the two embedding backends.
const (
	ModelBGE = "BAAI/bge-m3"
	ModelE5  = "intfloat/multilingual-e5-large"
)

// DefaultTimeout bounds a single embedding call.
const DefaultTimeout = 2 * time.Minute

// Embedder turns text into one vector.
type Embedder interface {
	Model() string
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Backend is an HTTP embedding inference server.
type Backend struct {
	http     *upstream.Client
	model    string
	endpoint string
	timeout  time.Duration
}

// NewBackend returns nil when endpoint is empty so an unconfigured backend stays a nil Embedder.
func NewBackend(http *upstream.Client, model, endpoint string, timeout time.Duration) Embedder {
	if endpoint == "" {
		return nil
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Backend{http: http, model: model, endpoint: endpoint, timeout: timeout}
}

func (b *Backend) Model() string {
	return b.model
}

type embedRequest struct {
	Input string `json:"input"`
	Model string `json:"model"`
}

// embedResponse accepts the single-vector, batch, and OpenAI-style response shapes.
type embedResponse struct {
	Embedding  []float32   `json:"embedding"`
	Embeddings [][]float32 `json:"embeddings"`
	Data       []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

func (r embedResponse) vector() []float32 {
	switch {
	case len(r.Embedding) > 0:
		return r.Embedding
	case len(r.Embeddings) > 0:
		return r.Embeddings[0]
	case len(r.Data) > 0:
		return r.Data[0].Embedding
	}
	return nil
}

// Embed calls the backend. A response without a vector is a fatal upstream error.
func (b *Backend) Embed(ctx context.Context, text string) ([]float32, error) {
	var out embedResponse
	if err := b.http.PostJSON(ctx, b.model, b.endpoint, b.timeout, embedRequest{Input: text, Model: b.model}, &out); err != nil {
		return nil, err
	}
	vec := out.vector()
	if len(vec) == 0 {
		return nil, upstream.NewFatal(b.model, errors.New("response has no embedding vector"))
	}
	return vec, nil
}
