package openai_provider

import (
	"context"
	"fmt"
	"net/http"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

// client wraps the OpenAI embeddings API.
type client struct {
	api   *openai.Client
	model openai.EmbeddingModel
}

// NewClient creates an OpenAI embedding client. An unrecognized model
// name falls back to ada-002, which matches the document store's vector
// dimensionality.
func NewClient(apiKey, embeddingModel string, timeout time.Duration) *client {
	cfg := openai.DefaultConfig(apiKey)
	if timeout > 0 {
		cfg.HTTPClient = &http.Client{Timeout: timeout}
	}
	model := openai.AdaEmbeddingV2
	if embeddingModel != "" {
		var parsed openai.EmbeddingModel
		if err := parsed.UnmarshalText([]byte(embeddingModel)); err == nil && parsed != openai.Unknown {
			model = parsed
		}
	}
	return &client{api: openai.NewClientWithConfig(cfg), model: model}
}

// CreateEmbedding embeds the given texts in one API call, preserving
// input order.
func (c *client) CreateEmbedding(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	resp, err := c.api.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: texts,
		Model: c.model,
	})
	if err != nil {
		return nil, fmt.Errorf("create embeddings: %w", err)
	}
	vecs := make([][]float32, len(texts))
	for _, d := range resp.Data {
		if d.Index >= 0 && d.Index < len(vecs) {
			vecs[d.Index] = d.Embedding
		}
	}
	return vecs, nil
}
