package provider

import (
	"context"
	"errors"
	"fmt"

	"github.com/troubleshoot-sh/evidenced/config"
	openai_provider "github.com/troubleshoot-sh/evidenced/provider/openai"
)

// Client identifies an embedding provider implementation.
type Client string

const (
	OpenAI Client = "openai"
)

// Provider turns query text into semantic vectors for document search.
type Provider interface {
	CreateEmbedding(ctx context.Context, texts []string) ([][]float32, error)
}

// NewProvider creates an embedding client for the configured provider.
func NewProvider(client Client, cfg config.OpenAIConfig) (Provider, error) {
	switch client {
	case OpenAI:
		if cfg.APIKey == "" {
			return nil, errors.New("openai api key not set (providers.openai.api_key)")
		}
		return openai_provider.NewClient(cfg.APIKey, cfg.EmbeddingModel, cfg.Timeout), nil
	default:
		return nil, fmt.Errorf("unsupported embedding provider %q", client)
	}
}
