// Package embedders provides embedding providers for the RAG layer and
// semantic context selection.
package embedders

import (
	"context"
	"fmt"

	"github.com/rvbbit/lars/pkg/config"
)

// Embedder turns text into vectors. EmbedBatch preserves input order.
type Embedder interface {
	Model() string
	Dimension() int
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// New builds the configured embedder.
func New(cfg *config.EmbedderConfig) (Embedder, error) {
	if cfg == nil {
		return nil, fmt.Errorf("embedder is not configured")
	}
	switch cfg.Type {
	case "openai":
		return NewOpenAIEmbedder(cfg)
	case "ollama":
		return NewOllamaEmbedder(cfg)
	default:
		return nil, fmt.Errorf("unsupported embedder type '%s'", cfg.Type)
	}
}
