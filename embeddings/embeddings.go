package embeddings

import (
	"context"
	"errors"
	"fmt"

	"github.com/fabfab/campusqa/config"
)

// ErrEmbeddingUnavailable is returned when the embedding provider could not produce
// vectors after the retry policy was exhausted, or returned unusable vectors.
var ErrEmbeddingUnavailable = errors.New("embedding unavailable")

// Provider is a single embedding backend. Implementations return one vector per
// input text, in order.
type Provider interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Embedder is what the ingestion pipeline and retriever depend on.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	EmbedOne(ctx context.Context, text string) ([]float32, error)
}

type Options struct {
	Provider  string
	Model     string
	Dimension int

	OllamaHost     string
	OpenAIAPIKey   string
	OpenAIBaseURL  string
	GeminiAPIKey   string
	LocalModelPath string
}

func optionsFromConfig(cfg config.Config) Options {
	return Options{
		Provider:       cfg.Embeddings.Provider,
		Model:          cfg.Embeddings.Model,
		Dimension:      cfg.Embeddings.Dimension,
		OllamaHost:     cfg.OllamaHost,
		OpenAIAPIKey:   cfg.OpenAIAPIKey,
		OpenAIBaseURL:  cfg.OpenAIBaseURL,
		GeminiAPIKey:   cfg.GeminiAPIKey,
		LocalModelPath: cfg.LocalModelPath,
	}
}

// NewProvider builds the provider selected by cfg.Embeddings.Provider.
func NewProvider(ctx context.Context, cfg config.Config) (Provider, error) {
	opts := optionsFromConfig(cfg)

	switch opts.Provider {
	case config.ProviderOllama:
		return NewOllamaProvider(opts), nil
	case config.ProviderOpenAI:
		if opts.OpenAIAPIKey == "" {
			return nil, fmt.Errorf("openai provider selected but OPENAI_API_KEY not set")
		}
		return NewOpenAIProvider(opts), nil
	case config.ProviderGemini:
		if opts.GeminiAPIKey == "" {
			return nil, fmt.Errorf("gemini provider selected but GEMINI_API_KEY not set")
		}
		return NewGeminiProvider(ctx, opts)
	case config.ProviderLocal:
		return NewLocalProvider(opts)
	default:
		return nil, fmt.Errorf("unknown embedding provider: %s", opts.Provider)
	}
}
