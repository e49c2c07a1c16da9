package llm

import (
	"context"
	"fmt"

	"github.com/fabfab/campusqa/config"
)

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

type Message struct {
	Role    string
	Content string
}

type Client interface {
	Generate(ctx context.Context, messages []Message) (string, error)
}

type Options struct {
	Provider string
	Model    string
	// Temperature is left to the provider default when nil.
	Temperature *float32
	// MaxTokens caps the reply length; zero leaves it to the provider.
	MaxTokens int

	OllamaHost    string
	OpenAIAPIKey  string
	OpenAIBaseURL string
	GeminiAPIKey  string
}

// NewClient returns the answer generation client.
func NewClient(ctx context.Context, cfg config.Config) (Client, error) {
	return newClient(ctx, optionsFromConfig(cfg, cfg.LLM.Model, nil))
}

// NewScoringClient returns the client that rates answers. It uses the scoring model
// when one is configured and always samples at temperature zero.
func NewScoringClient(ctx context.Context, cfg config.Config) (Client, error) {
	model := cfg.LLM.ScoringModel
	if model == "" {
		model = cfg.LLM.Model
	}
	zero := float32(0)
	return newClient(ctx, optionsFromConfig(cfg, model, &zero))
}

func optionsFromConfig(cfg config.Config, model string, temperature *float32) Options {
	return Options{
		Provider:      cfg.LLM.Provider,
		Model:         model,
		Temperature:   temperature,
		MaxTokens:     cfg.LLM.MaxTokens,
		OllamaHost:    cfg.OllamaHost,
		OpenAIAPIKey:  cfg.OpenAIAPIKey,
		OpenAIBaseURL: cfg.OpenAIBaseURL,
		GeminiAPIKey:  cfg.GeminiAPIKey,
	}
}

func newClient(ctx context.Context, opts Options) (Client, error) {
	switch opts.Provider {
	case config.ProviderOllama:
		return NewOllamaClient(opts), nil
	case config.ProviderOpenAI:
		if opts.OpenAIAPIKey == "" {
			return nil, fmt.Errorf("openai provider selected but OPENAI_API_KEY not set")
		}
		return NewOpenAIClient(opts), nil
	case config.ProviderGemini:
		if opts.GeminiAPIKey == "" {
			return nil, fmt.Errorf("gemini provider selected but GEMINI_API_KEY not set")
		}
		return NewGeminiClient(ctx, opts)
	default:
		return nil, fmt.Errorf("unknown llm provider: %s", opts.Provider)
	}
}
