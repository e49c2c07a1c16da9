package embeddings

import (
	"context"
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

// openAIProvider calls the embeddings endpoint of OpenAI or any compatible server.
type openAIProvider struct {
	api       *openai.Client
	model     string
	dimension int
}

func NewOpenAIProvider(opts Options) Provider {
	apiCfg := openai.DefaultConfig(opts.OpenAIAPIKey)
	if opts.OpenAIBaseURL != "" {
		apiCfg.BaseURL = strings.TrimRight(opts.OpenAIBaseURL, "/")
	}

	return &openAIProvider{
		api:       openai.NewClientWithConfig(apiCfg),
		model:     opts.Model,
		dimension: opts.Dimension,
	}
}

func (p *openAIProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	req := openai.EmbeddingRequest{
		Model:          openai.EmbeddingModel(p.model),
		Input:          texts,
		EncodingFormat: openai.EmbeddingEncodingFormatFloat,
	}
	// Only the text-embedding-3 family can shorten its output.
	if p.dimension > 0 && strings.HasPrefix(p.model, "text-embedding-3") {
		req.Dimensions = p.dimension
	}

	resp, err := p.api.CreateEmbeddings(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("openai embeddings (%s): %w", p.model, err)
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("openai embeddings returned %d vectors for %d inputs", len(resp.Data), len(texts))
	}

	vectors := make([][]float32, len(texts))
	for _, item := range resp.Data {
		if item.Index < 0 || item.Index >= len(vectors) || vectors[item.Index] != nil {
			return nil, fmt.Errorf("openai embeddings returned unexpected index %d", item.Index)
		}
		vectors[item.Index] = item.Embedding
	}
	return vectors, nil
}
