package embeddings

import (
	"context"
	"fmt"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
)

type geminiProvider struct {
	client *genai.Client
	model  *genai.EmbeddingModel
}

// NewGeminiProvider embeds through the Gemini batch embedding endpoint.
func NewGeminiProvider(ctx context.Context, opts Options) (Provider, error) {
	client, err := genai.NewClient(ctx, option.WithAPIKey(opts.GeminiAPIKey))
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}

	model := client.EmbeddingModel(opts.Model)
	model.TaskType = genai.TaskTypeRetrievalDocument

	return &geminiProvider{client: client, model: model}, nil
}

func (p *geminiProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	batch := p.model.NewBatch()
	for _, text := range texts {
		batch.AddContent(genai.Text(text))
	}

	resp, err := p.model.BatchEmbedContents(ctx, batch)
	if err != nil {
		return nil, fmt.Errorf("gemini batch embed: %w", err)
	}

	results := make([][]float32, len(resp.Embeddings))
	for i, embedding := range resp.Embeddings {
		if embedding == nil {
			return nil, fmt.Errorf("gemini returned empty embedding at %d", i)
		}
		results[i] = embedding.Values
	}
	return results, nil
}

func (p *geminiProvider) Close() error {
	return p.client.Close()
}
