package llm

import (
	"context"
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/fabfab/campusqa/retry"
)

// openAIClient generates through the chat completions API. OpenAIBaseURL points it
// at any compatible endpoint.
type openAIClient struct {
	api         *openai.Client
	model       string
	temperature *float32
	maxTokens   int
}

func NewOpenAIClient(opts Options) Client {
	apiCfg := openai.DefaultConfig(opts.OpenAIAPIKey)
	if opts.OpenAIBaseURL != "" {
		apiCfg.BaseURL = strings.TrimRight(opts.OpenAIBaseURL, "/")
	}

	return &openAIClient{
		api:         openai.NewClientWithConfig(apiCfg),
		model:       opts.Model,
		temperature: opts.Temperature,
		maxTokens:   opts.MaxTokens,
	}
}

func (c *openAIClient) Generate(ctx context.Context, messages []Message) (string, error) {
	if len(messages) == 0 {
		return "", fmt.Errorf("no messages to send")
	}

	req := openai.ChatCompletionRequest{
		Model:     c.model,
		Messages:  toOpenAIMessages(messages),
		MaxTokens: c.maxTokens,
	}
	if c.temperature != nil {
		req.Temperature = *c.temperature
	}

	resp, err := c.api.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", fmt.Errorf("openai chat completion (%s): %w", c.model, err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("openai chat completion returned no choices")
	}

	choice := resp.Choices[0]
	if choice.FinishReason == openai.FinishReasonContentFilter {
		return "", retry.Permanent(fmt.Errorf("openai chat completion stopped by content filter"))
	}
	if strings.TrimSpace(choice.Message.Content) == "" {
		return "", fmt.Errorf("openai chat completion returned empty content (finish reason %q)", choice.FinishReason)
	}
	return choice.Message.Content, nil
}

func toOpenAIMessages(messages []Message) []openai.ChatCompletionMessage {
	converted := make([]openai.ChatCompletionMessage, len(messages))
	for i, msg := range messages {
		converted[i] = openai.ChatCompletionMessage{Role: msg.Role, Content: msg.Content}
	}
	return converted
}
