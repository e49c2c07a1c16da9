package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/generative-ai-go/genai"
	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fabfab/campusqa/config"
	"github.com/fabfab/campusqa/retry"
)

func TestOllamaClientGenerate(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/chat", r.URL.Path)

		var req ollamaChatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.False(t, req.Stream)
		require.Len(t, req.Messages, 2)
		assert.Equal(t, RoleSystem, req.Messages[0].Role)
		require.NotNil(t, req.Options)
		require.NotNil(t, req.Options.Temperature)
		assert.Equal(t, float32(0), *req.Options.Temperature)
		assert.Equal(t, 64, req.Options.NumPredict)

		_ = json.NewEncoder(w).Encode(ollamaChatResponse{
			Message: ollamaMessage{Role: RoleAssistant, Content: "0.8"},
			Done:    true,
		})
	}))
	defer server.Close()

	zero := float32(0)
	client := NewOllamaClient(Options{OllamaHost: server.URL + "/", Model: "llama3", Temperature: &zero, MaxTokens: 64})
	out, err := client.Generate(context.Background(), []Message{
		{Role: RoleSystem, Content: "Rate the answer."},
		{Role: RoleUser, Content: "Answer: ..."},
	})
	require.NoError(t, err)
	assert.Equal(t, "0.8", out)
}

func TestOllamaClientOmitsDefaultOptions(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var raw map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&raw))
		assert.NotContains(t, raw, "options")
		_ = json.NewEncoder(w).Encode(ollamaChatResponse{Message: ollamaMessage{Content: "ok"}, Done: true})
	}))
	defer server.Close()

	out, err := NewOllamaClient(Options{OllamaHost: server.URL}).Generate(context.Background(), []Message{{Role: RoleUser, Content: "hi"}})
	require.NoError(t, err)
	assert.Equal(t, "ok", out)
}

func TestOllamaClientStatusError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusTooManyRequests)
	}))
	defer server.Close()

	_, err := NewOllamaClient(Options{OllamaHost: server.URL}).Generate(context.Background(), []Message{{Role: RoleUser, Content: "hi"}})

	var statusErr *retry.StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusTooManyRequests, statusErr.StatusCode)
	assert.True(t, retry.IsTransient(err))
}

func TestOllamaClientRejectsEmptyReplies(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(ollamaChatResponse{Done: true, DoneReason: "length"})
	}))
	defer server.Close()

	client := NewOllamaClient(Options{OllamaHost: server.URL, Model: "llama3"})
	_, err := client.Generate(context.Background(), []Message{{Role: RoleUser, Content: "hi"}})
	assert.ErrorContains(t, err, "empty content")

	_, err = client.Generate(context.Background(), nil)
	assert.Error(t, err)
}

func openAIServer(t *testing.T, handler func(req openai.ChatCompletionRequest) (int, any)) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		var req openai.ChatCompletionRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		status, body := handler(req)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(body)
	}))
	t.Cleanup(server.Close)
	return server
}

func TestOpenAIClientGenerate(t *testing.T) {
	server := openAIServer(t, func(req openai.ChatCompletionRequest) (int, any) {
		assert.Equal(t, "gpt-4o-mini", req.Model)
		assert.Equal(t, 128, req.MaxTokens)
		require.Len(t, req.Messages, 2)
		assert.Equal(t, RoleSystem, req.Messages[0].Role)
		assert.Equal(t, "What is a heap?", req.Messages[1].Content)

		return http.StatusOK, openai.ChatCompletionResponse{Choices: []openai.ChatCompletionChoice{{
			Message:      openai.ChatCompletionMessage{Role: RoleAssistant, Content: "A complete binary tree [Source 1]."},
			FinishReason: openai.FinishReasonStop,
		}}}
	})

	client := NewOpenAIClient(Options{OpenAIAPIKey: "test", OpenAIBaseURL: server.URL + "/", Model: "gpt-4o-mini", MaxTokens: 128})
	out, err := client.Generate(context.Background(), []Message{
		{Role: RoleSystem, Content: "Answer from context."},
		{Role: RoleUser, Content: "What is a heap?"},
	})
	require.NoError(t, err)
	assert.Equal(t, "A complete binary tree [Source 1].", out)
}

func TestOpenAIClientFailures(t *testing.T) {
	t.Run("content filter is permanent", func(t *testing.T) {
		server := openAIServer(t, func(openai.ChatCompletionRequest) (int, any) {
			return http.StatusOK, openai.ChatCompletionResponse{Choices: []openai.ChatCompletionChoice{{
				FinishReason: openai.FinishReasonContentFilter,
			}}}
		})
		_, err := NewOpenAIClient(Options{OpenAIAPIKey: "test", OpenAIBaseURL: server.URL}).
			Generate(context.Background(), []Message{{Role: RoleUser, Content: "hi"}})
		require.Error(t, err)
		assert.True(t, retry.IsPermanent(err))
	})

	t.Run("no choices", func(t *testing.T) {
		server := openAIServer(t, func(openai.ChatCompletionRequest) (int, any) {
			return http.StatusOK, openai.ChatCompletionResponse{}
		})
		_, err := NewOpenAIClient(Options{OpenAIAPIKey: "test", OpenAIBaseURL: server.URL}).
			Generate(context.Background(), []Message{{Role: RoleUser, Content: "hi"}})
		assert.ErrorContains(t, err, "no choices")
	})

	t.Run("throttled is transient", func(t *testing.T) {
		server := openAIServer(t, func(openai.ChatCompletionRequest) (int, any) {
			return http.StatusTooManyRequests, map[string]any{"error": map[string]any{"message": "slow down", "type": "rate_limit"}}
		})
		_, err := NewOpenAIClient(Options{OpenAIAPIKey: "test", OpenAIBaseURL: server.URL}).
			Generate(context.Background(), []Message{{Role: RoleUser, Content: "hi"}})
		require.Error(t, err)
		assert.True(t, retry.IsTransient(err))
	})

	t.Run("no messages", func(t *testing.T) {
		_, err := NewOpenAIClient(Options{OpenAIAPIKey: "test"}).Generate(context.Background(), nil)
		assert.Error(t, err)
	})
}

func TestGeminiResponseText(t *testing.T) {
	text, err := responseText(&genai.GenerateContentResponse{Candidates: []*genai.Candidate{{
		Content:      &genai.Content{Parts: []genai.Part{genai.Text("Stacks are "), genai.Text("LIFO.")}},
		FinishReason: genai.FinishReasonStop,
	}}})
	require.NoError(t, err)
	assert.Equal(t, "Stacks are LIFO.", text)

	_, err = responseText(&genai.GenerateContentResponse{Candidates: []*genai.Candidate{{FinishReason: genai.FinishReasonSafety}}})
	require.Error(t, err)
	assert.True(t, retry.IsPermanent(err))

	_, err = responseText(nil)
	assert.Error(t, err)
}

func TestNewClientProviderSelection(t *testing.T) {
	cfg := config.Config{LLM: config.LLMConfig{Provider: config.ProviderOllama, Model: "llama3", MaxTokens: 256}}
	client, err := NewClient(context.Background(), cfg)
	require.NoError(t, err)
	require.IsType(t, &ollamaClient{}, client)
	assert.Nil(t, client.(*ollamaClient).options.Temperature)
	assert.Equal(t, 256, client.(*ollamaClient).options.NumPredict)

	cfg.LLM.ScoringModel = "phi3"
	scorer, err := NewScoringClient(context.Background(), cfg)
	require.NoError(t, err)
	require.IsType(t, &ollamaClient{}, scorer)
	assert.Equal(t, "phi3", scorer.(*ollamaClient).model)
	require.NotNil(t, scorer.(*ollamaClient).options.Temperature)

	cfg.LLM.Provider = config.ProviderOpenAI
	_, err = NewClient(context.Background(), cfg)
	assert.ErrorContains(t, err, "OPENAI_API_KEY")

	cfg.LLM.Provider = config.ProviderGemini
	_, err = NewClient(context.Background(), cfg)
	assert.ErrorContains(t, err, "GEMINI_API_KEY")

	cfg.LLM.Provider = "bard"
	_, err = NewClient(context.Background(), cfg)
	assert.Error(t, err)
}
