package embeddings

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fabfab/campusqa/retry"
	"github.com/fabfab/campusqa/vectorindex"
)

type stubProvider struct {
	mu        sync.Mutex
	dimension int
	calls     [][]string
	failures  []error
}

var _ Provider = (*stubProvider)(nil)

func (s *stubProvider) Embed(_ context.Context, texts []string) ([][]float32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.calls = append(s.calls, append([]string(nil), texts...))
	if len(s.failures) > 0 {
		err := s.failures[0]
		s.failures = s.failures[1:]
		if err != nil {
			return nil, err
		}
	}

	out := make([][]float32, len(texts))
	for i, text := range texts {
		vec := make([]float32, s.dimension)
		vec[0] = float32(len(text))
		vec[1] = 1
		out[i] = vec
	}
	return out, nil
}

func fastRetry(attempts int) retry.Policy {
	return retry.Policy{MaxAttempts: attempts, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
}

func newTestClient(t *testing.T, provider Provider, opts ClientOptions) *Client {
	t.Helper()
	if opts.Dimension == 0 {
		opts.Dimension = 4
	}
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = fastRetry(3)
	}
	client, err := NewClient(provider, opts)
	require.NoError(t, err)
	return client
}

func TestClientBatchesInOrder(t *testing.T) {
	provider := &stubProvider{dimension: 4}
	client := newTestClient(t, provider, ClientOptions{BatchSize: 2})

	vectors, err := client.Embed(context.Background(), []string{"a", "bb", "ccc", "dddd", "eeeee"})
	require.NoError(t, err)

	require.Len(t, vectors, 5)
	assert.Len(t, provider.calls, 3)
	assert.Equal(t, []string{"eeeee"}, provider.calls[2])
	for i, vec := range vectors {
		assert.Equal(t, float32(i+1), vec[0])
	}
}

func TestClientNormalizesForCosine(t *testing.T) {
	client := newTestClient(t, &stubProvider{dimension: 4}, ClientOptions{Normalize: true})

	vec, err := client.EmbedOne(context.Background(), "abc")
	require.NoError(t, err)

	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	assert.InDelta(t, 1.0, math.Sqrt(sum), 1e-6)
}

func TestClientRetriesTransientErrors(t *testing.T) {
	provider := &stubProvider{
		dimension: 4,
		failures: []error{
			&retry.StatusError{StatusCode: 429, Body: "slow down"},
			errors.New("RESOURCE_EXHAUSTED: please retry in 0.001s"),
		},
	}
	client := newTestClient(t, provider, ClientOptions{Retry: fastRetry(5)})

	vectors, err := client.Embed(context.Background(), []string{"hello"})
	require.NoError(t, err)
	assert.Len(t, vectors, 1)
	assert.Len(t, provider.calls, 3)
}

func TestClientExhaustionIsUnavailable(t *testing.T) {
	provider := &stubProvider{
		dimension: 4,
		failures: []error{
			&retry.StatusError{StatusCode: 503},
			&retry.StatusError{StatusCode: 503},
			&retry.StatusError{StatusCode: 503},
		},
	}
	client := newTestClient(t, provider, ClientOptions{Retry: fastRetry(3)})

	_, err := client.Embed(context.Background(), []string{"hello"})
	assert.ErrorIs(t, err, ErrEmbeddingUnavailable)
	assert.Len(t, provider.calls, 3)
}

func TestClientDoesNotRetryBadRequests(t *testing.T) {
	provider := &stubProvider{
		dimension: 4,
		failures:  []error{&retry.StatusError{StatusCode: 400, Body: "bad input"}},
	}
	client := newTestClient(t, provider, ClientOptions{Retry: fastRetry(5)})

	_, err := client.Embed(context.Background(), []string{"hello"})
	assert.ErrorIs(t, err, ErrEmbeddingUnavailable)
	assert.Len(t, provider.calls, 1)
}

func TestClientRejectsWrongDimension(t *testing.T) {
	client := newTestClient(t, &stubProvider{dimension: 3}, ClientOptions{Dimension: 4})

	_, err := client.Embed(context.Background(), []string{"hello"})
	assert.ErrorIs(t, err, ErrEmbeddingUnavailable)
	assert.ErrorIs(t, err, vectorindex.ErrDimensionMismatch)
}

func TestClientStopsWhenContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	client := newTestClient(t, &stubProvider{dimension: 4}, ClientOptions{})
	_, err := client.Embed(ctx, []string{"hello"})

	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, ErrEmbeddingUnavailable)
}

func TestNewClientValidation(t *testing.T) {
	_, err := NewClient(nil, ClientOptions{Dimension: 4})
	assert.Error(t, err)

	_, err = NewClient(&stubProvider{}, ClientOptions{})
	assert.Error(t, err)
}
