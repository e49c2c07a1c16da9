package embeddings

import (
	"context"
	"fmt"
	"io"
	"math"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/fabfab/campusqa/config"
	"github.com/fabfab/campusqa/logging"
	"github.com/fabfab/campusqa/metrics"
	"github.com/fabfab/campusqa/retry"
	"github.com/fabfab/campusqa/vectorindex"
)

// ClientOptions tune how a Client drives its provider.
type ClientOptions struct {
	BatchSize         int
	Dimension         int
	Normalize         bool
	Timeout           time.Duration
	RequestsPerSecond float64
	Retry             retry.Policy
	Logger            *zerolog.Logger
	Metrics           *metrics.Metrics
}

// Client batches, throttles, retries and validates calls to a Provider.
type Client struct {
	provider  Provider
	batchSize int
	dimension int
	normalize bool
	timeout   time.Duration
	limiter   *rate.Limiter
	policy    retry.Policy
	logger    *zerolog.Logger
	metrics   *metrics.Metrics
}

var _ Embedder = (*Client)(nil)

func NewClient(provider Provider, opts ClientOptions) (*Client, error) {
	if provider == nil {
		return nil, fmt.Errorf("embedding provider is required")
	}
	if opts.Dimension <= 0 {
		return nil, fmt.Errorf("embedding dimension must be positive")
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 32
	}

	limit := rate.Inf
	if opts.RequestsPerSecond > 0 {
		limit = rate.Limit(opts.RequestsPerSecond)
	}

	c := &Client{
		provider:  provider,
		batchSize: opts.BatchSize,
		dimension: opts.Dimension,
		normalize: opts.Normalize,
		timeout:   opts.Timeout,
		limiter:   rate.NewLimiter(limit, 1),
		policy:    opts.Retry,
		logger:    logging.Component(opts.Logger, "embeddings"),
		metrics:   opts.Metrics,
	}

	userHook := c.policy.OnRetry
	c.policy.OnRetry = func(err error, wait time.Duration) {
		c.metrics.RecordRetry("embed")
		c.logger.Warn().Err(err).Dur("wait", wait).Msg("embedding call failed, retrying")
		if userHook != nil {
			userHook(err, wait)
		}
	}

	return c, nil
}

// New builds the configured provider and wraps it in a Client.
func New(ctx context.Context, cfg config.Config, logger *zerolog.Logger, m *metrics.Metrics) (*Client, error) {
	provider, err := NewProvider(ctx, cfg)
	if err != nil {
		return nil, err
	}

	return NewClient(provider, ClientOptions{
		BatchSize:         cfg.Embeddings.BatchSize,
		Dimension:         cfg.Embeddings.Dimension,
		Normalize:         cfg.Embeddings.Metric == config.MetricCosine,
		Timeout:           cfg.Embeddings.Timeout,
		RequestsPerSecond: cfg.Embeddings.RequestsPerSecond,
		Retry: retry.Policy{
			MaxAttempts: cfg.Retry.MaxAttempts,
			BaseDelay:   cfg.Retry.BaseDelay,
			MaxDelay:    cfg.Retry.MaxDelay,
			Jitter:      cfg.Retry.Jitter,
		},
		Logger:  logger,
		Metrics: m,
	})
}

// Dimension is the vector length every returned embedding has.
func (c *Client) Dimension() int { return c.dimension }

// Embed returns one vector per text, in input order.
func (c *Client) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	results := make([][]float32, 0, len(texts))

	for start := 0; start < len(texts); start += c.batchSize {
		end := min(start+c.batchSize, len(texts))

		vectors, err := c.embedBatch(ctx, texts[start:end])
		if err != nil {
			return nil, err
		}
		results = append(results, vectors...)
	}

	return results, nil
}

func (c *Client) EmbedOne(ctx context.Context, text string) ([]float32, error) {
	vectors, err := c.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

func (c *Client) embedBatch(ctx context.Context, batch []string) ([][]float32, error) {
	var vectors [][]float32

	err := c.policy.Do(ctx, func(ctx context.Context) error {
		if err := c.limiter.Wait(ctx); err != nil {
			return retry.Permanent(err)
		}

		callCtx := ctx
		if c.timeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, c.timeout)
			defer cancel()
		}

		started := time.Now()
		out, err := c.provider.Embed(callCtx, batch)
		c.metrics.RecordEmbedRequest(time.Since(started), err)
		if err != nil {
			if ctx.Err() != nil || !retry.IsTransient(err) {
				return retry.Permanent(err)
			}
			return err
		}

		if err := c.validate(out, len(batch)); err != nil {
			return retry.Permanent(err)
		}
		vectors = out
		return nil
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("embed batch: %w", ctxErr)
		}
		return nil, fmt.Errorf("%w: %w", ErrEmbeddingUnavailable, err)
	}

	if c.normalize {
		for _, vec := range vectors {
			normalizeL2(vec)
		}
	}
	return vectors, nil
}

func (c *Client) validate(vectors [][]float32, want int) error {
	if len(vectors) != want {
		return fmt.Errorf("provider returned %d vectors for %d texts", len(vectors), want)
	}
	for i, vec := range vectors {
		if len(vec) != c.dimension {
			return fmt.Errorf("%w: vector %d has %d dimensions, expected %d",
				vectorindex.ErrDimensionMismatch, i, len(vec), c.dimension)
		}
	}
	return nil
}

// Close releases provider resources (Gemini client, hugot session) when it holds any.
func (c *Client) Close() error {
	if closer, ok := c.provider.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}

func normalizeL2(vec []float32) {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	if sum == 0 {
		return
	}
	norm := float32(math.Sqrt(sum))
	for i := range vec {
		vec[i] /= norm
	}
}
