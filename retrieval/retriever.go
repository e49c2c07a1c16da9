package retrieval

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/fabfab/campusqa/logging"
	"github.com/fabfab/campusqa/metrics"
	"github.com/fabfab/campusqa/store"
)

// Filter restricts retrieval to one course and/or semester. Empty fields match
// everything; comparison ignores case and surrounding spaces.
type Filter struct {
	Course   string
	Semester string
}

func (f Filter) normalized() Filter {
	return Filter{
		Course:   strings.ToLower(strings.TrimSpace(f.Course)),
		Semester: strings.ToLower(strings.TrimSpace(f.Semester)),
	}
}

func (f Filter) IsZero() bool {
	n := f.normalized()
	return n.Course == "" && n.Semester == ""
}

// Matches reports whether chunk passes the filter.
func (f Filter) Matches(chunk store.Chunk) bool {
	n := f.normalized()
	if n.Course != "" && strings.ToLower(strings.TrimSpace(chunk.Course)) != n.Course {
		return false
	}
	if n.Semester != "" && strings.ToLower(strings.TrimSpace(chunk.Semester)) != n.Semester {
		return false
	}
	return true
}

// Passage is one retrieved chunk with its similarity score.
type Passage struct {
	store.Chunk
	Score float64 `json:"score"`
}

// QueryEmbedder turns a query into a vector in the index space.
type QueryEmbedder interface {
	EmbedOne(ctx context.Context, text string) ([]float32, error)
}

// Searcher finds the k best chunks for a query vector among those matching filter.
type Searcher interface {
	Search(ctx context.Context, query []float32, k int, filter Filter) ([]Passage, error)
}

type Options struct {
	DefaultK int
	MaxK     int
	Logger   *zerolog.Logger
	Metrics  *metrics.Metrics
}

// Retriever embeds a query and searches the configured backend.
type Retriever struct {
	embedder QueryEmbedder
	searcher Searcher
	defaultK int
	maxK     int
	logger   *zerolog.Logger
	metrics  *metrics.Metrics
}

func NewRetriever(embedder QueryEmbedder, searcher Searcher, opts Options) (*Retriever, error) {
	if embedder == nil {
		return nil, fmt.Errorf("embedder not configured")
	}
	if searcher == nil {
		return nil, fmt.Errorf("searcher not configured")
	}
	if opts.MaxK <= 0 {
		opts.MaxK = 10
	}
	if opts.DefaultK <= 0 || opts.DefaultK > opts.MaxK {
		opts.DefaultK = min(3, opts.MaxK)
	}

	return &Retriever{
		embedder: embedder,
		searcher: searcher,
		defaultK: opts.DefaultK,
		maxK:     opts.MaxK,
		logger:   logging.Component(opts.Logger, "retrieval"),
		metrics:  opts.Metrics,
	}, nil
}

// EffectiveK applies the default and the configured cap to a requested k.
func (r *Retriever) EffectiveK(k int) int {
	if k <= 0 {
		return r.defaultK
	}
	return min(k, r.maxK)
}

// Retrieve returns up to k passages ranked by score. A filter that matches
// nothing yields an empty slice and no error.
func (r *Retriever) Retrieve(ctx context.Context, query string, k int, filter Filter) ([]Passage, error) {
	if strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("query is required")
	}
	started := time.Now()
	k = r.EffectiveK(k)

	vec, err := r.embedder.EmbedOne(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	passages, err := r.searcher.Search(ctx, vec, k, filter)
	if err != nil {
		return nil, fmt.Errorf("search index: %w", err)
	}
	if passages == nil {
		passages = []Passage{}
	}

	r.metrics.RecordRetrieval(time.Since(started), len(passages))
	r.logger.Debug().
		Int("k", k).
		Str("course", filter.Course).
		Str("semester", filter.Semester).
		Int("results", len(passages)).
		Msg("retrieved passages")
	return passages, nil
}
