// Package vectorindex is an exact, immutable nearest-neighbour index over chunk
// embeddings.
package vectorindex

import (
	"errors"
	"fmt"
	"math"
	"sort"
)

var (
	// ErrDimensionMismatch is returned when a vector's length differs from the
	// index dimension.
	ErrDimensionMismatch = errors.New("vector dimension mismatch")
	// ErrIndexCorruption is returned when a persisted index is missing, unreadable
	// or inconsistent with its manifest or chunk store.
	ErrIndexCorruption = errors.New("index corruption")
)

const (
	MetricCosine = "cosine"
	MetricL2     = "l2"
)

// Hit is one search result.
type Hit struct {
	ID    string
	Score float64
}

// Filter selects candidate ids before scoring. A nil Filter accepts everything.
type Filter func(id string) bool

// Index is a read-only snapshot. It is safe for concurrent Search calls.
type Index struct {
	metric    string
	dimension int
	ids       []string
	data      []float32
	positions map[string]int
}

// Build creates an index from parallel id and vector slices.
func Build(metric string, dimension int, ids []string, vectors [][]float32) (*Index, error) {
	if len(ids) != len(vectors) {
		return nil, fmt.Errorf("build index: %d ids for %d vectors", len(ids), len(vectors))
	}
	b, err := NewBuilder(metric, dimension)
	if err != nil {
		return nil, err
	}
	for i, id := range ids {
		if err := b.Add(id, vectors[i]); err != nil {
			return nil, err
		}
	}
	return b.Build()
}

func newIndex(metric string, dimension int, ids []string, data []float32) (*Index, error) {
	positions := make(map[string]int, len(ids))
	for i, id := range ids {
		if _, dup := positions[id]; dup {
			return nil, fmt.Errorf("duplicate chunk id %q", id)
		}
		positions[id] = i
	}
	return &Index{
		metric:    metric,
		dimension: dimension,
		ids:       ids,
		data:      data,
		positions: positions,
	}, nil
}

func (idx *Index) Metric() string { return idx.metric }
func (idx *Index) Dimension() int { return idx.dimension }
func (idx *Index) Len() int       { return len(idx.ids) }

// IDs returns the chunk ids in insertion order.
func (idx *Index) IDs() []string {
	return append([]string(nil), idx.ids...)
}

// Vector returns a copy of the stored vector for id.
func (idx *Index) Vector(id string) ([]float32, bool) {
	pos, ok := idx.positions[id]
	if !ok {
		return nil, false
	}
	return append([]float32(nil), idx.row(pos)...), true
}

func (idx *Index) row(pos int) []float32 {
	return idx.data[pos*idx.dimension : (pos+1)*idx.dimension]
}

// Search returns up to k hits among the ids accepted by filter, best first. Ties
// are broken by ascending id. The filter is applied before ranking, so exactly
// min(k, matching) hits come back.
func (idx *Index) Search(query []float32, k int, filter Filter) ([]Hit, error) {
	if len(query) != idx.dimension {
		return nil, fmt.Errorf("%w: query has %d dimensions, index has %d",
			ErrDimensionMismatch, len(query), idx.dimension)
	}
	if k <= 0 {
		return nil, nil
	}

	queryNorm := norm(query)
	hits := make([]Hit, 0, min(k, len(idx.ids)))
	for pos, id := range idx.ids {
		if filter != nil && !filter(id) {
			continue
		}
		hits = append(hits, Hit{ID: id, Score: idx.score(query, queryNorm, idx.row(pos))})
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].ID < hits[j].ID
	})

	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

func (idx *Index) score(query []float32, queryNorm float64, vec []float32) float64 {
	switch idx.metric {
	case MetricL2:
		var sum float64
		for i, q := range query {
			d := float64(q) - float64(vec[i])
			sum += d * d
		}
		return 1 / (1 + math.Sqrt(sum))
	default:
		vecNorm := norm(vec)
		if queryNorm == 0 || vecNorm == 0 {
			return 0
		}
		var dot float64
		for i, q := range query {
			dot += float64(q) * float64(vec[i])
		}
		return dot / (queryNorm * vecNorm)
	}
}

func norm(vec []float32) float64 {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	return math.Sqrt(sum)
}

func validMetric(metric string) bool {
	return metric == MetricCosine || metric == MetricL2
}
