package vectorindex

import (
	"fmt"
	"math/rand"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func randomVectors(n, dim int, seed int64) ([]string, [][]float32) {
	rng := rand.New(rand.NewSource(seed))
	ids := make([]string, n)
	vectors := make([][]float32, n)
	for i := range ids {
		ids[i] = fmt.Sprintf("doc-%02d.md#0000", i)
		vec := make([]float32, dim)
		for j := range vec {
			vec[j] = rng.Float32()*2 - 1
		}
		vectors[i] = vec
	}
	return ids, vectors
}

func TestSelfRetrieval(t *testing.T) {
	for _, metric := range []string{MetricCosine, MetricL2} {
		t.Run(metric, func(t *testing.T) {
			ids, vectors := randomVectors(50, 16, 42)
			idx, err := Build(metric, 16, ids, vectors)
			require.NoError(t, err)

			for i, vec := range vectors {
				hits, err := idx.Search(vec, 1, nil)
				require.NoError(t, err)
				require.Len(t, hits, 1)
				assert.Equal(t, ids[i], hits[0].ID)
			}
		})
	}
}

func TestSearchOrderAndTies(t *testing.T) {
	idx, err := Build(MetricCosine, 2,
		[]string{"c#0000", "a#0000", "b#0000", "d#0000"},
		[][]float32{{1, 0}, {1, 0}, {0, 1}, {1, 1}},
	)
	require.NoError(t, err)

	hits, err := idx.Search([]float32{1, 0}, 3, nil)
	require.NoError(t, err)

	require.Len(t, hits, 3)
	assert.Equal(t, "a#0000", hits[0].ID)
	assert.Equal(t, "c#0000", hits[1].ID)
	assert.Equal(t, "d#0000", hits[2].ID)
	assert.InDelta(t, 1.0, hits[0].Score, 1e-9)
	assert.GreaterOrEqual(t, hits[1].Score, hits[2].Score)
}

func TestSearchL2Score(t *testing.T) {
	idx, err := Build(MetricL2, 2, []string{"x#0000"}, [][]float32{{3, 4}})
	require.NoError(t, err)

	hits, err := idx.Search([]float32{0, 0}, 1, nil)
	require.NoError(t, err)
	assert.InDelta(t, 1.0/6.0, hits[0].Score, 1e-9)
}

func TestSearchPreFilterReturnsMinOfKAndMatching(t *testing.T) {
	ids, vectors := randomVectors(30, 8, 7)
	idx, err := Build(MetricCosine, 8, ids, vectors)
	require.NoError(t, err)

	evens := func(id string) bool {
		var n int
		_, _ = fmt.Sscanf(id, "doc-%02d.md#0000", &n)
		return n%2 == 0
	}

	hits, err := idx.Search(vectors[1], 5, evens)
	require.NoError(t, err)
	assert.Len(t, hits, 5)
	for _, hit := range hits {
		assert.True(t, evens(hit.ID), hit.ID)
	}

	hits, err = idx.Search(vectors[1], 100, evens)
	require.NoError(t, err)
	assert.Len(t, hits, 15)

	hits, err = idx.Search(vectors[1], 5, func(string) bool { return false })
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestSearchRejectsWrongDimension(t *testing.T) {
	idx, err := Build(MetricCosine, 3, []string{"a#0000"}, [][]float32{{1, 2, 3}})
	require.NoError(t, err)

	_, err = idx.Search([]float32{1, 2}, 1, nil)
	assert.ErrorIs(t, err, ErrDimensionMismatch)
}

func TestBuildValidation(t *testing.T) {
	_, err := Build(MetricCosine, 2, []string{"a", "a"}, [][]float32{{1, 0}, {0, 1}})
	assert.ErrorContains(t, err, "duplicate")

	_, err = Build(MetricCosine, 2, []string{"a"}, [][]float32{{1, 0, 0}})
	assert.ErrorIs(t, err, ErrDimensionMismatch)

	_, err = Build("dot", 2, nil, nil)
	assert.Error(t, err)

	_, err = Build(MetricL2, 2, []string{"a"}, nil)
	assert.Error(t, err)
}

func TestVectorReturnsCopy(t *testing.T) {
	idx, err := Build(MetricL2, 2, []string{"a#0000"}, [][]float32{{1, 2}})
	require.NoError(t, err)

	vec, ok := idx.Vector("a#0000")
	require.True(t, ok)
	vec[0] = 99

	again, _ := idx.Vector("a#0000")
	assert.Equal(t, []float32{1, 2}, again)

	_, ok = idx.Vector("missing")
	assert.False(t, ok)
	assert.True(t, strings.HasPrefix(idx.IDs()[0], "a#"))
}
