package database

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fabfab/campusqa/config"
)

func TestSearchSQLUsesMetricOperatorAndFilter(t *testing.T) {
	cosine := searchSQL("campus_chunks", config.MetricCosine)
	assert.Contains(t, cosine, "embedding <=> $1::vector")
	assert.Contains(t, cosine, `FROM "campus_chunks"`)
	assert.Contains(t, cosine, "lower(btrim(course)) = $2")
	assert.Contains(t, cosine, "lower(btrim(semester)) = $3")
	assert.Contains(t, cosine, "ORDER BY distance, chunk_id")
	assert.Contains(t, cosine, "source_path, page, content")

	l2 := searchSQL(`odd"name`, config.MetricL2)
	assert.Contains(t, l2, "embedding <-> $1::vector")
	assert.True(t, strings.Contains(l2, `"odd""name"`), "table name must be quoted")
}

func TestScoreFromDistance(t *testing.T) {
	assert.InDelta(t, 1.0, scoreFromDistance(config.MetricCosine, 0), 1e-9)
	assert.InDelta(t, 0.25, scoreFromDistance(config.MetricCosine, 0.75), 1e-9)
	assert.InDelta(t, 1.0, scoreFromDistance(config.MetricL2, 0), 1e-9)
	assert.InDelta(t, 0.5, scoreFromDistance(config.MetricL2, 1), 1e-9)
}

func TestNewPgvectorSearcherValidation(t *testing.T) {
	_, err := NewPgvectorSearcher(nil, "", config.MetricCosine)
	require.Error(t, err)
}

func TestNewMirrorValidation(t *testing.T) {
	_, err := NewMirror(nil, MirrorOptions{Dimension: 4})
	require.Error(t, err)
}

func TestEnsureSchemaRejectsInvalidDimension(t *testing.T) {
	err := EnsureSchema(context.Background(), nil, DefaultTable, 0)
	require.Error(t, err)
}
