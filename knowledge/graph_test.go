package knowledge

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fabfab/campusqa/store"
)

func TestDocumentsFromChunks(t *testing.T) {
	chunks := []store.Chunk{
		{ChunkID: "physics/waves.pdf#0000", DocumentID: "physics/waves.pdf", Course: "Physics", Semester: "1",
			SourcePath: "data/physics/waves.pdf", Page: 3, Text: "waves"},
		{ChunkID: "dsa/trees.md#0001", DocumentID: "dsa/trees.md", Course: "DSA", Semester: "3", Text: "rotations", Start: 40, End: 80},
		{ChunkID: "dsa/trees.md#0000", DocumentID: "dsa/trees.md", Course: "DSA", Semester: "3", Text: "bst", End: 50},
	}

	docs := DocumentsFromChunks(chunks)
	require.Len(t, docs, 2)

	assert.Equal(t, "dsa/trees.md", docs[0].ID)
	assert.Equal(t, "DSA", docs[0].Course)
	require.Len(t, docs[0].Chunks, 2)
	assert.Equal(t, "dsa/trees.md#0000", docs[0].Chunks[0].ID)
	assert.Equal(t, 0, docs[0].Chunks[0].Index)
	assert.Equal(t, 1, docs[0].Chunks[1].Index)
	assert.Equal(t, 40, docs[0].Chunks[1].Start)

	assert.Equal(t, "physics/waves.pdf", docs[1].ID)
	assert.Equal(t, "data/physics/waves.pdf", docs[1].SourcePath)
	require.Len(t, docs[1].Chunks, 1)
	assert.Equal(t, 3, docs[1].Chunks[0].Page)
}

func TestNilDriverIsRejected(t *testing.T) {
	ctx := context.Background()

	assert.Error(t, SyncDocument(ctx, nil, Document{ID: "x"}))
	assert.Error(t, Prune(ctx, nil, nil))
	assert.Error(t, Purge(ctx, nil))
	_, err := Catalog(ctx, nil)
	assert.Error(t, err)
	_, err = NewGraphPublisher(nil, nil)
	assert.Error(t, err)
}

func TestToInt(t *testing.T) {
	for _, v := range []any{int(3), int32(3), int64(3), float64(3)} {
		got, ok := toInt(v)
		assert.True(t, ok)
		assert.Equal(t, 3, got)
	}
	_, ok := toInt("3")
	assert.False(t, ok)
}
