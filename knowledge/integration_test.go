package knowledge

import (
	"context"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fabfab/campusqa/config"
	"github.com/fabfab/campusqa/ingestion"
	"github.com/fabfab/campusqa/store"
)

func TestGraphPublisherBuildsCatalog(t *testing.T) {
	if os.Getenv("RUN_DB_INTEGRATION_TESTS") != "1" {
		t.Skip("set RUN_DB_INTEGRATION_TESTS=1 to run graph integration checks")
	}

	cfg, err := config.Load()
	require.NoError(t, err)
	ctx := context.Background()

	driver, err := neo4j.NewDriverWithContext(cfg.Neo4jURI, neo4j.BasicAuth(cfg.Neo4jUser, cfg.Neo4jPass, ""))
	require.NoError(t, err, "neo4j connection")
	t.Cleanup(func() {
		_ = Purge(ctx, driver)
		_ = driver.Close(ctx)
	})

	course := "IT-" + uuid.NewString()[:8]
	docID := course + "/notes.md"
	snap := ingestion.Snapshot{
		ID: uuid.NewString(),
		Chunks: []store.Chunk{
			{ChunkID: store.ChunkID(docID, 0), DocumentID: docID, Course: course, Semester: "3", Text: "heaps"},
			{ChunkID: store.ChunkID(docID, 1), DocumentID: docID, Course: course, Semester: "3", Text: "tries"},
		},
	}

	publisher, err := NewGraphPublisher(driver, nil)
	require.NoError(t, err)
	require.NoError(t, publisher.Publish(ctx, snap))

	offerings, err := Catalog(ctx, driver)
	require.NoError(t, err)

	var found *Offering
	for i := range offerings {
		if offerings[i].Course == course {
			found = &offerings[i]
		}
	}
	require.NotNil(t, found)
	assert.Equal(t, "3", found.Semester)
	assert.Equal(t, 1, found.Documents)
	assert.Equal(t, 2, found.Chunks)

	// An empty snapshot prunes everything it no longer contains.
	require.NoError(t, publisher.Publish(ctx, ingestion.Snapshot{ID: uuid.NewString()}))
	offerings, err = Catalog(ctx, driver)
	require.NoError(t, err)
	for _, o := range offerings {
		assert.NotEqual(t, course, o.Course)
	}
}
