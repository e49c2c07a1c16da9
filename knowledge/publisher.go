package knowledge

import (
	"context"
	"fmt"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/rs/zerolog"

	"github.com/fabfab/campusqa/ingestion"
	"github.com/fabfab/campusqa/logging"
)

// GraphPublisher mirrors each published snapshot into Neo4j.
type GraphPublisher struct {
	driver neo4j.DriverWithContext
	logger *zerolog.Logger
}

var _ ingestion.Publisher = (*GraphPublisher)(nil)

func NewGraphPublisher(driver neo4j.DriverWithContext, logger *zerolog.Logger) (*GraphPublisher, error) {
	if driver == nil {
		return nil, fmt.Errorf("neo4j driver is nil")
	}
	return &GraphPublisher{driver: driver, logger: logging.Component(logger, "graph")}, nil
}

func (p *GraphPublisher) Name() string { return "neo4j" }

func (p *GraphPublisher) Publish(ctx context.Context, snap ingestion.Snapshot) error {
	started := time.Now()
	docs := DocumentsFromChunks(snap.Chunks)

	keep := make([]string, 0, len(docs))
	for _, doc := range docs {
		if err := SyncDocument(ctx, p.driver, doc); err != nil {
			return fmt.Errorf("sync document %s: %w", doc.ID, err)
		}
		keep = append(keep, doc.ID)
	}
	if err := Prune(ctx, p.driver, keep); err != nil {
		return err
	}

	p.logger.Info().
		Str("snapshot", snap.ID).
		Int("documents", len(docs)).
		Dur("took", time.Since(started)).
		Msg("synced snapshot to graph")
	return nil
}

// Purge removes every graph node the publisher manages.
func (p *GraphPublisher) Purge(ctx context.Context) error {
	return Purge(ctx, p.driver)
}

// Catalog lists course offerings from the graph.
func (p *GraphPublisher) Catalog(ctx context.Context) ([]Offering, error) {
	return Catalog(ctx, p.driver)
}
