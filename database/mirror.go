package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	"github.com/rs/zerolog"

	"github.com/fabfab/campusqa/ingestion"
	"github.com/fabfab/campusqa/logging"
)

// Mirror copies every published snapshot into a pgvector table so the postgres
// retrieval backend serves the same chunks as the on-disk index.
type Mirror struct {
	pool      *pgxpool.Pool
	table     string
	dimension int
	logger    *zerolog.Logger
}

var _ ingestion.Publisher = (*Mirror)(nil)

type MirrorOptions struct {
	Table     string
	Dimension int
	Logger    *zerolog.Logger
}

func NewMirror(pool *pgxpool.Pool, opts MirrorOptions) (*Mirror, error) {
	if pool == nil {
		return nil, fmt.Errorf("postgres pool is nil")
	}
	if opts.Dimension <= 0 {
		return nil, fmt.Errorf("embedding dimension must be positive")
	}
	if opts.Table == "" {
		opts.Table = DefaultTable
	}
	return &Mirror{
		pool:      pool,
		table:     opts.Table,
		dimension: opts.Dimension,
		logger:    logging.Component(opts.Logger, "postgres-mirror"),
	}, nil
}

func (m *Mirror) Name() string { return "postgres" }

// Publish replaces the table contents with snap in a single transaction.
func (m *Mirror) Publish(ctx context.Context, snap ingestion.Snapshot) error {
	if snap.Index == nil {
		return fmt.Errorf("snapshot %s has no index", snap.ID)
	}
	if snap.Index.Dimension() != m.dimension {
		return fmt.Errorf("snapshot %s has dimension %d, mirror expects %d", snap.ID, snap.Index.Dimension(), m.dimension)
	}
	if err := EnsureSchema(ctx, m.pool, m.table, m.dimension); err != nil {
		return err
	}

	started := time.Now()
	name := pgx.Identifier{m.table}.Sanitize()

	err := pgx.BeginFunc(ctx, m.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, "DELETE FROM "+name); err != nil {
			return fmt.Errorf("clear mirror table: %w", err)
		}

		insert := fmt.Sprintf(`
			INSERT INTO %s (chunk_id, document_id, course, semester, subject, source_path, page,
			                content, start_offset, end_offset, snapshot_id, embedding, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12::vector, NOW())
		`, name)

		batch := &pgx.Batch{}
		for i := range snap.Chunks {
			chunk := &snap.Chunks[i]
			vec, ok := snap.Index.Vector(chunk.ChunkID)
			if !ok {
				return fmt.Errorf("chunk %s missing from snapshot index", chunk.ChunkID)
			}
			batch.Queue(insert,
				chunk.ChunkID, chunk.DocumentID, chunk.Course, chunk.Semester, chunk.Subject,
				chunk.SourcePath, chunk.Page, chunk.Text, chunk.Start, chunk.End, snap.ID, pgvector.NewVector(vec))
		}

		results := tx.SendBatch(ctx, batch)
		for i := 0; i < batch.Len(); i++ {
			if _, err := results.Exec(); err != nil {
				_ = results.Close()
				return fmt.Errorf("insert chunk %s: %w", snap.Chunks[i].ChunkID, err)
			}
		}
		return results.Close()
	})
	if err != nil {
		return fmt.Errorf("mirror snapshot %s: %w", snap.ID, err)
	}

	m.logger.Info().
		Str("snapshot", snap.ID).
		Int("chunks", len(snap.Chunks)).
		Dur("took", time.Since(started)).
		Msg("mirrored snapshot to postgres")
	return nil
}

// Count returns the number of mirrored chunks.
func (m *Mirror) Count(ctx context.Context) (int, error) {
	var n int
	if err := m.pool.QueryRow(ctx, "SELECT count(*) FROM "+pgx.Identifier{m.table}.Sanitize()).Scan(&n); err != nil {
		return 0, fmt.Errorf("count mirrored chunks: %w", err)
	}
	return n, nil
}

// Purge drops the mirror table.
func (m *Mirror) Purge(ctx context.Context) error {
	return DropTable(ctx, m.pool, m.table)
}
