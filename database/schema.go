package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fabfab/campusqa/vectorindex"
)

// DefaultTable holds the mirrored chunks.
const DefaultTable = "campus_chunks"

// EnsureSchema creates the chunk table when missing and checks that an existing one
// stores vectors of the expected dimension.
//
// No ANN index is created: filtered queries run as exact scans so a filter never
// hides matching rows behind an approximate index.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool, table string, dimension int) error {
	if dimension <= 0 {
		return fmt.Errorf("embedding dimension must be positive")
	}
	name := pgx.Identifier{table}.Sanitize()

	stmts := []string{
		"CREATE EXTENSION IF NOT EXISTS vector",
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			chunk_id TEXT PRIMARY KEY,
			document_id TEXT NOT NULL,
			course TEXT NOT NULL DEFAULT '',
			semester TEXT NOT NULL DEFAULT '',
			subject TEXT NOT NULL DEFAULT '',
			source_path TEXT NOT NULL DEFAULT '',
			page INT NOT NULL DEFAULT 0,
			content TEXT NOT NULL,
			start_offset INT NOT NULL,
			end_offset INT NOT NULL,
			snapshot_id TEXT NOT NULL,
			embedding VECTOR(%d) NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`, name, dimension),
		// Tables created before page provenance was mirrored.
		fmt.Sprintf("ALTER TABLE %s ADD COLUMN IF NOT EXISTS source_path TEXT NOT NULL DEFAULT ''", name),
		fmt.Sprintf("ALTER TABLE %s ADD COLUMN IF NOT EXISTS page INT NOT NULL DEFAULT 0", name),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (lower(btrim(course)), lower(btrim(semester)))",
			pgx.Identifier{table + "_filter_idx"}.Sanitize(), name),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (document_id)",
			pgx.Identifier{table + "_document_idx"}.Sanitize(), name),
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("execute schema statement: %w", err)
		}
	}

	existing, err := columnDimension(ctx, pool, table)
	if err != nil {
		return err
	}
	if existing != dimension {
		return fmt.Errorf("%w: table %s stores %d-dimensional vectors, expected %d",
			vectorindex.ErrDimensionMismatch, table, existing, dimension)
	}
	return nil
}

// columnDimension reads the declared dimension of the embedding column; pgvector
// stores it as the column's type modifier.
func columnDimension(ctx context.Context, pool *pgxpool.Pool, table string) (int, error) {
	var dim int
	err := pool.QueryRow(ctx, `
		SELECT a.atttypmod
		FROM pg_attribute a
		WHERE a.attrelid = to_regclass($1)
		  AND a.attname = 'embedding'
		  AND NOT a.attisdropped
	`, pgx.Identifier{table}.Sanitize()).Scan(&dim)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("table %s has no embedding column", table)
	}
	if err != nil {
		return 0, fmt.Errorf("read embedding dimension: %w", err)
	}
	return dim, nil
}

// DropTable removes a mirror table. Used by reset and tests.
func DropTable(ctx context.Context, pool *pgxpool.Pool, table string) error {
	if _, err := pool.Exec(ctx, "DROP TABLE IF EXISTS "+pgx.Identifier{table}.Sanitize()); err != nil {
		return fmt.Errorf("drop table %s: %w", table, err)
	}
	return nil
}
