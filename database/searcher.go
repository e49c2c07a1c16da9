package database

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/fabfab/campusqa/config"
	"github.com/fabfab/campusqa/retrieval"
)

// PgvectorSearcher answers retrieval queries from the mirror table. The metadata
// filter is applied in the WHERE clause before ranking.
type PgvectorSearcher struct {
	pool   *pgxpool.Pool
	table  string
	metric string
}

var _ retrieval.Searcher = (*PgvectorSearcher)(nil)

func NewPgvectorSearcher(pool *pgxpool.Pool, table, metric string) (*PgvectorSearcher, error) {
	if pool == nil {
		return nil, fmt.Errorf("postgres pool is nil")
	}
	if table == "" {
		table = DefaultTable
	}
	if distanceOperator(metric) == "" {
		return nil, fmt.Errorf("unknown index metric: %s", metric)
	}
	return &PgvectorSearcher{pool: pool, table: table, metric: metric}, nil
}

func (s *PgvectorSearcher) Search(ctx context.Context, query []float32, k int, filter retrieval.Filter) ([]retrieval.Passage, error) {
	if len(query) == 0 {
		return nil, fmt.Errorf("query embedding is empty")
	}
	if k <= 0 {
		return []retrieval.Passage{}, nil
	}

	rows, err := s.pool.Query(ctx, searchSQL(s.table, s.metric),
		pgvector.NewVector(query),
		normalize(filter.Course),
		normalize(filter.Semester),
		k,
	)
	if err != nil {
		return nil, fmt.Errorf("query similar chunks: %w", err)
	}
	defer rows.Close()

	passages := make([]retrieval.Passage, 0, k)
	for rows.Next() {
		var p retrieval.Passage
		var distance float64
		if scanErr := rows.Scan(&p.ChunkID, &p.DocumentID, &p.Course, &p.Semester, &p.Subject,
			&p.SourcePath, &p.Page, &p.Text, &p.Start, &p.End, &distance); scanErr != nil {
			return nil, fmt.Errorf("scan similar chunk: %w", scanErr)
		}
		p.Score = scoreFromDistance(s.metric, distance)
		passages = append(passages, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read similar chunks: %w", err)
	}
	return passages, nil
}

func searchSQL(table, metric string) string {
	op := distanceOperator(metric)
	return fmt.Sprintf(`
		SELECT chunk_id, document_id, course, semester, subject, source_path, page, content,
		       start_offset, end_offset, (embedding %[1]s $1::vector) AS distance
		FROM %[2]s
		WHERE ($2 = '' OR lower(btrim(course)) = $2)
		  AND ($3 = '' OR lower(btrim(semester)) = $3)
		ORDER BY distance, chunk_id
		LIMIT $4
	`, op, pgx.Identifier{table}.Sanitize())
}

func distanceOperator(metric string) string {
	switch metric {
	case config.MetricCosine:
		return "<=>"
	case config.MetricL2:
		return "<->"
	default:
		return ""
	}
}

// scoreFromDistance maps pgvector distances onto the scores the in-memory index
// produces: cosine similarity, or 1/(1+d) for L2.
func scoreFromDistance(metric string, distance float64) float64 {
	if metric == config.MetricCosine {
		return 1 - distance
	}
	return 1 / (1 + distance)
}

func normalize(v string) string {
	return strings.ToLower(strings.TrimSpace(v))
}
