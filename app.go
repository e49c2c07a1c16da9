package main

import (
	"context"
	"fmt"
	"io"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/fabfab/campusqa/api"
	"github.com/fabfab/campusqa/chat"
	"github.com/fabfab/campusqa/config"
	"github.com/fabfab/campusqa/database"
	"github.com/fabfab/campusqa/embeddings"
	"github.com/fabfab/campusqa/ingestion"
	"github.com/fabfab/campusqa/knowledge"
	"github.com/fabfab/campusqa/llm"
	"github.com/fabfab/campusqa/metrics"
	"github.com/fabfab/campusqa/retrieval"
	"github.com/fabfab/campusqa/retry"
)

// app holds the long-lived collaborators one command needs. Optional stores
// (Postgres, Neo4j) are connected only when configured.
type app struct {
	cfg     config.Config
	logger  *zerolog.Logger
	metrics *metrics.Metrics

	embedder *embeddings.Client
	pgPool   *pgxpool.Pool
	graph    neo4j.DriverWithContext
	library  *retrieval.Library

	closers []func()
}

func newApp(ctx context.Context, cfg config.Config, logger *zerolog.Logger) (*app, error) {
	a := &app{
		cfg:     cfg,
		logger:  logger,
		metrics: metrics.New(prometheus.DefaultRegisterer),
	}
	a.library = retrieval.NewLibrary(cfg.IndexDir, logger, a.metrics)

	embedder, err := embeddings.New(ctx, cfg, logger, a.metrics)
	if err != nil {
		return nil, fmt.Errorf("embedder setup: %w", err)
	}
	a.embedder = embedder
	a.onClose(func() { _ = embedder.Close() })

	if cfg.PostgresDSN != "" {
		pool, err := database.NewPostgresPool(ctx, cfg.PostgresDSN)
		if err != nil {
			if cfg.Retrieval.Backend == config.BackendPostgres {
				a.close()
				return nil, fmt.Errorf("postgres connection: %w", err)
			}
			logger.Warn().Err(err).Msg("postgres unavailable, snapshot mirroring disabled")
		} else {
			a.pgPool = pool
			a.onClose(pool.Close)
		}
	} else if cfg.Retrieval.Backend == config.BackendPostgres {
		a.close()
		return nil, fmt.Errorf("postgres retrieval backend selected but POSTGRES_DSN not set")
	}

	if cfg.Neo4jURI != "" {
		driver, err := database.NewNeo4jDriver(ctx, cfg.Neo4jURI, cfg.Neo4jUser, cfg.Neo4jPass)
		if err != nil {
			logger.Warn().Err(err).Msg("neo4j unavailable, graph sync disabled")
		} else {
			a.graph = driver
			a.onClose(func() { _ = driver.Close(context.Background()) })
		}
	}

	return a, nil
}

func (a *app) onClose(fn func()) {
	a.closers = append(a.closers, fn)
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func (a *app) retryPolicy() retry.Policy {
	return retry.Policy{
		MaxAttempts: a.cfg.Retry.MaxAttempts,
		BaseDelay:   a.cfg.Retry.BaseDelay,
		MaxDelay:    a.cfg.Retry.MaxDelay,
		Jitter:      a.cfg.Retry.Jitter,
	}
}

// publishers returns the mirrors that receive each published snapshot.
func (a *app) publishers() ([]ingestion.Publisher, error) {
	var pubs []ingestion.Publisher
	if a.pgPool != nil {
		mirror, err := a.mirror()
		if err != nil {
			return nil, err
		}
		pubs = append(pubs, mirror)
	}
	if a.graph != nil {
		graph, err := knowledge.NewGraphPublisher(a.graph, a.logger)
		if err != nil {
			return nil, err
		}
		pubs = append(pubs, graph)
	}
	return pubs, nil
}

func (a *app) mirror() (*database.Mirror, error) {
	return database.NewMirror(a.pgPool, database.MirrorOptions{
		Table:     database.DefaultTable,
		Dimension: a.cfg.Embeddings.Dimension,
		Logger:    a.logger,
	})
}

// purgers returns the mirrors a reset clears.
func (a *app) purgers() ([]api.Purger, error) {
	var purgers []api.Purger
	if a.pgPool != nil {
		mirror, err := a.mirror()
		if err != nil {
			return nil, err
		}
		purgers = append(purgers, mirror)
	}
	if a.graph != nil {
		graph, err := knowledge.NewGraphPublisher(a.graph, a.logger)
		if err != nil {
			return nil, err
		}
		purgers = append(purgers, graph)
	}
	return purgers, nil
}

func (a *app) ingestionService() (*ingestion.Service, error) {
	pubs, err := a.publishers()
	if err != nil {
		return nil, err
	}
	return ingestion.NewService(a.embedder, ingestion.Options{
		Chunker:     ingestion.NewChunker(a.cfg.Chunker.MaxChars, a.cfg.Chunker.Overlap),
		Metric:      a.cfg.Embeddings.Metric,
		Dimension:   a.cfg.Embeddings.Dimension,
		BatchSize:   a.cfg.Embeddings.BatchSize,
		Parallelism: a.cfg.Embeddings.Parallelism,
		Publishers:  pubs,
		Logger:      a.logger,
		Metrics:     a.metrics,
	})
}

func (a *app) searcher() (retrieval.Searcher, error) {
	if a.cfg.Retrieval.Backend == config.BackendPostgres {
		return database.NewPgvectorSearcher(a.pgPool, database.DefaultTable, a.cfg.Embeddings.Metric)
	}
	return retrieval.NewSnapshotSearcher(a.library), nil
}

func (a *app) answerService(ctx context.Context) (*chat.Service, error) {
	searcher, err := a.searcher()
	if err != nil {
		return nil, err
	}
	retriever, err := retrieval.NewRetriever(a.embedder, searcher, retrieval.Options{
		DefaultK: a.cfg.Retrieval.DefaultK,
		MaxK:     a.cfg.Retrieval.MaxK,
		Logger:   a.logger,
		Metrics:  a.metrics,
	})
	if err != nil {
		return nil, err
	}

	generator, err := llm.NewClient(ctx, a.cfg)
	if err != nil {
		return nil, fmt.Errorf("llm setup: %w", err)
	}
	a.closeIfCloser(generator)

	var scorer llm.Client
	if a.cfg.LLM.ScoringEnabled {
		scorer, err = llm.NewScoringClient(ctx, a.cfg)
		if err != nil {
			return nil, fmt.Errorf("scoring llm setup: %w", err)
		}
		a.closeIfCloser(scorer)
	}

	return chat.NewService(retriever, generator, scorer, chat.Options{
		Retry:             a.retryPolicy(),
		ScoringEnabled:    a.cfg.LLM.ScoringEnabled,
		GenerationTimeout: a.cfg.LLM.GenerationTimeout,
		ScoringTimeout:    a.cfg.LLM.ScoringTimeout,
		Logger:            a.logger,
		Metrics:           a.metrics,
	})
}

func (a *app) closeIfCloser(v any) {
	if closer, ok := v.(io.Closer); ok {
		a.onClose(func() { _ = closer.Close() })
	}
}

func (a *app) catalog() func(ctx context.Context) ([]knowledge.Offering, error) {
	if a.graph == nil {
		return nil
	}
	driver := a.graph
	return func(ctx context.Context) ([]knowledge.Offering, error) {
		return knowledge.Catalog(ctx, driver)
	}
}

func (a *app) server(ctx context.Context) (*api.Server, error) {
	answers, err := a.answerService(ctx)
	if err != nil {
		return nil, err
	}
	ingester, err := a.ingestionService()
	if err != nil {
		return nil, err
	}
	purgers, err := a.purgers()
	if err != nil {
		return nil, err
	}

	return api.New(api.Deps{
		Asker:     answers,
		Ingester:  ingester,
		Snapshots: a.library,
		Catalog:   a.catalog(),
		Purgers:   purgers,
		Gatherer:  prometheus.DefaultGatherer,
		DataDir:   a.cfg.DataDir,
		IndexDir:  a.cfg.IndexDir,
		Logger:    a.logger,
	})
}
