package ingestion

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/fabfab/campusqa/embeddings"
	"github.com/fabfab/campusqa/logging"
	"github.com/fabfab/campusqa/metrics"
	"github.com/fabfab/campusqa/store"
	"github.com/fabfab/campusqa/vectorindex"
)

// Snapshot is a freshly published index and its chunk store.
type Snapshot struct {
	ID     string
	Dir    string
	Index  *vectorindex.Index
	Chunks []store.Chunk
}

// Publisher receives every published snapshot. Publish errors are logged and never
// fail the run.
type Publisher interface {
	Name() string
	Publish(ctx context.Context, snap Snapshot) error
}

// Failure describes one document that did not make it into the staging area.
// Resumable failures block publishing; the next run retries them.
type Failure struct {
	DocumentID string `json:"document_id"`
	Reason     string `json:"reason"`
	Resumable  bool   `json:"resumable"`
}

// Summary reports the outcome of one Ingest call.
type Summary struct {
	RunID              string    `json:"run_id"`
	DocumentsProcessed int       `json:"documents_processed"`
	DocumentsSkipped   int       `json:"documents_skipped"`
	ChunksCreated      int       `json:"chunks_created"`
	Failures           []Failure `json:"failures"`
	Published          bool      `json:"published"`
	SnapshotDir        string    `json:"snapshot_dir,omitempty"`
	TotalChunks        int       `json:"total_chunks"`
}

// Resumable reports whether any failure will be retried by the next run.
func (s Summary) Resumable() bool {
	for _, f := range s.Failures {
		if f.Resumable {
			return true
		}
	}
	return false
}

type Options struct {
	Chunker     Chunker
	Metric      string
	Dimension   int
	BatchSize   int
	Parallelism int
	Publishers  []Publisher
	Logger      *zerolog.Logger
	Metrics     *metrics.Metrics
}

type Service struct {
	embedder    embeddings.Embedder
	chunker     Chunker
	metric      string
	dimension   int
	batchSize   int
	parallelism int
	publishers  []Publisher
	logger      *zerolog.Logger
	metrics     *metrics.Metrics
}

func NewService(embedder embeddings.Embedder, opts Options) (*Service, error) {
	if embedder == nil {
		return nil, fmt.Errorf("embedder not configured")
	}
	if opts.Dimension <= 0 {
		return nil, fmt.Errorf("index dimension must be positive")
	}
	if opts.Metric == "" {
		opts.Metric = vectorindex.MetricCosine
	}
	if opts.Chunker.MaxChars == 0 {
		opts.Chunker = NewChunker(defaultChunkSize, defaultChunkOverlap)
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 32
	}
	if opts.Parallelism <= 0 {
		opts.Parallelism = 1
	}

	return &Service{
		embedder:    embedder,
		chunker:     opts.Chunker,
		metric:      opts.Metric,
		dimension:   opts.Dimension,
		batchSize:   opts.BatchSize,
		parallelism: opts.Parallelism,
		publishers:  opts.Publishers,
		logger:      logging.Component(opts.Logger, "ingestion"),
		metrics:     opts.Metrics,
	}, nil
}

// Reset discards staged progress under outputPath so the next run re-ingests
// every document. Published snapshots are left for readers.
func (s *Service) Reset(outputPath string) error {
	if err := os.RemoveAll(filepath.Join(outputPath, store.StagingDir)); err != nil {
		return fmt.Errorf("remove staging directory: %w", err)
	}
	s.logger.Info().Str("output", outputPath).Msg("staging area reset")
	return nil
}

type staging struct {
	dir     string
	ledger  *store.Ledger
	chunks  string
	vectors string
}

// Ingest processes every document under inputPath that the ledger does not list as
// complete and, when no resumable failure remains, publishes a new snapshot under
// outputPath. It is safe to call again after a crash or a partial run.
func (s *Service) Ingest(ctx context.Context, inputPath, outputPath string) (Summary, error) {
	summary := Summary{RunID: uuid.NewString()}
	logger := s.logger.With().Str("run_id", summary.RunID).Logger()
	started := time.Now()

	stage, err := s.openStaging(outputPath, &logger)
	if err != nil {
		return summary, err
	}

	docs, loadFailures, err := LoadDocuments(inputPath)
	if err != nil {
		return summary, err
	}

	ids := make([]string, 0, len(docs)+len(loadFailures))
	for _, doc := range docs {
		ids = append(ids, doc.ID)
	}
	for _, failure := range loadFailures {
		ids = append(ids, failure.DocumentID)
	}
	if err := stage.ledger.Register(ids); err != nil {
		return summary, err
	}

	for _, failure := range loadFailures {
		s.recordMalformed(&summary, stage, failure.DocumentID, failure.Err, &logger)
	}

	logger.Info().
		Int("documents", len(docs)).
		Str("input", inputPath).
		Strs("extensions", SupportedExtensions()).
		Msg("ingestion started")

	for _, doc := range docs {
		if err := ctx.Err(); err != nil {
			return summary, fmt.Errorf("ingestion interrupted: %w", err)
		}

		if stage.ledger.IsComplete(doc.ID) {
			summary.DocumentsSkipped++
			s.metrics.RecordDocument("skipped", 0)
			continue
		}

		chunks, err := s.ingestDocument(ctx, stage, doc)
		switch {
		case err == nil:
			summary.DocumentsProcessed++
			summary.ChunksCreated += chunks
			s.metrics.RecordDocument("complete", chunks)
			logger.Info().Str("document", doc.ID).Int("chunks", chunks).Msg("document ingested")
		case errors.Is(err, ErrMalformedDocument):
			s.recordMalformed(&summary, stage, doc.ID, err, &logger)
		default:
			if markErr := stage.ledger.MarkFailed(doc.ID, err); markErr != nil {
				return summary, markErr
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return summary, fmt.Errorf("ingestion interrupted: %w", ctxErr)
			}
			summary.Failures = append(summary.Failures, Failure{DocumentID: doc.ID, Reason: err.Error(), Resumable: true})
			s.metrics.RecordDocument("failed", 0)
			logger.Warn().Err(err).Str("document", doc.ID).Msg("document left pending for the next run")
		}
	}

	if summary.Resumable() {
		logger.Warn().Int("failures", len(summary.Failures)).Msg("snapshot not published; rerun to resume")
		return summary, nil
	}

	snap, err := s.publish(stage, outputPath, docs)
	if err != nil {
		return summary, err
	}
	summary.Published = true
	summary.SnapshotDir = snap.Dir
	summary.TotalChunks = len(snap.Chunks)
	s.metrics.RecordSnapshot(len(snap.Chunks), true)

	logger.Info().
		Str("snapshot", snap.ID).
		Int("chunks", len(snap.Chunks)).
		Dur("elapsed", time.Since(started)).
		Msg("snapshot published")

	for _, publisher := range s.publishers {
		if err := publisher.Publish(ctx, snap); err != nil {
			logger.Error().Err(err).Str("publisher", publisher.Name()).Msg("publisher failed")
			continue
		}
		logger.Info().Str("publisher", publisher.Name()).Msg("snapshot mirrored")
	}

	return summary, nil
}

func (s *Service) recordMalformed(summary *Summary, stage *staging, documentID string, cause error, logger *zerolog.Logger) {
	if err := stage.ledger.MarkFailed(documentID, cause); err != nil {
		logger.Error().Err(err).Str("document", documentID).Msg("record failure in ledger")
	}
	summary.Failures = append(summary.Failures, Failure{DocumentID: documentID, Reason: cause.Error()})
	s.metrics.RecordDocument("malformed", 0)
	logger.Warn().Err(cause).Str("document", documentID).Msg("skipping malformed document")
}

// openStaging prepares the staging area and repairs it after an interrupted run:
// records of documents that never reached complete are dropped, torn trailing
// lines are discarded, and in-progress documents go back to pending.
func (s *Service) openStaging(outputPath string, logger *zerolog.Logger) (*staging, error) {
	dir := filepath.Join(outputPath, store.StagingDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create staging directory: %w", err)
	}

	ledger, err := store.OpenLedger(filepath.Join(dir, store.LedgerFile))
	if err != nil {
		return nil, err
	}
	stage := &staging{
		dir:     dir,
		ledger:  ledger,
		chunks:  filepath.Join(dir, store.ChunksFile),
		vectors: filepath.Join(dir, store.VectorsFile),
	}

	reset, err := ledger.ResetInProgress()
	if err != nil {
		return nil, err
	}
	if len(reset) > 0 {
		logger.Warn().Strs("documents", reset).Msg("resuming documents interrupted by an earlier run")
	}

	chunks, err := store.ReadJSONL[store.Chunk](stage.chunks)
	if err != nil {
		return nil, err
	}
	vectors, err := store.ReadJSONL[store.VectorRecord](stage.vectors)
	if err != nil {
		return nil, err
	}

	haveChunk := make(map[string]bool, len(chunks))
	for _, chunk := range chunks {
		haveChunk[chunk.ChunkID] = true
	}
	// Distinct chunk ids staged with both a record and a vector, per document.
	intact := make(map[string]int)
	counted := make(map[string]bool, len(vectors))
	for _, record := range vectors {
		if haveChunk[record.ChunkID] && !counted[record.ChunkID] {
			counted[record.ChunkID] = true
			intact[store.DocumentOf(record.ChunkID)]++
		}
	}

	// A complete document whose staged records did not all survive is redone.
	complete := ledger.Complete()
	for documentID := range complete {
		if intact[documentID] != ledger.Get(documentID).Chunks {
			delete(complete, documentID)
			if err := ledger.MarkFailed(documentID, errors.New("staged records incomplete")); err != nil {
				return nil, err
			}
		}
	}

	keptChunks := make([]store.Chunk, 0, len(chunks))
	seen := make(map[string]bool, len(chunks))
	for _, chunk := range chunks {
		if complete[chunk.DocumentID] && !seen[chunk.ChunkID] {
			seen[chunk.ChunkID] = true
			keptChunks = append(keptChunks, chunk)
		}
	}
	keptVectors := make([]store.VectorRecord, 0, len(vectors))
	seenVector := make(map[string]bool, len(vectors))
	for _, record := range vectors {
		if seen[record.ChunkID] && !seenVector[record.ChunkID] {
			seenVector[record.ChunkID] = true
			keptVectors = append(keptVectors, record)
		}
	}

	if len(keptChunks) != len(chunks) || len(keptVectors) != len(vectors) {
		logger.Info().
			Int("dropped_chunks", len(chunks)-len(keptChunks)).
			Int("dropped_vectors", len(vectors)-len(keptVectors)).
			Msg("discarding staged records of unfinished documents")
	}
	if err := store.WriteJSONL(stage.chunks, keptChunks); err != nil {
		return nil, err
	}
	if err := store.WriteJSONL(stage.vectors, keptVectors); err != nil {
		return nil, err
	}
	return stage, nil
}

// ingestDocument chunks, embeds and stages one document. The ledger marks it
// complete only after its records are durably appended.
func (s *Service) ingestDocument(ctx context.Context, stage *staging, doc Document) (int, error) {
	if err := stage.ledger.MarkInProgress(doc.ID); err != nil {
		return 0, err
	}

	chunks, err := s.chunker.Chunk(doc)
	if err != nil {
		return 0, err
	}

	vectors, err := s.embedChunks(ctx, chunks)
	if err != nil {
		return 0, fmt.Errorf("embed %s: %w", doc.ID, err)
	}

	records := make([]store.VectorRecord, len(chunks))
	for i, chunk := range chunks {
		records[i] = store.VectorRecord{ChunkID: chunk.ChunkID, Vector: vectors[i]}
	}

	if err := store.AppendJSONL(stage.chunks, chunks); err != nil {
		return 0, fmt.Errorf("stage chunks: %w", err)
	}
	if err := store.AppendJSONL(stage.vectors, records); err != nil {
		return 0, fmt.Errorf("stage vectors: %w", err)
	}
	if err := stage.ledger.MarkComplete(doc.ID, len(chunks)); err != nil {
		return 0, err
	}
	return len(chunks), nil
}

// embedChunks embeds a document's chunks in batches, up to parallelism batches
// at a time.
func (s *Service) embedChunks(ctx context.Context, chunks []store.Chunk) ([][]float32, error) {
	vectors := make([][]float32, len(chunks))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.parallelism)

	for start := 0; start < len(chunks); start += s.batchSize {
		end := min(start+s.batchSize, len(chunks))
		texts := make([]string, 0, end-start)
		for _, chunk := range chunks[start:end] {
			texts = append(texts, chunk.Text)
		}

		g.Go(func() error {
			out, err := s.embedder.Embed(gctx, texts)
			if err != nil {
				return err
			}
			if len(out) != len(texts) {
				return fmt.Errorf("%w: got %d vectors for %d chunks", embeddings.ErrEmbeddingUnavailable, len(out), len(texts))
			}
			for i, vec := range out {
				if len(vec) != s.dimension {
					return fmt.Errorf("%w: %w: got %d, index expects %d",
						embeddings.ErrEmbeddingUnavailable, vectorindex.ErrDimensionMismatch, len(vec), s.dimension)
				}
				vectors[start+i] = vec
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return vectors, nil
}

// publish builds an index from the staged records of the current input and swaps
// it in as the active snapshot.
func (s *Service) publish(stage *staging, outputPath string, docs []Document) (Snapshot, error) {
	inInput := make(map[string]bool, len(docs))
	for _, doc := range docs {
		inInput[doc.ID] = true
	}

	staged, err := store.ReadJSONL[store.Chunk](stage.chunks)
	if err != nil {
		return Snapshot{}, err
	}
	records, err := store.ReadJSONL[store.VectorRecord](stage.vectors)
	if err != nil {
		return Snapshot{}, err
	}
	vectorOf := make(map[string][]float32, len(records))
	for _, record := range records {
		vectorOf[record.ChunkID] = record.Vector
	}

	chunks := make([]store.Chunk, 0, len(staged))
	for _, chunk := range staged {
		if inInput[chunk.DocumentID] && stage.ledger.IsComplete(chunk.DocumentID) {
			chunks = append(chunks, chunk)
		}
	}
	sort.Slice(chunks, func(i, j int) bool { return chunks[i].ChunkID < chunks[j].ChunkID })

	builder, err := vectorindex.NewBuilder(s.metric, s.dimension)
	if err != nil {
		return Snapshot{}, err
	}
	for _, chunk := range chunks {
		vec, ok := vectorOf[chunk.ChunkID]
		if !ok {
			return Snapshot{}, fmt.Errorf("staged chunk %s has no vector", chunk.ChunkID)
		}
		if err := builder.Add(chunk.ChunkID, vec); err != nil {
			return Snapshot{}, fmt.Errorf("build index: %w", err)
		}
	}
	index, err := builder.Build()
	if err != nil {
		return Snapshot{}, fmt.Errorf("build index: %w", err)
	}

	id := uuid.NewString()
	rel := filepath.Join(store.SnapshotsDir, id)
	dir := filepath.Join(outputPath, rel)

	if _, err := index.Save(dir); err != nil {
		return Snapshot{}, fmt.Errorf("save index: %w", err)
	}
	if err := store.WriteJSONL(filepath.Join(dir, store.ChunksFile), chunks); err != nil {
		return Snapshot{}, fmt.Errorf("save chunk store: %w", err)
	}

	previous, _ := store.ReadCurrent(outputPath)
	if err := store.WriteCurrent(outputPath, rel); err != nil {
		return Snapshot{}, fmt.Errorf("activate snapshot: %w", err)
	}
	s.pruneSnapshots(outputPath, dir, previous)

	return Snapshot{ID: id, Dir: dir, Index: index, Chunks: chunks}, nil
}

// pruneSnapshots keeps the active snapshot and the one it replaced.
func (s *Service) pruneSnapshots(outputPath string, keep ...string) {
	root := filepath.Join(outputPath, store.SnapshotsDir)
	entries, err := os.ReadDir(root)
	if err != nil {
		return
	}

	kept := make(map[string]bool, len(keep))
	for _, dir := range keep {
		if dir != "" {
			kept[filepath.Clean(dir)] = true
		}
	}

	for _, entry := range entries {
		path := filepath.Join(root, entry.Name())
		if !entry.IsDir() || kept[filepath.Clean(path)] {
			continue
		}
		if err := os.RemoveAll(path); err != nil {
			s.logger.Warn().Err(err).Str("snapshot", path).Msg("remove old snapshot")
		}
	}
}
