// Package retrieval answers semantic queries against the active index snapshot.
package retrieval

import (
	"errors"
	"fmt"
	"path/filepath"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/fabfab/campusqa/logging"
	"github.com/fabfab/campusqa/metrics"
	"github.com/fabfab/campusqa/store"
	"github.com/fabfab/campusqa/vectorindex"
)

// ErrNoSnapshot is returned while no snapshot has been loaded.
var ErrNoSnapshot = store.ErrNoSnapshot

// Snapshot is an index paired with the chunk store it was built from. It is never
// mutated after Open returns it.
type Snapshot struct {
	Dir      string
	Index    *vectorindex.Index
	Manifest vectorindex.Manifest
	chunks   map[string]store.Chunk
}

// Chunk resolves a chunk id to its text and provenance.
func (s *Snapshot) Chunk(id string) (store.Chunk, bool) {
	chunk, ok := s.chunks[id]
	return chunk, ok
}

func (s *Snapshot) Len() int { return len(s.chunks) }

// OpenSnapshot loads a snapshot directory and checks that the index and chunk
// store describe the same chunks.
func OpenSnapshot(dir string) (*Snapshot, error) {
	chunks, err := store.ReadJSONL[store.Chunk](filepath.Join(dir, store.ChunksFile))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", vectorindex.ErrIndexCorruption, err)
	}

	byID := make(map[string]store.Chunk, len(chunks))
	for _, chunk := range chunks {
		if _, dup := byID[chunk.ChunkID]; dup {
			return nil, fmt.Errorf("%w: duplicate chunk %s in chunk store", vectorindex.ErrIndexCorruption, chunk.ChunkID)
		}
		byID[chunk.ChunkID] = chunk
	}

	index, manifest, err := vectorindex.Load(dir, len(byID))
	if err != nil {
		return nil, err
	}
	for _, id := range index.IDs() {
		if _, ok := byID[id]; !ok {
			return nil, fmt.Errorf("%w: index id %s missing from chunk store", vectorindex.ErrIndexCorruption, id)
		}
	}

	return &Snapshot{Dir: dir, Index: index, Manifest: manifest, chunks: byID}, nil
}

// Library holds the active snapshot. Readers always see a complete snapshot;
// Reload swaps in a new one atomically.
type Library struct {
	root    string
	current atomic.Pointer[Snapshot]
	logger  *zerolog.Logger
	metrics *metrics.Metrics
}

func NewLibrary(root string, logger *zerolog.Logger, m *metrics.Metrics) *Library {
	return &Library{
		root:    root,
		logger:  logging.Component(logger, "retrieval"),
		metrics: m,
	}
}

// Open loads the snapshot CURRENT points at. Missing snapshots yield ErrNoSnapshot;
// inconsistent ones yield vectorindex.ErrIndexCorruption and leave the previous
// snapshot in place.
func (l *Library) Open() (*Snapshot, error) {
	dir, err := store.ReadCurrent(l.root)
	if err != nil {
		return nil, err
	}

	if active := l.current.Load(); active != nil && active.Dir == dir {
		return active, nil
	}

	snap, err := OpenSnapshot(dir)
	if err != nil {
		if errors.Is(err, vectorindex.ErrIndexCorruption) {
			l.logger.Error().Err(err).Str("snapshot", dir).Msg("refusing corrupt snapshot")
		}
		return nil, err
	}

	l.current.Store(snap)
	l.metrics.RecordSnapshot(snap.Len(), false)
	l.logger.Info().
		Str("snapshot", dir).
		Int("chunks", snap.Len()).
		Str("metric", snap.Manifest.Metric).
		Msg("snapshot loaded")
	return snap, nil
}

// Reload is Open under the name callers use after an ingestion run.
func (l *Library) Reload() (*Snapshot, error) {
	return l.Open()
}

// Current returns the active snapshot or ErrNoSnapshot.
func (l *Library) Current() (*Snapshot, error) {
	if snap := l.current.Load(); snap != nil {
		return snap, nil
	}
	return nil, ErrNoSnapshot
}
