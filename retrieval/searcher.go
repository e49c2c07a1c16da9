package retrieval

import (
	"context"
	"fmt"
)

// SnapshotSearcher searches the in-memory snapshot held by a Library.
type SnapshotSearcher struct {
	library *Library
}

var _ Searcher = (*SnapshotSearcher)(nil)

func NewSnapshotSearcher(library *Library) *SnapshotSearcher {
	return &SnapshotSearcher{library: library}
}

func (s *SnapshotSearcher) Search(_ context.Context, query []float32, k int, filter Filter) ([]Passage, error) {
	snap, err := s.library.Current()
	if err != nil {
		return nil, err
	}
	return SearchSnapshot(snap, query, k, filter)
}

// SearchSnapshot runs a filtered search against one snapshot and resolves the hits.
func SearchSnapshot(snap *Snapshot, query []float32, k int, filter Filter) ([]Passage, error) {
	var candidate func(id string) bool
	if !filter.IsZero() {
		candidate = func(id string) bool {
			chunk, ok := snap.Chunk(id)
			return ok && filter.Matches(chunk)
		}
	}

	hits, err := snap.Index.Search(query, k, candidate)
	if err != nil {
		return nil, err
	}

	passages := make([]Passage, 0, len(hits))
	for _, hit := range hits {
		chunk, ok := snap.Chunk(hit.ID)
		if !ok {
			return nil, fmt.Errorf("chunk %s missing from snapshot", hit.ID)
		}
		passages = append(passages, Passage{Chunk: chunk, Score: hit.Score})
	}
	return passages, nil
}
