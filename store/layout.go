package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Output directory layout shared by ingestion (writer) and retrieval (reader).
//
//	<root>/CURRENT                    relative path of the active snapshot
//	<root>/snapshots/<id>/            index.gob, manifest.json, chunks.jsonl
//	<root>/staging/                   ledger.json, chunks.jsonl, vectors.jsonl
const (
	CurrentFile  = "CURRENT"
	SnapshotsDir = "snapshots"
	StagingDir   = "staging"
	LedgerFile   = "ledger.json"
	ChunksFile   = "chunks.jsonl"
	VectorsFile  = "vectors.jsonl"
)

// ErrNoSnapshot is returned when no snapshot has been published under a root.
var ErrNoSnapshot = errors.New("no published snapshot")

// ReadCurrent resolves the directory of the active snapshot under root.
func ReadCurrent(root string) (string, error) {
	data, err := os.ReadFile(filepath.Join(root, CurrentFile))
	if errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("%w in %s", ErrNoSnapshot, root)
	}
	if err != nil {
		return "", fmt.Errorf("read %s: %w", CurrentFile, err)
	}

	rel := strings.TrimSpace(string(data))
	if rel == "" || filepath.IsAbs(rel) || strings.Contains(rel, "..") {
		return "", fmt.Errorf("invalid %s pointer %q", CurrentFile, rel)
	}
	return filepath.Join(root, filepath.FromSlash(rel)), nil
}

// WriteCurrent atomically points root at the snapshot stored in root/rel.
func WriteCurrent(root, rel string) error {
	return WriteFileAtomic(filepath.Join(root, CurrentFile), []byte(filepath.ToSlash(rel)+"\n"))
}
