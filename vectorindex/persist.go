package vectorindex

import (
	"bytes"
	"crypto/sha256"
	"encoding/gob"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fabfab/campusqa/store"
)

const (
	BlobFile     = "index.gob"
	ManifestFile = "manifest.json"

	formatVersion = 1
)

// Manifest describes a persisted index blob.
type Manifest struct {
	Version   int       `json:"version"`
	Dimension int       `json:"dimension"`
	Metric    string    `json:"metric"`
	Count     int       `json:"count"`
	Checksum  string    `json:"checksum"`
	CreatedAt time.Time `json:"created_at"`
}

type blob struct {
	IDs  []string
	Data []float32
}

// Save writes the blob and then its manifest into dir.
func (idx *Index) Save(dir string) (Manifest, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Manifest{}, fmt.Errorf("create index dir: %w", err)
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(blob{IDs: idx.ids, Data: idx.data}); err != nil {
		return Manifest{}, fmt.Errorf("encode index: %w", err)
	}
	sum := sha256.Sum256(buf.Bytes())

	manifest := Manifest{
		Version:   formatVersion,
		Dimension: idx.dimension,
		Metric:    idx.metric,
		Count:     len(idx.ids),
		Checksum:  hex.EncodeToString(sum[:]),
		CreatedAt: time.Now().UTC(),
	}

	if err := store.WriteFileAtomic(filepath.Join(dir, BlobFile), buf.Bytes()); err != nil {
		return Manifest{}, fmt.Errorf("write index blob: %w", err)
	}
	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return Manifest{}, fmt.Errorf("encode manifest: %w", err)
	}
	if err := store.WriteFileAtomic(filepath.Join(dir, ManifestFile), data); err != nil {
		return Manifest{}, fmt.Errorf("write manifest: %w", err)
	}
	return manifest, nil
}

// Load reads an index saved by Save and checks it against its manifest. When
// expectedCount is not negative the index must hold exactly that many vectors.
// Every inconsistency is reported as ErrIndexCorruption.
func Load(dir string, expectedCount int) (*Index, Manifest, error) {
	manifestData, err := os.ReadFile(filepath.Join(dir, ManifestFile))
	if err != nil {
		return nil, Manifest{}, fmt.Errorf("%w: read manifest: %w", ErrIndexCorruption, err)
	}
	var manifest Manifest
	if err := json.Unmarshal(manifestData, &manifest); err != nil {
		return nil, Manifest{}, fmt.Errorf("%w: decode manifest: %w", ErrIndexCorruption, err)
	}
	if manifest.Version != formatVersion {
		return nil, manifest, fmt.Errorf("%w: unsupported index version %d", ErrIndexCorruption, manifest.Version)
	}
	if !validMetric(manifest.Metric) || manifest.Dimension <= 0 {
		return nil, manifest, fmt.Errorf("%w: manifest metric %q dimension %d", ErrIndexCorruption, manifest.Metric, manifest.Dimension)
	}

	raw, err := os.ReadFile(filepath.Join(dir, BlobFile))
	if err != nil {
		return nil, manifest, fmt.Errorf("%w: read index blob: %w", ErrIndexCorruption, err)
	}
	sum := sha256.Sum256(raw)
	if hex.EncodeToString(sum[:]) != manifest.Checksum {
		return nil, manifest, fmt.Errorf("%w: checksum mismatch", ErrIndexCorruption)
	}

	var decoded blob
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&decoded); err != nil {
		return nil, manifest, fmt.Errorf("%w: decode index blob: %w", ErrIndexCorruption, err)
	}

	if len(decoded.IDs) != manifest.Count {
		return nil, manifest, fmt.Errorf("%w: blob holds %d ids, manifest says %d", ErrIndexCorruption, len(decoded.IDs), manifest.Count)
	}
	if len(decoded.Data) != manifest.Count*manifest.Dimension {
		return nil, manifest, fmt.Errorf("%w: blob holds %d values for %d x %d", ErrIndexCorruption, len(decoded.Data), manifest.Count, manifest.Dimension)
	}
	if expectedCount >= 0 && manifest.Count != expectedCount {
		return nil, manifest, fmt.Errorf("%w: index holds %d vectors, chunk store holds %d", ErrIndexCorruption, manifest.Count, expectedCount)
	}

	idx, err := newIndex(manifest.Metric, manifest.Dimension, decoded.IDs, decoded.Data)
	if err != nil {
		return nil, manifest, fmt.Errorf("%w: %w", ErrIndexCorruption, err)
	}
	return idx, manifest, nil
}
