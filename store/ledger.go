package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"
)

// Status is the ingestion state of one document.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in-progress"
	StatusComplete   Status = "complete"
)

// Entry is the ledger record for one document.
type Entry struct {
	Status    Status    `json:"status"`
	UpdatedAt time.Time `json:"updated_at"`
	Chunks    int       `json:"chunks"`
	Error     string    `json:"error,omitempty"`
}

type ledgerFile struct {
	Documents map[string]Entry `json:"documents"`
}

// Ledger tracks per-document progress across runs. Every mutation is written to
// disk before the call returns; writes are serialized.
type Ledger struct {
	mu      sync.Mutex
	path    string
	entries map[string]Entry
	now     func() time.Time
}

// OpenLedger loads the ledger at path, or starts an empty one.
func OpenLedger(path string) (*Ledger, error) {
	l := &Ledger{
		path:    path,
		entries: make(map[string]Entry),
		now:     func() time.Time { return time.Now().UTC() },
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return l, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read ledger: %w", err)
	}

	var file ledgerFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("decode ledger %s: %w", path, err)
	}
	for id, entry := range file.Documents {
		l.entries[id] = entry
	}
	return l, nil
}

// Get returns the entry for a document; unknown documents are pending.
func (l *Ledger) Get(documentID string) Entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.entries[documentID]
	if !ok {
		return Entry{Status: StatusPending}
	}
	return entry
}

// IsComplete reports whether a document finished in an earlier or the current run.
func (l *Ledger) IsComplete(documentID string) bool {
	return l.Get(documentID).Status == StatusComplete
}

// Complete returns the ids of every complete document.
func (l *Ledger) Complete() map[string]bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make(map[string]bool)
	for id, entry := range l.entries {
		if entry.Status == StatusComplete {
			out[id] = true
		}
	}
	return out
}

// Register makes sure every document has an entry, marking new ones pending.
func (l *Ledger) Register(documentIDs []string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, id := range documentIDs {
		if _, ok := l.entries[id]; !ok {
			l.entries[id] = Entry{Status: StatusPending, UpdatedAt: l.now()}
		}
	}
	return l.saveLocked()
}

// ResetInProgress returns documents left in-progress by a crashed run to pending.
func (l *Ledger) ResetInProgress() ([]string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var reset []string
	for id, entry := range l.entries {
		if entry.Status == StatusInProgress {
			entry.Status = StatusPending
			entry.UpdatedAt = l.now()
			l.entries[id] = entry
			reset = append(reset, id)
		}
	}
	sort.Strings(reset)
	if len(reset) == 0 {
		return nil, nil
	}
	return reset, l.saveLocked()
}

func (l *Ledger) MarkInProgress(documentID string) error {
	return l.set(documentID, Entry{Status: StatusInProgress})
}

func (l *Ledger) MarkComplete(documentID string, chunks int) error {
	return l.set(documentID, Entry{Status: StatusComplete, Chunks: chunks})
}

// MarkFailed leaves the document pending with the failure recorded.
func (l *Ledger) MarkFailed(documentID string, cause error) error {
	entry := Entry{Status: StatusPending}
	if cause != nil {
		entry.Error = cause.Error()
	}
	return l.set(documentID, entry)
}

func (l *Ledger) set(documentID string, entry Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry.UpdatedAt = l.now()
	l.entries[documentID] = entry
	return l.saveLocked()
}

func (l *Ledger) saveLocked() error {
	data, err := json.MarshalIndent(ledgerFile{Documents: l.entries}, "", "  ")
	if err != nil {
		return fmt.Errorf("encode ledger: %w", err)
	}
	if err := WriteFileAtomic(l.path, data); err != nil {
		return fmt.Errorf("write ledger: %w", err)
	}
	return nil
}
