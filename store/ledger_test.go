package store

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLedgerPersistsAcrossOpen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.json")

	ledger, err := OpenLedger(path)
	require.NoError(t, err)
	require.NoError(t, ledger.Register([]string{"a.md", "b.md", "c.md"}))
	require.NoError(t, ledger.MarkComplete("a.md", 3))
	require.NoError(t, ledger.MarkInProgress("b.md"))
	require.NoError(t, ledger.MarkFailed("c.md", errors.New("empty document")))

	reopened, err := OpenLedger(path)
	require.NoError(t, err)

	assert.True(t, reopened.IsComplete("a.md"))
	assert.Equal(t, 3, reopened.Get("a.md").Chunks)
	assert.Equal(t, StatusInProgress, reopened.Get("b.md").Status)

	failed := reopened.Get("c.md")
	assert.Equal(t, StatusPending, failed.Status)
	assert.Equal(t, "empty document", failed.Error)
	assert.False(t, failed.UpdatedAt.IsZero())
}

func TestLedgerResetInProgress(t *testing.T) {
	ledger, err := OpenLedger(filepath.Join(t.TempDir(), "ledger.json"))
	require.NoError(t, err)

	require.NoError(t, ledger.MarkInProgress("b.md"))
	require.NoError(t, ledger.MarkInProgress("a.md"))
	require.NoError(t, ledger.MarkComplete("c.md", 1))

	reset, err := ledger.ResetInProgress()
	require.NoError(t, err)
	assert.Equal(t, []string{"a.md", "b.md"}, reset)
	assert.Equal(t, StatusPending, ledger.Get("a.md").Status)
	assert.Equal(t, map[string]bool{"c.md": true}, ledger.Complete())
}

func TestLedgerUnknownDocumentIsPending(t *testing.T) {
	ledger, err := OpenLedger(filepath.Join(t.TempDir(), "ledger.json"))
	require.NoError(t, err)
	assert.Equal(t, StatusPending, ledger.Get("never-seen.md").Status)
}

func TestLedgerRegisterKeepsExistingEntries(t *testing.T) {
	ledger, err := OpenLedger(filepath.Join(t.TempDir(), "ledger.json"))
	require.NoError(t, err)

	require.NoError(t, ledger.MarkComplete("a.md", 2))
	require.NoError(t, ledger.Register([]string{"a.md", "b.md"}))

	assert.True(t, ledger.IsComplete("a.md"))
	assert.Equal(t, StatusPending, ledger.Get("b.md").Status)
}
