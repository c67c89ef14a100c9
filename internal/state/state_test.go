package state

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileReturnsFreshStore(t *testing.T) {
	s, err := Load(filepath.Join(t.TempDir(), "absent.json"))
	require.NoError(t, err)
	snap := s.Snapshot()
	assert.Empty(t, snap.CompletedIssues)
	assert.Empty(t, snap.InProgress)
}

func TestPersistThenLoadRoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	s, err := Load(path)
	require.NoError(t, err)

	s.MarkInProgress("BUG-1")
	s.MarkCompleted("BUG-1")
	s.MarkInProgress("BUG-2")
	s.MarkFailed("BUG-2", "merge conflicted")
	require.NoError(t, s.Persist())

	reloaded, err := Load(path)
	require.NoError(t, err)
	snap := reloaded.Snapshot()
	assert.Equal(t, []string{"BUG-1"}, snap.CompletedIssues)
	assert.Equal(t, "merge conflicted", snap.FailedIssues["BUG-2"])
	assert.Empty(t, snap.InProgress)
}

func TestMarkCompletedRemovesFromInProgress(t *testing.T) {
	s, err := Load(filepath.Join(t.TempDir(), "state.json"))
	require.NoError(t, err)

	s.MarkInProgress("BUG-1")
	s.MarkInProgress("BUG-2")
	s.MarkCompleted("BUG-1")

	snap := s.Snapshot()
	assert.Equal(t, []string{"BUG-2"}, snap.InProgress)
	assert.Equal(t, []string{"BUG-1"}, snap.CompletedIssues)
}

func TestReconcileDrainsStaleInProgress(t *testing.T) {
	s, err := Load(filepath.Join(t.TempDir(), "state.json"))
	require.NoError(t, err)

	s.MarkInProgress("BUG-1")
	s.MarkInProgress("BUG-2")

	stale := s.Reconcile()
	assert.ElementsMatch(t, []string{"BUG-1", "BUG-2"}, stale)
	assert.Empty(t, s.Snapshot().InProgress)
}

func TestIsCompleted(t *testing.T) {
	s, err := Load(filepath.Join(t.TempDir(), "state.json"))
	require.NoError(t, err)

	s.MarkInProgress("BUG-1")
	s.MarkCompleted("BUG-1")

	assert.True(t, s.IsCompleted("BUG-1"))
	assert.False(t, s.IsCompleted("BUG-2"))
}
