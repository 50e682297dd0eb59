package statestore

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "state.buntdb")
	store, err := Open(path, time.Hour)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestMarkAndLoadRecentTimestamps(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.MarkTimestampSeen("20260801-110000"))
	require.NoError(t, s.MarkTimestampSeen("20260801-120000"))

	loaded, err := s.LoadRecentTimestamps()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"20260801-110000", "20260801-120000"}, loaded)
}

func TestRecordAndClearAttempt(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.RecordAttempt("20260801-120000", 3))
	require.NoError(t, s.ClearAttempt("20260801-120000"))
	// clearing a nonexistent key is not an error
	require.NoError(t, s.ClearAttempt("20260801-120000"))
}

func TestSetAndLastPublished(t *testing.T) {
	s := openTestStore(t)

	_, _, ok := s.LastPublished()
	assert.False(t, ok)

	require.NoError(t, s.SetLastPublished("20260801-120000", 123456))

	ts, gen, ok := s.LastPublished()
	require.True(t, ok)
	assert.Equal(t, "20260801-120000", ts)
	assert.Equal(t, int64(123456), gen)
}

func TestOpen_SetsPackageSingleton(t *testing.T) {
	s := openTestStore(t)
	assert.Same(t, s, Get())
}

func TestNilStore_MethodsAreNoOps(t *testing.T) {
	var s *Store
	assert.NoError(t, s.MarkTimestampSeen("x"))
	assert.NoError(t, s.RecordAttempt("x", 1))
	assert.NoError(t, s.ClearAttempt("x"))
	assert.NoError(t, s.SetLastPublished("x", 1))
	assert.NoError(t, s.Close())

	_, _, ok := s.LastPublished()
	assert.False(t, ok)
}
