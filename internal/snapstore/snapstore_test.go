package snapstore

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/approachradar/backend/internal/mrms"
)

func sampleSnapshot(timestamp string) mrms.ScanSnapshot {
	return mrms.ScanSnapshot{
		Timestamp:     timestamp,
		GeneratedAtMs: 1000,
		ScanTimeMs:    2000,
		Grid: mrms.GridDef{
			Nx: 4, Ny: 4,
			La1Deg: 45.0, Lo1Deg360: 280.0,
			DiDeg: 0.01, DjDeg: -0.01,
			LatStepDeg: -0.01, LonStepDeg: 0.01,
		},
		TileSize:    4,
		TileCols:    1,
		TileRows:    1,
		LevelBounds: []mrms.LevelBounds{{BottomFeet: 0, TopFeet: 1000}},
		TileOffsets: []uint32{0, 1},
		Voxels:      []mrms.StoredVoxel{{Row: 1, Col: 1, LevelIdx: 0, Phase: 2, DbzTenths: 400}},
		PhaseDebug: mrms.PhaseDebugMetadata{
			Mode:          "dual_pol",
			DualPolStale:  true,
			ZdrTimestamp:  "20260801-113000",
			ZdrAgeSeconds: 1800,
			Counters:      "dual_injected=3",
		},
	}
}

func TestPersistAndLoadLatest_RoundTrips(t *testing.T) {
	dir := t.TempDir()
	store := New(dir, 1<<30)

	snap := sampleSnapshot("20260801-120000")
	require.NoError(t, store.Persist(context.Background(), snap))

	loaded, err := store.LoadLatest()
	require.NoError(t, err)
	require.NotNil(t, loaded)

	assert.Equal(t, snap.Timestamp, loaded.Timestamp)
	assert.Equal(t, snap.GeneratedAtMs, loaded.GeneratedAtMs)
	assert.Equal(t, snap.Grid, loaded.Grid)
	assert.Equal(t, snap.LevelBounds, loaded.LevelBounds)
	assert.Equal(t, snap.TileOffsets, loaded.TileOffsets)
	assert.Equal(t, snap.Voxels, loaded.Voxels)
	assert.Equal(t, snap.PhaseDebug, loaded.PhaseDebug)
}

func TestLoadLatest_PicksLexicallyGreatestTimestamp(t *testing.T) {
	dir := t.TempDir()
	store := New(dir, 1<<30)

	require.NoError(t, store.Persist(context.Background(), sampleSnapshot("20260801-100000")))
	require.NoError(t, store.Persist(context.Background(), sampleSnapshot("20260801-130000")))
	require.NoError(t, store.Persist(context.Background(), sampleSnapshot("20260801-110000")))

	loaded, err := store.LoadLatest()
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, "20260801-130000", loaded.Timestamp)
}

func TestLoadLatest_NoDirectoryReturnsNilNil(t *testing.T) {
	store := New(filepath.Join(t.TempDir(), "does-not-exist"), 1<<30)
	loaded, err := store.LoadLatest()
	require.NoError(t, err)
	assert.Nil(t, loaded)
}

func TestPersist_AppliesRetentionByDeletingOldestFirst(t *testing.T) {
	dir := t.TempDir()

	// persist one snapshot with a generous budget to learn its on-disk size
	roomyStore := New(dir, 1<<30)
	require.NoError(t, roomyStore.Persist(context.Background(), sampleSnapshot("20260801-100000")))
	firstPath := filepath.Join(dir, "20260801-100000.avsn.zst")
	info, err := os.Stat(firstPath)
	require.NoError(t, err)

	// a second snapshot with a budget that fits only one file's worth of bytes
	// should evict the lexically-oldest file, keeping the newest
	tightStore := New(dir, info.Size()+10)
	require.NoError(t, tightStore.Persist(context.Background(), sampleSnapshot("20260801-110000")))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)

	var zstFiles []string
	for _, e := range entries {
		if filepath.Ext(e.Name()) == ".zst" {
			zstFiles = append(zstFiles, e.Name())
		}
	}
	assert.NotContains(t, zstFiles, "20260801-100000.avsn.zst")
	assert.Contains(t, zstFiles, "20260801-110000.avsn.zst")
}
