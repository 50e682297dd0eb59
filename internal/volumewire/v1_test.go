package volumewire

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/approachradar/backend/internal/mrms"
)

func testGrid() mrms.GridDef {
	return mrms.GridDef{
		Nx: 10, Ny: 10,
		La1Deg: 45.0, Lo1Deg360: 280.0,
		DiDeg: 0.01, DjDeg: -0.01,
		LatStepDeg: -0.01, LonStepDeg: 0.01,
	}
}

func testSnapshot() *mrms.ScanSnapshot {
	grid := testGrid()
	return &mrms.ScanSnapshot{
		Timestamp:     "20260801-120000",
		GeneratedAtMs: 1000,
		ScanTimeMs:    2000,
		Grid:          grid,
		TileSize:      4,
		TileCols:      3,
		TileRows:      3,
		LevelBounds:   []mrms.LevelBounds{{BottomFeet: 0, TopFeet: 1000}, {BottomFeet: 1000, TopFeet: 2000}},
		TileOffsets:   []uint32{0, 0, 0, 0, 0, 1, 1, 1, 1, 1},
		Voxels: []mrms.StoredVoxel{
			{Row: 5, Col: 5, LevelIdx: 0, Phase: 1, DbzTenths: 300},
		},
	}
}

func TestEncodeV1_HeaderLayout(t *testing.T) {
	snap := testSnapshot()
	body := EncodeV1(snap, 45.0, -80.0, 20.0, 250.0)

	require.GreaterOrEqual(t, len(body), mrms.WireHeaderBytes)
	assert.Equal(t, mrms.WireMagic[:], body[0:4])
	assert.Equal(t, mrms.WireV1Version, binary.LittleEndian.Uint16(body[4:6]))
	assert.Equal(t, uint16(mrms.WireHeaderBytes), binary.LittleEndian.Uint16(body[6:8]))
	assert.Equal(t, uint16(len(snap.LevelBounds)), binary.LittleEndian.Uint16(body[16:18]))
	assert.Equal(t, mrms.WireV1RecordBytes, binary.LittleEndian.Uint16(body[18:20]))
	assert.Equal(t, uint64(snap.GeneratedAtMs), binary.LittleEndian.Uint64(body[20:28]))
	assert.Equal(t, uint64(snap.ScanTimeMs), binary.LittleEndian.Uint64(body[28:36]))
}

func TestEncodeV1_RecordBytesAreSixteen(t *testing.T) {
	snap := testSnapshot()
	body := EncodeV1(snap, 45.0, -80.0, 20.0, 250.0)

	voxelCount := binary.LittleEndian.Uint32(body[12:16])
	require.Equal(t, uint32(1), voxelCount)

	levelCount := len(snap.LevelBounds)
	recordsStart := mrms.WireHeaderBytes + levelCount*4
	recordBytes := len(body) - recordsStart
	assert.Equal(t, int(mrms.WireV1RecordBytes), recordBytes)
}

func TestEncodeV1_FiltersOutOfRangeVoxels(t *testing.T) {
	snap := testSnapshot()
	body := EncodeV1(snap, 45.0, -80.0, 20.0, 0.001) // tiny range excludes the voxel

	voxelCount := binary.LittleEndian.Uint32(body[12:16])
	assert.Equal(t, uint32(0), voxelCount)
}

func TestEncodeV1_FiltersBelowMinDbz(t *testing.T) {
	snap := testSnapshot()
	body := EncodeV1(snap, 45.0, -80.0, 50.0, 250.0) // voxel is 30.0 dBz, below min

	voxelCount := binary.LittleEndian.Uint32(body[12:16])
	assert.Equal(t, uint32(0), voxelCount)
}

func TestRoundI16_ClampsOverflow(t *testing.T) {
	assert.Equal(t, int16(32767), RoundI16(1e9))
	assert.Equal(t, int16(-32768), RoundI16(-1e9))
	assert.Equal(t, int16(0), RoundI16(0))
}

func TestRoundU16_ClampsNegative(t *testing.T) {
	assert.Equal(t, uint16(0), RoundU16(-5))
	assert.Equal(t, uint16(65535), RoundU16(1e9))
}

func TestToLon360_Normalizes(t *testing.T) {
	assert.InDelta(t, 280.0, ToLon360(-80.0), 1e-9)
	assert.InDelta(t, 10.0, ToLon360(370.0), 1e-9)
}

func TestShortestLonDeltaDegrees_WrapsAroundDateLine(t *testing.T) {
	delta := ShortestLonDeltaDegrees(1.0, 359.0)
	assert.InDelta(t, 2.0, delta, 1e-9)
}
