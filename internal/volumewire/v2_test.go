package volumewire

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/approachradar/backend/internal/mrms"
)

func TestEncodeV2_HeaderMagicAndVersion(t *testing.T) {
	snap := testSnapshot()
	body := EncodeV2(snap, 45.0, -80.0, 20.0, 250.0)

	require.GreaterOrEqual(t, len(body), 48)
	assert.Equal(t, mrms.WireMagic[:], body[0:4])
	assert.Equal(t, mrms.WireV2Version, binary.LittleEndian.Uint16(body[4:6]))
}

func TestEncodeV2_EmptySnapshotProducesHeaderOnly(t *testing.T) {
	snap := testSnapshot()
	body := EncodeV2(snap, 45.0, -80.0, 9999.0, 0.0) // no voxel can be within zero range

	require.GreaterOrEqual(t, len(body), 48)
	assert.Equal(t, mrms.WireMagic[:], body[0:4])
}

func TestCollectVoxels_ReturnsWindowedVoxelsAsJSONShape(t *testing.T) {
	snap := testSnapshot()
	points := CollectVoxels(snap, 45.0, -80.0, 20.0, 250.0, 0)

	require.Len(t, points, 1)
	assert.Equal(t, int16(300), points[0].DbzTenths)
	assert.Equal(t, uint8(1), points[0].Phase)
	assert.Equal(t, uint16(0), points[0].BottomFeet)
	assert.Equal(t, uint16(1000), points[0].TopFeet)
}

func TestExtrudeBricks_MergesOnlyWhenRowRangeMatches(t *testing.T) {
	levelBounds := []mrms.LevelBounds{
		{BottomFeet: 0, TopFeet: 1000},
		{BottomFeet: 1000, TopFeet: 2000},
	}
	rectsByLevel := map[uint8][]rectangle{
		0: {{rowStart: 2, rowEnd: 2, colStart: 3, colEnd: 3, phase: 1, bin: 5}},
		1: {{rowStart: 7, rowEnd: 7, colStart: 3, colEnd: 3, phase: 1, bin: 5}},
	}

	bricks := extrudeBricks(rectsByLevel, levelBounds)

	require.Len(t, bricks, 2, "rectangles with differing row ranges at adjacent levels must not merge")
	for _, b := range bricks {
		assert.Equal(t, b.levelStart, b.levelEnd, "each unmerged rectangle stays a single-level brick")
	}
}

func TestExtrudeBricks_MergesMatchingFootprintAcrossLevels(t *testing.T) {
	levelBounds := []mrms.LevelBounds{
		{BottomFeet: 0, TopFeet: 1000},
		{BottomFeet: 1000, TopFeet: 2000},
	}
	rectsByLevel := map[uint8][]rectangle{
		0: {{rowStart: 2, rowEnd: 4, colStart: 3, colEnd: 3, phase: 1, bin: 5}},
		1: {{rowStart: 2, rowEnd: 4, colStart: 3, colEnd: 3, phase: 1, bin: 5}},
	}

	bricks := extrudeBricks(rectsByLevel, levelBounds)

	require.Len(t, bricks, 1)
	assert.Equal(t, uint8(0), bricks[0].levelStart)
	assert.Equal(t, uint8(1), bricks[0].levelEnd)
	assert.Equal(t, uint32(2), bricks[0].rowStart)
	assert.Equal(t, uint32(4), bricks[0].rowEnd)
}

func TestCollectVoxels_RespectsMaxVoxelsCap(t *testing.T) {
	snap := testSnapshot()
	snap.Voxels = append(snap.Voxels, mrms.StoredVoxel{Row: 5, Col: 6, LevelIdx: 0, Phase: 1, DbzTenths: 300})
	snap.TileOffsets = []uint32{0, 0, 0, 0, 0, 2, 2, 2, 2, 2}

	uncapped := CollectVoxels(snap, 45.0, -80.0, 20.0, 250.0, 0)
	require.Len(t, uncapped, 2)

	capped := CollectVoxels(snap, 45.0, -80.0, 20.0, 250.0, 1)
	require.Len(t, capped, 1)
}
