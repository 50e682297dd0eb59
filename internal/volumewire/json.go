package volumewire

import "github.com/approachradar/backend/internal/mrms"

// VoxelPoint is one projected, range/dBz-filtered voxel, suitable for a
// JSON-facing view of the same window the binary wire encoders serve.
type VoxelPoint struct {
	XNm, ZNm     float64
	BottomFeet   uint16
	TopFeet      uint16
	DbzTenths    int16
	Phase        uint8
}

// CollectVoxels applies the same window/min-dBz/range filter as EncodeV1/
// EncodeV2 and returns up to maxVoxels projected points in tile emission
// order, for the JSON-shaped /weather view (spec §6's alternative face of
// the volume query). maxVoxels<=0 means unlimited.
func CollectVoxels(snap *mrms.ScanSnapshot, originLat, originLon, minDbz, maxRangeNm float64, maxVoxels int) []VoxelPoint {
	minDbzTenths := RoundI16(minDbz * 10.0)
	win := ComputeWindow(snap.Grid, snap.TileCols, snap.TileRows, snap.TileSize, originLat, originLon, maxRangeNm)

	out := make([]VoxelPoint, 0, 256)
	iterateCandidates(snap, win, minDbzTenths, func(c candidateVoxel) {
		if maxVoxels > 0 && len(out) >= maxVoxels {
			return
		}
		bounds := snap.LevelBounds[c.voxel.LevelIdx]
		out = append(out, VoxelPoint{
			XNm: c.xNm, ZNm: c.zNm,
			BottomFeet: bounds.BottomFeet, TopFeet: bounds.TopFeet,
			DbzTenths: c.voxel.DbzTenths, Phase: c.voxel.Phase,
		})
	})
	return out
}
