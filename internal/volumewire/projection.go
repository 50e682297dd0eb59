// Package volumewire implements spec §4.I's volume query engine: WGS-84
// projection, bounding-box/tile windowing, and the V1/V2 wire encoders.
//
// Grounded on original_source/services/mrms-rs/src/api.rs's
// build_volume_wire (V1 windowing and byte layout) and
// original_source/services/mrms-rs/src/utils.rs (projection_scales,
// shortest_lon_delta_degrees, to_lon360, round_i16/round_u16). V2 has no
// original_source equivalent; it is built directly from spec.md §4.I's
// algorithmic description (see DESIGN.md).
package volumewire

import (
	"math"

	"github.com/approachradar/backend/internal/mrms"
)

// ProjectionScales returns (east_nm_per_lon_deg, north_nm_per_lat_deg) at
// the given latitude using the WGS-84 ellipsoid.
func ProjectionScales(latDeg float64) (eastNmPerDeg, northNmPerDeg float64) {
	phi := latDeg * mrms.DegToRad
	sinPhi := math.Sin(phi)
	cosPhi := math.Cos(phi)
	denom := math.Sqrt(1.0 - mrms.Wgs84E2*sinPhi*sinPhi)
	primeVerticalMeters := mrms.Wgs84SemiMajorMeters / denom
	meridionalMeters := (mrms.Wgs84SemiMajorMeters * (1.0 - mrms.Wgs84E2)) / (denom * denom * denom)

	eastNmPerDeg = (math.Pi / 180.0) * primeVerticalMeters * cosPhi * mrms.MetersToNM
	northNmPerDeg = (math.Pi / 180.0) * meridionalMeters * mrms.MetersToNM
	return
}

// ToLon360 normalizes a longitude in degrees into [0, 360).
func ToLon360(lonDeg float64) float64 {
	normalized := math.Mod(lonDeg, 360.0)
	if normalized < 0 {
		return normalized + 360.0
	}
	return normalized
}

// ShortestLonDeltaDegrees returns lonDeg360-originLonDeg360 wrapped to the
// shortest arc, in [-180, 180].
func ShortestLonDeltaDegrees(lonDeg360, originLonDeg360 float64) float64 {
	delta := lonDeg360 - originLonDeg360
	if delta > 180.0 {
		delta -= 360.0
	}
	if delta < -180.0 {
		delta += 360.0
	}
	return delta
}

func clampF64(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampI64(v, lo, hi int64) int64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// RoundI16 rounds to the nearest int16, clamping on overflow or non-finite
// input (returns 0 for NaN/Inf).
func RoundI16(v float64) int16 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return int16(clampF64(math.Round(v), math.MinInt16, math.MaxInt16))
}

// RoundU16 rounds to the nearest uint16, clamping on overflow or non-finite
// input (returns 0 for NaN/Inf or negative).
func RoundU16(v float64) uint16 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return uint16(clampF64(math.Round(v), 0, math.MaxUint16))
}

// Window is the resolved row/col/tile extents for one query, computed once
// and shared by both wire encoders.
type Window struct {
	RowStart, RowEnd uint32
	ColStart, ColEnd uint32
	LonWrapped       bool

	TileRowStart, TileRowEnd uint32
	TileColStart, TileColEnd uint32

	OriginLat, OriginLon360       float64
	EastNmPerDeg, NorthNmPerDeg   float64
	MaxRangeSquaredNm             float64
}

// ComputeWindow derives the bounding-box and tile window for a query,
// grounded on build_volume_wire's row/col/tile-range derivation.
func ComputeWindow(grid mrms.GridDef, tileCols, tileRows uint32, tileSize uint16, originLat, originLon, maxRangeNm float64) Window {
	originLon360 := ToLon360(originLon)
	eastNmPerDeg, northNmPerDeg := ProjectionScales(originLat)
	eastSafe := math.Max(math.Abs(eastNmPerDeg), 1e-6)
	northSafe := math.Max(math.Abs(northNmPerDeg), 1e-6)

	latPaddingDeg := maxRangeNm / northSafe
	lonPaddingDeg := maxRangeNm / eastSafe

	latMin := originLat - latPaddingDeg
	latMax := originLat + latPaddingDeg
	lonMin360 := originLon360 - lonPaddingDeg
	lonMax360 := originLon360 + lonPaddingDeg
	lonWrapped := lonMin360 < 0.0 || lonMax360 >= 360.0

	rowFromLat := func(lat float64) float64 { return (lat - grid.La1Deg) / grid.LatStepDeg }
	rowStart := uint32(clampI64(int64(math.Floor(math.Min(rowFromLat(latMin), rowFromLat(latMax))-1.0)), 0, int64(grid.Ny)-1))
	rowEnd := uint32(clampI64(int64(math.Ceil(math.Max(rowFromLat(latMin), rowFromLat(latMax))+1.0)), 0, int64(grid.Ny)-1))

	var colStart, colEnd uint32
	if lonWrapped {
		colStart, colEnd = 0, grid.Nx-1
	} else {
		colFromLon := func(lon float64) float64 { return (lon - grid.Lo1Deg360) / grid.LonStepDeg }
		colStart = uint32(clampI64(int64(math.Floor(math.Min(colFromLon(lonMin360), colFromLon(lonMax360))-1.0)), 0, int64(grid.Nx)-1))
		colEnd = uint32(clampI64(int64(math.Ceil(math.Max(colFromLon(lonMin360), colFromLon(lonMax360))+1.0)), 0, int64(grid.Nx)-1))
	}

	tileSizeU32 := uint32(tileSize)
	tileRowStart := rowStart / tileSizeU32
	tileRowEnd := rowEnd / tileSizeU32
	var tileColStart, tileColEnd uint32
	if lonWrapped {
		tileColStart, tileColEnd = 0, tileCols-1
	} else {
		tileColStart = colStart / tileSizeU32
		tileColEnd = colEnd / tileSizeU32
	}

	return Window{
		RowStart: rowStart, RowEnd: rowEnd,
		ColStart: colStart, ColEnd: colEnd,
		LonWrapped:   lonWrapped,
		TileRowStart: tileRowStart, TileRowEnd: tileRowEnd,
		TileColStart: tileColStart, TileColEnd: tileColEnd,
		OriginLat: originLat, OriginLon360: originLon360,
		EastNmPerDeg: eastSafe, NorthNmPerDeg: northSafe,
		MaxRangeSquaredNm: maxRangeNm * maxRangeNm,
	}
}

// candidateVoxel is a grid-positioned voxel accepted by the window/range
// filter, with its projected (x_nm, z_nm) position resolved.
type candidateVoxel struct {
	voxel    mrms.StoredVoxel
	xNm, zNm float64
}

// iterateCandidates walks every tile overlapping win, applying the window,
// min-dBz, and range filters of spec §4.I, and yields accepted voxels via
// visit in emission order (tile row-major, then voxel emission order within
// the tile).
func iterateCandidates(snap *mrms.ScanSnapshot, win Window, minDbzTenths int16, visit func(candidateVoxel)) {
	for tileRow := win.TileRowStart; tileRow <= win.TileRowEnd; tileRow++ {
		for tileCol := win.TileColStart; tileCol <= win.TileColEnd; tileCol++ {
			tileIdx := int(tileRow*snap.TileCols + tileCol)
			if tileIdx+1 >= len(snap.TileOffsets) {
				continue
			}
			start := snap.TileOffsets[tileIdx]
			end := snap.TileOffsets[tileIdx+1]
			for _, v := range snap.Voxels[start:end] {
				row := uint32(v.Row)
				col := uint32(v.Col)
				if row < win.RowStart || row > win.RowEnd {
					continue
				}
				if !win.LonWrapped && (col < win.ColStart || col > win.ColEnd) {
					continue
				}
				if v.DbzTenths < minDbzTenths {
					continue
				}

				latDeg := snap.Grid.La1Deg + float64(row)*snap.Grid.LatStepDeg
				lonDeg360 := ToLon360(snap.Grid.Lo1Deg360 + float64(col)*snap.Grid.LonStepDeg)
				deltaLonDeg := ShortestLonDeltaDegrees(lonDeg360, win.OriginLon360)
				xNm := deltaLonDeg * win.EastNmPerDeg
				zNm := -(latDeg - win.OriginLat) * win.NorthNmPerDeg
				if xNm*xNm+zNm*zNm > win.MaxRangeSquaredNm {
					continue
				}

				if int(v.LevelIdx) >= len(snap.LevelBounds) {
					continue
				}

				visit(candidateVoxel{voxel: v, xNm: xNm, zNm: zNm})
			}
		}
	}
}
