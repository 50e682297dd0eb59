package mrms

import "fmt"

// LevelField bundles a decoded reflectivity field with the thermo/dual-pol
// aux fields sampled against it for one level, as assembled by the ingest
// orchestrator before the snapshot builder runs.
type LevelField struct {
	Reflectivity ReflectivityField
	Zdr          *AuxSampler
	RhoHV        *AuxSampler
}

// ThermoBundle holds the seven optional aux fields shared across all levels,
// plus the source timestamps recorded for phase-debug metadata.
type ThermoBundle struct {
	PrecipFlag       *AuxSampler
	FreezingLevel    *AuxSampler
	WetBulb          *AuxSampler
	SurfaceTemp      *AuxSampler
	BrightBandTop    *AuxSampler
	BrightBandBottom *AuxSampler
	RQI              *AuxSampler

	PrecipTimestamp   string
	FreezingTimestamp string
}

// DualPolBundle tracks staleness/age bookkeeping for the ZDR/RhoHV stream as
// a whole (computed once per ingest, not per level).
type DualPolBundle struct {
	Stale           bool
	ZdrTimestamp    string
	RhoHVTimestamp  string
	ZdrAgeSeconds   int64
	RhoHVAgeSeconds int64
}

// computeLevelBounds derives per-level (bottom_feet, top_feet) from a
// monotonically increasing list of level altitudes in km MSL. Interior
// levels use the midpoint to each neighbor; edge levels mirror the
// adjacent spacing. Grounded on ingest.rs's compute_level_bounds.
func computeLevelBounds(levelKm []float64) []LevelBounds {
	bounds := make([]LevelBounds, len(levelKm))
	for idx, level := range levelKm {
		var bottomKm, topKm float64

		if idx > 0 {
			bottomKm = (levelKm[idx-1] + level) / 2.0
		} else {
			nextLevel := level + 0.5
			if len(levelKm) > 1 {
				nextLevel = levelKm[1]
			}
			bottomKm = level - (nextLevel-level)/2.0
			if bottomKm < 0 {
				bottomKm = 0
			}
		}

		if idx+1 < len(levelKm) {
			topKm = (level + levelKm[idx+1]) / 2.0
		} else {
			prevLevel := level - 0.5
			if idx > 0 {
				prevLevel = levelKm[idx-1]
			}
			topKm = level + (level-prevLevel)/2.0
		}

		bounds[idx] = LevelBounds{
			BottomFeet: roundU16(bottomKm * FeetPerKm),
			TopFeet:    roundU16(topKm * FeetPerKm),
		}
	}
	return bounds
}

func roundU16(v float64) uint16 {
	if v < 0 {
		v = 0
	}
	r := v + 0.5
	if r > 65535 {
		r = 65535
	}
	return uint16(r)
}

// tileBucket accumulates voxels for one tile in emission order, preserving
// the level-ascending, row-major iteration order of the caller.
type tileBucket struct {
	voxels []StoredVoxel
}

// BuildSnapshot implements spec §4.F: iterate levels ascending, resolve
// phase per eligible voxel, bucket by tile, then flatten with a prefix-sum
// tile_offsets vector. levelKm must be sorted ascending and aligned
// index-for-index with fields.
func BuildSnapshot(
	timestamp string,
	generatedAtMs, scanTimeMs int64,
	levelKm []float64,
	fields []LevelField,
	thermo ThermoBundle,
	dual DualPolBundle,
	minDbzTenths int16,
	tileSize uint16,
) (ScanSnapshot, error) {
	if len(fields) == 0 {
		return ScanSnapshot{}, fmt.Errorf("mrms: no levels supplied")
	}
	grid := fields[0].Reflectivity.Grid
	for i := 1; i < len(fields); i++ {
		if !fields[i].Reflectivity.Grid.SameAs(grid) {
			return ScanSnapshot{}, fmt.Errorf("mrms: level %d grid mismatch", i)
		}
	}

	levelBounds := computeLevelBounds(levelKm)
	if tileSize == 0 {
		tileSize = DefaultTileSize
	}
	tileCols := ceilDiv(grid.Nx, uint32(tileSize))
	tileRows := ceilDiv(grid.Ny, uint32(tileSize))
	tileCount := int(tileCols) * int(tileRows)
	buckets := make([]tileBucket, tileCount)

	var dualInjected, mixedPromoted, transitionPromoted, precipSnowForced int64

	for levelIdx, field := range fields {
		bounds := levelBounds[levelIdx]
		voxelMidFeet := (float64(bounds.BottomFeet) + float64(bounds.TopFeet)) / 2.0
		refl := field.Reflectivity

		levelVoxels := make([]LevelVoxel, 0, len(refl.DbzTenths))

		for row := uint32(0); row < grid.Ny; row++ {
			for col := uint32(0); col < grid.Nx; col++ {
				idx := int(row*grid.Nx + col)
				dbz := refl.DbzTenths[idx]
				if dbz < minDbzTenths {
					continue
				}

				latDeg := grid.La1Deg + float64(row)*grid.LatStepDeg
				lonDeg := grid.Lo1Deg360 + float64(col)*grid.LonStepDeg

				var zdrRaw, rhohvRaw *float32
				if field.Zdr != nil {
					if v, ok := field.Zdr.Sample(latDeg, lonDeg); ok {
						zdrRaw = &v
					}
				}
				if field.RhoHV != nil {
					if v, ok := field.RhoHV.Sample(latDeg, lonDeg); ok {
						rhohvRaw = &v
					}
				}
				dualEvidence := ResolveDualPolEvidence(zdrRaw, rhohvRaw)

				in := ThermoInputs{}
				if thermo.PrecipFlag != nil {
					if v, ok := thermo.PrecipFlag.Sample(latDeg, lonDeg); ok {
						in.PrecipFlag = &v
					}
				}
				if thermo.FreezingLevel != nil {
					if v, ok := thermo.FreezingLevel.Sample(latDeg, lonDeg); ok {
						in.FreezingLevelM = &v
					}
				}
				if thermo.WetBulb != nil {
					if v, ok := thermo.WetBulb.Sample(latDeg, lonDeg); ok {
						in.WetBulbC = &v
					}
				}
				if thermo.SurfaceTemp != nil {
					if v, ok := thermo.SurfaceTemp.Sample(latDeg, lonDeg); ok {
						in.SurfaceTempC = &v
					}
				}
				if thermo.BrightBandTop != nil {
					if v, ok := thermo.BrightBandTop.Sample(latDeg, lonDeg); ok {
						in.BrightBandTopM = &v
					}
				}
				if thermo.BrightBandBottom != nil {
					if v, ok := thermo.BrightBandBottom.Sample(latDeg, lonDeg); ok {
						in.BrightBandBottomM = &v
					}
				}
				if thermo.RQI != nil {
					if v, ok := thermo.RQI.Sample(latDeg, lonDeg); ok {
						in.RQI = &v
					}
				}

				thermoEvidence := ResolveThermoPhase(voxelMidFeet, in)
				resolution := ResolveFromEvidence(thermoEvidence, dualEvidence, dual.Stale)
				if resolution.UsedDual {
					dualInjected++
				}
				if resolution.ForcedPrecipSnow {
					precipSnowForced++
				}

				transitionCandidate := TransitionCandidate(thermoEvidence, resolution, dualEvidence)

				levelVoxels = append(levelVoxels, LevelVoxel{
					Row:                 uint16(row),
					Col:                 uint16(col),
					Phase:               resolution.Phase,
					TransitionCandidate: transitionCandidate,
				})
			}
		}

		promoted := PromoteMixedTransitionEdges(levelVoxels, grid.Nx, grid.Ny)
		if promoted > 0 {
			transitionPromoted += int64(promoted)
		}

		for _, lv := range levelVoxels {
			idx := int(uint32(lv.Row)*grid.Nx + uint32(lv.Col))
			dbz := refl.DbzTenths[idx]
			tileCol := uint32(lv.Col) / uint32(tileSize)
			tileRow := uint32(lv.Row) / uint32(tileSize)
			bucket := int(tileRow)*int(tileCols) + int(tileCol)
			buckets[bucket].voxels = append(buckets[bucket].voxels, StoredVoxel{
				Row:       lv.Row,
				Col:       lv.Col,
				LevelIdx:  uint8(levelIdx),
				Phase:     lv.Phase,
				DbzTenths: dbz,
			})
			if lv.Phase == PhaseMixed {
				mixedPromoted++
			}
		}
	}

	tileOffsets := make([]uint32, tileCount+1)
	var voxels []StoredVoxel
	running := uint32(0)
	for i, b := range buckets {
		tileOffsets[i] = running
		voxels = append(voxels, b.voxels...)
		running += uint32(len(b.voxels))
	}
	tileOffsets[tileCount] = running

	debug := PhaseDebugMetadata{
		Mode:                     phaseDebugMode(dual.Stale, thermo),
		DualPolStale:             dual.Stale,
		ZdrTimestamp:             dual.ZdrTimestamp,
		RhoHVTimestamp:           dual.RhoHVTimestamp,
		PrecipTimestamp:          thermo.PrecipTimestamp,
		FreezingTimestamp:        thermo.FreezingTimestamp,
		ZdrAgeSeconds:            dual.ZdrAgeSeconds,
		RhoHVAgeSeconds:          dual.RhoHVAgeSeconds,
		DualInjectedVoxels:       dualInjected,
		MixedPromotedVoxels:      mixedPromoted,
		TransitionPromotedVoxels: transitionPromoted,
		PrecipSnowForcedVoxels:   precipSnowForced,
		Counters: fmt.Sprintf("dual_injected=%d,mixed_promoted=%d,transition_promoted=%d,precip_snow_forced=%d",
			dualInjected, mixedPromoted, transitionPromoted, precipSnowForced),
	}

	return ScanSnapshot{
		Timestamp:     timestamp,
		GeneratedAtMs: generatedAtMs,
		ScanTimeMs:    scanTimeMs,
		Grid:          grid,
		TileSize:      tileSize,
		TileCols:      tileCols,
		TileRows:      tileRows,
		LevelBounds:   levelBounds,
		TileOffsets:   tileOffsets,
		Voxels:        voxels,
		PhaseDebug:    debug,
	}, nil
}

func ceilDiv(n, d uint32) uint32 {
	if d == 0 {
		return 0
	}
	return (n + d - 1) / d
}

func phaseDebugMode(dualStale bool, thermo ThermoBundle) string {
	hasAnyThermo := thermo.PrecipFlag != nil || thermo.FreezingLevel != nil || thermo.WetBulb != nil ||
		thermo.SurfaceTemp != nil || thermo.BrightBandTop != nil || thermo.BrightBandBottom != nil
	switch {
	case !dualStale && hasAnyThermo:
		return "dual-pol+thermo"
	case !dualStale:
		return "dual-pol-only"
	case hasAnyThermo:
		return "thermo-only"
	default:
		return "reflectivity-only"
	}
}

// buildLevelKey mirrors ingest.rs's build_level_key for per-level reflectivity
// and dual-pol object keys.
func buildLevelKey(productPrefix, levelTag, datePart, timestamp string) string {
	return ConusPrefix + "/" + productPrefix + "_" + levelTag + "/" + datePart + "/MRMS_" + productPrefix + "_" + levelTag + "_" + timestamp + ".grib2.gz"
}

// buildAuxKey mirrors ingest.rs's build_aux_key for single-level aux products.
func buildAuxKey(product, datePart, timestamp string) string {
	return ConusPrefix + "/" + product + "/" + datePart + "/MRMS_" + product + "_" + timestamp + ".grib2.gz"
}
