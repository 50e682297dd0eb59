package volumewire

import (
	"encoding/binary"
	"math"
	"sort"

	"github.com/approachradar/backend/internal/mrms"
)

// V2 has no original_source equivalent (see DESIGN.md); it is built
// directly from spec.md §4.I's algorithm: quantize, per-level row
// run-length encode, extend runs into rectangles across rows, split
// oversized rectangles, extrude matching rectangles into bricks across
// levels.

type colEntry struct {
	col   uint32
	phase uint8
	bin   int32
}

type rectangle struct {
	rowStart, rowEnd uint32
	colStart, colEnd uint32
	phase            uint8
	bin              int32
}

type brick struct {
	rectangle
	levelStart, levelEnd uint8
}

func quantizeBin(dbzTenths int16) int32 {
	return int32(dbzTenths) / int32(mrms.WireV2DbzQuantStepTenths)
}

func maxSpanForBin(bin int32) uint32 {
	if bin*int32(mrms.WireV2DbzQuantStepTenths) >= int32(mrms.WireV2HighDbzCutoffTenths) {
		return uint32(mrms.WireV2MaxSpanHighDbz)
	}
	return uint32(mrms.WireV2MaxSpanLowDbz)
}

// collectLevelVoxels buckets window-accepted voxels by level, then by row,
// sorted by column within each row.
func collectLevelVoxels(snap *mrms.ScanSnapshot, win Window, minDbzTenths int16) map[uint8]map[uint32][]colEntry {
	byLevel := make(map[uint8]map[uint32][]colEntry)
	iterateCandidates(snap, win, minDbzTenths, func(c candidateVoxel) {
		rows, ok := byLevel[c.voxel.LevelIdx]
		if !ok {
			rows = make(map[uint32][]colEntry)
			byLevel[c.voxel.LevelIdx] = rows
		}
		row := uint32(c.voxel.Row)
		rows[row] = append(rows[row], colEntry{
			col:   uint32(c.voxel.Col),
			phase: c.voxel.Phase,
			bin:   quantizeBin(c.voxel.DbzTenths),
		})
	})
	return byLevel
}

// rowRuns groups a row's sorted column entries into contiguous
// same-(phase,bin) runs.
func rowRuns(entries []colEntry) []rectangle {
	sort.Slice(entries, func(i, j int) bool { return entries[i].col < entries[j].col })
	var runs []rectangle
	for i := 0; i < len(entries); {
		j := i + 1
		for j < len(entries) &&
			entries[j].col == entries[j-1].col+1 &&
			entries[j].phase == entries[i].phase &&
			entries[j].bin == entries[i].bin {
			j++
		}
		runs = append(runs, rectangle{
			colStart: entries[i].col, colEnd: entries[j-1].col,
			phase: entries[i].phase, bin: entries[i].bin,
		})
		i = j
	}
	return runs
}

type rectSignature struct {
	colStart, colEnd uint32
	phase            uint8
	bin              int32
}

func sigOf(r rectangle) rectSignature {
	return rectSignature{colStart: r.colStart, colEnd: r.colEnd, phase: r.phase, bin: r.bin}
}

// brickSignature is the cross-level footprint match key for extrudeBricks.
// Unlike rectSignature (row-agnostic, used for same-row vertical extension
// within a level), a brick must match the full row range too: two
// rectangles at adjacent levels with the same columns/phase/bin but
// different rows cover different footprints and must not be merged.
type brickSignature struct {
	rowStart, rowEnd uint32
	colStart, colEnd uint32
	phase            uint8
	bin              int32
}

func brickSigOf(r rectangle) brickSignature {
	return brickSignature{
		rowStart: r.rowStart, rowEnd: r.rowEnd,
		colStart: r.colStart, colEnd: r.colEnd,
		phase: r.phase, bin: r.bin,
	}
}

// extendRectanglesVertically implements spec §4.I steps 1-2: per-row run
// extraction, then extension of identical-signature runs from row r-1 into
// growing rectangles. A gap terminates every currently active rectangle.
func extendRectanglesVertically(rowsByIdx map[uint32][]colEntry) []rectangle {
	var rows []uint32
	for r := range rowsByIdx {
		rows = append(rows, r)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i] < rows[j] })

	var completed []rectangle
	active := make(map[rectSignature]*rectangle)
	var lastRow uint32
	haveLast := false

	for _, r := range rows {
		if haveLast && r != lastRow+1 {
			for _, rect := range active {
				completed = append(completed, *rect)
			}
			active = make(map[rectSignature]*rectangle)
		}

		runs := rowRuns(rowsByIdx[r])
		newActive := make(map[rectSignature]*rectangle)
		for _, run := range runs {
			sig := sigOf(run)
			if existing, ok := active[sig]; ok {
				existing.rowEnd = r
				newActive[sig] = existing
			} else {
				rect := rectangle{
					rowStart: r, rowEnd: r,
					colStart: run.colStart, colEnd: run.colEnd,
					phase: run.phase, bin: run.bin,
				}
				newActive[sig] = &rect
			}
		}
		for sig, rect := range active {
			if _, stillActive := newActive[sig]; !stillActive {
				completed = append(completed, *rect)
			}
		}

		active = newActive
		lastRow = r
		haveLast = true
	}
	for _, rect := range active {
		completed = append(completed, *rect)
	}
	return completed
}

// splitOversizedRectangles implements spec §4.I step 3: split any rectangle
// exceeding max_span (bin-dependent) in rows or columns into a deterministic
// grid of sub-rectangles.
func splitOversizedRectangles(rects []rectangle) []rectangle {
	var out []rectangle
	for _, rect := range rects {
		maxSpan := maxSpanForBin(rect.bin)
		for rowStart := rect.rowStart; rowStart <= rect.rowEnd; rowStart += maxSpan {
			rowEnd := rowStart + maxSpan - 1
			if rowEnd > rect.rowEnd {
				rowEnd = rect.rowEnd
			}
			for colStart := rect.colStart; colStart <= rect.colEnd; colStart += maxSpan {
				colEnd := colStart + maxSpan - 1
				if colEnd > rect.colEnd {
					colEnd = rect.colEnd
				}
				out = append(out, rectangle{
					rowStart: rowStart, rowEnd: rowEnd,
					colStart: colStart, colEnd: colEnd,
					phase: rect.phase, bin: rect.bin,
				})
			}
		}
	}
	return out
}

// extrudeBricks implements spec §4.I step 4: extend a rectangle into the
// next level's brick if an identical-footprint rectangle appears there,
// bounded by max_vertical_span and a no-vertical-gap adjacency check on
// level bounds.
func extrudeBricks(rectsByLevel map[uint8][]rectangle, levelBounds []mrms.LevelBounds) []brick {
	var levels []uint8
	for l := range rectsByLevel {
		levels = append(levels, l)
	}
	sort.Slice(levels, func(i, j int) bool { return levels[i] < levels[j] })

	var completed []brick
	active := make(map[brickSignature]*brick)
	var lastLevel uint8
	haveLast := false

	for _, level := range levels {
		adjacent := haveLast && level == lastLevel+1 &&
			int(level) < len(levelBounds) && int(lastLevel) < len(levelBounds) &&
			levelBounds[level].BottomFeet <= levelBounds[lastLevel].TopFeet+1

		newActive := make(map[brickSignature]*brick)
		for _, rect := range rectsByLevel[level] {
			sig := brickSigOf(rect)
			if existing, ok := active[sig]; ok && adjacent &&
				int(existing.levelEnd)-int(existing.levelStart)+1 < mrms.WireV2MaxVerticalSpan {
				existing.levelEnd = level
				newActive[sig] = existing
			} else {
				b := brick{rectangle: rect, levelStart: level, levelEnd: level}
				newActive[sig] = &b
			}
		}
		for sig, b := range active {
			if _, stillActive := newActive[sig]; !stillActive {
				completed = append(completed, *b)
			}
		}

		active = newActive
		lastLevel = level
		haveLast = true
	}
	for _, b := range active {
		completed = append(completed, *b)
	}
	return completed
}

// EncodeV2 builds the quantized run-length/rectangle/brick V2 wire payload.
func EncodeV2(snap *mrms.ScanSnapshot, originLat, originLon, minDbz, maxRangeNm float64) []byte {
	minDbzTenths := RoundI16(minDbz * 10.0)
	win := ComputeWindow(snap.Grid, snap.TileCols, snap.TileRows, snap.TileSize, originLat, originLon, maxRangeNm)

	footprintXMilli := RoundU16(math.Abs(snap.Grid.DiDeg) * win.EastNmPerDeg * 1000.0)
	footprintYMilli := RoundU16(math.Abs(snap.Grid.DjDeg) * win.NorthNmPerDeg * 1000.0)

	byLevel := collectLevelVoxels(snap, win, minDbzTenths)

	var sourceVoxelCount uint32
	layerCounts := make([]uint32, len(snap.LevelBounds))
	rectsByLevel := make(map[uint8][]rectangle, len(byLevel))
	for level, rows := range byLevel {
		for _, entries := range rows {
			sourceVoxelCount += uint32(len(entries))
		}
		if int(level) < len(layerCounts) {
			count := 0
			for _, entries := range rows {
				count += len(entries)
			}
			layerCounts[level] = uint32(count)
		}
		vertical := extendRectanglesVertically(rows)
		rectsByLevel[level] = splitOversizedRectangles(vertical)
	}

	bricks := extrudeBricks(rectsByLevel, snap.LevelBounds)
	sort.Slice(bricks, func(i, j int) bool {
		if bricks[i].levelStart != bricks[j].levelStart {
			return bricks[i].levelStart < bricks[j].levelStart
		}
		if bricks[i].rowStart != bricks[j].rowStart {
			return bricks[i].rowStart < bricks[j].rowStart
		}
		return bricks[i].colStart < bricks[j].colStart
	})

	levelCount := len(snap.LevelBounds)
	body := make([]byte, mrms.WireHeaderBytes+levelCount*4)
	copy(body[0:4], mrms.WireMagic[:])
	binary.LittleEndian.PutUint16(body[4:6], mrms.WireV2Version)
	binary.LittleEndian.PutUint16(body[6:8], uint16(mrms.WireHeaderBytes))
	binary.LittleEndian.PutUint32(body[8:12], sourceVoxelCount)
	binary.LittleEndian.PutUint32(body[12:16], uint32(len(bricks)))
	binary.LittleEndian.PutUint16(body[16:18], uint16(levelCount))
	binary.LittleEndian.PutUint16(body[18:20], mrms.WireV2RecordBytes)
	binary.LittleEndian.PutUint64(body[20:28], uint64(snap.GeneratedAtMs))
	binary.LittleEndian.PutUint64(body[28:36], uint64(snap.ScanTimeMs))
	binary.LittleEndian.PutUint16(body[36:38], footprintXMilli)
	binary.LittleEndian.PutUint16(body[38:40], footprintYMilli)
	binary.LittleEndian.PutUint16(body[40:42], uint16(minDbzTenths))
	binary.LittleEndian.PutUint16(body[42:44], RoundU16(maxRangeNm*10.0))
	binary.LittleEndian.PutUint16(body[44:46], snap.TileSize)
	binary.LittleEndian.PutUint16(body[46:48], uint16(mrms.WireV2DbzQuantStepTenths))
	binary.LittleEndian.PutUint32(body[48:52], uint32(int32(math.Round(originLat*1_000_000.0))))
	binary.LittleEndian.PutUint32(body[52:56], uint32(int32(math.Round(originLon*1_000_000.0))))

	layerCountsOffset := mrms.WireHeaderBytes
	for idx, count := range layerCounts {
		offset := layerCountsOffset + idx*4
		binary.LittleEndian.PutUint32(body[offset:offset+4], count)
	}

	grid := snap.Grid
	for _, b := range bricks {
		rowCenter := (float64(b.rowStart) + float64(b.rowEnd)) / 2.0
		colCenter := (float64(b.colStart) + float64(b.colEnd)) / 2.0
		latDeg := grid.La1Deg + rowCenter*grid.LatStepDeg
		lonDeg360 := ToLon360(grid.Lo1Deg360 + colCenter*grid.LonStepDeg)
		deltaLonDeg := ShortestLonDeltaDegrees(lonDeg360, win.OriginLon360)
		xNm := deltaLonDeg * win.EastNmPerDeg
		zNm := -(latDeg - win.OriginLat) * win.NorthNmPerDeg

		bottomFeet := snap.LevelBounds[b.levelStart].BottomFeet
		topFeet := snap.LevelBounds[b.levelEnd].TopFeet
		dbzTenths := int16(b.bin * int32(mrms.WireV2DbzQuantStepTenths))

		rec := make([]byte, mrms.WireV2RecordBytes)
		binary.LittleEndian.PutUint16(rec[0:2], uint16(RoundI16(xNm*100.0)))
		binary.LittleEndian.PutUint16(rec[2:4], uint16(RoundI16(zNm*100.0)))
		binary.LittleEndian.PutUint16(rec[4:6], bottomFeet)
		binary.LittleEndian.PutUint16(rec[6:8], topFeet)
		binary.LittleEndian.PutUint16(rec[8:10], uint16(dbzTenths))
		rec[10] = b.phase
		rec[11] = b.levelStart
		binary.LittleEndian.PutUint16(rec[12:14], uint16(b.colEnd-b.colStart+1))
		binary.LittleEndian.PutUint16(rec[14:16], uint16(int(b.levelEnd)-int(b.levelStart)+1))
		binary.LittleEndian.PutUint16(rec[16:18], uint16(b.rowEnd-b.rowStart+1))
		binary.LittleEndian.PutUint16(rec[18:20], 0)
		body = append(body, rec...)
	}

	return body
}
