package volumewire

import (
	"encoding/binary"
	"math"

	"github.com/approachradar/backend/internal/mrms"
)

// EncodeV1 builds the flat 16-byte-record wire payload. Grounded verbatim on
// build_volume_wire's header layout and per-voxel record emission.
func EncodeV1(snap *mrms.ScanSnapshot, originLat, originLon, minDbz, maxRangeNm float64) []byte {
	minDbzTenths := RoundI16(minDbz * 10.0)
	win := ComputeWindow(snap.Grid, snap.TileCols, snap.TileRows, snap.TileSize, originLat, originLon, maxRangeNm)

	footprintXMilli := RoundU16(math.Abs(snap.Grid.DiDeg) * win.EastNmPerDeg * 1000.0)
	footprintYMilli := RoundU16(math.Abs(snap.Grid.DjDeg) * win.NorthNmPerDeg * 1000.0)

	levelCount := len(snap.LevelBounds)
	body := make([]byte, mrms.WireHeaderBytes+levelCount*4)
	copy(body[0:4], mrms.WireMagic[:])
	binary.LittleEndian.PutUint16(body[4:6], mrms.WireV1Version)
	binary.LittleEndian.PutUint16(body[6:8], uint16(mrms.WireHeaderBytes))
	binary.LittleEndian.PutUint32(body[8:12], 0)
	binary.LittleEndian.PutUint32(body[12:16], 0) // patched with voxel_count below
	binary.LittleEndian.PutUint16(body[16:18], uint16(levelCount))
	binary.LittleEndian.PutUint16(body[18:20], mrms.WireV1RecordBytes)
	binary.LittleEndian.PutUint64(body[20:28], uint64(snap.GeneratedAtMs))
	binary.LittleEndian.PutUint64(body[28:36], uint64(snap.ScanTimeMs))
	binary.LittleEndian.PutUint16(body[36:38], footprintXMilli)
	binary.LittleEndian.PutUint16(body[38:40], footprintYMilli)
	binary.LittleEndian.PutUint16(body[40:42], uint16(minDbzTenths))
	binary.LittleEndian.PutUint16(body[42:44], RoundU16(maxRangeNm*10.0))
	binary.LittleEndian.PutUint16(body[44:46], snap.TileSize)
	binary.LittleEndian.PutUint16(body[46:48], 0)
	binary.LittleEndian.PutUint32(body[48:52], uint32(int32(math.Round(originLat*1_000_000.0))))
	binary.LittleEndian.PutUint32(body[52:56], uint32(int32(math.Round(originLon*1_000_000.0))))

	layerCountsOffset := mrms.WireHeaderBytes
	layerCounts := make([]uint32, levelCount)

	var voxelCount uint32
	iterateCandidates(snap, win, minDbzTenths, func(c candidateVoxel) {
		levelBounds := snap.LevelBounds[c.voxel.LevelIdx]

		// 12 bytes of field data, zero-padded to the declared 16-byte
		// record_bytes (spec §4.I / §6); the original encoder this is
		// grounded on writes the same 7 fields with no declared record
		// size at all, so the trailing 4 bytes are reserved here to match
		// spec's explicit header record_bytes=16 and scenario S3.
		rec := make([]byte, mrms.WireV1RecordBytes)
		binary.LittleEndian.PutUint16(rec[0:2], uint16(RoundI16(c.xNm*100.0)))
		binary.LittleEndian.PutUint16(rec[2:4], uint16(RoundI16(c.zNm*100.0)))
		binary.LittleEndian.PutUint16(rec[4:6], levelBounds.BottomFeet)
		binary.LittleEndian.PutUint16(rec[6:8], levelBounds.TopFeet)
		binary.LittleEndian.PutUint16(rec[8:10], uint16(c.voxel.DbzTenths))
		rec[10] = c.voxel.Phase
		rec[11] = c.voxel.LevelIdx
		body = append(body, rec...)

		layerCounts[c.voxel.LevelIdx]++
		voxelCount++
	})

	binary.LittleEndian.PutUint32(body[12:16], voxelCount)
	for idx, count := range layerCounts {
		offset := layerCountsOffset + idx*4
		binary.LittleEndian.PutUint32(body[offset:offset+4], count)
	}

	return body
}
