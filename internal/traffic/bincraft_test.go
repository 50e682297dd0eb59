package traffic

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testStride = 112

// newBinCraftBuffer allocates a header slot (the stride-wide region at
// offset 0, carrying the stride/version fields decodeBinCraft reads) plus
// room for recordCount actual records, which begin at offset=stride.
func newBinCraftBuffer(recordCount int, version uint32) []byte {
	buf := make([]byte, testStride*(1+recordCount))
	binary.LittleEndian.PutUint32(buf[8:12], uint32(testStride))
	binary.LittleEndian.PutUint32(buf[40:44], version)
	return buf
}

func writeRecord(buf []byte, idx int, rawHex int32, latMicro, lonMicro int32, validity73, validity74 byte) []byte {
	rec := buf[testStride*(idx+1) : testStride*(idx+2)]
	binary.LittleEndian.PutUint32(rec[0:4], uint32(rawHex))
	binary.LittleEndian.PutUint32(rec[8:12], uint32(lonMicro))
	binary.LittleEndian.PutUint32(rec[12:16], uint32(latMicro))
	rec[73] = validity73
	rec[74] = validity74
	return rec
}

func TestDecodeBinCraft_RejectsBadPositionValidity(t *testing.T) {
	buf := newBinCraftBuffer(1, s32SeenVersion)
	writeRecord(buf, 0, 0xAB1234, 40_000_000, -80_000_000, 0x00, 0x00)

	aircraft, err := DecodeBinCraft(buf)
	require.NoError(t, err)
	assert.Empty(t, aircraft)
}

func TestDecodeBinCraft_AcceptsValidPosition(t *testing.T) {
	buf := newBinCraftBuffer(1, s32SeenVersion)
	rec := writeRecord(buf, 0, 0xAB1234, 40_000_000, -80_000_000, 0x40, 0x00)
	binary.LittleEndian.PutUint32(rec[4:8], uint32(150)) // general last_seen = 15.0s

	aircraft, err := DecodeBinCraft(buf)
	require.NoError(t, err)
	require.Len(t, aircraft, 1)
	assert.Equal(t, "ab1234", aircraft[0].Hex)
	assert.InDelta(t, 40.0, aircraft[0].Lat, 1e-9)
	assert.InDelta(t, -80.0, aircraft[0].Lon, 1e-9)
	assert.InDelta(t, 15.0, aircraft[0].LastSeenSeconds, 1e-9)
}

func TestDecodeBinCraft_TemporaryHexPrefix(t *testing.T) {
	buf := newBinCraftBuffer(1, s32SeenVersion)
	writeRecord(buf, 0, int32(0x01AB1234), 40_000_000, -80_000_000, 0x40, 0x00)

	aircraft, err := DecodeBinCraft(buf)
	require.NoError(t, err)
	require.Len(t, aircraft, 1)
	assert.Equal(t, "~ab1234", aircraft[0].Hex)
}

func TestDecodeBinCraft_RejectsAllZeroHex(t *testing.T) {
	buf := newBinCraftBuffer(1, s32SeenVersion)
	writeRecord(buf, 0, 0, 40_000_000, -80_000_000, 0x40, 0x00)

	aircraft, err := DecodeBinCraft(buf)
	require.NoError(t, err)
	assert.Empty(t, aircraft)
}

func TestDecodeBinCraft_DedupeKeepsSmallestLastSeen(t *testing.T) {
	buf := newBinCraftBuffer(2, s32SeenVersion)
	rec0 := writeRecord(buf, 0, 0xAB1234, 40_000_000, -80_000_000, 0x40, 0x00)
	binary.LittleEndian.PutUint32(rec0[4:8], uint32(300)) // 30.0s
	rec1 := writeRecord(buf, 1, 0xAB1234, 40_100_000, -80_100_000, 0x40, 0x00)
	binary.LittleEndian.PutUint32(rec1[4:8], uint32(50)) // 5.0s

	aircraft, err := DecodeBinCraft(buf)
	require.NoError(t, err)
	require.Len(t, aircraft, 1)
	assert.InDelta(t, 5.0, aircraft[0].LastSeenSeconds, 1e-9)
}

// decodeLastSeenSeconds: a zero position-specific reading is treated as
// absent and the general field is used instead (DESIGN.md Open Question
// decision 5).
func TestDecodeLastSeenSeconds_ZeroPositionFieldFallsBackToGeneral(t *testing.T) {
	buf := newBinCraftBuffer(1, s32SeenVersion)
	rec := writeRecord(buf, 0, 0xAB1234, 40_000_000, -80_000_000, 0x40, 0x00)
	binary.LittleEndian.PutUint32(rec[4:8], uint32(220))   // general = 22.0s
	binary.LittleEndian.PutUint32(rec[108:112], uint32(0)) // position-specific reads zero -> absent

	aircraft, err := DecodeBinCraft(buf)
	require.NoError(t, err)
	require.Len(t, aircraft, 1)
	assert.InDelta(t, 22.0, aircraft[0].LastSeenSeconds, 1e-9)
}

func TestDecodeLastSeenSeconds_NonzeroPositionFieldWins(t *testing.T) {
	buf := newBinCraftBuffer(1, s32SeenVersion)
	rec := writeRecord(buf, 0, 0xAB1234, 40_000_000, -80_000_000, 0x40, 0x00)
	binary.LittleEndian.PutUint32(rec[4:8], uint32(220))
	binary.LittleEndian.PutUint32(rec[108:112], uint32(10))

	aircraft, err := DecodeBinCraft(buf)
	require.NoError(t, err)
	require.Len(t, aircraft, 1)
	assert.InDelta(t, 1.0, aircraft[0].LastSeenSeconds, 1e-9)
}

func TestDecodeBinCraft_InvalidStrideRejected(t *testing.T) {
	buf := make([]byte, 64)
	binary.LittleEndian.PutUint32(buf[8:12], 40) // below minStrideBytes

	_, err := DecodeBinCraft(buf)
	assert.Error(t, err)
}

func TestFilterSortLimit(t *testing.T) {
	near := Aircraft{Hex: "near", Lat: 40.0, Lon: -80.0, LastSeenSeconds: 5}
	far := Aircraft{Hex: "far", Lat: 45.0, Lon: -90.0, LastSeenSeconds: 1}
	onGround := Aircraft{Hex: "ground", Lat: 40.01, Lon: -80.01, LastSeenSeconds: 2, IsOnGround: true}

	out := FilterSortLimit([]Aircraft{far, near, onGround}, 40.0, -80.0, 50.0, true, 10)
	require.Len(t, out, 1)
	assert.Equal(t, "near", out[0].Hex)
}

func TestFilterSortLimit_SortsByLastSeenAscending(t *testing.T) {
	a := Aircraft{Hex: "a", Lat: 40.0, Lon: -80.0, LastSeenSeconds: 10}
	b := Aircraft{Hex: "b", Lat: 40.0, Lon: -80.0, LastSeenSeconds: 1}

	out := FilterSortLimit([]Aircraft{a, b}, 40.0, -80.0, 50.0, false, 10)
	require.Len(t, out, 2)
	assert.Equal(t, "b", out[0].Hex)
	assert.Equal(t, "a", out[1].Hex)
}

func TestDistanceNm_ZeroAtSamePoint(t *testing.T) {
	assert.InDelta(t, 0.0, DistanceNm(40.0, -80.0, 40.0, -80.0), 1e-9)
}
