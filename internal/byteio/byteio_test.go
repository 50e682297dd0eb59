package byteio

import (
	"bytes"
	"compress/gzip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/klauspost/compress/zstd"
)

func TestU32BE_ReadsBigEndian(t *testing.T) {
	v, err := U32BE([]byte{0x00, 0x00, 0x01, 0x00}, 0)
	require.NoError(t, err)
	assert.Equal(t, uint32(256), v)
}

func TestU32BE_ShortRead(t *testing.T) {
	_, err := U32BE([]byte{0x00, 0x01}, 0)
	require.Error(t, err)
	var shortRead ErrShortRead
	require.ErrorAs(t, err, &shortRead)
	assert.Equal(t, 0, shortRead.Offset)
	assert.Equal(t, 4, shortRead.Width)
	assert.Equal(t, 2, shortRead.Len)
}

func TestU16BE_NegativeOffsetIsShortRead(t *testing.T) {
	_, err := U16BE([]byte{0x00, 0x01}, -1)
	require.Error(t, err)
}

func TestI16BE_InterpretsSignBit(t *testing.T) {
	v, err := I16BE([]byte{0xff, 0xff}, 0)
	require.NoError(t, err)
	assert.Equal(t, int16(-1), v)
}

func TestF32BE_DecodesIEEE754(t *testing.T) {
	// 1.0f in big-endian IEEE-754
	v, err := F32BE([]byte{0x3f, 0x80, 0x00, 0x00}, 0)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, float64(v), 1e-9)
}

func TestSignMagnitudeScaledI32BE_PositiveAndNegative(t *testing.T) {
	pos, err := SignMagnitudeScaledI32BE([]byte{0x00, 0x00, 0x27, 0x10}, 0, 1000.0) // magnitude 10000
	require.NoError(t, err)
	assert.InDelta(t, 10.0, pos, 1e-9)

	neg, err := SignMagnitudeScaledI32BE([]byte{0x80, 0x00, 0x27, 0x10}, 0, 1000.0)
	require.NoError(t, err)
	assert.InDelta(t, -10.0, neg, 1e-9)
}

func TestI32LE_U32LE_RoundTrip(t *testing.T) {
	buf := []byte{0xff, 0xff, 0xff, 0xff}
	i, err := I32LE(buf, 0)
	require.NoError(t, err)
	assert.Equal(t, int32(-1), i)

	u, err := U32LE(buf, 0)
	require.NoError(t, err)
	assert.Equal(t, uint32(0xffffffff), u)
}

func TestI16LE_U16LE(t *testing.T) {
	buf := []byte{0x01, 0x00}
	i, err := I16LE(buf, 0)
	require.NoError(t, err)
	assert.Equal(t, int16(1), i)

	u, err := U16LE(buf, 0)
	require.NoError(t, err)
	assert.Equal(t, uint16(1), u)
}

func TestGunzip_RoundTrip(t *testing.T) {
	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	_, err := gw.Write([]byte("hello mrms"))
	require.NoError(t, err)
	require.NoError(t, gw.Close())

	out, err := Gunzip(buf.Bytes())
	require.NoError(t, err)
	assert.Equal(t, "hello mrms", string(out))
}

func TestZstdEncodeDecode_RoundTrip(t *testing.T) {
	original := []byte("approach radar volume payload")
	encoded, err := ZstdEncodeAll(original, zstd.SpeedDefault)
	require.NoError(t, err)

	decoded, err := ZstdDecodeAll(encoded)
	require.NoError(t, err)
	assert.Equal(t, original, decoded)
}
