package grib

import (
	"bytes"
	"encoding/binary"
	"image"
	"image/png"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPow2_PositiveAndNegativeExponents(t *testing.T) {
	assert.Equal(t, 8.0, pow2(3))
	assert.Equal(t, 0.125, pow2(-3))
	assert.Equal(t, 1.0, pow2(0))
}

func TestPow10_PositiveAndNegativeExponents(t *testing.T) {
	assert.Equal(t, 1000.0, pow10(3))
	assert.InDelta(t, 0.001, pow10(-3), 1e-12)
}

func TestDecodePhysical_AppliesReferenceAndScales(t *testing.T) {
	p := packing{referenceValue: 10.0, binaryScaleFactor: 1, decimalScaleFactor: 1}
	// (10 + 5*2) / 10 = 2.0
	assert.InDelta(t, 2.0, decodePhysical(p, 5), 1e-9)
}

func TestFloatToTenths_RoundsAndScales(t *testing.T) {
	assert.Equal(t, int16(305), floatToTenths(30.5))
	assert.Equal(t, int16(-305), floatToTenths(-30.5))
}

func TestFloatToTenths_MissingSentinelOnNonFinite(t *testing.T) {
	assert.Equal(t, int16(-32768), floatToTenths(math.NaN()))
	assert.Equal(t, int16(-32768), floatToTenths(math.Inf(1)))
}

func TestFloatToTenths_ClampsOverflow(t *testing.T) {
	assert.Equal(t, int16(32767), floatToTenths(1e9))
	assert.Equal(t, int16(-32768), floatToTenths(-1e9))
}

func TestToLon360_Normalizes(t *testing.T) {
	assert.InDelta(t, 280.0, toLon360(-80.0), 1e-9)
	assert.InDelta(t, 10.0, toLon360(370.0), 1e-9)
}

func TestRoundHalfAwayFromZero(t *testing.T) {
	assert.Equal(t, 3.0, roundHalfAwayFromZero(2.5))
	assert.Equal(t, -3.0, roundHalfAwayFromZero(-2.5))
}

// buildSection3 assembles a minimal grid definition template 3.0 section.
func buildSection3(nx, ny uint32, la1, lo1Deg, diDeg, djDeg float64, scanningMode byte) []byte {
	const length = 72
	s := make([]byte, length)
	binary.BigEndian.PutUint32(s[0:4], uint32(length))
	s[4] = 3
	binary.BigEndian.PutUint16(s[12:14], 0) // template 3.0
	binary.BigEndian.PutUint32(s[30:34], nx)
	binary.BigEndian.PutUint32(s[34:38], ny)
	binary.BigEndian.PutUint32(s[46:50], encodeSignMagnitude(la1, 1_000_000.0))
	binary.BigEndian.PutUint32(s[50:54], encodeSignMagnitude(lo1Deg, 1_000_000.0))
	binary.BigEndian.PutUint32(s[63:67], uint32(math.Round(math.Abs(diDeg)*1_000_000.0)))
	binary.BigEndian.PutUint32(s[67:71], uint32(math.Round(math.Abs(djDeg)*1_000_000.0)))
	s[71] = scanningMode
	return s
}

func encodeSignMagnitude(v, scale float64) uint32 {
	magnitude := uint32(math.Round(math.Abs(v) * scale))
	if v < 0 {
		return magnitude | 0x8000_0000
	}
	return magnitude
}

// buildSection5 assembles a minimal data representation template 5.41 section.
func buildSection5(dataPointCount uint32, reference float32, binaryScale, decimalScale int16) []byte {
	const length = 21
	s := make([]byte, length)
	binary.BigEndian.PutUint32(s[0:4], uint32(length))
	s[4] = 5
	binary.BigEndian.PutUint32(s[5:9], dataPointCount)
	binary.BigEndian.PutUint16(s[9:11], 41) // template 5.41
	binary.BigEndian.PutUint32(s[11:15], math.Float32bits(reference))
	binary.BigEndian.PutUint16(s[15:17], uint16(binaryScale))
	binary.BigEndian.PutUint16(s[17:19], uint16(decimalScale))
	return s
}

func buildSection6NoBitmap() []byte {
	s := make([]byte, 6)
	binary.BigEndian.PutUint32(s[0:4], 6)
	s[4] = 6
	s[5] = 255
	return s
}

func buildSection7(pngBytes []byte) []byte {
	length := 5 + len(pngBytes)
	s := make([]byte, length)
	binary.BigEndian.PutUint32(s[0:4], uint32(length))
	s[4] = 7
	copy(s[5:], pngBytes)
	return s
}

func encodeGrayPNG(t *testing.T, width, height int, pixels []byte) []byte {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, width, height))
	copy(img.Pix, pixels)
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func buildGrib2Message(t *testing.T, nx, ny uint32, la1, lo1, diDeg, djDeg float64, scanningMode byte, reference float32, binaryScale, decimalScale int16, pixels []byte) []byte {
	t.Helper()
	section0 := make([]byte, 16)
	copy(section0[0:4], []byte("GRIB"))

	section3 := buildSection3(nx, ny, la1, lo1, diDeg, djDeg, scanningMode)
	section5 := buildSection5(nx*ny, reference, binaryScale, decimalScale)
	section6 := buildSection6NoBitmap()
	pngBytes := encodeGrayPNG(t, int(nx), int(ny), pixels)
	section7 := buildSection7(pngBytes)

	var buf bytes.Buffer
	buf.Write(section0)
	buf.Write(section3)
	buf.Write(section5)
	buf.Write(section6)
	buf.Write(section7)
	buf.WriteString("7777")
	return buf.Bytes()
}

func TestDecodeReflectivity_EndToEnd(t *testing.T) {
	// 2x2 grid, 8-bit grayscale, reference=0, binaryScale=1, decimalScale=1
	// physical = (0 + packed*2)/10 dBz; pixel 150 -> 30.0 dBz
	msg := buildGrib2Message(t, 2, 2, 45.0, -80.0, 0.01, 0.01, 0x00, 0.0, 1, 1, []byte{150, 150, 150, 150})

	field, err := DecodeReflectivity(msg)
	require.NoError(t, err)
	require.Len(t, field.DbzTenths, 4)
	for _, v := range field.DbzTenths {
		assert.Equal(t, int16(300), v)
	}
	assert.Equal(t, uint32(2), field.Grid.Nx)
	assert.Equal(t, uint32(2), field.Grid.Ny)
	assert.InDelta(t, 280.0, field.Grid.Lo1Deg360, 1e-6)
}

func TestDecodeAux_EndToEnd(t *testing.T) {
	msg := buildGrib2Message(t, 2, 1, 45.0, -80.0, 0.01, 0.01, 0x00, 0.0, 0, 0, []byte{10, 20})

	field, err := DecodeAux(msg)
	require.NoError(t, err)
	require.Len(t, field.Values, 2)
	assert.InDelta(t, 10.0, float64(field.Values[0]), 1e-6)
	assert.InDelta(t, 20.0, float64(field.Values[1]), 1e-6)
}

func TestDecodeReflectivity_RejectsMissingGribMagic(t *testing.T) {
	_, err := DecodeReflectivity(make([]byte, 32))
	require.Error(t, err)
}

func TestDecodeReflectivity_RejectsTooSmallPayload(t *testing.T) {
	_, err := DecodeReflectivity([]byte("GRIB"))
	require.Error(t, err)
}
