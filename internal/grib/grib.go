// Package grib implements a manual GRIB2 section walker and PNG-packed
// payload decoder for MRMS reflectivity and auxiliary fields.
//
// Grounded on original_source/rust-api/src/weather.rs's parse_mrms_grib:
// this is the only retrieved implementation that walks GRIB2 sections by
// hand instead of delegating to a crate/library, and is the direct source
// for spec.md §4.B's requirement.
package grib

import (
	"bytes"
	"fmt"
	"image"
	"image/png"

	"github.com/approachradar/backend/internal/byteio"
	"github.com/approachradar/backend/internal/mrms"
)

// DecodeError classifies a GRIB2/PNG shape violation, matching spec §7's
// "decode-failure" error kind.
type DecodeError struct {
	Reason string
}

func (e *DecodeError) Error() string { return "grib: " + e.Reason }

func fail(format string, args ...any) error {
	return &DecodeError{Reason: fmt.Sprintf(format, args...)}
}

type packing struct {
	dataPointCount      int
	referenceValue      float64
	binaryScaleFactor   int16
	decimalScaleFactor  int16
}

// decodedField is the common intermediate result of walking a GRIB2 blob:
// the grid definition, the packing parameters, and the raw packed values
// (widened to float64 regardless of PNG bit depth).
type decodedField struct {
	grid    mrms.GridDef
	packing packing
	packed  []float64
}

// DecodeReflectivity parses a single gunzipped GRIB2 blob and returns a
// dense dBz-tenths field. Spec §4.B: "multiplied by 10 and rounded to i16,
// saturating to the representable range".
func DecodeReflectivity(buf []byte) (mrms.ReflectivityField, error) {
	d, err := decode(buf)
	if err != nil {
		return mrms.ReflectivityField{}, err
	}
	out := make([]int16, len(d.packed))
	for i, raw := range d.packed {
		physical := decodePhysical(d.packing, raw)
		out[i] = floatToTenths(physical)
	}
	return mrms.ReflectivityField{Grid: d.grid, DbzTenths: out}, nil
}

// DecodeAux parses a single gunzipped GRIB2 blob and returns a dense
// physically-scaled float32 field (for dual-pol or thermo aux products).
func DecodeAux(buf []byte) (mrms.AuxField, error) {
	d, err := decode(buf)
	if err != nil {
		return mrms.AuxField{}, err
	}
	out := make([]float32, len(d.packed))
	for i, raw := range d.packed {
		out[i] = float32(decodePhysical(d.packing, raw))
	}
	return mrms.AuxField{Grid: d.grid, Values: out}, nil
}

func decodePhysical(p packing, packedValue float64) float64 {
	binaryScale := pow2(p.binaryScaleFactor)
	decimalScale := pow10(p.decimalScaleFactor)
	return (p.referenceValue + packedValue*binaryScale) / decimalScale
}

func pow2(exp int16) float64 {
	if exp >= 0 {
		v := 1.0
		for i := int16(0); i < exp; i++ {
			v *= 2
		}
		return v
	}
	v := 1.0
	for i := int16(0); i < -exp; i++ {
		v /= 2
	}
	return v
}

func pow10(exp int16) float64 {
	if exp >= 0 {
		v := 1.0
		for i := int16(0); i < exp; i++ {
			v *= 10
		}
		return v
	}
	v := 1.0
	for i := int16(0); i < -exp; i++ {
		v /= 10
	}
	return v
}

func floatToTenths(v float64) int16 {
	if isNaNOrInf(v) {
		return -32768 // math.MinInt16; reflectivity sentinel for missing
	}
	scaled := v * 10.0
	r := roundHalfAwayFromZero(scaled)
	const maxI16 = float64(32767)
	const minI16 = float64(-32768)
	if r > maxI16 {
		r = maxI16
	}
	if r < minI16 {
		r = minI16
	}
	return int16(r)
}

func isNaNOrInf(v float64) bool {
	return v != v || v > 1e308 || v < -1e308
}

func roundHalfAwayFromZero(v float64) float64 {
	if v >= 0 {
		return float64(int64(v + 0.5))
	}
	return float64(int64(v - 0.5))
}

// decode walks GRIB2 sections starting at offset 16 (after the 16-byte
// Section 0 indicator) until the "7777" end marker, extracting Section 3
// (grid definition template 3.0), Section 5 (data representation template
// 5.41), Section 6 (bitmap indicator), and Section 7 (the PNG payload).
func decode(buf []byte) (decodedField, error) {
	if len(buf) < 20 {
		return decodedField{}, fail("payload too small (%d bytes)", len(buf))
	}
	if !bytes.Equal(buf[0:4], []byte("GRIB")) {
		return decodedField{}, fail("missing GRIB indicator")
	}

	var (
		grid           *mrms.GridDef
		pack           *packing
		bitmapIndicator uint8 = 255
		section7        []byte
	)

	pointer := 16
	for pointer+5 <= len(buf) {
		if pointer+4 <= len(buf) && bytes.Equal(buf[pointer:pointer+4], []byte("7777")) {
			break
		}
		sectionLength, err := byteio.U32BE(buf, pointer)
		if err != nil {
			return decodedField{}, fail("reading section length at %d: %v", pointer, err)
		}
		if sectionLength < 5 || pointer+int(sectionLength) > len(buf) {
			return decodedField{}, fail("invalid section length %d at offset %d", sectionLength, pointer)
		}
		sectionNumber := buf[pointer+4]

		switch sectionNumber {
		case 3:
			g, err := parseSection3(buf, pointer)
			if err != nil {
				return decodedField{}, err
			}
			grid = &g
		case 5:
			p, err := parseSection5(buf, pointer)
			if err != nil {
				return decodedField{}, err
			}
			pack = &p
		case 6:
			bitmapIndicator = buf[pointer+5]
		case 7:
			section7 = append([]byte(nil), buf[pointer+5:pointer+int(sectionLength)]...)
		}

		pointer += int(sectionLength)
	}

	if grid == nil || pack == nil || section7 == nil {
		return decodedField{}, fail("missing required sections 3/5/7")
	}
	if bitmapIndicator != 255 {
		return decodedField{}, fail("unsupported bitmap indicator %d (expected 255)", bitmapIndicator)
	}

	values, width, height, err := decodePNGGrayscale(section7)
	if err != nil {
		return decodedField{}, err
	}
	if width != int(grid.Nx) || height != int(grid.Ny) {
		return decodedField{}, fail("grid mismatch: section3 %dx%d, png %dx%d", grid.Nx, grid.Ny, width, height)
	}
	if len(values) != pack.dataPointCount {
		return decodedField{}, fail("data-point mismatch: section5 %d, png %d", pack.dataPointCount, len(values))
	}

	return decodedField{grid: *grid, packing: *pack, packed: values}, nil
}

// parseSection3 extracts grid definition template 3.0 fields. Offsets are
// relative to the start of the section (pointer), matching
// weather.rs's pointer+N addressing.
func parseSection3(buf []byte, pointer int) (mrms.GridDef, error) {
	templateNumber, err := byteio.U16BE(buf, pointer+12)
	if err != nil {
		return mrms.GridDef{}, fail("reading section3 template: %v", err)
	}
	if templateNumber != 0 {
		return mrms.GridDef{}, fail("unsupported grid definition template %d", templateNumber)
	}

	nx, err := byteio.U32BE(buf, pointer+30)
	if err != nil {
		return mrms.GridDef{}, fail("reading nx: %v", err)
	}
	ny, err := byteio.U32BE(buf, pointer+34)
	if err != nil {
		return mrms.GridDef{}, fail("reading ny: %v", err)
	}
	la1, err := byteio.SignMagnitudeScaledI32BE(buf, pointer+46, 1_000_000.0)
	if err != nil {
		return mrms.GridDef{}, fail("reading la1: %v", err)
	}
	lo1Raw, err := byteio.SignMagnitudeScaledI32BE(buf, pointer+50, 1_000_000.0)
	if err != nil {
		return mrms.GridDef{}, fail("reading lo1: %v", err)
	}
	diRaw, err := byteio.U32BE(buf, pointer+63)
	if err != nil {
		return mrms.GridDef{}, fail("reading di: %v", err)
	}
	djRaw, err := byteio.U32BE(buf, pointer+67)
	if err != nil {
		return mrms.GridDef{}, fail("reading dj: %v", err)
	}
	if pointer+71 >= len(buf) {
		return mrms.GridDef{}, fail("section3 too short for scanning mode byte")
	}
	scanningMode := buf[pointer+71]

	diDeg := float64(diRaw) / 1_000_000.0
	djDeg := float64(djRaw) / 1_000_000.0

	latStep := djDeg
	if scanningMode&0x40 == 0 {
		latStep = -absf(djDeg)
	} else {
		latStep = absf(djDeg)
	}
	lonStep := diDeg
	if scanningMode&0x80 == 0 {
		lonStep = absf(diDeg)
	} else {
		lonStep = -absf(diDeg)
	}

	return mrms.GridDef{
		Nx:           nx,
		Ny:           ny,
		La1Deg:       la1,
		Lo1Deg360:    toLon360(lo1Raw),
		DiDeg:        diDeg,
		DjDeg:        djDeg,
		ScanningMode: scanningMode,
		LatStepDeg:   latStep,
		LonStepDeg:   lonStep,
	}, nil
}

func absf(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

// toLon360 normalizes a longitude in degrees into [0, 360).
func toLon360(deg float64) float64 {
	v := deg
	for v < 0 {
		v += 360
	}
	for v >= 360 {
		v -= 360
	}
	return v
}

// parseSection5 extracts data representation template 5.41 fields.
func parseSection5(buf []byte, pointer int) (packing, error) {
	templateNumber, err := byteio.U16BE(buf, pointer+9)
	if err != nil {
		return packing{}, fail("reading section5 template: %v", err)
	}
	if templateNumber != 41 {
		return packing{}, fail("unsupported data representation template %d", templateNumber)
	}
	count, err := byteio.U32BE(buf, pointer+5)
	if err != nil {
		return packing{}, fail("reading data point count: %v", err)
	}
	ref, err := byteio.F32BE(buf, pointer+11)
	if err != nil {
		return packing{}, fail("reading reference value: %v", err)
	}
	binScale, err := byteio.I16BE(buf, pointer+15)
	if err != nil {
		return packing{}, fail("reading binary scale factor: %v", err)
	}
	decScale, err := byteio.I16BE(buf, pointer+17)
	if err != nil {
		return packing{}, fail("reading decimal scale factor: %v", err)
	}
	return packing{
		dataPointCount:     int(count),
		referenceValue:     float64(ref),
		binaryScaleFactor:  binScale,
		decimalScaleFactor: decScale,
	}, nil
}

// decodePNGGrayscale decodes section7 as a single-channel grayscale PNG at
// 8-bit or 16-bit depth and returns the packed values widened to float64.
func decodePNGGrayscale(section7 []byte) ([]float64, int, int, error) {
	img, err := png.Decode(bytes.NewReader(section7))
	if err != nil {
		return nil, 0, 0, fail("png decode: %v", err)
	}

	switch g := img.(type) {
	case *image.Gray:
		values := make([]float64, len(g.Pix))
		for i, px := range g.Pix {
			values[i] = float64(px)
		}
		return values, g.Rect.Dx(), g.Rect.Dy(), nil
	case *image.Gray16:
		n := len(g.Pix) / 2
		values := make([]float64, n)
		for i := 0; i < n; i++ {
			hi := g.Pix[i*2]
			lo := g.Pix[i*2+1]
			values[i] = float64(uint16(hi)<<8 | uint16(lo))
		}
		return values, g.Rect.Dx(), g.Rect.Dy(), nil
	default:
		return nil, 0, 0, fail("unsupported PNG color type; expected single-channel grayscale")
	}
}
