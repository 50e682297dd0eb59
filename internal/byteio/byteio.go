// Package byteio provides endian-correct primitive reads plus gunzip and
// zstd decompression helpers shared by the GRIB2 and binCraft decoders.
//
// Grounded on original_source/rust-api/src/traffic.rs's read_i32_le/
// read_i16_le/read_u16_le family (byte-offset reads into a fixed-stride
// record) and original_source/services/runtime-rs/src/storage.rs's zstd
// encode_all/decode_all calls.
package byteio

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"github.com/klauspost/compress/zstd"
)

// ErrShortRead is returned by the fixed-width readers when the buffer does
// not contain enough bytes at the requested offset.
type ErrShortRead struct {
	Offset, Width, Len int
}

func (e ErrShortRead) Error() string {
	return fmt.Sprintf("byteio: short read at offset %d, width %d, buffer len %d", e.Offset, e.Width, e.Len)
}

func check(b []byte, offset, width int) error {
	if offset < 0 || width < 0 || offset+width > len(b) {
		return ErrShortRead{Offset: offset, Width: width, Len: len(b)}
	}
	return nil
}

// U32BE reads a big-endian uint32 at offset.
func U32BE(b []byte, offset int) (uint32, error) {
	if err := check(b, offset, 4); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b[offset:]), nil
}

// U16BE reads a big-endian uint16 at offset.
func U16BE(b []byte, offset int) (uint16, error) {
	if err := check(b, offset, 2); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b[offset:]), nil
}

// I16BE reads a big-endian int16 at offset.
func I16BE(b []byte, offset int) (int16, error) {
	v, err := U16BE(b, offset)
	return int16(v), err
}

// F32BE reads a big-endian IEEE-754 float32 at offset.
func F32BE(b []byte, offset int) (float32, error) {
	v, err := U32BE(b, offset)
	if err != nil {
		return 0, err
	}
	return math.Float32frombits(v), nil
}

// SignMagnitudeScaledI32BE reads a big-endian sign-magnitude-encoded int32
// (top bit = sign, remaining 31 bits = magnitude) at offset and divides by
// scale. Used by GRIB2 Section 3's la1/lo1/la2/lo2 fields.
func SignMagnitudeScaledI32BE(b []byte, offset int, scale float64) (float64, error) {
	raw, err := U32BE(b, offset)
	if err != nil {
		return 0, err
	}
	sign := 1.0
	if raw&0x8000_0000 != 0 {
		sign = -1.0
	}
	magnitude := float64(raw & 0x7fff_ffff)
	return sign * magnitude / scale, nil
}

// I32LE reads a little-endian int32 at byte offset.
func I32LE(b []byte, offset int) (int32, error) {
	if err := check(b, offset, 4); err != nil {
		return 0, err
	}
	return int32(binary.LittleEndian.Uint32(b[offset:])), nil
}

// U32LE reads a little-endian uint32 at byte offset.
func U32LE(b []byte, offset int) (uint32, error) {
	if err := check(b, offset, 4); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b[offset:]), nil
}

// I16LE reads a little-endian int16 at byte offset.
func I16LE(b []byte, offset int) (int16, error) {
	if err := check(b, offset, 2); err != nil {
		return 0, err
	}
	return int16(binary.LittleEndian.Uint16(b[offset:])), nil
}

// U16LE reads a little-endian uint16 at byte offset.
func U16LE(b []byte, offset int) (uint16, error) {
	if err := check(b, offset, 2); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b[offset:]), nil
}

// Gunzip decompresses a gzip-framed buffer fully into memory.
func Gunzip(compressed []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, fmt.Errorf("byteio: gzip header: %w", err)
	}
	defer r.Close()
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("byteio: gunzip: %w", err)
	}
	return out, nil
}

// sharedDecoder is a single reusable zstd decoder; klauspost/compress/zstd
// decoders are safe for concurrent DecodeAll calls.
var sharedDecoder, _ = zstd.NewReader(nil)

// ZstdDecodeAll decompresses a complete zstd frame into memory.
func ZstdDecodeAll(compressed []byte) ([]byte, error) {
	out, err := sharedDecoder.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("byteio: zstd decode: %w", err)
	}
	return out, nil
}

// ZstdEncodeAll compresses src at the given encoder level. Only the
// library's EncoderLevel values (SpeedFastest..SpeedBestCompression) are
// accepted; a numeric zstd level goes through zstd.EncoderLevelFromZstd
// first (the snapshot store maps the original's level 6 that way).
func ZstdEncodeAll(src []byte, level zstd.EncoderLevel) ([]byte, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(level))
	if err != nil {
		return nil, fmt.Errorf("byteio: zstd encoder init: %w", err)
	}
	defer enc.Close()
	return enc.EncodeAll(src, nil), nil
}
