// Package snapstore persists published MRMS snapshots to disk and reloads
// the newest one on startup, matching spec §4.H: a magic-tagged compact
// binary payload, zstd-compressed, written atomically via temp-file +
// rename, with byte-budget retention pruning.
//
// Grounded on
// original_source/services/runtime-rs/src/storage.rs's
// load_latest_snapshot/persist_snapshot/apply_retention; the Rust original
// uses bincode for the payload codec, which has no Go equivalent in the
// reference pack, so the payload itself is encoded with the same
// explicit-layout encoding/binary style the volume-wire encoders use for
// their own wire formats (see internal/volumewire) rather than a
// general-purpose serialization library.
package snapstore

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/klauspost/compress/zstd"

	"github.com/approachradar/backend/internal/byteio"
	"github.com/approachradar/backend/internal/mrms"
)

// Store persists and loads ScanSnapshots under ScansDir.
type Store struct {
	ScansDir       string
	RetentionBytes int64
}

// New constructs a Store bound to a directory and retention budget.
func New(scansDir string, retentionBytes int64) *Store {
	return &Store{ScansDir: scansDir, RetentionBytes: retentionBytes}
}

// Persist implements mrms.SnapshotPersister: encode, compress, atomically
// write, then apply retention.
func (s *Store) Persist(ctx context.Context, snap mrms.ScanSnapshot) error {
	encoded, err := encodeSnapshot(snap)
	if err != nil {
		return fmt.Errorf("snapstore: encode: %w", err)
	}
	compressed, err := byteio.ZstdEncodeAll(encoded, zstd.EncoderLevelFromZstd(6))
	if err != nil {
		return fmt.Errorf("snapstore: compress: %w", err)
	}

	if err := os.MkdirAll(s.ScansDir, 0o755); err != nil {
		return fmt.Errorf("snapstore: mkdir: %w", err)
	}

	path := filepath.Join(s.ScansDir, snap.Timestamp+".avsn.zst")
	tmpPath := filepath.Join(s.ScansDir, snap.Timestamp+".tmp")

	if err := os.WriteFile(tmpPath, compressed, 0o644); err != nil {
		return fmt.Errorf("snapstore: write %s: %w", tmpPath, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("snapstore: rename %s -> %s: %w", tmpPath, path, err)
	}

	return s.applyRetention()
}

// LoadLatest scans ScansDir for *.zst files, attempts loads in descending
// name order, and returns the first that decodes successfully.
func (s *Store) LoadLatest() (*mrms.ScanSnapshot, error) {
	if _, err := os.Stat(s.ScansDir); os.IsNotExist(err) {
		return nil, nil
	}

	entries, err := os.ReadDir(s.ScansDir)
	if err != nil {
		return nil, fmt.Errorf("snapstore: read dir: %w", err)
	}

	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".zst") {
			names = append(names, e.Name())
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(names)))

	for _, name := range names {
		snap, err := s.loadFile(filepath.Join(s.ScansDir, name))
		if err != nil {
			continue
		}
		return snap, nil
	}
	return nil, nil
}

func (s *Store) loadFile(path string) (*mrms.ScanSnapshot, error) {
	compressed, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	decompressed, err := byteio.ZstdDecodeAll(compressed)
	if err != nil {
		return nil, err
	}
	return decodeSnapshot(decompressed)
}

// applyRetention sums total *.zst byte-size and deletes oldest-lexical
// first until under RetentionBytes.
func (s *Store) applyRetention() error {
	entries, err := os.ReadDir(s.ScansDir)
	if err != nil {
		return err
	}

	type fileInfo struct {
		path string
		size int64
	}
	var files []fileInfo
	var total int64
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".zst") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		files = append(files, fileInfo{path: filepath.Join(s.ScansDir, e.Name()), size: info.Size()})
		total += info.Size()
	}

	if total <= s.RetentionBytes {
		return nil
	}

	sort.Slice(files, func(i, j int) bool { return files[i].path < files[j].path })
	for _, f := range files {
		if total <= s.RetentionBytes {
			break
		}
		if err := os.Remove(f.path); err != nil {
			continue
		}
		total -= f.size
	}
	return nil
}

// --- compact binary codec ---

func encodeSnapshot(snap mrms.ScanSnapshot) ([]byte, error) {
	var buf bytes.Buffer
	buf.Write(mrms.SnapshotMagic[:])
	writeU16(&buf, mrms.SnapshotVersion)

	writeString(&buf, snap.Timestamp)
	writeI64(&buf, snap.GeneratedAtMs)
	writeI64(&buf, snap.ScanTimeMs)

	writeGrid(&buf, snap.Grid)
	writeU16(&buf, snap.TileSize)
	writeU32(&buf, snap.TileCols)
	writeU32(&buf, snap.TileRows)

	writeU32(&buf, uint32(len(snap.LevelBounds)))
	for _, lb := range snap.LevelBounds {
		writeU16(&buf, lb.BottomFeet)
		writeU16(&buf, lb.TopFeet)
	}

	writeU32(&buf, uint32(len(snap.TileOffsets)))
	for _, off := range snap.TileOffsets {
		writeU32(&buf, off)
	}

	writeU32(&buf, uint32(len(snap.Voxels)))
	for _, v := range snap.Voxels {
		writeU16(&buf, v.Row)
		writeU16(&buf, v.Col)
		buf.WriteByte(v.LevelIdx)
		buf.WriteByte(v.Phase)
		writeI16(&buf, v.DbzTenths)
	}

	writePhaseDebug(&buf, snap.PhaseDebug)

	return buf.Bytes(), nil
}

func decodeSnapshot(data []byte) (*mrms.ScanSnapshot, error) {
	r := bytes.NewReader(data)
	var m [4]byte
	if _, err := r.Read(m[:]); err != nil || m != mrms.SnapshotMagic {
		return nil, fmt.Errorf("snapstore: bad magic")
	}
	v, err := readU16(r)
	if err != nil {
		return nil, err
	}
	if v != mrms.SnapshotVersion {
		return nil, fmt.Errorf("snapstore: unsupported version %d", v)
	}

	var snap mrms.ScanSnapshot
	if snap.Timestamp, err = readString(r); err != nil {
		return nil, err
	}
	if snap.GeneratedAtMs, err = readI64(r); err != nil {
		return nil, err
	}
	if snap.ScanTimeMs, err = readI64(r); err != nil {
		return nil, err
	}
	if snap.Grid, err = readGrid(r); err != nil {
		return nil, err
	}
	if snap.TileSize, err = readU16(r); err != nil {
		return nil, err
	}
	if snap.TileCols, err = readU32(r); err != nil {
		return nil, err
	}
	if snap.TileRows, err = readU32(r); err != nil {
		return nil, err
	}

	boundsCount, err := readU32(r)
	if err != nil {
		return nil, err
	}
	snap.LevelBounds = make([]mrms.LevelBounds, boundsCount)
	for i := range snap.LevelBounds {
		bottom, err := readU16(r)
		if err != nil {
			return nil, err
		}
		top, err := readU16(r)
		if err != nil {
			return nil, err
		}
		snap.LevelBounds[i] = mrms.LevelBounds{BottomFeet: bottom, TopFeet: top}
	}

	offsetCount, err := readU32(r)
	if err != nil {
		return nil, err
	}
	snap.TileOffsets = make([]uint32, offsetCount)
	for i := range snap.TileOffsets {
		if snap.TileOffsets[i], err = readU32(r); err != nil {
			return nil, err
		}
	}

	voxelCount, err := readU32(r)
	if err != nil {
		return nil, err
	}
	snap.Voxels = make([]mrms.StoredVoxel, voxelCount)
	for i := range snap.Voxels {
		row, err := readU16(r)
		if err != nil {
			return nil, err
		}
		col, err := readU16(r)
		if err != nil {
			return nil, err
		}
		levelIdx, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		phase, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		dbz, err := readI16(r)
		if err != nil {
			return nil, err
		}
		snap.Voxels[i] = mrms.StoredVoxel{Row: row, Col: col, LevelIdx: levelIdx, Phase: phase, DbzTenths: dbz}
	}

	if snap.PhaseDebug, err = readPhaseDebug(r); err != nil {
		return nil, err
	}

	return &snap, nil
}

func writeGrid(buf *bytes.Buffer, g mrms.GridDef) {
	writeU32(buf, g.Nx)
	writeU32(buf, g.Ny)
	writeF64(buf, g.La1Deg)
	writeF64(buf, g.Lo1Deg360)
	writeF64(buf, g.DiDeg)
	writeF64(buf, g.DjDeg)
	buf.WriteByte(g.ScanningMode)
	writeF64(buf, g.LatStepDeg)
	writeF64(buf, g.LonStepDeg)
}

func readGrid(r *bytes.Reader) (mrms.GridDef, error) {
	var g mrms.GridDef
	var err error
	if g.Nx, err = readU32(r); err != nil {
		return g, err
	}
	if g.Ny, err = readU32(r); err != nil {
		return g, err
	}
	if g.La1Deg, err = readF64(r); err != nil {
		return g, err
	}
	if g.Lo1Deg360, err = readF64(r); err != nil {
		return g, err
	}
	if g.DiDeg, err = readF64(r); err != nil {
		return g, err
	}
	if g.DjDeg, err = readF64(r); err != nil {
		return g, err
	}
	if g.ScanningMode, err = r.ReadByte(); err != nil {
		return g, err
	}
	if g.LatStepDeg, err = readF64(r); err != nil {
		return g, err
	}
	if g.LonStepDeg, err = readF64(r); err != nil {
		return g, err
	}
	return g, nil
}

func writePhaseDebug(buf *bytes.Buffer, d mrms.PhaseDebugMetadata) {
	writeString(buf, d.Mode)
	writeBool(buf, d.DualPolStale)
	writeString(buf, d.ZdrTimestamp)
	writeString(buf, d.RhoHVTimestamp)
	writeString(buf, d.PrecipTimestamp)
	writeString(buf, d.FreezingTimestamp)
	writeI64(buf, d.ZdrAgeSeconds)
	writeI64(buf, d.RhoHVAgeSeconds)
	writeI64(buf, d.DualInjectedVoxels)
	writeI64(buf, d.MixedPromotedVoxels)
	writeI64(buf, d.TransitionPromotedVoxels)
	writeI64(buf, d.PrecipSnowForcedVoxels)
	writeString(buf, d.Counters)
}

func readPhaseDebug(r *bytes.Reader) (mrms.PhaseDebugMetadata, error) {
	var d mrms.PhaseDebugMetadata
	var err error
	if d.Mode, err = readString(r); err != nil {
		return d, err
	}
	if d.DualPolStale, err = readBool(r); err != nil {
		return d, err
	}
	if d.ZdrTimestamp, err = readString(r); err != nil {
		return d, err
	}
	if d.RhoHVTimestamp, err = readString(r); err != nil {
		return d, err
	}
	if d.PrecipTimestamp, err = readString(r); err != nil {
		return d, err
	}
	if d.FreezingTimestamp, err = readString(r); err != nil {
		return d, err
	}
	if d.ZdrAgeSeconds, err = readI64(r); err != nil {
		return d, err
	}
	if d.RhoHVAgeSeconds, err = readI64(r); err != nil {
		return d, err
	}
	if d.DualInjectedVoxels, err = readI64(r); err != nil {
		return d, err
	}
	if d.MixedPromotedVoxels, err = readI64(r); err != nil {
		return d, err
	}
	if d.TransitionPromotedVoxels, err = readI64(r); err != nil {
		return d, err
	}
	if d.PrecipSnowForcedVoxels, err = readI64(r); err != nil {
		return d, err
	}
	if d.Counters, err = readString(r); err != nil {
		return d, err
	}
	return d, nil
}

func writeU16(buf *bytes.Buffer, v uint16) { binary.Write(buf, binary.LittleEndian, v) }
func writeU32(buf *bytes.Buffer, v uint32) { binary.Write(buf, binary.LittleEndian, v) }
func writeI16(buf *bytes.Buffer, v int16)  { binary.Write(buf, binary.LittleEndian, v) }
func writeI64(buf *bytes.Buffer, v int64)  { binary.Write(buf, binary.LittleEndian, v) }
func writeF64(buf *bytes.Buffer, v float64) {
	binary.Write(buf, binary.LittleEndian, v)
}
func writeBool(buf *bytes.Buffer, v bool) {
	if v {
		buf.WriteByte(1)
	} else {
		buf.WriteByte(0)
	}
}
func writeString(buf *bytes.Buffer, s string) {
	writeU32(buf, uint32(len(s)))
	buf.WriteString(s)
}

func readU16(r *bytes.Reader) (uint16, error) {
	var v uint16
	err := binary.Read(r, binary.LittleEndian, &v)
	return v, err
}
func readU32(r *bytes.Reader) (uint32, error) {
	var v uint32
	err := binary.Read(r, binary.LittleEndian, &v)
	return v, err
}
func readI16(r *bytes.Reader) (int16, error) {
	var v int16
	err := binary.Read(r, binary.LittleEndian, &v)
	return v, err
}
func readI64(r *bytes.Reader) (int64, error) {
	var v int64
	err := binary.Read(r, binary.LittleEndian, &v)
	return v, err
}
func readF64(r *bytes.Reader) (float64, error) {
	var v float64
	err := binary.Read(r, binary.LittleEndian, &v)
	return v, err
}
func readBool(r *bytes.Reader) (bool, error) {
	b, err := r.ReadByte()
	return b != 0, err
}
func readString(r *bytes.Reader) (string, error) {
	n, err := readU32(r)
	if err != nil {
		return "", err
	}
	buf := make([]byte, n)
	if _, err := r.Read(buf); err != nil {
		return "", err
	}
	return string(buf), nil
}
