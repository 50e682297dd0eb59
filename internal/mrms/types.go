package mrms

import (
	"sync"
	"time"
)

// GridDef describes a rectilinear lat/lon grid. Grounded on
// original_source/services/mrms-rs/src/types.rs's GridDef.
type GridDef struct {
	Nx, Ny         uint32
	La1Deg         float64
	Lo1Deg360      float64 // normalized into [0, 360)
	DiDeg, DjDeg   float64
	ScanningMode   uint8
	LatStepDeg     float64
	LonStepDeg     float64
}

// SameAs compares grid scalars with the 1e-6 tolerance spec §4.D requires
// when checking that all 33 levels (and each dual-pol level field) share a
// grid. Thermo aux fields are sampled on their own grids and are not checked.
func (g GridDef) SameAs(o GridDef) bool {
	const eps = 1e-6
	return g.Nx == o.Nx && g.Ny == o.Ny &&
		closeEnough(g.La1Deg, o.La1Deg, eps) &&
		closeEnough(g.Lo1Deg360, o.Lo1Deg360, eps) &&
		closeEnough(g.DiDeg, o.DiDeg, eps) &&
		closeEnough(g.DjDeg, o.DjDeg, eps)
}

func closeEnough(a, b, eps float64) bool {
	d := a - b
	if d < 0 {
		d = -d
	}
	return d <= eps
}

// ReflectivityField is a grid plus a dense nx*ny vector of dBz-tenths.
// math.MinInt16 is the missing sentinel.
type ReflectivityField struct {
	Grid      GridDef
	DbzTenths []int16
}

// AuxField is a grid plus a dense nx*ny vector of physically-scaled values.
type AuxField struct {
	Grid   GridDef
	Values []float32
}

// AuxSampler does nearest-index sampling into an auxiliary field's own grid,
// independent of the reflectivity grid. Grounded on types.rs's
// AuxFieldSampler; collapses ingest.rs's inline sample_aux_field duplicate.
type AuxSampler struct {
	field AuxField
}

// NewAuxSampler wraps a field for repeated nearest-index lookups.
func NewAuxSampler(f AuxField) AuxSampler { return AuxSampler{field: f} }

// Sample returns the nearest-index value at (lat, lon360), or false if the
// computed index is out of bounds or the field has no data.
func (s AuxSampler) Sample(latDeg, lon360Deg float64) (float32, bool) {
	g := s.field.Grid
	if g.Nx == 0 || g.Ny == 0 || len(s.field.Values) == 0 {
		return 0, false
	}
	if g.LatStepDeg == 0 || g.LonStepDeg == 0 {
		return 0, false
	}
	row := roundToInt((latDeg - g.La1Deg) / g.LatStepDeg)
	col := roundToInt((lon360Deg - g.Lo1Deg360) / g.LonStepDeg)
	if row < 0 || col < 0 || uint32(row) >= g.Ny || uint32(col) >= g.Nx {
		return 0, false
	}
	idx := row*int(g.Nx) + col
	if idx < 0 || idx >= len(s.field.Values) {
		return 0, false
	}
	return s.field.Values[idx], true
}

func roundToInt(v float64) int {
	if v >= 0 {
		return int(v + 0.5)
	}
	return int(v - 0.5)
}

// LevelBounds is the per-level vertical extent in feet, midpoint-derived.
type LevelBounds struct {
	BottomFeet uint16
	TopFeet    uint16
}

// StoredVoxel is one retained (row, col, level) cell.
type StoredVoxel struct {
	Row       uint16
	Col       uint16
	LevelIdx  uint8
	Phase     uint8
	DbzTenths int16
}

// PhaseDebugMetadata is the debug/observability block attached to each
// snapshot: mode tag, resolver counters, and the source timestamps used.
type PhaseDebugMetadata struct {
	Mode               string
	DualPolStale       bool
	ZdrTimestamp       string
	RhoHVTimestamp     string
	PrecipTimestamp    string
	FreezingTimestamp  string
	ZdrAgeSeconds      int64
	RhoHVAgeSeconds    int64
	DualInjectedVoxels       int64
	MixedPromotedVoxels      int64
	TransitionPromotedVoxels int64
	PrecipSnowForcedVoxels   int64
	Counters                 string // comma-joined "key=value" summary
}

// ScanSnapshot is the immutable published aggregate. Grounded on
// types.rs's ScanSnapshot, extended with PhaseDebug (populated by
// ingest.rs's construction, absent from the older types.rs struct literal).
type ScanSnapshot struct {
	Timestamp       string
	GeneratedAtMs   int64
	ScanTimeMs      int64
	Grid            GridDef
	TileSize        uint16
	TileCols        uint32
	TileRows        uint32
	LevelBounds     []LevelBounds
	TileOffsets     []uint32
	Voxels          []StoredVoxel
	PhaseDebug      PhaseDebugMetadata
}

// PendingIngest tracks retry bookkeeping for one not-yet-ingested timestamp.
type PendingIngest struct {
	Attempts      uint32
	NextAttemptAt time.Time
}

// LatestSlot holds at most one published snapshot behind an RWMutex, per
// spec §5's "reader/writer lock, readers hold briefly" policy.
type LatestSlot struct {
	mu   sync.RWMutex
	snap *ScanSnapshot
}

// Get returns a shared handle to the current snapshot, or nil if none has
// been published yet. The read lock is released before return; the
// snapshot itself is immutable so no further synchronization is needed.
func (s *LatestSlot) Get() *ScanSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap
}

// PublishIfNewer swaps in snap only if it is strictly newer, or if nothing
// has been published yet. Returns whether the swap happened.
func (s *LatestSlot) PublishIfNewer(snap *ScanSnapshot) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.snap != nil && snap.Timestamp <= s.snap.Timestamp {
		return false
	}
	s.snap = snap
	return true
}

// Timestamp returns the published snapshot's timestamp, or "" if none.
func (s *LatestSlot) Timestamp() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.snap == nil {
		return ""
	}
	return s.snap.Timestamp
}
