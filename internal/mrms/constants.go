// Package mrms implements the MRMS ingest orchestrator, phase resolver,
// snapshot builder, and scheduler.
package mrms

import "time"

// Object-store layout.
const (
	BucketURL      = "https://noaa-mrms-pds.s3.amazonaws.com"
	ConusPrefix    = "CONUS"
	ProductPrefix  = "MergedReflectivityQC"
	BaseLevelTag   = "00.50"
	ZdrProduct     = "MergedZdr"
	RhoHVProduct   = "MergedRhoHV"
	PrecipFlagProduct     = "PrecipFlag_00.00"
	FreezingLevelProduct  = "Model_0degC_Height_00.50"
	WetBulbProduct        = "Model_WetBulbTemp_00.50"
	SurfaceTempProduct    = "Model_SurfaceTemp_00.50"
	BrightBandTopProduct    = "BrightBandTopHeight_00.00"
	BrightBandBottomProduct = "BrightBandBottomHeight_00.00"
	RadarQualityProduct     = "RadarQualityIndex_00.00"
)

// LevelTags are the 33 fixed reflectivity levels, km MSL, ascending.
var LevelTags = []string{
	"00.50", "00.75", "01.00", "01.25", "01.50", "01.75", "02.00", "02.25",
	"02.50", "02.75", "03.00", "03.50", "04.00", "04.50", "05.00", "05.50",
	"06.00", "06.50", "07.00", "07.50", "08.00", "08.50", "09.00", "10.00",
	"11.00", "12.00", "13.00", "14.00", "15.00", "16.00", "17.00", "18.00",
	"19.00",
}

// Physics constants.
const (
	FeetPerKm     = 3280.84
	FeetPerMeter  = 3.28084
	MetersToNM    = 1.0 / 1852.0
	DegToRad      = 3.14159265358979323846 / 180.0
	Wgs84SemiMajorMeters = 6378137.0
	Wgs84Flattening      = 1.0 / 298.257223563
)

// Wgs84E2 is the WGS-84 first eccentricity squared: e^2 = f(2-f).
var Wgs84E2 = Wgs84Flattening * (2 - Wgs84Flattening)

// Phase codes.
const (
	PhaseRain  uint8 = 0
	PhaseMixed uint8 = 1
	PhaseSnow  uint8 = 2
)

// Dual-pol valid bands.
const (
	ZdrValidMin   = -8.0
	ZdrValidMax   = 8.0
	RhoHVValidMin = 0.0
	RhoHVValidMax = 1.05
)

// Storage / query constants.
const (
	StoreMinDbzTenths    int16 = 50
	DefaultTileSize            = 64
	MinTileSize                = 16
	DefaultMinDbz              = 5.0
	DefaultMaxRangeNm          = 120.0
	MinAllowedDbz              = 5.0
	MaxAllowedDbz              = 60.0
	MinAllowedRangeNm          = 30.0
	MaxAllowedRangeNm          = 220.0
	MaxPendingAttempts   uint32 = 20
	RecentTimestampsCap        = 512
	MaxBaseKeysLookup          = 120
)

// Phase-resolution thresholds, named exactly as in the grounding source so
// the algorithm in phase.go can be read against spec.md §4.E line by line.
const (
	RhoHVLowConfidenceMax    = 0.94
	RhoHVHighConfidenceMin   = 0.975
	ZdrRainHighConfMinDB     = 0.55
	ZdrSnowHighConfMaxDB     = 0.2
	FreezingLevelTransitionFeet     = 1500.0
	ThermoNearFreezingFeet          = 1500.0
	ThermoStrongColdWetBulbC        = -1.5
	ThermoStrongWarmWetBulbC        = 2.0
	MixedSelectionMargin            = 0.22
	MixedSelectionMarginTransition  = 0.08
	MixedCompetingRainSnowMinScore  = 1.7
	MixedCompetingRainSnowDeltaMax  = 1.4
	MixedCompetingPromotionMinScore = 2.4
	MixedCompetingPromotionGapMax   = 1.6
	MixedCompetingPromotionMargin   = 0.14
	MixedDualSupportConfidenceMin   = 0.5
)

// Staleness / retry defaults.
const (
	DualPolStaleAgeSeconds      = 300
	AuxTimestampLookbackDays    = 1
	MaxBaseDayLookback          = 1
	DefaultBootstrapInterval    = 300 * time.Second
	DefaultSqsPollDelay         = 3 * time.Second
	DefaultPendingRetryDelay    = 30 * time.Second
	DefaultRequestTimeout       = 10 * time.Second
	ReflectivityFetchTimeout    = 5500 * time.Millisecond
	TraceFetchTimeout           = 3500 * time.Millisecond
	ObjectStoreFetchTimeoutMin  = 10 * time.Second
	ObjectStoreFetchTimeoutMax  = 18 * time.Second
)

// Wire format constants, shared with internal/volumewire.
var (
	WireMagic = [4]byte{'A', 'V', 'M', 'R'}
)

const (
	WireHeaderBytes             = 64
	WireV1Version        uint16 = 1
	WireV1RecordBytes    uint16 = 16
	WireV2Version        uint16 = 2
	WireV2RecordBytes    uint16 = 20
	WireV2DbzQuantStepTenths int16 = 50
	WireV2MaxSpanLowDbz  = 48
	WireV2MaxSpanHighDbz = 20
	WireV2HighDbzCutoffTenths int16 = 450
	WireV2MaxVerticalSpan = 4
)

// Snapshot file constants, shared with internal/snapstore.
var SnapshotMagic = [4]byte{'A', 'V', 'S', 'N'}

const SnapshotVersion uint16 = 1
