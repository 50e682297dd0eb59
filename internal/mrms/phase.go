package mrms

import "sort"

// PhaseScores holds the three real-valued evidence accumulators tracked
// during thermo-evidence resolution. Grounded on ingest.rs's PhaseScores.
type PhaseScores struct {
	Rain  float32
	Mixed float32
	Snow  float32
}

// Add adds weight to the named phase's score.
func (s *PhaseScores) Add(phase uint8, weight float32) {
	switch phase {
	case PhaseRain:
		s.Rain += weight
	case PhaseMixed:
		s.Mixed += weight
	case PhaseSnow:
		s.Snow += weight
	}
}

// rankedScore pairs a phase code with its score, for sorting.
type rankedScore struct {
	phase uint8
	score float32
}

// rankPhaseScores returns the three phases sorted by descending score.
func rankPhaseScores(s PhaseScores) [3]rankedScore {
	ranked := [3]rankedScore{
		{PhaseRain, s.Rain},
		{PhaseMixed, s.Mixed},
		{PhaseSnow, s.Snow},
	}
	sort.SliceStable(ranked[:], func(i, j int) bool { return ranked[i].score > ranked[j].score })
	return ranked
}

// DualPolEvidence is the (phase, confidence) pair produced from sanitized
// ZDR/RhoHV samples.
type DualPolEvidence struct {
	Phase      uint8
	Confidence float32
}

// ThermoPhaseEvidence is the per-voxel result of thermo aux-field scoring.
type ThermoPhaseEvidence struct {
	Scores          PhaseScores
	Phase           uint8
	Confidence      float32
	SignalCount     uint8
	NearTransition  bool
	PrecipFlagPhase *uint8
	RQI             *float32
}

// PhaseResolution is the final output of fusing thermo + dual-pol evidence.
type PhaseResolution struct {
	Phase           uint8
	UsedDual        bool
	SuppressedDual  bool
	SuppressedMixed bool
	ForcedPrecipSnow bool
}

// SanitizeZdr validates a raw ZDR sample against spec §4.E's valid band.
func SanitizeZdr(v float32) (float32, bool) {
	if !isFinite32(v) || v < ZdrValidMin || v > ZdrValidMax {
		return 0, false
	}
	return v, true
}

// SanitizeRhoHV validates a raw RhoHV sample against spec §4.E's valid band.
func SanitizeRhoHV(v float32) (float32, bool) {
	if !isFinite32(v) || v < RhoHVValidMin || v > RhoHVValidMax {
		return 0, false
	}
	return v, true
}

func isFinite32(v float32) bool {
	return v == v && v < 3.4e38 && v > -3.4e38
}

// ResolveDualPolEvidence implements spec §4.E's dual-pol evidence ladder.
// Grounded on ingest.rs's resolve_dual_pol_evidence, byte for byte.
func ResolveDualPolEvidence(zdrRaw, rhohvRaw *float32) *DualPolEvidence {
	var zdr, rhohv *float32
	if zdrRaw != nil {
		if v, ok := SanitizeZdr(*zdrRaw); ok {
			zdr = &v
		}
	}
	if rhohvRaw != nil {
		if v, ok := SanitizeRhoHV(*rhohvRaw); ok {
			rhohv = &v
		}
	}

	switch {
	case zdr != nil && rhohv != nil:
		z, r := *zdr, *rhohv
		switch {
		case r < RhoHVLowConfidenceMax:
			switch {
			case z >= ZdrRainHighConfMinDB+0.1:
				return &DualPolEvidence{Phase: PhaseRain, Confidence: 0.55}
			case z <= ZdrSnowHighConfMaxDB-0.15:
				return &DualPolEvidence{Phase: PhaseSnow, Confidence: 0.55}
			default:
				return &DualPolEvidence{Phase: PhaseMixed, Confidence: 0.45}
			}
		case r >= RhoHVHighConfidenceMin:
			switch {
			case z >= ZdrRainHighConfMinDB:
				return &DualPolEvidence{Phase: PhaseRain, Confidence: 0.82}
			case z <= ZdrSnowHighConfMaxDB:
				return &DualPolEvidence{Phase: PhaseSnow, Confidence: 0.82}
			default:
				return &DualPolEvidence{Phase: PhaseMixed, Confidence: 0.35}
			}
		case z >= ZdrRainHighConfMinDB:
			return &DualPolEvidence{Phase: PhaseRain, Confidence: 0.65}
		case z <= ZdrSnowHighConfMaxDB:
			return &DualPolEvidence{Phase: PhaseSnow, Confidence: 0.65}
		default:
			return &DualPolEvidence{Phase: PhaseMixed, Confidence: 0.55}
		}
	case zdr != nil:
		z := *zdr
		switch {
		case z >= ZdrRainHighConfMinDB+0.15:
			return &DualPolEvidence{Phase: PhaseRain, Confidence: 0.50}
		case z <= ZdrSnowHighConfMaxDB-0.2:
			return &DualPolEvidence{Phase: PhaseSnow, Confidence: 0.50}
		default:
			return &DualPolEvidence{Phase: PhaseMixed, Confidence: 0.30}
		}
	case rhohv != nil:
		r := *rhohv
		if r < RhoHVLowConfidenceMax-0.02 {
			return &DualPolEvidence{Phase: PhaseMixed, Confidence: 0.35}
		}
		return nil
	default:
		return nil
	}
}

// ThermoInputs bundles the sampled (already nearest-index-looked-up)
// auxiliary values feeding resolveThermoPhase for one voxel.
type ThermoInputs struct {
	PrecipFlag        *float32
	FreezingLevelM     *float32
	WetBulbC           *float32
	SurfaceTempC       *float32
	BrightBandTopM     *float32
	BrightBandBottomM  *float32
	RQI                *float32
}

// ResolveThermoPhase implements spec §4.E's thermo evidence scoring.
// Grounded on ingest.rs's resolve_thermo_phase.
func ResolveThermoPhase(voxelMidFeet float64, in ThermoInputs) ThermoPhaseEvidence {
	scores := PhaseScores{Rain: 1.0, Mixed: 0.7, Snow: 1.0}
	var signalCount uint8
	nearTransition := false
	var precipFlagPhase *uint8

	if in.PrecipFlag != nil {
		if phase, ok := phaseFromPrecipFlag(*in.PrecipFlag); ok {
			signalCount++
			precipFlagPhase = &phase
			switch phase {
			case PhaseRain:
				scores.Add(PhaseRain, 3.0)
			case PhaseSnow:
				scores.Add(PhaseSnow, 3.2)
			case PhaseMixed:
				scores.Add(PhaseMixed, 1.8)
				scores.Add(PhaseRain, 0.8)
			}
		}
	}

	if in.FreezingLevelM != nil {
		freezingMeters := float64(*in.FreezingLevelM)
		if isFiniteF64(freezingMeters) && freezingMeters > 0 {
			signalCount++
			if phase, ok := phaseFromFreezingLevel(voxelMidFeet, freezingMeters); ok {
				scores.Add(phase, 0.6)
			}
			freezingFeet := freezingMeters * FeetPerMeter
			deltaFeet := voxelMidFeet - freezingFeet
			if absf64(deltaFeet) <= ThermoNearFreezingFeet {
				nearTransition = true
			}
			switch {
			case deltaFeet >= 2500.0:
				scores.Add(PhaseSnow, 2.4)
			case deltaFeet >= ThermoNearFreezingFeet:
				scores.Add(PhaseSnow, 1.8)
				scores.Add(PhaseMixed, 0.5)
			case deltaFeet <= -2500.0:
				scores.Add(PhaseRain, 2.4)
			case deltaFeet <= -ThermoNearFreezingFeet:
				scores.Add(PhaseRain, 1.8)
				scores.Add(PhaseMixed, 0.5)
			default:
				scores.Add(PhaseMixed, 1.6)
				if deltaFeet >= 0.0 {
					scores.Add(PhaseSnow, 0.8)
				} else {
					scores.Add(PhaseRain, 0.8)
				}
			}
		}
	}

	if in.WetBulbC != nil {
		if wetBulbC, ok := normalizeTemperatureCelsius(*in.WetBulbC); ok {
			signalCount++
			switch {
			case wetBulbC <= ThermoStrongColdWetBulbC:
				scores.Add(PhaseSnow, 2.4)
			case wetBulbC <= 0.5:
				nearTransition = true
				scores.Add(PhaseMixed, 1.1)
				scores.Add(PhaseSnow, 1.0)
			case wetBulbC >= ThermoStrongWarmWetBulbC:
				scores.Add(PhaseRain, 2.2)
			default:
				nearTransition = true
				scores.Add(PhaseMixed, 1.1)
				scores.Add(PhaseRain, 1.0)
			}
		}
	}

	if in.SurfaceTempC != nil {
		if surfaceTempC, ok := normalizeTemperatureCelsius(*in.SurfaceTempC); ok {
			signalCount++
			lowLevelWeight := float32(maxf64((8000.0-voxelMidFeet)/8000.0, 0))
			if lowLevelWeight > 0 {
				switch {
				case surfaceTempC <= -0.5:
					scores.Add(PhaseSnow, 1.2*lowLevelWeight)
				case surfaceTempC >= 2.0:
					scores.Add(PhaseRain, 1.2*lowLevelWeight)
				default:
					nearTransition = true
					scores.Add(PhaseMixed, 0.8*lowLevelWeight)
					if surfaceTempC <= 0.5 {
						scores.Add(PhaseSnow, 0.4*lowLevelWeight)
					} else {
						scores.Add(PhaseRain, 0.4*lowLevelWeight)
					}
				}
			}
		}
	}

	if in.BrightBandTopM != nil && in.BrightBandBottomM != nil {
		topM, topOK := normalizeHeightMeters(*in.BrightBandTopM)
		bottomM, bottomOK := normalizeHeightMeters(*in.BrightBandBottomM)
		if topOK && bottomOK && topM >= bottomM {
			signalCount++
			topFeet := topM * FeetPerMeter
			bottomFeet := bottomM * FeetPerMeter
			switch {
			case voxelMidFeet >= bottomFeet-400.0 && voxelMidFeet <= topFeet+400.0:
				nearTransition = true
				scores.Add(PhaseMixed, 2.0)
			case voxelMidFeet > topFeet+800.0:
				scores.Add(PhaseSnow, 1.2)
			case voxelMidFeet < bottomFeet-800.0:
				scores.Add(PhaseRain, 1.2)
			}
		}
	}

	var rqi *float32
	if in.RQI != nil {
		if v, ok := normalizeRQI(*in.RQI); ok {
			rqi = &v
		}
	}

	ranked := rankPhaseScores(scores)
	bestScore := maxf32(ranked[0].score, 0)
	secondScore := maxf32(ranked[1].score, 0)
	confidence := float32(0)
	if bestScore+secondScore > 0 {
		confidence = (bestScore - secondScore) / (bestScore + secondScore)
	}
	confidence = clampf32(confidence, 0, 1)

	return ThermoPhaseEvidence{
		Scores:          scores,
		Phase:           ranked[0].phase,
		Confidence:      confidence,
		SignalCount:     signalCount,
		NearTransition:  nearTransition,
		PrecipFlagPhase: precipFlagPhase,
		RQI:             rqi,
	}
}

// ResolveFromEvidence fuses thermo evidence with optional dual-pol
// evidence. Grounded on ingest.rs's resolve_phase_from_evidence.
func ResolveFromEvidence(thermo ThermoPhaseEvidence, dual *DualPolEvidence, dualPolStale bool) PhaseResolution {
	scores := thermo.Scores
	var usedDual, suppressedDual, suppressedMixed, forcedPrecipSnow bool

	dualMixedSupport := dual != nil && dual.Phase == PhaseMixed && dual.Confidence >= MixedDualSupportConfidenceMin

	if dual != nil {
		staleWeight := float32(0.58)
		if dualPolStale {
			staleWeight = 0.22
		}
		rqiWeight := float32(0.85)
		if thermo.RQI != nil {
			rqiWeight = clampf32(0.35+0.65*(*thermo.RQI), 0.25, 1.0)
		}
		dualWeight := staleWeight * rqiWeight * dual.Confidence

		if dual.Phase == PhaseMixed && !thermo.NearTransition {
			dualWeight *= 0.55
		}
		if dual.Phase == PhaseRain && thermo.Phase == PhaseSnow && thermo.Confidence >= 0.35 &&
			thermo.PrecipFlagPhase != nil && *thermo.PrecipFlagPhase == PhaseSnow {
			dualWeight *= 0.2
		}

		if dualWeight >= 0.08 {
			scores.Add(dual.Phase, dualWeight*2.2)
			usedDual = true
		} else {
			suppressedDual = true
		}
	}

	rainSnowCompeting := scores.Rain >= MixedCompetingRainSnowMinScore &&
		scores.Snow >= MixedCompetingRainSnowMinScore &&
		absf32(scores.Rain-scores.Snow) <= MixedCompetingRainSnowDeltaMax
	rainSnowPromotion := scores.Rain >= MixedCompetingPromotionMinScore &&
		scores.Snow >= MixedCompetingPromotionMinScore &&
		absf32(scores.Rain-scores.Snow) <= MixedCompetingRainSnowDeltaMax

	if rainSnowPromotion && (thermo.NearTransition || dualMixedSupport || thermo.SignalCount >= 2) {
		rainSnowPeak := maxf32(scores.Rain, scores.Snow)
		mixedGap := rainSnowPeak - scores.Mixed
		if isFinite32(mixedGap) && mixedGap > 0 && mixedGap <= MixedCompetingPromotionGapMax {
			scores.Add(PhaseMixed, mixedGap+MixedCompetingPromotionMargin)
		}
	}

	ranked := rankPhaseScores(scores)
	phase := ranked[0].phase
	if phase == PhaseMixed {
		bestNonMixed := ranked[1]
		if bestNonMixed.phase == PhaseMixed {
			bestNonMixed = ranked[2]
		}
		mixedAdvantage := ranked[0].score - bestNonMixed.score
		transitionLike := thermo.NearTransition || rainSnowCompeting || dualMixedSupport
		requiredMargin := float32(MixedSelectionMargin)
		if transitionLike {
			requiredMargin = MixedSelectionMarginTransition
		}
		if mixedAdvantage < requiredMargin {
			phase = bestNonMixed.phase
			suppressedMixed = true
		}
	}

	if thermo.PrecipFlagPhase != nil && *thermo.PrecipFlagPhase == PhaseSnow && phase != PhaseSnow {
		if thermo.Phase == PhaseSnow || thermo.NearTransition {
			phase = PhaseSnow
			forcedPrecipSnow = true
		}
	}

	return PhaseResolution{
		Phase:            phase,
		UsedDual:         usedDual,
		SuppressedDual:   suppressedDual,
		SuppressedMixed:  suppressedMixed,
		ForcedPrecipSnow: forcedPrecipSnow,
	}
}

// TransitionCandidate reports whether a voxel should be considered for
// transition-edge promotion (PromoteMixedTransitionEdges). This is a
// separate, wider check than the rain/snow-competing margin used inside
// ResolveFromEvidence's own mixed-selection logic: it widens the
// rain/snow delta tolerance by 0.45 and is suppressed entirely once
// precip-flag phase data has already forced the voxel to snow, since
// that forcing should not be second-guessed by level-local evidence.
// Grounded on ingest.rs's thermo_competing/transition_candidate.
func TransitionCandidate(thermo ThermoPhaseEvidence, resolution PhaseResolution, dual *DualPolEvidence) bool {
	if resolution.ForcedPrecipSnow {
		return false
	}
	rainSnowCompeting := thermo.Scores.Rain >= MixedCompetingRainSnowMinScore &&
		thermo.Scores.Snow >= MixedCompetingRainSnowMinScore &&
		absf32(thermo.Scores.Rain-thermo.Scores.Snow) <= MixedCompetingRainSnowDeltaMax+0.45
	dualMixedStrong := dual != nil && dual.Phase == PhaseMixed && dual.Confidence >= 0.35
	return thermo.NearTransition || rainSnowCompeting || dualMixedStrong
}

// LevelVoxel is the per-(row,col) working record used by the transition-
// edge promotion pass (one level at a time).
type LevelVoxel struct {
	Row                 uint16
	Col                 uint16
	Phase               uint8
	TransitionCandidate bool
}

// PromoteMixedTransitionEdges implements spec §4.E's post-pass: any rain
// voxel that is itself a transition candidate and is 8-connected to a snow
// voxel (or vice versa) is promoted to mixed; the neighbour is matched on
// phase alone, whether or not it is a candidate. A single pass suffices.
// Grounded on ingest.rs's promote_mixed_transition_edges.
func PromoteMixedTransitionEdges(records []LevelVoxel, gridNx, gridNy uint32) int {
	if len(records) == 0 || gridNx == 0 || gridNy == 0 {
		return 0
	}

	positionToIndex := make(map[uint32]int, len(records))
	for idx, r := range records {
		key := uint32(r.Row)*gridNx + uint32(r.Col)
		positionToIndex[key] = idx
	}

	var promote []int
	for idx, r := range records {
		if !r.TransitionCandidate || (r.Phase != PhaseRain && r.Phase != PhaseSnow) {
			continue
		}
		opposite := PhaseSnow
		if r.Phase == PhaseSnow {
			opposite = PhaseRain
		}

		row, col := int(r.Row), int(r.Col)
		hasOpposite := false
		for dRow := -1; dRow <= 1 && !hasOpposite; dRow++ {
			for dCol := -1; dCol <= 1; dCol++ {
				if dRow == 0 && dCol == 0 {
					continue
				}
				nRow, nCol := row+dRow, col+dCol
				if nRow < 0 || nCol < 0 || nRow >= int(gridNy) || nCol >= int(gridNx) {
					continue
				}
				key := uint32(nRow)*gridNx + uint32(nCol)
				if nIdx, ok := positionToIndex[key]; ok && records[nIdx].Phase == opposite {
					hasOpposite = true
					break
				}
			}
		}
		if hasOpposite {
			promote = append(promote, idx)
		}
	}

	for _, idx := range promote {
		records[idx].Phase = PhaseMixed
	}
	return len(promote)
}

func phaseFromPrecipFlag(value float32) (uint8, bool) {
	if !isFinite32(value) {
		return 0, false
	}
	code := int(roundF32(value))
	switch code {
	case 3:
		return PhaseSnow, true
	case 7:
		return PhaseMixed, true
	case -3, 0, 1, 6, 10, 91, 96:
		return PhaseRain, true
	default:
		return 0, false
	}
}

func phaseFromFreezingLevel(voxelMidFeet, freezingLevelMetersMSL float64) (uint8, bool) {
	if !isFiniteF64(voxelMidFeet) || !isFiniteF64(freezingLevelMetersMSL) {
		return 0, false
	}
	freezingLevelFeet := freezingLevelMetersMSL * FeetPerMeter
	if !isFiniteF64(freezingLevelFeet) || freezingLevelFeet <= 0 {
		return 0, false
	}
	switch {
	case voxelMidFeet >= freezingLevelFeet+FreezingLevelTransitionFeet:
		return PhaseSnow, true
	case voxelMidFeet <= freezingLevelFeet-FreezingLevelTransitionFeet:
		return PhaseRain, true
	default:
		return PhaseMixed, true
	}
}

func normalizeTemperatureCelsius(value float32) (float32, bool) {
	if !isFinite32(value) {
		return 0, false
	}
	if value >= -90.0 && value <= 70.0 {
		return value, true
	}
	if value >= 150.0 && value <= 340.0 {
		return value - 273.15, true
	}
	return 0, false
}

func normalizeHeightMeters(value float32) (float64, bool) {
	if !isFinite32(value) || value <= 0 {
		return 0, false
	}
	meters := float64(value)
	if meters < 50.0 {
		meters *= 1000.0
	}
	if meters < 100.0 || meters > 30_000.0 {
		return 0, false
	}
	return meters, true
}

func normalizeRQI(value float32) (float32, bool) {
	if !isFinite32(value) || value < 0 {
		return 0, false
	}
	if value <= 1.05 {
		return clampf32(value, 0, 1), true
	}
	if value <= 100.0 {
		return clampf32(value/100.0, 0, 1), true
	}
	return 0, false
}

func isFiniteF64(v float64) bool { return v == v && v < 1.7e308 && v > -1.7e308 }
func absf64(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
func maxf64(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
func absf32(v float32) float32 {
	if v < 0 {
		return -v
	}
	return v
}
func maxf32(a, b float32) float32 {
	if a > b {
		return a
	}
	return b
}
func clampf32(v, lo, hi float32) float32 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
func roundF32(v float32) float32 {
	if v >= 0 {
		return float32(int64(v + 0.5))
	}
	return float32(int64(v - 0.5))
}
