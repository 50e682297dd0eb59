package mrms

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTransitionCandidate_ForcedPrecipSnowSuppressesEverything(t *testing.T) {
	thermo := ThermoPhaseEvidence{
		NearTransition: true,
		Scores:         PhaseScores{Rain: 5, Snow: 5},
	}
	resolution := PhaseResolution{ForcedPrecipSnow: true}

	assert.False(t, TransitionCandidate(thermo, resolution, nil))
}

func TestTransitionCandidate_NearTransitionWins(t *testing.T) {
	thermo := ThermoPhaseEvidence{NearTransition: true}
	resolution := PhaseResolution{}

	assert.True(t, TransitionCandidate(thermo, resolution, nil))
}

func TestTransitionCandidate_RainSnowCompetingWidensBeyondInnerMargin(t *testing.T) {
	// Delta of MixedCompetingRainSnowDeltaMax+0.3 is within the outer
	// transition-candidate tolerance (+0.45 widening) but would fail the
	// narrower inner resolve_phase_from_evidence margin check.
	thermo := ThermoPhaseEvidence{
		Scores: PhaseScores{
			Rain: MixedCompetingRainSnowMinScore + 1,
			Snow: MixedCompetingRainSnowMinScore + 1 + MixedCompetingRainSnowDeltaMax + 0.3,
		},
	}
	resolution := PhaseResolution{}

	assert.True(t, TransitionCandidate(thermo, resolution, nil))
}

func TestTransitionCandidate_RainSnowDeltaBeyondWidenedToleranceFails(t *testing.T) {
	thermo := ThermoPhaseEvidence{
		Scores: PhaseScores{
			Rain: MixedCompetingRainSnowMinScore + 1,
			Snow: MixedCompetingRainSnowMinScore + 1 + MixedCompetingRainSnowDeltaMax + 0.6,
		},
	}
	resolution := PhaseResolution{}

	assert.False(t, TransitionCandidate(thermo, resolution, nil))
}

func TestTransitionCandidate_DualMixedStrongWins(t *testing.T) {
	thermo := ThermoPhaseEvidence{}
	resolution := PhaseResolution{}
	dual := &DualPolEvidence{Phase: PhaseMixed, Confidence: 0.5}

	assert.True(t, TransitionCandidate(thermo, resolution, dual))
}

func TestTransitionCandidate_NoSignalFalse(t *testing.T) {
	thermo := ThermoPhaseEvidence{}
	resolution := PhaseResolution{}

	assert.False(t, TransitionCandidate(thermo, resolution, nil))
}
