package wellness

import (
	"math"

	"github.com/meridian-hq/meridian/internal/core"
)

const (
	neutralScore = 70

	// Note tier breakpoints. These drive downstream pacing suggestions,
	// not just display text.
	lowCeiling      = 34
	moderateCeiling = 67

	hrvBaseline    = 50.0 // ms
	hrvBonusCap    = 20.0
	hrvSolidFloor  = 80.0 // above this, moderate recovery still reads well
	creativePhyCap = 80
)

// Capacity computes the physical/cognitive/emotional bandwidth estimate
// from a recovery reading and a sleep reading, either of which may be nil.
//
// Physical tracks recovery directly; cognitive blends sleep quality with
// recovery plus a bonus for HRV above the 50ms baseline (capped at +20);
// emotional is the mean of the two. Missing inputs fall back to a neutral
// 70 and lower the confidence rather than failing.
func Capacity(rec *Recovery, slp *Sleep) core.CapacityImpact {
	if rec == nil && slp == nil {
		return core.CapacityImpact{
			Physical:   neutralScore,
			Cognitive:  neutralScore,
			Emotional:  neutralScore,
			Affects:    affects(neutralScore, neutralScore),
			Confidence: 0.3,
			Note:       "No wellness data yet - assuming a typical day.",
		}
	}

	recoveryScore := neutralScore
	var hrv *float64
	if rec != nil {
		recoveryScore = rec.Score
		hrv = rec.HRV
	}

	sleepScore := neutralScore
	if slp != nil && slp.Performance != nil {
		sleepScore = *slp.Performance
	}

	hrvBonus := 0.0
	if hrv != nil {
		hrvBonus = math.Min(hrvBonusCap, (*hrv-hrvBaseline)/5)
	}

	physical := recoveryScore
	cognitive := clamp(round(float64(sleepScore)*0.7 + float64(recoveryScore)*0.3 + hrvBonus))
	emotional := round(float64(physical+cognitive) / 2)

	confidence := 0.5
	if rec != nil {
		confidence = 0.9
	}

	return core.CapacityImpact{
		Physical:   physical,
		Cognitive:  cognitive,
		Emotional:  emotional,
		Affects:    affects(physical, cognitive),
		Confidence: confidence,
		Note:       note(physical, hrv),
	}
}

// affects computes the per-activity-kind breakdown: weighted blends of
// physical and cognitive capacity tailored to each kind of exertion.
func affects(physical, cognitive int) map[core.ActivityKind]int {
	p := float64(physical)
	c := float64(cognitive)

	// Creative work tolerates a tired body up to a point, so physical input
	// is capped before blending.
	creativePhy := math.Min(p, creativePhyCap)

	return map[core.ActivityKind]int{
		core.ActivityPhysical:  round(p*0.85 + c*0.15),
		core.ActivityCognitive: round(c*0.70 + p*0.30),
		core.ActivityEmotional: round((p + c) / 2),
		core.ActivityCreative:  round(c*0.60 + creativePhy*0.40),
	}
}

func note(physical int, hrv *float64) string {
	switch {
	case physical < lowCeiling:
		return "Recovery is low - your body needs rest today."
	case physical < moderateCeiling:
		if hrv != nil && *hrv > hrvSolidFloor {
			return "Recovery is moderate but HRV is solid - you have more in the tank than it feels like."
		}
		return "Recovery is moderate - pace yourself and avoid stacking hard efforts."
	default:
		return "Good recovery - capacity available for demanding work."
	}
}

func round(v float64) int {
	return int(math.Round(v))
}

func clamp(v int) int {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
