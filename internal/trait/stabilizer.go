// Package trait implements the bounded trait-state stabilizer.
//
// Every function here is pure and safe to call from any goroutine. The
// stabilizer is the only code allowed to move a persona's trait vector, and
// it guarantees two invariants: every field of a returned vector is in
// [0,1], and no single pass moves a field further than the configured
// maximum delta from its base value.
package trait

import (
	"math"

	"github.com/kokoro-ai/kokoro/internal/model"
)

// Overload labels, in detection priority order.
const (
	OverloadRunawayIdeation   = "runaway ideation"
	OverloadAffectiveFlatness = "affective flatness"
)

// midpoint is the fail-safe value substituted for non-finite input.
const midpoint = 0.5

// Limits carries the tunable stabilizer constants. The defaults are
// heuristics, not structural requirements; config overrides all of them.
type Limits struct {
	// MaxDelta bounds how far one external update may move a single field.
	MaxDelta float64
	// DampingThreshold is the stability index below which a candidate
	// vector is damped toward its cross-field mean.
	DampingThreshold float64
	// DampingPull is the fraction of the distance to the cross-field mean
	// applied when damping (0.5 = halfway).
	DampingPull float64
	// Overload thresholds.
	OverloadCalmLow       float64 // calm below this plus high curiosity = runaway ideation
	OverloadCuriosityHigh float64
	OverloadFlatLow       float64 // calm and empathy both below this = affective flatness
}

// DefaultLimits returns the stock stabilizer constants.
func DefaultLimits() Limits {
	return Limits{
		MaxDelta:              0.05,
		DampingThreshold:      0.75,
		DampingPull:           0.5,
		OverloadCalmLow:       0.2,
		OverloadCuriosityHigh: 0.8,
		OverloadFlatLow:       0.3,
	}
}

// clamp01 bounds x to [0,1]; non-finite degrades to the midpoint.
func clamp01(x float64) float64 {
	if math.IsNaN(x) || math.IsInf(x, 0) {
		return midpoint
	}
	return math.Max(0, math.Min(1, x))
}

// Normalize clamps each field of v to [0,1]. Non-finite fields degrade to
// 0.5 rather than poisoning downstream arithmetic.
func Normalize(v model.TraitVector) model.TraitVector {
	return model.TraitVector{
		Calm:      clamp01(v.Calm),
		Empathy:   clamp01(v.Empathy),
		Curiosity: clamp01(v.Curiosity),
	}
}

// StabilityIndex measures how close the three fields are to each other:
// 1 when all equal, approaching 0 as they diverge maximally. Floored at 0.
func StabilityIndex(v model.TraitVector) float64 {
	v = Normalize(v)
	spread := (math.Abs(v.Calm-v.Empathy) +
		math.Abs(v.Empathy-v.Curiosity) +
		math.Abs(v.Curiosity-v.Calm)) / 3
	return math.Max(0, 1-spread)
}

// DetectOverload classifies a vector against the overload thresholds.
// Fixed priority, at most one label; empty string means no overload.
func DetectOverload(v model.TraitVector, lim Limits) string {
	v = Normalize(v)
	if v.Calm < lim.OverloadCalmLow && v.Curiosity > lim.OverloadCuriosityHigh {
		return OverloadRunawayIdeation
	}
	if v.Calm < lim.OverloadFlatLow && v.Empathy < lim.OverloadFlatLow {
		return OverloadAffectiveFlatness
	}
	return ""
}

// ClampDelta bounds proposed to within ±maxDelta of base, then clamps the
// result to [0,1]. A nil or non-finite proposal returns base unchanged —
// a missing field must never reset a trait.
func ClampDelta(base float64, proposed *float64, maxDelta float64) float64 {
	base = clamp01(base)
	if proposed == nil || math.IsNaN(*proposed) || math.IsInf(*proposed, 0) {
		return base
	}
	p := *proposed
	if p > base+maxDelta {
		p = base + maxDelta
	} else if p < base-maxDelta {
		p = base - maxDelta
	}
	return clamp01(p)
}

// ClampVector applies ClampDelta per field against a previous vector.
func ClampVector(prev model.TraitVector, raw *model.RawTraits, maxDelta float64) model.TraitVector {
	prev = Normalize(prev)
	if raw == nil {
		return prev
	}
	return model.TraitVector{
		Calm:      ClampDelta(prev.Calm, raw.Calm, maxDelta),
		Empathy:   ClampDelta(prev.Empathy, raw.Empathy, maxDelta),
		Curiosity: ClampDelta(prev.Curiosity, raw.Curiosity, maxDelta),
	}
}

// Composite runs the second stabilization stage over a candidate vector
// whose fields have already been delta-clamped by the caller.
//
// When the candidate's stability index falls below the damping threshold,
// each field is pulled DampingPull of the way toward the cross-field mean —
// a correction toward balance, not a reset to any fixed baseline. The
// returned report is computed on the stabilized vector, so its index is at
// least the candidate's when damping fired and identical when it did not.
func Composite(prev, candidate model.TraitVector, lim Limits) (model.TraitVector, model.SafetyReport) {
	// prev participates only via the caller's delta clamp.
	stabilized := Normalize(candidate)

	if StabilityIndex(stabilized) < lim.DampingThreshold {
		mean := (stabilized.Calm + stabilized.Empathy + stabilized.Curiosity) / 3
		pull := lim.DampingPull
		stabilized = model.TraitVector{
			Calm:      clamp01(stabilized.Calm + (mean-stabilized.Calm)*pull),
			Empathy:   clamp01(stabilized.Empathy + (mean-stabilized.Empathy)*pull),
			Curiosity: clamp01(stabilized.Curiosity + (mean-stabilized.Curiosity)*pull),
		}
	}

	report := model.SafetyReport{StabilityIndex: StabilityIndex(stabilized)}
	if label := DetectOverload(stabilized, lim); label != "" {
		report.Warnings = append(report.Warnings, label)
	}
	return stabilized, report
}
