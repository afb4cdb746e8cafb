package model

// TraitVector is the bounded three-field personality state.
// Every field is kept in [0,1] by the trait stabilizer; values outside that
// range only exist transiently, between extraction and normalization.
type TraitVector struct {
	Calm      float64 `json:"calm"`
	Empathy   float64 `json:"empathy"`
	Curiosity float64 `json:"curiosity"`
}

// DefaultTraits is the neutral midpoint state used when no snapshot exists
// for an identity yet. It is never used to backfill individual missing
// fields on an existing persona — those fall back to the previous snapshot.
func DefaultTraits() TraitVector {
	return TraitVector{Calm: 0.5, Empathy: 0.5, Curiosity: 0.5}
}

// SafetyReport is derived from a stabilized trait vector. Ephemeral: it is
// embedded in a cycle's result and never persisted on its own.
type SafetyReport struct {
	StabilityIndex float64  `json:"stability_index"`
	Warnings       []string `json:"warnings,omitempty"`
}

// RawTraits mirrors TraitVector with every field optional. It is the shape
// recovered from untrusted generation output: a nil pointer means the model
// did not propose a value for that field.
type RawTraits struct {
	Calm      *float64 `json:"calm,omitempty"`
	Empathy   *float64 `json:"empathy,omitempty"`
	Curiosity *float64 `json:"curiosity,omitempty"`
}

// ExtractionResult is the best-effort structured recovery from freeform
// generation text. Every field is optional; consumers supply their own
// defaults. Discarded at the end of the cycle.
type ExtractionResult struct {
	ReflectionText string     `json:"reflection,omitempty"`
	MetaSummary    string     `json:"meta_summary,omitempty"`
	RawTraits      *RawTraits `json:"traits,omitempty"`
}
