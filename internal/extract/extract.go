// Package extract recovers structured persona data from freeform
// generation text.
//
// The completion service gives no guarantee of valid JSON: the payload may
// be wrapped in a fenced code block, surrounded by prose, or missing
// entirely. Parse is a parse-or-nil function — it never returns an error
// and never panics; every recovered field is optional and each consumer
// supplies its own default.
package extract

import (
	"encoding/json"
	"strings"

	"github.com/kokoro-ai/kokoro/internal/model"
)

// looseResult is the tolerant wire shape. The original persona backend has
// emitted several aliases for the same fields over time; all are accepted.
type looseResult struct {
	Reflection  string `json:"reflection"`
	Summary     string `json:"summary"`
	MetaSummary string `json:"meta_summary"`

	Traits          *model.RawTraits `json:"traits"`
	TraitsHint      *model.RawTraits `json:"traits_hint"`
	TraitAdjustment *model.RawTraits `json:"trait_adjustment"`
}

// Parse attempts to recover an ExtractionResult from text. Returns nil on
// any failure.
//
// Algorithm: prefer a fenced block's contents when one exists, else use the
// whole text; within the candidate take the span from the first '{' to the
// last '}' and attempt a JSON parse. This is a heuristic outer-brace match,
// not a grammar parser — pathological nested-brace inputs may mis-bound.
func Parse(text string) *model.ExtractionResult {
	if text == "" {
		return nil
	}

	candidate := fencedContents(text)
	if candidate == "" {
		candidate = text
	}

	start := strings.Index(candidate, "{")
	end := strings.LastIndex(candidate, "}")
	if start == -1 || end == -1 || end < start {
		return nil
	}

	var loose looseResult
	if err := json.Unmarshal([]byte(candidate[start:end+1]), &loose); err != nil {
		return nil
	}

	res := &model.ExtractionResult{
		ReflectionText: firstNonEmpty(loose.Reflection, loose.Summary),
		MetaSummary:    loose.MetaSummary,
	}
	switch {
	case loose.Traits != nil:
		res.RawTraits = loose.Traits
	case loose.TraitsHint != nil:
		res.RawTraits = loose.TraitsHint
	case loose.TraitAdjustment != nil:
		res.RawTraits = loose.TraitAdjustment
	}
	return res
}

// fencedContents returns the body of the first fenced code block, or ""
// when the text contains none. The opening fence's language tag (```json)
// is discarded with the rest of its line.
func fencedContents(text string) string {
	open := strings.Index(text, "```")
	if open == -1 {
		return ""
	}
	rest := text[open+3:]
	if nl := strings.Index(rest, "\n"); nl != -1 {
		rest = rest[nl+1:]
	}
	closing := strings.Index(rest, "```")
	if closing == -1 {
		return ""
	}
	return rest[:closing]
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
