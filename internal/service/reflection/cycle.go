// Package reflection runs the persona reflection cycle: load the snapshot,
// generate and extract a reflection, stabilize the trait proposal, and
// persist the outcome. The cycle never fails; every internal error degrades
// to a neutral, renderable result.
package reflection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"github.com/kokoro-ai/kokoro/internal/extract"
	"github.com/kokoro-ai/kokoro/internal/model"
	"github.com/kokoro-ai/kokoro/internal/service/guard"
	"github.com/kokoro-ai/kokoro/internal/storage"
	"github.com/kokoro-ai/kokoro/internal/telemetry"
	"github.com/kokoro-ai/kokoro/internal/trait"
)

// Completer generates one buffered response from a message list.
type Completer interface {
	Complete(ctx context.Context, messages []model.ChatMessage) (string, error)
}

// Toner applies the tone and safety collaborators. Both stages are
// non-fatal; implementations return the original text and an empty verdict
// on failure.
type Toner interface {
	AdjustTone(ctx context.Context, identity, text string, traits model.TraitVector) string
	Check(ctx context.Context, text string) guard.Verdict
}

// MemoryBank recalls and records long-term memory fragments. Optional; both
// operations are best-effort.
type MemoryBank interface {
	Recall(ctx context.Context, identity, query string, limit int) ([]string, error)
	Remember(ctx context.Context, identity, text string) error
}

// Cycle orchestrates one reflection pass per Run call.
type Cycle struct {
	store     storage.Store
	completer Completer
	toner     Toner
	memories  MemoryBank // may be nil
	limits    trait.Limits
	logger    *slog.Logger

	runs metric.Int64Counter
}

// New creates a reflection cycle. memories may be nil to disable recall.
func New(store storage.Store, completer Completer, toner Toner, memories MemoryBank, limits trait.Limits, logger *slog.Logger) *Cycle {
	meter := telemetry.Meter("kokoro/reflection")
	runs, _ := meter.Int64Counter("kokoro.reflection.runs",
		metric.WithDescription("Reflection cycles executed"))
	return &Cycle{
		store:     store,
		completer: completer,
		toner:     toner,
		memories:  memories,
		limits:    limits,
		logger:    logger,
		runs:      runs,
	}
}

// recallLimit bounds how many memory fragments are folded into the
// completion context.
const recallLimit = 5

// fallbackReflection is the fixed neutral result substituted when the cycle
// itself breaks. Traits reset to defaults only on this path; ordinary
// extraction failures keep the previous snapshot instead.
func fallbackReflection() model.ReflectResponse {
	traits := model.DefaultTraits()
	return model.ReflectResponse{
		Reflection:  "I'm sorry, I couldn't gather my thoughts this time.",
		SafetyLabel: "reflection_error",
		FinalTraits: traits,
		Safety:      model.SafetyReport{StabilityIndex: trait.StabilityIndex(traits)},
	}
}

// Run executes one reflection cycle. It never returns an error and never
// panics; any internal failure yields the neutral fallback.
func (c *Cycle) Run(ctx context.Context, req model.ReflectRequest) (resp model.ReflectResponse) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("reflection: cycle panicked", "identity", req.Identity, "panic", r)
			resp = fallbackReflection()
		}
	}()
	c.runs.Add(ctx, 1)

	// Step 1: load the snapshot; absent or unreadable starts from neutral.
	prev := c.loadSnapshot(ctx, req.Identity)

	// Step 2: aggregate the growth weight.
	weight := prev.GrowthWeight
	if len(req.GrowthLog) > 0 {
		var sum float64
		for _, w := range req.GrowthLog {
			sum += w
		}
		weight = sum / float64(len(req.GrowthLog))
	}

	// Step 3: generate. Failure is expected; the empty string flows through
	// extraction and lands on the previous-snapshot fallbacks.
	raw, err := c.completer.Complete(ctx, c.buildContext(ctx, prev, req))
	if err != nil {
		c.logger.Warn("reflection: completion failed", "identity", req.Identity, "error", err)
		raw = ""
	}

	// Step 4: extract; every recovered field is optional.
	result := extract.Parse(raw)
	reflection := raw
	metaSummary := ""
	var rawTraits *model.RawTraits
	if result != nil {
		if result.ReflectionText != "" {
			reflection = result.ReflectionText
		}
		metaSummary = result.MetaSummary
		rawTraits = result.RawTraits
	}

	// Steps 5 and 6: clamp each proposed field to the step limit, then
	// stabilize the composite.
	candidate := trait.ClampVector(prev.Traits, rawTraits, c.limits.MaxDelta)
	final, report := trait.Composite(prev.Traits, candidate, c.limits)

	// Step 7: summarize, falling back to the extracted summary and then to
	// the previous snapshot's.
	summary := c.summarize(ctx, reflection, final)
	if summary == "" {
		summary = metaSummary
	}
	if summary == "" {
		summary = prev.MetaSummary
	}

	// Step 8: persist as one logical update. Best-effort: the result is
	// returned even when the store is down.
	c.persist(ctx, req.Identity, final, summary, weight)

	// Step 9: tone and safety, both non-fatal.
	adjusted := c.toner.AdjustTone(ctx, req.Identity, reflection, final)
	verdict := c.toner.Check(ctx, adjusted)

	c.remember(ctx, req.Identity, adjusted)

	return model.ReflectResponse{
		Reflection:    adjusted,
		Introspection: raw,
		MetaSummary:   summary,
		SafetyLabel:   verdict.Label,
		Flagged:       verdict.Flagged,
		FinalTraits:   final,
		Safety:        report,
	}
}

// loadSnapshot returns the stored snapshot or a neutral one. Store errors
// other than not-found are logged and treated as absent so a flaky store
// cannot break the cycle.
func (c *Cycle) loadSnapshot(ctx context.Context, identity string) model.PersonaSnapshot {
	snap, err := c.store.LoadPersona(ctx, identity)
	if err == nil {
		return *snap
	}
	if !errors.Is(err, storage.ErrNotFound) {
		c.logger.Warn("reflection: load persona failed, starting neutral", "identity", identity, "error", err)
	}
	return model.PersonaSnapshot{
		Identity:     identity,
		Traits:       model.DefaultTraits(),
		GrowthWeight: 1.0,
	}
}

// buildContext assembles the completion messages: system instruction,
// persona state, recalled memories, and the dialogue.
func (c *Cycle) buildContext(ctx context.Context, prev model.PersonaSnapshot, req model.ReflectRequest) []model.ChatMessage {
	var b strings.Builder
	b.WriteString("You are the inner voice of a persona reflecting on a recent conversation. ")
	b.WriteString("Respond with a JSON object holding \"reflection\" (first-person text), ")
	b.WriteString("\"summary\" (one sentence), and \"traits_hint\" (optional calm/empathy/curiosity values in [0,1]).\n")
	fmt.Fprintf(&b, "Current traits: calm=%.2f empathy=%.2f curiosity=%.2f.\n",
		prev.Traits.Calm, prev.Traits.Empathy, prev.Traits.Curiosity)
	if req.LongTermSummary != "" {
		fmt.Fprintf(&b, "Long-term summary: %s\n", req.LongTermSummary)
	} else if prev.MetaSummary != "" {
		fmt.Fprintf(&b, "Long-term summary: %s\n", prev.MetaSummary)
	}

	if c.memories != nil && len(req.Dialogue) > 0 {
		query := req.Dialogue[len(req.Dialogue)-1].Content
		if fragments, err := c.memories.Recall(ctx, req.Identity, query, recallLimit); err != nil {
			c.logger.Warn("reflection: memory recall failed", "identity", req.Identity, "error", err)
		} else if len(fragments) > 0 {
			b.WriteString("Related memories:\n")
			for _, f := range fragments {
				fmt.Fprintf(&b, "- %s\n", f)
			}
		}
	}

	messages := []model.ChatMessage{{Role: "system", Content: b.String()}}
	return append(messages, req.Dialogue...)
}

// summarize asks the completer to compress the reflection into one line.
// Failure returns the empty string, which triggers the fallback chain.
func (c *Cycle) summarize(ctx context.Context, reflection string, traits model.TraitVector) string {
	if reflection == "" {
		return ""
	}
	prompt := fmt.Sprintf(
		"Condense this reflection into a single sentence that captures the persona's current disposition (calm=%.2f empathy=%.2f curiosity=%.2f):\n\n%s",
		traits.Calm, traits.Empathy, traits.Curiosity, reflection)
	summary, err := c.completer.Complete(ctx, []model.ChatMessage{{Role: "user", Content: prompt}})
	if err != nil {
		c.logger.Warn("reflection: meta-summary failed", "error", err)
		return ""
	}
	return strings.TrimSpace(summary)
}

func (c *Cycle) persist(ctx context.Context, identity string, traits model.TraitVector, summary string, weight float64) {
	upd := model.PersonaUpdate{
		Traits:       &traits,
		MetaSummary:  &summary,
		GrowthWeight: &weight,
	}
	if err := c.store.SavePersona(ctx, identity, upd); err != nil {
		c.logger.Error("reflection: save persona", "identity", identity, "error", err)
		return
	}
	if err := c.store.AppendGrowth(ctx, model.GrowthEntry{
		ID:        uuid.New(),
		Identity:  identity,
		Weight:    weight,
		Note:      "reflection",
		CreatedAt: time.Now().UTC(),
	}); err != nil {
		c.logger.Error("reflection: append growth", "identity", identity, "error", err)
	}
}

func (c *Cycle) remember(ctx context.Context, identity, text string) {
	if c.memories == nil || text == "" {
		return
	}
	if err := c.memories.Remember(ctx, identity, text); err != nil {
		c.logger.Warn("reflection: remember failed", "identity", identity, "error", err)
	}
}
