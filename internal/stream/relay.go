package stream

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"github.com/kokoro-ai/kokoro/internal/model"
	"github.com/kokoro-ai/kokoro/internal/telemetry"
)

// Relay state machine. CLOSED is terminal and reached on every path.
type relayState int

const (
	stateStreaming relayState = iota
	stateFinalizing
	stateClosed
)

// Sink is the downstream client connection. Send forwards one normalized
// frame; Close is idempotent from the relay's perspective (the relay calls
// it exactly once).
type Sink interface {
	Send(event string, payload []byte) error
	Close() error
}

// TurnWriter persists finalized turns and embedded state snapshots.
// Both writes are best-effort: the relay logs failures and never surfaces
// them to the client.
type TurnWriter interface {
	AppendTurn(ctx context.Context, t model.Turn) error
	AppendStateSnapshot(ctx context.Context, s model.StateSnapshot) error
}

// RelayConfig wires one relay instance for one user turn.
type RelayConfig struct {
	Sink    Sink
	Writer  TurnWriter
	Session *Session
	// Generation is the value Session.Begin returned for this turn.
	Generation uint64

	Identity  string
	SessionID string
	UserText  string

	// FallbackReply is sent when upstream produces no text at all.
	FallbackReply string
	// PartialSuffix is appended to accumulated text when upstream fails
	// after at least one delta.
	PartialSuffix string

	// AfterFinal, when set, runs asynchronously with the finalized reply
	// text. It is skipped when the turn has been superseded, checked at the
	// point of use.
	AfterFinal func(ctx context.Context, text string)

	Logger *slog.Logger
}

// Relay consumes upstream frames, forwards them to the sink in order,
// accumulates the reply text, finalizes exactly once, and persists
// best-effort. One relay serves one turn.
type Relay struct {
	cfg RelayConfig

	state     relayState
	acc       strings.Builder
	deltas    int
	closeOnce sync.Once

	turnsFinalized metric.Int64Counter
	framesRelayed  metric.Int64Counter
}

// NewRelay creates a relay for a single turn.
func NewRelay(cfg RelayConfig) *Relay {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	meter := telemetry.Meter("kokoro/stream")
	finalized, _ := meter.Int64Counter("kokoro.relay.turns_finalized",
		metric.WithDescription("Turns finalized by the stream relay"))
	relayed, _ := meter.Int64Counter("kokoro.relay.frames_forwarded",
		metric.WithDescription("Frames forwarded downstream"))
	return &Relay{cfg: cfg, turnsFinalized: finalized, framesRelayed: relayed}
}

// deltaPayload and donePayload are the normalized shapes forwarded to the
// client, regardless of how the backend formatted its frames.
type deltaPayload struct {
	Text string `json:"text"`
}

type donePayload struct {
	Text        string `json:"text"`
	Flagged     bool   `json:"flagged"`
	SafetyLabel string `json:"safety_label,omitempty"`
}

// doneMeta is the defensively extracted subset of a done frame's metadata.
// Every field is optional; the backend guarantees none of them.
type doneMeta struct {
	Reply       string         `json:"reply"`
	Text        string         `json:"text"`
	Flagged     bool           `json:"flagged"`
	SafetyLabel string         `json:"safety_label"`
	State       map[string]any `json:"state"`
}

// Run drives the relay until upstream completes, errors, or sends done.
// The sink is closed exactly once on every path. Run never returns an error
// once streaming has begun; pre-stream failures are the caller's to surface.
func (r *Relay) Run(ctx context.Context, upstream io.Reader) {
	defer r.close()

	err := Decode(upstream, func(f Frame) error {
		return r.handle(ctx, f)
	})

	switch {
	case r.state == stateClosed:
		// Finalized via a done frame; nothing left to do.
	case err != nil:
		r.cfg.Logger.Warn("relay: upstream failed mid-stream",
			"identity", r.cfg.Identity, "session", r.cfg.SessionID, "error", err)
		r.finalize(ctx, "", true, "partial_stream_failure", nil)
	default:
		// Premature close without a done frame.
		r.finalize(ctx, "", true, "upstream_closed", nil)
	}
}

// doneSignal stops Decode once a terminal frame has been handled.
type doneSignal struct{}

func (doneSignal) Error() string { return "stream: done" }

func (r *Relay) handle(ctx context.Context, f Frame) error {
	switch f.Event {
	case EventDelta:
		text := deltaText(f.Data)
		r.acc.WriteString(text)
		r.deltas++
		payload, _ := json.Marshal(deltaPayload{Text: text})
		r.forward(ctx, EventDelta, payload)
		return nil

	case EventDone:
		meta := parseDoneMeta(f.Data)
		authoritative := meta.Reply
		if authoritative == "" {
			authoritative = meta.Text
		}
		r.finalize(ctx, authoritative, meta.Flagged, meta.SafetyLabel, meta.State)
		return doneSignal{}

	case EventError:
		r.finalize(ctx, "", true, "upstream_error", nil)
		return doneSignal{}

	default:
		// start, message, and unknown events pass through verbatim, in order.
		r.forward(ctx, f.Event, []byte(f.Data))
		return nil
	}
}

// finalize fixes the reply text, forwards the terminal payload, persists
// best-effort, and schedules the deferred side effect. It runs at most once;
// later calls are ignored.
func (r *Relay) finalize(ctx context.Context, authoritative string, flagged bool, label string, state map[string]any) {
	if r.state != stateStreaming {
		return
	}
	r.state = stateFinalizing

	text := authoritative
	if text == "" {
		text = r.acc.String()
		if flagged && r.deltas > 0 && r.cfg.PartialSuffix != "" {
			text += r.cfg.PartialSuffix
		}
	}
	if text == "" {
		text = r.cfg.FallbackReply
	}

	payload, _ := json.Marshal(donePayload{Text: text, Flagged: flagged, SafetyLabel: label})
	r.forward(ctx, EventDone, payload)

	r.persist(ctx, text, flagged, label, state)

	if after := r.cfg.AfterFinal; after != nil {
		sess, gen := r.cfg.Session, r.cfg.Generation
		bg := context.WithoutCancel(ctx)
		go func() {
			// Checked at point of use: a turn begun after ours wins.
			if sess != nil && sess.Superseded(gen) {
				return
			}
			after(bg, text)
		}()
	}

	r.turnsFinalized.Add(ctx, 1)
	r.state = stateClosed
	r.close()
}

// persist writes the turn and any embedded state snapshot independently.
// Each failure is isolated from the other and from the reply path: log,
// no retry, at most one write per turn.
func (r *Relay) persist(ctx context.Context, text string, flagged bool, label string, state map[string]any) {
	if r.cfg.Writer == nil {
		return
	}
	// The client may already be gone; persistence still gets its attempt.
	ctx = context.WithoutCancel(ctx)
	now := time.Now().UTC()

	turn := model.Turn{
		ID:          uuid.New(),
		Identity:    r.cfg.Identity,
		SessionID:   r.cfg.SessionID,
		UserText:    r.cfg.UserText,
		ReplyText:   text,
		SafetyLabel: label,
		Flagged:     flagged,
		CreatedAt:   now,
	}
	if err := r.cfg.Writer.AppendTurn(ctx, turn); err != nil {
		r.cfg.Logger.Error("relay: persist turn", "identity", r.cfg.Identity, "error", err)
	}

	if state != nil {
		snap := model.StateSnapshot{
			ID:        uuid.New(),
			Identity:  r.cfg.Identity,
			SessionID: r.cfg.SessionID,
			Payload:   state,
			CreatedAt: now,
		}
		if err := r.cfg.Writer.AppendStateSnapshot(ctx, snap); err != nil {
			r.cfg.Logger.Error("relay: persist state snapshot", "identity", r.cfg.Identity, "error", err)
		}
	}
}

func (r *Relay) forward(ctx context.Context, event string, payload []byte) {
	if err := r.cfg.Sink.Send(event, payload); err != nil {
		// The client hung up; upstream consumption continues so the turn
		// still finalizes and persists.
		r.cfg.Logger.Debug("relay: sink send failed", "event", event, "error", err)
		return
	}
	r.framesRelayed.Add(ctx, 1)
}

func (r *Relay) close() {
	r.closeOnce.Do(func() {
		r.state = stateClosed
		if err := r.cfg.Sink.Close(); err != nil {
			r.cfg.Logger.Debug("relay: sink close failed", "error", err)
		}
	})
}

// deltaText extracts the text of a delta frame: JSON {"text":...} or
// {"delta":...} when parseable, otherwise the raw string (a malformed
// payload degrades, it never aborts the stream).
func deltaText(data string) string {
	var shape struct {
		Text  *string `json:"text"`
		Delta *string `json:"delta"`
	}
	if err := json.Unmarshal([]byte(data), &shape); err == nil {
		if shape.Text != nil {
			return *shape.Text
		}
		if shape.Delta != nil {
			return *shape.Delta
		}
	}
	return data
}

// parseDoneMeta extracts the optional fields of a done frame. Unparseable
// metadata yields the zero value: the accumulated text then stands.
func parseDoneMeta(data string) doneMeta {
	var meta doneMeta
	if data == "" {
		return meta
	}
	if err := json.Unmarshal([]byte(data), &meta); err != nil {
		return doneMeta{}
	}
	return meta
}
