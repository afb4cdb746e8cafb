package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
)

// PersonaSnapshot is the durable per-identity state. It is read once at the
// start of a cycle and overwritten once at the end — never partially mutated
// mid-cycle.
type PersonaSnapshot struct {
	Identity     string      `json:"identity"`
	Traits       TraitVector `json:"traits"`
	MetaSummary  string      `json:"meta_summary"`
	GrowthWeight float64     `json:"growth_weight"`
	UpdatedAt    time.Time   `json:"updated_at"`
}

// PersonaUpdate is a partial upsert for a persona row. Nil fields are left
// untouched, which lets the relay persist a state snapshot without clobbering
// a summary written by a concurrent reflection cycle.
type PersonaUpdate struct {
	Traits       *TraitVector
	MetaSummary  *string
	GrowthWeight *float64
}

// Turn is one completed user exchange: the user's message and the finalized
// reply, with the safety outcome attached.
type Turn struct {
	ID          uuid.UUID `json:"id"`
	Identity    string    `json:"identity"`
	SessionID   string    `json:"session_id"`
	UserText    string    `json:"user_text"`
	ReplyText   string    `json:"reply_text"`
	SafetyLabel string    `json:"safety_label,omitempty"`
	Flagged     bool      `json:"flagged"`
	CreatedAt   time.Time `json:"created_at"`
}

// StateSnapshot is an opaque state payload the persona-decision backend
// embeds in a done frame. Persisted verbatim; the relay never interprets it
// beyond checking that it is well-formed JSON.
type StateSnapshot struct {
	ID        uuid.UUID      `json:"id"`
	Identity  string         `json:"identity"`
	SessionID string         `json:"session_id"`
	Payload   map[string]any `json:"payload"`
	CreatedAt time.Time      `json:"created_at"`
}

// GrowthEntry is one row of the growth log: a numeric weight with an
// optional note about what produced it.
type GrowthEntry struct {
	ID        uuid.UUID `json:"id"`
	Identity  string    `json:"identity"`
	Weight    float64   `json:"weight"`
	Note      string    `json:"note,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Memory is a long-term memory fragment with its embedding, used for recall
// during reflection. Only the Postgres backend stores embeddings.
type Memory struct {
	ID        uuid.UUID        `json:"id"`
	Identity  string           `json:"identity"`
	Text      string           `json:"text"`
	Embedding *pgvector.Vector `json:"-"`
	CreatedAt time.Time        `json:"created_at"`
}
