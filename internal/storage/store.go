package storage

import (
	"context"

	"github.com/pgvector/pgvector-go"

	"github.com/kokoro-ai/kokoro/internal/model"
)

// Store is the durable persona store. Two backends implement it: Postgres
// (the production path, with LISTEN/NOTIFY and embedding columns) and SQLite
// (single-node deployments and tests).
//
// Writes issued from the reply path are fire-and-forget at the call site:
// callers log failures and never surface them to the user.
type Store interface {
	// LoadPersona returns the snapshot for identity, or ErrNotFound when the
	// persona has never been saved.
	LoadPersona(ctx context.Context, identity string) (*model.PersonaSnapshot, error)

	// SavePersona upserts the persona row. Nil fields of upd are left
	// untouched on an existing row and take their defaults on a new one.
	SavePersona(ctx context.Context, identity string, upd model.PersonaUpdate) error

	AppendTurn(ctx context.Context, t model.Turn) error
	AppendStateSnapshot(ctx context.Context, s model.StateSnapshot) error
	AppendGrowth(ctx context.Context, g model.GrowthEntry) error
	AppendMemory(ctx context.Context, m model.Memory) error

	// RecentTurns returns up to limit turns for identity, newest first.
	RecentTurns(ctx context.Context, identity string, limit int) ([]model.Turn, error)

	// GrowthHistory returns up to limit growth entries for identity, newest
	// first.
	GrowthHistory(ctx context.Context, identity string, limit int) ([]model.GrowthEntry, error)

	// PendingMemories returns memories not yet mirrored to the vector index,
	// oldest first.
	PendingMemories(ctx context.Context, limit int) ([]model.Memory, error)

	// MarkMemoriesMirrored clears the outbox entries for the given memories.
	MarkMemoriesMirrored(ctx context.Context, ids []string) error

	// SearchMemories returns up to limit memories for identity, most similar
	// to the query embedding first. Serves as the local recall path when no
	// external vector index is configured.
	SearchMemories(ctx context.Context, identity string, embedding pgvector.Vector, limit int) ([]model.Memory, error)

	Ping(ctx context.Context) error
	Close(ctx context.Context)
}
