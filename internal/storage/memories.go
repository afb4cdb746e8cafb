package storage

import (
	"context"
	"fmt"

	"github.com/pgvector/pgvector-go"

	"github.com/kokoro-ai/kokoro/internal/model"
)

// AppendMemory inserts one memory fragment and enqueues it for mirroring to
// the vector index. Both writes happen in one transaction so the mirror
// never misses a row.
func (db *DB) AppendMemory(ctx context.Context, m model.Memory) error {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("storage: begin append memory: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	_, err = tx.Exec(ctx,
		`INSERT INTO memories (id, identity, text, embedding, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		m.ID, m.Identity, m.Text, m.Embedding, m.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: append memory: %w", err)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO memory_outbox (memory_id, enqueued_at) VALUES ($1, now())
		 ON CONFLICT (memory_id) DO NOTHING`, m.ID,
	)
	if err != nil {
		return fmt.Errorf("storage: enqueue memory outbox: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("storage: commit append memory: %w", err)
	}
	return nil
}

// PendingMemories returns memories whose outbox entry has not been cleared,
// oldest first.
func (db *DB) PendingMemories(ctx context.Context, limit int) ([]model.Memory, error) {
	if limit <= 0 {
		limit = 64
	}
	rows, err := db.pool.Query(ctx,
		`SELECT m.id, m.identity, m.text, m.embedding, m.created_at
		 FROM memory_outbox o
		 JOIN memories m ON m.id = o.memory_id
		 ORDER BY o.enqueued_at ASC
		 LIMIT $1`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: pending memories: %w", err)
	}
	defer rows.Close()

	var memories []model.Memory
	for rows.Next() {
		var m model.Memory
		if err := rows.Scan(&m.ID, &m.Identity, &m.Text, &m.Embedding, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan memory: %w", err)
		}
		memories = append(memories, m)
	}
	return memories, rows.Err()
}

// MarkMemoriesMirrored deletes the outbox entries for the given memory IDs.
func (db *DB) MarkMemoriesMirrored(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := db.pool.Exec(ctx,
		`DELETE FROM memory_outbox WHERE memory_id = ANY($1)`, ids,
	)
	if err != nil {
		return fmt.Errorf("storage: mark memories mirrored: %w", err)
	}
	return nil
}

// SearchMemories returns up to limit memories for identity ordered by cosine
// distance to the query embedding. Used as the local fallback when no
// external vector index is configured.
func (db *DB) SearchMemories(ctx context.Context, identity string, embedding pgvector.Vector, limit int) ([]model.Memory, error) {
	if limit <= 0 {
		limit = 5
	}
	rows, err := db.pool.Query(ctx,
		`SELECT id, identity, text, embedding, created_at
		 FROM memories
		 WHERE identity = $1 AND embedding IS NOT NULL
		 ORDER BY embedding <=> $2
		 LIMIT $3`, identity, embedding, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: search memories: %w", err)
	}
	defer rows.Close()

	var memories []model.Memory
	for rows.Next() {
		var m model.Memory
		if err := rows.Scan(&m.ID, &m.Identity, &m.Text, &m.Embedding, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan memory: %w", err)
		}
		memories = append(memories, m)
	}
	return memories, rows.Err()
}
