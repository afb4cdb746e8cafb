package storage

import (
	"context"
	"fmt"

	"github.com/kokoro-ai/kokoro/internal/model"
)

// AppendTurn inserts one finalized turn.
func (db *DB) AppendTurn(ctx context.Context, t model.Turn) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO turns (id, identity, session_id, user_text, reply_text, safety_label, flagged, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		t.ID, t.Identity, t.SessionID, t.UserText, t.ReplyText, t.SafetyLabel, t.Flagged, t.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: append turn: %w", err)
	}
	return nil
}

// RecentTurns returns up to limit turns for identity, newest first.
// If limit <= 0 it defaults to 50.
func (db *DB) RecentTurns(ctx context.Context, identity string, limit int) ([]model.Turn, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.pool.Query(ctx,
		`SELECT id, identity, session_id, user_text, reply_text, safety_label, flagged, created_at
		 FROM turns WHERE identity = $1
		 ORDER BY created_at DESC
		 LIMIT $2`, identity, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: recent turns: %w", err)
	}
	defer rows.Close()

	var turns []model.Turn
	for rows.Next() {
		var t model.Turn
		if err := rows.Scan(&t.ID, &t.Identity, &t.SessionID, &t.UserText, &t.ReplyText,
			&t.SafetyLabel, &t.Flagged, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan turn: %w", err)
		}
		turns = append(turns, t)
	}
	return turns, rows.Err()
}
