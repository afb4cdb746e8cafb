package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/kokoro-ai/kokoro/internal/model"
)

// AppendStateSnapshot inserts one opaque state payload and notifies SSE
// subscribers. The notify is best-effort.
func (db *DB) AppendStateSnapshot(ctx context.Context, s model.StateSnapshot) error {
	payload, err := json.Marshal(s.Payload)
	if err != nil {
		return fmt.Errorf("storage: marshal state payload: %w", err)
	}
	_, err = db.pool.Exec(ctx,
		`INSERT INTO state_snapshots (id, identity, session_id, payload, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		s.ID, s.Identity, s.SessionID, payload, s.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: append state snapshot: %w", err)
	}

	event, err := json.Marshal(s)
	if err == nil {
		if err := db.Notify(ctx, ChannelState, string(event)); err != nil {
			db.logger.Warn("storage: notify state snapshot", "identity", s.Identity, "error", err)
		}
	}
	return nil
}

// RecentStateSnapshots returns up to limit snapshots for identity, newest
// first. If limit <= 0 it defaults to 20.
func (db *DB) RecentStateSnapshots(ctx context.Context, identity string, limit int) ([]model.StateSnapshot, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := db.pool.Query(ctx,
		`SELECT id, identity, session_id, payload, created_at
		 FROM state_snapshots WHERE identity = $1
		 ORDER BY created_at DESC
		 LIMIT $2`, identity, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: recent state snapshots: %w", err)
	}
	defer rows.Close()

	var snaps []model.StateSnapshot
	for rows.Next() {
		var (
			s       model.StateSnapshot
			payload []byte
		)
		if err := rows.Scan(&s.ID, &s.Identity, &s.SessionID, &payload, &s.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan state snapshot: %w", err)
		}
		if err := json.Unmarshal(payload, &s.Payload); err != nil {
			return nil, fmt.Errorf("storage: unmarshal state payload: %w", err)
		}
		snaps = append(snaps, s)
	}
	return snaps, rows.Err()
}
