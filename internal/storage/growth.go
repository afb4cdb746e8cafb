package storage

import (
	"context"
	"fmt"

	"github.com/kokoro-ai/kokoro/internal/model"
)

// AppendGrowth inserts one growth log entry.
func (db *DB) AppendGrowth(ctx context.Context, g model.GrowthEntry) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO growth_log (id, identity, weight, note, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		g.ID, g.Identity, g.Weight, g.Note, g.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: append growth: %w", err)
	}
	return nil
}

// GrowthHistory returns up to limit growth entries for identity, newest
// first. If limit <= 0 it defaults to 100.
func (db *DB) GrowthHistory(ctx context.Context, identity string, limit int) ([]model.GrowthEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.pool.Query(ctx,
		`SELECT id, identity, weight, note, created_at
		 FROM growth_log WHERE identity = $1
		 ORDER BY created_at DESC
		 LIMIT $2`, identity, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: growth history: %w", err)
	}
	defer rows.Close()

	var entries []model.GrowthEntry
	for rows.Next() {
		var g model.GrowthEntry
		if err := rows.Scan(&g.ID, &g.Identity, &g.Weight, &g.Note, &g.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan growth entry: %w", err)
		}
		entries = append(entries, g)
	}
	return entries, rows.Err()
}
