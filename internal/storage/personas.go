package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/kokoro-ai/kokoro/internal/model"
)

// LoadPersona returns the persona snapshot for identity, or ErrNotFound.
func (db *DB) LoadPersona(ctx context.Context, identity string) (*model.PersonaSnapshot, error) {
	var p model.PersonaSnapshot
	err := db.pool.QueryRow(ctx,
		`SELECT identity, calm, empathy, curiosity, meta_summary, growth_weight, updated_at
		 FROM personas WHERE identity = $1`, identity,
	).Scan(&p.Identity, &p.Traits.Calm, &p.Traits.Empathy, &p.Traits.Curiosity,
		&p.MetaSummary, &p.GrowthWeight, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("storage: load persona: %w", err)
	}
	return &p, nil
}

// SavePersona upserts the persona row. Nil fields of upd keep the stored
// values on an existing row; a new row starts from the neutral defaults.
// Serialization conflicts with a concurrent cycle are retried.
func (db *DB) SavePersona(ctx context.Context, identity string, upd model.PersonaUpdate) error {
	var calm, empathy, curiosity *float64
	if upd.Traits != nil {
		calm, empathy, curiosity = &upd.Traits.Calm, &upd.Traits.Empathy, &upd.Traits.Curiosity
	}

	err := WithRetry(ctx, 3, 50*time.Millisecond, func() error {
		_, err := db.pool.Exec(ctx,
			`INSERT INTO personas (identity, calm, empathy, curiosity, meta_summary, growth_weight, updated_at)
			 VALUES ($1,
			         COALESCE($2, 0.5), COALESCE($3, 0.5), COALESCE($4, 0.5),
			         COALESCE($5, ''), COALESCE($6, 1.0), now())
			 ON CONFLICT (identity) DO UPDATE SET
			         calm          = COALESCE($2, personas.calm),
			         empathy       = COALESCE($3, personas.empathy),
			         curiosity     = COALESCE($4, personas.curiosity),
			         meta_summary  = COALESCE($5, personas.meta_summary),
			         growth_weight = COALESCE($6, personas.growth_weight),
			         updated_at    = now()`,
			identity, calm, empathy, curiosity, upd.MetaSummary, upd.GrowthWeight,
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("storage: save persona: %w", err)
	}
	return nil
}
