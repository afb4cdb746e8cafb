package storage

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
	_ "modernc.org/sqlite"

	"github.com/kokoro-ai/kokoro/internal/model"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS personas (
	identity      TEXT PRIMARY KEY,
	calm          REAL NOT NULL DEFAULT 0.5,
	empathy       REAL NOT NULL DEFAULT 0.5,
	curiosity     REAL NOT NULL DEFAULT 0.5,
	meta_summary  TEXT NOT NULL DEFAULT '',
	growth_weight REAL NOT NULL DEFAULT 1.0,
	updated_at    TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS turns (
	id           TEXT PRIMARY KEY,
	identity     TEXT NOT NULL,
	session_id   TEXT NOT NULL,
	user_text    TEXT NOT NULL,
	reply_text   TEXT NOT NULL,
	safety_label TEXT NOT NULL DEFAULT '',
	flagged      INTEGER NOT NULL DEFAULT 0,
	created_at   TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_turns_identity ON turns(identity, created_at);

CREATE TABLE IF NOT EXISTS state_snapshots (
	id         TEXT PRIMARY KEY,
	identity   TEXT NOT NULL,
	session_id TEXT NOT NULL,
	payload    TEXT NOT NULL,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_snapshots_identity ON state_snapshots(identity, created_at);

CREATE TABLE IF NOT EXISTS growth_log (
	id         TEXT PRIMARY KEY,
	identity   TEXT NOT NULL,
	weight     REAL NOT NULL,
	note       TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_growth_identity ON growth_log(identity, created_at);

CREATE TABLE IF NOT EXISTS memories (
	id         TEXT PRIMARY KEY,
	identity   TEXT NOT NULL,
	text       TEXT NOT NULL,
	embedding  BLOB,
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS memory_outbox (
	memory_id   TEXT PRIMARY KEY,
	enqueued_at TEXT NOT NULL,
	FOREIGN KEY (memory_id) REFERENCES memories(id)
);
`

// SQLite is the single-file Store backend for single-node deployments and
// tests. It has no notification channel; SSE subscribers on this backend
// fall back to the in-process broker path.
type SQLite struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ Store = (*SQLite)(nil)

// NewSQLite opens (creating if needed) the database file and applies the
// schema.
func NewSQLite(path string, logger *slog.Logger) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("storage: open sqlite: %w", err)
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("storage: %s: %w", pragma, err)
		}
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage: apply sqlite schema: %w", err)
	}
	return &SQLite{db: db, logger: logger}, nil
}

func (s *SQLite) LoadPersona(ctx context.Context, identity string) (*model.PersonaSnapshot, error) {
	var (
		p       model.PersonaSnapshot
		updated string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT identity, calm, empathy, curiosity, meta_summary, growth_weight, updated_at
		 FROM personas WHERE identity = ?`, identity,
	).Scan(&p.Identity, &p.Traits.Calm, &p.Traits.Empathy, &p.Traits.Curiosity,
		&p.MetaSummary, &p.GrowthWeight, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("storage: load persona: %w", err)
	}
	p.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
	return &p, nil
}

func (s *SQLite) SavePersona(ctx context.Context, identity string, upd model.PersonaUpdate) error {
	var calm, empathy, curiosity any
	if upd.Traits != nil {
		calm, empathy, curiosity = upd.Traits.Calm, upd.Traits.Empathy, upd.Traits.Curiosity
	}
	var summary, weight any
	if upd.MetaSummary != nil {
		summary = *upd.MetaSummary
	}
	if upd.GrowthWeight != nil {
		weight = *upd.GrowthWeight
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO personas (identity, calm, empathy, curiosity, meta_summary, growth_weight, updated_at)
		 VALUES (?1,
		         COALESCE(?2, 0.5), COALESCE(?3, 0.5), COALESCE(?4, 0.5),
		         COALESCE(?5, ''), COALESCE(?6, 1.0), ?7)
		 ON CONFLICT (identity) DO UPDATE SET
		         calm          = COALESCE(?2, personas.calm),
		         empathy       = COALESCE(?3, personas.empathy),
		         curiosity     = COALESCE(?4, personas.curiosity),
		         meta_summary  = COALESCE(?5, personas.meta_summary),
		         growth_weight = COALESCE(?6, personas.growth_weight),
		         updated_at    = ?7`,
		identity, calm, empathy, curiosity, summary, weight, now,
	)
	if err != nil {
		return fmt.Errorf("storage: save persona: %w", err)
	}
	return nil
}

func (s *SQLite) AppendTurn(ctx context.Context, t model.Turn) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO turns (id, identity, session_id, user_text, reply_text, safety_label, flagged, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID.String(), t.Identity, t.SessionID, t.UserText, t.ReplyText,
		t.SafetyLabel, boolToInt(t.Flagged), t.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("storage: append turn: %w", err)
	}
	return nil
}

func (s *SQLite) AppendStateSnapshot(ctx context.Context, snap model.StateSnapshot) error {
	payload, err := json.Marshal(snap.Payload)
	if err != nil {
		return fmt.Errorf("storage: marshal state payload: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO state_snapshots (id, identity, session_id, payload, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		snap.ID.String(), snap.Identity, snap.SessionID, string(payload),
		snap.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("storage: append state snapshot: %w", err)
	}
	return nil
}

func (s *SQLite) AppendGrowth(ctx context.Context, g model.GrowthEntry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO growth_log (id, identity, weight, note, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		g.ID.String(), g.Identity, g.Weight, g.Note, g.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("storage: append growth: %w", err)
	}
	return nil
}

func (s *SQLite) AppendMemory(ctx context.Context, m model.Memory) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage: begin append memory: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var embedding any
	if m.Embedding != nil {
		embedding = encodeEmbedding(m.Embedding.Slice())
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO memories (id, identity, text, embedding, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		m.ID.String(), m.Identity, m.Text, embedding, m.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("storage: append memory: %w", err)
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err = tx.ExecContext(ctx,
		`INSERT INTO memory_outbox (memory_id, enqueued_at) VALUES (?, ?)
		 ON CONFLICT (memory_id) DO NOTHING`, m.ID.String(), now,
	)
	if err != nil {
		return fmt.Errorf("storage: enqueue memory outbox: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("storage: commit append memory: %w", err)
	}
	return nil
}

func (s *SQLite) RecentTurns(ctx context.Context, identity string, limit int) ([]model.Turn, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, identity, session_id, user_text, reply_text, safety_label, flagged, created_at
		 FROM turns WHERE identity = ?
		 ORDER BY created_at DESC
		 LIMIT ?`, identity, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: recent turns: %w", err)
	}
	defer rows.Close()

	var turns []model.Turn
	for rows.Next() {
		var (
			t           model.Turn
			id, created string
			flagged     int
		)
		if err := rows.Scan(&id, &t.Identity, &t.SessionID, &t.UserText, &t.ReplyText,
			&t.SafetyLabel, &flagged, &created); err != nil {
			return nil, fmt.Errorf("storage: scan turn: %w", err)
		}
		t.ID, _ = uuid.Parse(id)
		t.Flagged = flagged != 0
		t.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		turns = append(turns, t)
	}
	return turns, rows.Err()
}

func (s *SQLite) GrowthHistory(ctx context.Context, identity string, limit int) ([]model.GrowthEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, identity, weight, note, created_at
		 FROM growth_log WHERE identity = ?
		 ORDER BY created_at DESC
		 LIMIT ?`, identity, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: growth history: %w", err)
	}
	defer rows.Close()

	var entries []model.GrowthEntry
	for rows.Next() {
		var (
			g           model.GrowthEntry
			id, created string
		)
		if err := rows.Scan(&id, &g.Identity, &g.Weight, &g.Note, &created); err != nil {
			return nil, fmt.Errorf("storage: scan growth entry: %w", err)
		}
		g.ID, _ = uuid.Parse(id)
		g.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		entries = append(entries, g)
	}
	return entries, rows.Err()
}

func (s *SQLite) PendingMemories(ctx context.Context, limit int) ([]model.Memory, error) {
	if limit <= 0 {
		limit = 64
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT m.id, m.identity, m.text, m.embedding, m.created_at
		 FROM memory_outbox o
		 JOIN memories m ON m.id = o.memory_id
		 ORDER BY o.enqueued_at ASC
		 LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: pending memories: %w", err)
	}
	defer rows.Close()

	var memories []model.Memory
	for rows.Next() {
		var (
			m           model.Memory
			id, created string
			blob        []byte
		)
		if err := rows.Scan(&id, &m.Identity, &m.Text, &blob, &created); err != nil {
			return nil, fmt.Errorf("storage: scan memory: %w", err)
		}
		m.ID, _ = uuid.Parse(id)
		m.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		if len(blob) > 0 {
			vec := pgvector.NewVector(decodeEmbedding(blob))
			m.Embedding = &vec
		}
		memories = append(memories, m)
	}
	return memories, rows.Err()
}

// SearchMemories ranks the identity's memories by cosine similarity to the
// query embedding, computed in process since SQLite has no vector operator.
// Rows without an embedding, and all rows when the query vector is zero,
// keep their newest-first order behind the ranked ones.
func (s *SQLite) SearchMemories(ctx context.Context, identity string, embedding pgvector.Vector, limit int) ([]model.Memory, error) {
	if limit <= 0 {
		limit = 5
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, identity, text, embedding, created_at
		 FROM memories
		 WHERE identity = ?
		 ORDER BY created_at DESC`, identity,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: search memories: %w", err)
	}
	defer rows.Close()

	query := embedding.Slice()
	type scored struct {
		memory model.Memory
		sim    float64
	}
	var candidates []scored
	for rows.Next() {
		var (
			m           model.Memory
			id, created string
			blob        []byte
		)
		if err := rows.Scan(&id, &m.Identity, &m.Text, &blob, &created); err != nil {
			return nil, fmt.Errorf("storage: scan memory: %w", err)
		}
		m.ID, _ = uuid.Parse(id)
		m.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		sim := 0.0
		if len(blob) > 0 {
			stored := decodeEmbedding(blob)
			vec := pgvector.NewVector(stored)
			m.Embedding = &vec
			sim = cosineSimilarity(query, stored)
		}
		candidates = append(candidates, scored{memory: m, sim: sim})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Stable sort keeps newest-first order among equal scores.
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].sim > candidates[j].sim
	})
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}
	memories := make([]model.Memory, len(candidates))
	for i, c := range candidates {
		memories[i] = c.memory
	}
	return memories, nil
}

// cosineSimilarity returns 0 for mismatched lengths or zero vectors.
func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func (s *SQLite) MarkMemoriesMirrored(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage: begin mark mirrored: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, `DELETE FROM memory_outbox WHERE memory_id = ?`, id); err != nil {
			return fmt.Errorf("storage: mark memory mirrored: %w", err)
		}
	}
	return tx.Commit()
}

func (s *SQLite) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLite) Close(ctx context.Context) {
	if err := s.db.Close(); err != nil && s.logger != nil {
		s.logger.Warn("storage: close sqlite", "error", err)
	}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Embeddings are stored as little-endian float32 blobs; SQLite has no
// vector type.
func encodeEmbedding(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func decodeEmbedding(b []byte) []float32 {
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v
}
