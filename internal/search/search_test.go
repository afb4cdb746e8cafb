package search

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kokoro-ai/kokoro/internal/model"
	"github.com/kokoro-ai/kokoro/internal/service/embedding"
)

// fakeIndex records upserts and serves canned hits.
type fakeIndex struct {
	mu        sync.Mutex
	points    []Point
	hits      []Hit
	queryErr  error
	upsertErr error
}

func (f *fakeIndex) Query(context.Context, string, []float32, int) ([]Hit, error) {
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	return f.hits, nil
}

func (f *fakeIndex) Upsert(_ context.Context, points []Point) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.upsertErr != nil {
		return f.upsertErr
	}
	f.points = append(f.points, points...)
	return nil
}

func (f *fakeIndex) pointCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.points)
}

// outboxStore is an in-memory memory outbox; unused Store methods are no-ops.
type outboxStore struct {
	mu       sync.Mutex
	pending  []model.Memory
	appended []model.Memory
	local    []model.Memory // canned SearchMemories results
	searches int
}

func (s *outboxStore) AppendMemory(_ context.Context, m model.Memory) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appended = append(s.appended, m)
	s.pending = append(s.pending, m)
	return nil
}

func (s *outboxStore) PendingMemories(_ context.Context, limit int) ([]model.Memory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) > limit {
		return append([]model.Memory(nil), s.pending[:limit]...), nil
	}
	return append([]model.Memory(nil), s.pending...), nil
}

func (s *outboxStore) MarkMemoriesMirrored(_ context.Context, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	mirrored := make(map[string]bool, len(ids))
	for _, id := range ids {
		mirrored[id] = true
	}
	var rest []model.Memory
	for _, m := range s.pending {
		if !mirrored[m.ID.String()] {
			rest = append(rest, m)
		}
	}
	s.pending = rest
	return nil
}

func (s *outboxStore) pendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

func (s *outboxStore) LoadPersona(context.Context, string) (*model.PersonaSnapshot, error) {
	return nil, errors.New("not implemented")
}
func (s *outboxStore) SavePersona(context.Context, string, model.PersonaUpdate) error { return nil }
func (s *outboxStore) AppendTurn(context.Context, model.Turn) error                   { return nil }
func (s *outboxStore) AppendStateSnapshot(context.Context, model.StateSnapshot) error { return nil }
func (s *outboxStore) AppendGrowth(context.Context, model.GrowthEntry) error          { return nil }
func (s *outboxStore) RecentTurns(context.Context, string, int) ([]model.Turn, error) {
	return nil, nil
}
func (s *outboxStore) GrowthHistory(context.Context, string, int) ([]model.GrowthEntry, error) {
	return nil, nil
}
func (s *outboxStore) SearchMemories(context.Context, string, pgvector.Vector, int) ([]model.Memory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.searches++
	return s.local, nil
}
func (s *outboxStore) Ping(context.Context) error { return nil }
func (s *outboxStore) Close(context.Context)      {}

func TestBankRecallReturnsTexts(t *testing.T) {
	index := &fakeIndex{hits: []Hit{
		{ID: uuid.New(), Text: "likes rainy days", Score: 0.9},
		{ID: uuid.New(), Text: "", Score: 0.4}, // payload lost its text; skipped
	}}
	bank := NewBank(&outboxStore{}, embedding.NewNoopProvider(8), index, slog.Default())

	texts, err := bank.Recall(context.Background(), "aoi", "rain", 5)
	require.NoError(t, err)
	assert.Equal(t, []string{"likes rainy days"}, texts)
}

func TestBankRecallWithoutIndexUsesStore(t *testing.T) {
	store := &outboxStore{local: []model.Memory{
		{ID: uuid.New(), Identity: "aoi", Text: "likes rainy days"},
		{ID: uuid.New(), Identity: "aoi", Text: ""},
	}}
	bank := NewBank(store, embedding.NewNoopProvider(8), nil, slog.Default())

	texts, err := bank.Recall(context.Background(), "aoi", "rain", 5)
	require.NoError(t, err)
	assert.Equal(t, []string{"likes rainy days"}, texts)
	assert.Equal(t, 1, store.searches)
}

func TestBankRecallFallsBackOnIndexError(t *testing.T) {
	store := &outboxStore{local: []model.Memory{
		{ID: uuid.New(), Identity: "aoi", Text: "from the store"},
	}}
	index := &fakeIndex{queryErr: errors.New("qdrant down")}
	bank := NewBank(store, embedding.NewNoopProvider(8), index, slog.Default())

	texts, err := bank.Recall(context.Background(), "aoi", "rain", 5)
	require.NoError(t, err)
	assert.Equal(t, []string{"from the store"}, texts)
}

func TestBankRecallFallsBackOnEmptyHits(t *testing.T) {
	store := &outboxStore{local: []model.Memory{
		{ID: uuid.New(), Identity: "aoi", Text: "not yet mirrored"},
	}}
	bank := NewBank(store, embedding.NewNoopProvider(8), &fakeIndex{}, slog.Default())

	texts, err := bank.Recall(context.Background(), "aoi", "rain", 5)
	require.NoError(t, err)
	assert.Equal(t, []string{"not yet mirrored"}, texts, "mirror lag falls back to the store")
}

func TestBankRememberAppendsToStore(t *testing.T) {
	store := &outboxStore{}
	bank := NewBank(store, embedding.NewNoopProvider(8), &fakeIndex{}, slog.Default())

	require.NoError(t, bank.Remember(context.Background(), "aoi", "saw a rainbow"))
	require.Len(t, store.appended, 1)
	assert.Equal(t, "saw a rainbow", store.appended[0].Text)
	require.NotNil(t, store.appended[0].Embedding)
}

func TestMirrorWorkerMirrorsPending(t *testing.T) {
	store := &outboxStore{}
	vec := pgvector.NewVector([]float32{1, 2, 3})
	for range 3 {
		require.NoError(t, store.AppendMemory(context.Background(), model.Memory{
			ID:        uuid.New(),
			Identity:  "aoi",
			Text:      "fragment",
			Embedding: &vec,
			CreatedAt: time.Now().UTC(),
		}))
	}

	index := &fakeIndex{}
	w := NewMirrorWorker(store, index, slog.Default(), 10*time.Millisecond, 8)
	w.Start(context.Background())

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && store.pendingCount() > 0 {
		time.Sleep(5 * time.Millisecond)
	}
	w.Drain(context.Background())

	assert.Zero(t, store.pendingCount())
	assert.Equal(t, 3, index.pointCount())
}

func TestMirrorWorkerRetriesOnUpsertFailure(t *testing.T) {
	store := &outboxStore{}
	vec := pgvector.NewVector([]float32{1})
	require.NoError(t, store.AppendMemory(context.Background(), model.Memory{
		ID: uuid.New(), Identity: "aoi", Text: "f", Embedding: &vec, CreatedAt: time.Now().UTC(),
	}))

	index := &fakeIndex{upsertErr: errors.New("qdrant down")}
	w := NewMirrorWorker(store, index, slog.Default(), 10*time.Millisecond, 8)
	w.Start(context.Background())
	time.Sleep(50 * time.Millisecond)
	w.Drain(context.Background())

	assert.Equal(t, 1, store.pendingCount(), "failed upserts stay in the outbox")
}

func TestParseQdrantURL(t *testing.T) {
	tests := []struct {
		in      string
		host    string
		port    int
		useTLS  bool
		wantErr bool
	}{
		{in: "https://xyz.cloud.qdrant.io:6333", host: "xyz.cloud.qdrant.io", port: 6334, useTLS: true},
		{in: "http://localhost:6333", host: "localhost", port: 6334},
		{in: "http://localhost:6334", host: "localhost", port: 6334},
		{in: "http://localhost:7000", host: "localhost", port: 7000},
		{in: "http://localhost", host: "localhost", port: 6334},
		{in: "not a url", wantErr: true},
	}
	for _, tt := range tests {
		host, port, useTLS, err := parseQdrantURL(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.host, host, tt.in)
		assert.Equal(t, tt.port, port, tt.in)
		assert.Equal(t, tt.useTLS, useTLS, tt.in)
	}
}
