package journal

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
)

// fakeStore records appended turns and snapshots; other Store methods are
// unused by the journal.
type fakeStore struct {
	mu        sync.Mutex
	turns     []model.Turn
	snapshots []model.StateSnapshot
	turnErr   error
	block     chan struct{} // when set, AppendTurn waits until closed
}

func (f *fakeStore) AppendTurn(_ context.Context, t model.Turn) error {
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.turnErr != nil {
		return f.turnErr
	}
	f.turns = append(f.turns, t)
	return nil
}

func (f *fakeStore) AppendStateSnapshot(_ context.Context, s model.StateSnapshot) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snapshots = append(f.snapshots, s)
	return nil
}

func (f *fakeStore) turnCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.turns)
}

func (f *fakeStore) snapshotCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.snapshots)
}

func (f *fakeStore) LoadPersona(context.Context, string) (*model.PersonaSnapshot, error) {
	return nil, errors.New("not implemented")
}
func (f *fakeStore) SavePersona(context.Context, string, model.PersonaUpdate) error { return nil }
func (f *fakeStore) AppendGrowth(context.Context, model.GrowthEntry) error          { return nil }
func (f *fakeStore) AppendMemory(context.Context, model.Memory) error               { return nil }
func (f *fakeStore) RecentTurns(context.Context, string, int) ([]model.Turn, error) {
	return nil, nil
}
func (f *fakeStore) GrowthHistory(context.Context, string, int) ([]model.GrowthEntry, error) {
	return nil, nil
}
func (f *fakeStore) PendingMemories(context.Context, int) ([]model.Memory, error) { return nil, nil }
func (f *fakeStore) MarkMemoriesMirrored(context.Context, []string) error         { return nil }
func (f *fakeStore) SearchMemories(context.Context, string, pgvector.Vector, int) ([]model.Memory, error) {
	return nil, nil
}
func (f *fakeStore) Ping(context.Context) error                                   { return nil }
func (f *fakeStore) Close(context.Context)                                        {}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestJournalWritesAsynchronously(t *testing.T) {
	store := &fakeStore{}
	j := New(store, slog.Default(), 16, time.Second)
	j.Start(context.Background())
	defer j.Drain(context.Background())

	require.NoError(t, j.AppendTurn(context.Background(), model.Turn{
		ID:       uuid.New(),
		Identity: "aoi",
	}))
	require.NoError(t, j.AppendStateSnapshot(context.Background(), model.StateSnapshot{
		ID:       uuid.New(),
		Identity: "aoi",
	}))

	waitFor(t, func() bool { return store.turnCount() == 1 && store.snapshotCount() == 1 })
}

func TestJournalDropsWhenFull(t *testing.T) {
	store := &fakeStore{block: make(chan struct{})}
	j := New(store, slog.Default(), 1, time.Second)
	j.Start(context.Background())

	// First entry is picked up by the writer and blocks; the second fills the
	// queue; the third must be dropped without blocking the caller.
	for range 3 {
		require.NoError(t, j.AppendTurn(context.Background(), model.Turn{ID: uuid.New()}))
	}
	waitFor(t, func() bool { return j.Dropped() >= 1 })

	close(store.block)
	j.Drain(context.Background())
	assert.Equal(t, 3, store.turnCount()+int(j.Dropped()), "every entry is either written or counted dropped")
}

func TestJournalWriteFailureIsDroppedNotRetried(t *testing.T) {
	store := &fakeStore{turnErr: errors.New("db down")}
	j := New(store, slog.Default(), 16, time.Second)
	j.Start(context.Background())

	require.NoError(t, j.AppendTurn(context.Background(), model.Turn{ID: uuid.New()}))
	j.Drain(context.Background())

	assert.Zero(t, store.turnCount())
	assert.Zero(t, j.Len(), "failed writes must not be requeued")
}

func TestJournalDrainAppliesQueuedEntries(t *testing.T) {
	store := &fakeStore{}
	j := New(store, slog.Default(), 16, time.Second)
	j.Start(context.Background())

	for range 5 {
		require.NoError(t, j.AppendTurn(context.Background(), model.Turn{ID: uuid.New()}))
	}
	j.Drain(context.Background())
	assert.Equal(t, 5, store.turnCount())
}
