package storage_test

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kokoro-ai/kokoro/internal/model"
	"github.com/kokoro-ai/kokoro/internal/storage"
	"github.com/kokoro-ai/kokoro/internal/testutil"
)

// testDB holds a shared test database connection for all tests in this package.
var testDB *storage.DB

func TestMain(m *testing.M) {
	ctx := context.Background()

	tc := testutil.MustStartPostgres()

	var err error
	testDB, err = tc.NewTestDB(ctx, testutil.TestLogger())
	if err != nil {
		fmt.Fprintf(os.Stderr, "storage test: %v\n", err)
		tc.Terminate()
		os.Exit(1)
	}

	code := m.Run()

	testDB.Close(ctx)
	tc.Terminate()
	os.Exit(code)
}

func TestLoadPersonaNotFound(t *testing.T) {
	_, err := testDB.LoadPersona(context.Background(), "nobody")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestSavePersonaPartialUpsert(t *testing.T) {
	ctx := context.Background()

	traits := model.TraitVector{Calm: 0.6, Empathy: 0.7, Curiosity: 0.4}
	summary := "keeps asking about the sea"
	require.NoError(t, testDB.SavePersona(ctx, "aoi", model.PersonaUpdate{
		Traits:      &traits,
		MetaSummary: &summary,
	}))

	got, err := testDB.LoadPersona(ctx, "aoi")
	require.NoError(t, err)
	assert.Equal(t, traits, got.Traits)
	assert.Equal(t, summary, got.MetaSummary)
	assert.Equal(t, 1.0, got.GrowthWeight)

	// A weight-only update must not clobber traits or summary.
	weight := 1.25
	require.NoError(t, testDB.SavePersona(ctx, "aoi", model.PersonaUpdate{GrowthWeight: &weight}))

	got, err = testDB.LoadPersona(ctx, "aoi")
	require.NoError(t, err)
	assert.Equal(t, traits, got.Traits)
	assert.Equal(t, summary, got.MetaSummary)
	assert.Equal(t, 1.25, got.GrowthWeight)
}

func TestSavePersonaNewRowDefaults(t *testing.T) {
	ctx := context.Background()

	weight := 2.0
	require.NoError(t, testDB.SavePersona(ctx, "fresh", model.PersonaUpdate{GrowthWeight: &weight}))

	got, err := testDB.LoadPersona(ctx, "fresh")
	require.NoError(t, err)
	assert.Equal(t, model.DefaultTraits(), got.Traits)
	assert.Empty(t, got.MetaSummary)
	assert.Equal(t, 2.0, got.GrowthWeight)
}

func TestAppendAndRecentTurns(t *testing.T) {
	ctx := context.Background()

	base := time.Now().UTC().Truncate(time.Microsecond)
	for i := range 3 {
		require.NoError(t, testDB.AppendTurn(ctx, model.Turn{
			ID:        uuid.New(),
			Identity:  "turner",
			SessionID: "s1",
			UserText:  fmt.Sprintf("message %d", i),
			ReplyText: fmt.Sprintf("reply %d", i),
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		}))
	}

	turns, err := testDB.RecentTurns(ctx, "turner", 2)
	require.NoError(t, err)
	require.Len(t, turns, 2)
	assert.Equal(t, "reply 2", turns[0].ReplyText)
	assert.Equal(t, "reply 1", turns[1].ReplyText)
}

func TestAppendStateSnapshotRoundTrip(t *testing.T) {
	ctx := context.Background()

	snap := model.StateSnapshot{
		ID:        uuid.New(),
		Identity:  "snappy",
		SessionID: "s1",
		Payload:   map[string]any{"calm": 0.5, "mood": "even"},
		CreatedAt: time.Now().UTC().Truncate(time.Microsecond),
	}
	require.NoError(t, testDB.AppendStateSnapshot(ctx, snap))

	got, err := testDB.RecentStateSnapshots(ctx, "snappy", 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, snap.Payload, got[0].Payload)
}

func TestGrowthHistory(t *testing.T) {
	ctx := context.Background()

	base := time.Now().UTC().Truncate(time.Microsecond)
	for i := range 2 {
		require.NoError(t, testDB.AppendGrowth(ctx, model.GrowthEntry{
			ID:        uuid.New(),
			Identity:  "grower",
			Weight:    float64(i),
			Note:      "reflection",
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		}))
	}

	entries, err := testDB.GrowthHistory(ctx, "grower", 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, 1.0, entries[0].Weight)
}

func TestMemoryOutboxLifecycle(t *testing.T) {
	ctx := context.Background()

	vec := pgvector.NewVector(testEmbedding(0.1))
	mem := model.Memory{
		ID:        uuid.New(),
		Identity:  "rememberer",
		Text:      "prefers rainy days",
		Embedding: &vec,
		CreatedAt: time.Now().UTC().Truncate(time.Microsecond),
	}
	require.NoError(t, testDB.AppendMemory(ctx, mem))

	pending, err := testDB.PendingMemories(ctx, 10)
	require.NoError(t, err)
	require.NotEmpty(t, pending)

	var found bool
	for _, m := range pending {
		if m.ID == mem.ID {
			found = true
			assert.Equal(t, mem.Text, m.Text)
		}
	}
	assert.True(t, found, "appended memory should be pending")

	require.NoError(t, testDB.MarkMemoriesMirrored(ctx, []string{mem.ID.String()}))

	pending, err = testDB.PendingMemories(ctx, 10)
	require.NoError(t, err)
	for _, m := range pending {
		assert.NotEqual(t, mem.ID, m.ID, "mirrored memory should leave the outbox")
	}
}

func TestSearchMemoriesOrdersByDistance(t *testing.T) {
	ctx := context.Background()

	near := pgvector.NewVector(testEmbedding(0.2))
	far := pgvector.NewVector(testEmbedding(-0.9))
	for text, vec := range map[string]pgvector.Vector{"near": near, "far": far} {
		require.NoError(t, testDB.AppendMemory(ctx, model.Memory{
			ID:        uuid.New(),
			Identity:  "searcher",
			Text:      text,
			Embedding: &vec,
			CreatedAt: time.Now().UTC(),
		}))
	}

	query := pgvector.NewVector(testEmbedding(0.21))
	got, err := testDB.SearchMemories(ctx, "searcher", query, 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "near", got[0].Text)
}

// testEmbedding builds a 1024-dim vector whose first component carries the
// signal; the rest is a constant fill.
func testEmbedding(lead float32) []float32 {
	v := make([]float32, 1024)
	v[0] = lead
	for i := 1; i < len(v); i++ {
		v[i] = 0.01
	}
	return v
}
