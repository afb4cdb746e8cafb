package mcp

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	"github.com/pgvector/pgvector-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kokoro-ai/kokoro/internal/model"
	"github.com/kokoro-ai/kokoro/internal/storage"
)

// fakeStore serves canned persona data; write methods are unused here.
type fakeStore struct {
	personas map[string]model.PersonaSnapshot
	turns    []model.Turn
}

func (f *fakeStore) LoadPersona(_ context.Context, identity string) (*model.PersonaSnapshot, error) {
	snap, ok := f.personas[identity]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return &snap, nil
}

func (f *fakeStore) RecentTurns(_ context.Context, identity string, limit int) ([]model.Turn, error) {
	var out []model.Turn
	for i := len(f.turns) - 1; i >= 0 && len(out) < limit; i-- {
		if f.turns[i].Identity == identity {
			out = append(out, f.turns[i])
		}
	}
	return out, nil
}

func (f *fakeStore) SavePersona(context.Context, string, model.PersonaUpdate) error { return nil }
func (f *fakeStore) AppendTurn(context.Context, model.Turn) error                   { return nil }
func (f *fakeStore) AppendStateSnapshot(context.Context, model.StateSnapshot) error { return nil }
func (f *fakeStore) AppendGrowth(context.Context, model.GrowthEntry) error          { return nil }
func (f *fakeStore) AppendMemory(context.Context, model.Memory) error               { return nil }
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

type fakeCycle struct {
	last model.ReflectRequest
}

func (f *fakeCycle) Run(_ context.Context, req model.ReflectRequest) model.ReflectResponse {
	f.last = req
	return model.ReflectResponse{
		Reflection:  "a quiet exchange",
		FinalTraits: model.DefaultTraits(),
	}
}

type fakeRecaller struct{ texts []string }

func (f *fakeRecaller) Recall(context.Context, string, string, int) ([]string, error) {
	return f.texts, nil
}

func toolRequest(name string, args map[string]any) mcplib.CallToolRequest {
	return mcplib.CallToolRequest{
		Params: mcplib.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
}

func testServer(store *fakeStore, cycle Reflector, memories Recaller) *Server {
	return New(store, cycle, memories, slog.Default(), "test")
}

func TestHandlePersonaState(t *testing.T) {
	store := &fakeStore{personas: map[string]model.PersonaSnapshot{
		"aoi": {Identity: "aoi", Traits: model.TraitVector{Calm: 0.7, Empathy: 0.5, Curiosity: 0.5}},
	}}
	s := testServer(store, &fakeCycle{}, nil)

	result, err := s.handlePersonaState(context.Background(),
		toolRequest("kokoro_persona_state", map[string]any{"identity": "aoi"}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	text := result.Content[0].(mcplib.TextContent).Text
	var snap model.PersonaSnapshot
	require.NoError(t, json.Unmarshal([]byte(text), &snap))
	assert.Equal(t, 0.7, snap.Traits.Calm)
}

func TestHandlePersonaStateNotFound(t *testing.T) {
	s := testServer(&fakeStore{personas: map[string]model.PersonaSnapshot{}}, &fakeCycle{}, nil)

	result, err := s.handlePersonaState(context.Background(),
		toolRequest("kokoro_persona_state", map[string]any{"identity": "nobody"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestHandlePersonaStateMissingIdentity(t *testing.T) {
	s := testServer(&fakeStore{}, &fakeCycle{}, nil)

	result, err := s.handlePersonaState(context.Background(),
		toolRequest("kokoro_persona_state", map[string]any{}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestHandleRecentTurns(t *testing.T) {
	store := &fakeStore{turns: []model.Turn{
		{Identity: "aoi", UserText: "one"},
		{Identity: "aoi", UserText: "two"},
		{Identity: "ren", UserText: "other"},
	}}
	s := testServer(store, &fakeCycle{}, nil)

	result, err := s.handleRecentTurns(context.Background(),
		toolRequest("kokoro_recent_turns", map[string]any{"identity": "aoi", "limit": 1}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	text := result.Content[0].(mcplib.TextContent).Text
	var payload struct {
		Turns []model.Turn `json:"turns"`
		Total int          `json:"total"`
	}
	require.NoError(t, json.Unmarshal([]byte(text), &payload))
	require.Equal(t, 1, payload.Total)
	assert.Equal(t, "two", payload.Turns[0].UserText)
}

func TestHandleReflect(t *testing.T) {
	cycle := &fakeCycle{}
	s := testServer(&fakeStore{}, cycle, nil)

	dialogue, _ := json.Marshal([]model.ChatMessage{
		{Role: "user", Content: "hello"},
		{Role: "assistant", Content: "hi there"},
	})
	result, err := s.handleReflect(context.Background(),
		toolRequest("kokoro_reflect", map[string]any{
			"identity": "aoi",
			"dialogue": string(dialogue),
		}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	assert.Equal(t, "aoi", cycle.last.Identity)
	require.Len(t, cycle.last.Dialogue, 2)

	text := result.Content[0].(mcplib.TextContent).Text
	var resp model.ReflectResponse
	require.NoError(t, json.Unmarshal([]byte(text), &resp))
	assert.Equal(t, "a quiet exchange", resp.Reflection)
}

func TestHandleReflectBadDialogue(t *testing.T) {
	s := testServer(&fakeStore{}, &fakeCycle{}, nil)

	result, err := s.handleReflect(context.Background(),
		toolRequest("kokoro_reflect", map[string]any{
			"identity": "aoi",
			"dialogue": "not json",
		}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestHandleRecall(t *testing.T) {
	s := testServer(&fakeStore{}, &fakeCycle{}, &fakeRecaller{texts: []string{"likes rain"}})

	result, err := s.handleRecall(context.Background(),
		toolRequest("kokoro_recall", map[string]any{"identity": "aoi", "query": "weather"}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	text := result.Content[0].(mcplib.TextContent).Text
	assert.Contains(t, text, "likes rain")
}

func TestHandleRecallUnconfigured(t *testing.T) {
	s := testServer(&fakeStore{}, &fakeCycle{}, nil)

	result, err := s.handleRecall(context.Background(),
		toolRequest("kokoro_recall", map[string]any{"identity": "aoi", "query": "weather"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestHandlePersonaResource(t *testing.T) {
	store := &fakeStore{personas: map[string]model.PersonaSnapshot{
		"aoi": {Identity: "aoi", MetaSummary: "gentle"},
	}}
	s := testServer(store, &fakeCycle{}, nil)

	contents, err := s.handlePersonaResource(context.Background(), mcplib.ReadResourceRequest{
		Params: mcplib.ReadResourceParams{URI: "kokoro://personas/aoi"},
	})
	require.NoError(t, err)
	require.Len(t, contents, 1)
	assert.Contains(t, contents[0].(mcplib.TextResourceContents).Text, "gentle")

	_, err = s.handlePersonaResource(context.Background(), mcplib.ReadResourceRequest{
		Params: mcplib.ReadResourceParams{URI: "bogus://uri"},
	})
	assert.Error(t, err)
}
