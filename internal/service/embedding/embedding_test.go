package embedding

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testVector(dims int, lead float32) []float32 {
	vec := make([]float32, dims)
	vec[0] = lead
	return vec
}

func TestOllamaProviderEmbed(t *testing.T) {
	var calls atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		require.Equal(t, "/api/embeddings", r.URL.Path)
		require.Equal(t, http.MethodPost, r.Method)

		var req ollamaEmbedRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "test-model", req.Model)

		_ = json.NewEncoder(w).Encode(ollamaEmbedResponse{Embedding: testVector(8, 0.5)})
	}))
	defer server.Close()

	p := NewOllamaProvider(server.URL, "test-model", 8)
	assert.Equal(t, 8, p.Dimensions())

	vec, err := p.Embed(context.Background(), "rainy day")
	require.NoError(t, err)
	require.Len(t, vec.Slice(), 8)
	assert.InDelta(t, 0.5, vec.Slice()[0], 1e-6)

	vecs, err := p.EmbedBatch(context.Background(), []string{"a", "b", "c"})
	require.NoError(t, err)
	require.Len(t, vecs, 3)
	assert.EqualValues(t, 4, calls.Load())

	empty, err := p.EmbedBatch(context.Background(), nil)
	require.NoError(t, err)
	assert.Nil(t, empty)
}

func TestOllamaProviderErrors(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{"server error", func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "internal error", http.StatusInternalServerError)
		}},
		{"empty embedding", func(w http.ResponseWriter, r *http.Request) {
			_ = json.NewEncoder(w).Encode(ollamaEmbedResponse{})
		}},
		{"invalid json", func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte("not json"))
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(tt.handler)
			defer server.Close()

			p := NewOllamaProvider(server.URL, "test-model", 8)
			_, err := p.Embed(context.Background(), "test")
			assert.Error(t, err)
		})
	}
}

func TestOllamaBatchFailsOnAnyItem(t *testing.T) {
	var calls atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 2 {
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		_ = json.NewEncoder(w).Encode(ollamaEmbedResponse{Embedding: testVector(8, 1)})
	}))
	defer server.Close()

	p := NewOllamaProvider(server.URL, "test-model", 8)
	_, err := p.EmbedBatch(context.Background(), []string{"a", "b", "c"})
	assert.Error(t, err)
}

func TestOpenAIProviderEmbedBatch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/embeddings", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))

		var req openAIEmbedRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Len(t, req.Input, 2)

		// Out-of-order response; the provider must place by index.
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{
				{"embedding": testVector(8, 2), "index": 1},
				{"embedding": testVector(8, 1), "index": 0},
			},
		})
	}))
	defer server.Close()

	p := NewOpenAIProvider("sk-test", "text-embedding-3-small", 8)
	p.baseURL = server.URL

	vecs, err := p.EmbedBatch(context.Background(), []string{"first", "second"})
	require.NoError(t, err)
	require.Len(t, vecs, 2)
	assert.InDelta(t, 1, vecs[0].Slice()[0], 1e-6)
	assert.InDelta(t, 2, vecs[1].Slice()[0], 1e-6)
}

func TestOpenAIProviderAPIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]any{"message": "bad key", "type": "invalid_request_error"},
		})
	}))
	defer server.Close()

	p := NewOpenAIProvider("sk-bad", "text-embedding-3-small", 8)
	p.baseURL = server.URL

	_, err := p.Embed(context.Background(), "test")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad key")
}

func TestNoopProvider(t *testing.T) {
	p := NewNoopProvider(8)
	vec, err := p.Embed(context.Background(), "anything")
	require.NoError(t, err)
	assert.Equal(t, make([]float32, 8), vec.Slice())

	vecs, err := p.EmbedBatch(context.Background(), []string{"a", "b"})
	require.NoError(t, err)
	assert.Len(t, vecs, 2)
}
