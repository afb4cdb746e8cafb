package guard

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kokoro-ai/kokoro/internal/model"
)

func TestAdjustToneRewritesText(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/tone", r.URL.Path)

		var req toneRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "aoi", req.Identity)

		_ = json.NewEncoder(w).Encode(toneResponse{Text: "softened: " + req.Text})
	}))
	defer srv.Close()

	c := New(srv.URL, "", slog.Default())
	got := c.AdjustTone(context.Background(), "aoi", "original", model.DefaultTraits())
	assert.Equal(t, "softened: original", got)
}

func TestAdjustToneFailureKeepsOriginal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New(srv.URL, "", slog.Default())
	got := c.AdjustTone(context.Background(), "aoi", "original", model.DefaultTraits())
	assert.Equal(t, "original", got)
}

func TestAdjustToneDisabledKeepsOriginal(t *testing.T) {
	c := New("", "", slog.Default())
	got := c.AdjustTone(context.Background(), "aoi", "original", model.DefaultTraits())
	assert.Equal(t, "original", got)
}

func TestCheckReturnsVerdict(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/check", r.URL.Path)
		_ = json.NewEncoder(w).Encode(Verdict{Label: "self_harm", Flagged: true})
	}))
	defer srv.Close()

	c := New("", srv.URL, slog.Default())
	v := c.Check(context.Background(), "worrying text")
	assert.Equal(t, Verdict{Label: "self_harm", Flagged: true}, v)
}

func TestCheckFailurePassesUnguarded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "down", http.StatusBadGateway)
	}))
	defer srv.Close()

	c := New("", srv.URL, slog.Default())
	v := c.Check(context.Background(), "text")
	assert.False(t, v.Flagged)
	assert.Empty(t, v.Label)
}

func TestCheckDisabledPassesUnguarded(t *testing.T) {
	c := New("", "", slog.Default())
	assert.Equal(t, Verdict{}, c.Check(context.Background(), "text"))
}
