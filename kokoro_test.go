package kokoro

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kokoro-ai/kokoro/internal/model"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNewWithSQLiteServesHealth(t *testing.T) {
	t.Setenv("KOKORO_PORT", "0")
	t.Setenv("QDRANT_URL", "")
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")

	app, err := New(
		WithVersion("test"),
		WithLogger(quietLogger()),
		WithStoreDriver("sqlite"),
		WithSQLitePath(filepath.Join(t.TempDir(), "kokoro.db")),
	)
	require.NoError(t, err)
	t.Cleanup(app.closeResources)

	rec := httptest.NewRecorder()
	app.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"healthy"`)
	assert.Contains(t, rec.Body.String(), `"version":"test"`)
}

func TestNewRejectsUnknownStoreDriver(t *testing.T) {
	t.Setenv("KOKORO_PORT", "0")

	_, err := New(
		WithLogger(quietLogger()),
		WithStoreDriver("etcd"),
	)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "etcd")
}

type recordingCompleter struct {
	got []ChatMessage
}

func (r *recordingCompleter) Complete(_ context.Context, messages []ChatMessage) (string, error) {
	r.got = messages
	return "steady", nil
}

func TestCompleterAdapterConvertsMessages(t *testing.T) {
	rc := &recordingCompleter{}
	adapter := completerAdapter{c: rc}

	out, err := adapter.Complete(context.Background(), []model.ChatMessage{
		{Role: "user", Content: "hello"},
		{Role: "assistant", Content: "hi"},
	})
	require.NoError(t, err)
	assert.Equal(t, "steady", out)
	require.Len(t, rc.got, 2)
	assert.Equal(t, ChatMessage{Role: "user", Content: "hello"}, rc.got[0])
	assert.Equal(t, ChatMessage{Role: "assistant", Content: "hi"}, rc.got[1])
}
