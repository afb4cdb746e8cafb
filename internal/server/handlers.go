package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/kokoro-ai/kokoro/internal/model"
	"github.com/kokoro-ai/kokoro/internal/service/decision"
	"github.com/kokoro-ai/kokoro/internal/storage"
	"github.com/kokoro-ai/kokoro/internal/stream"
)

// DecisionStreamer opens one streamed turn against the persona-decision
// backend. *decision.Client satisfies it.
type DecisionStreamer interface {
	Stream(ctx context.Context, dreq decision.Request) (io.ReadCloser, error)
}

// Reflector runs one reflection cycle. *reflection.Cycle satisfies it.
type Reflector interface {
	Run(ctx context.Context, req model.ReflectRequest) model.ReflectResponse
}

// Recaller retrieves memory texts for an identity. *search.Bank satisfies it.
type Recaller interface {
	Recall(ctx context.Context, identity, query string, limit int) ([]string, error)
}

// HealthChecker reports the vector index's reachability.
type HealthChecker interface {
	Healthy(ctx context.Context) error
}

// journalStats exposes queue depth for the health endpoint.
type journalStats interface {
	Len() int
}

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	store               storage.Store
	decision            DecisionStreamer
	cycle               Reflector
	journal             stream.TurnWriter
	sessions            *stream.Sessions
	broker              *Broker
	memories            Recaller
	index               HealthChecker
	logger              *slog.Logger
	startedAt           time.Time
	version             string
	maxRequestBodyBytes int64
	fallbackReply       string
	partialSuffix       string
	// localPublish routes state-change events through the broker in-process.
	// Set when the store has no cross-connection notify.
	localPublish bool
}

// HandlersDeps holds all dependencies for constructing Handlers.
// Optional (nil-safe): Broker, Memories, Index, Cycle.
type HandlersDeps struct {
	Store               storage.Store
	Decision            DecisionStreamer
	Cycle               Reflector
	Journal             stream.TurnWriter
	Sessions            *stream.Sessions
	Broker              *Broker
	Memories            Recaller
	Index               HealthChecker
	Logger              *slog.Logger
	Version             string
	MaxRequestBodyBytes int64
	FallbackReply       string
	PartialSuffix       string
	LocalPublish        bool
}

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(d HandlersDeps) *Handlers {
	sessions := d.Sessions
	if sessions == nil {
		sessions = stream.NewSessions()
	}
	return &Handlers{
		store:               d.Store,
		decision:            d.Decision,
		cycle:               d.Cycle,
		journal:             d.Journal,
		sessions:            sessions,
		broker:              d.Broker,
		memories:            d.Memories,
		index:               d.Index,
		logger:              d.Logger,
		startedAt:           time.Now(),
		version:             d.Version,
		maxRequestBodyBytes: d.MaxRequestBodyBytes,
		fallbackReply:       d.FallbackReply,
		partialSuffix:       d.PartialSuffix,
		localPublish:        d.LocalPublish,
	}
}

const recallLimit = 5

// HandleChat handles POST /v1/chat. The response is an SSE stream relayed
// from the decision backend; the finalized turn is journaled and a
// reflection cycle runs afterwards.
func (h *Handlers) HandleChat(w http.ResponseWriter, r *http.Request) {
	var req model.ChatRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = "default"
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "streaming not supported")
		return
	}

	snap := h.loadOrDefault(r.Context(), req.Identity)

	var memories []string
	if h.memories != nil {
		var err error
		memories, err = h.memories.Recall(r.Context(), req.Identity, req.Message, recallLimit)
		if err != nil {
			h.logger.Warn("chat: memory recall failed", "identity", req.Identity, "error", err)
		}
	}

	upstream, err := h.decision.Stream(r.Context(), decision.Request{
		Identity:    req.Identity,
		SessionID:   sessionID,
		Message:     req.Message,
		Traits:      snap.Traits,
		MetaSummary: snap.MetaSummary,
		Memories:    memories,
	})
	if err != nil {
		if errors.Is(err, decision.ErrUnavailable) {
			writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeUpstream,
				"decision backend unavailable")
			return
		}
		h.logger.Error("chat: open stream", "identity", req.Identity, "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "internal server error")
		return
	}
	defer func() { _ = upstream.Close() }()

	// The stream is open; from here every outcome is delivered as frames.
	sess := h.sessions.Get(req.Identity + "/" + sessionID)
	gen := sess.Begin()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	// Long streams must outlive the server's WriteTimeout.
	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})

	writer := h.journal
	if h.localPublish && h.broker != nil {
		writer = &publishingWriter{next: writer, broker: h.broker}
	}

	relay := stream.NewRelay(stream.RelayConfig{
		Sink:          &sseSink{w: w, flusher: flusher},
		Writer:        writer,
		Session:       sess,
		Generation:    gen,
		Identity:      req.Identity,
		SessionID:     sessionID,
		UserText:      req.Message,
		FallbackReply: h.fallbackReply,
		PartialSuffix: h.partialSuffix,
		AfterFinal:    h.afterTurn(req.Identity, req.Message),
		Logger:        h.logger,
	})
	relay.Run(r.Context(), upstream)
}

// afterTurn returns the deferred side effect for a finalized turn: one
// reflection cycle over the exchange. Nil when no cycle is configured.
func (h *Handlers) afterTurn(identity, userText string) func(ctx context.Context, reply string) {
	if h.cycle == nil {
		return nil
	}
	return func(ctx context.Context, reply string) {
		resp := h.cycle.Run(ctx, model.ReflectRequest{
			Identity: identity,
			Dialogue: []model.ChatMessage{
				{Role: "user", Content: userText},
				{Role: "assistant", Content: reply},
			},
		})
		h.logger.Info("reflection cycle completed",
			"identity", identity,
			"flagged", resp.Flagged,
			"stability_index", resp.Safety.StabilityIndex,
		)
	}
}

// HandleReflect handles POST /v1/reflect. The cycle never fails; a broken
// collaborator yields the neutral fallback in a 200 response.
func (h *Handlers) HandleReflect(w http.ResponseWriter, r *http.Request) {
	var req model.ReflectRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	resp := h.cycle.Run(r.Context(), req)
	writeJSON(w, r, http.StatusOK, resp)
}

// HandleGetPersona handles GET /v1/personas/{identity}.
func (h *Handlers) HandleGetPersona(w http.ResponseWriter, r *http.Request) {
	identity := r.PathValue("identity")
	snap, err := h.store.LoadPersona(r.Context(), identity)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound,
				"persona not found: "+identity)
			return
		}
		h.logger.Error("get persona", "identity", identity, "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "internal server error")
		return
	}
	writeJSON(w, r, http.StatusOK, snap)
}

// HandleRecentTurns handles GET /v1/personas/{identity}/turns.
func (h *Handlers) HandleRecentTurns(w http.ResponseWriter, r *http.Request) {
	identity := r.PathValue("identity")
	limit := queryLimit(r, 50)
	turns, err := h.store.RecentTurns(r.Context(), identity, limit)
	if err != nil {
		h.logger.Error("recent turns", "identity", identity, "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "internal server error")
		return
	}
	writeJSON(w, r, http.StatusOK, turns)
}

// HandleGrowthHistory handles GET /v1/personas/{identity}/growth.
func (h *Handlers) HandleGrowthHistory(w http.ResponseWriter, r *http.Request) {
	identity := r.PathValue("identity")
	limit := queryLimit(r, 100)
	entries, err := h.store.GrowthHistory(r.Context(), identity, limit)
	if err != nil {
		h.logger.Error("growth history", "identity", identity, "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "internal server error")
		return
	}
	writeJSON(w, r, http.StatusOK, entries)
}

// HandleSubscribe handles GET /v1/subscribe (SSE).
func (h *Handlers) HandleSubscribe(w http.ResponseWriter, r *http.Request) {
	if h.broker == nil {
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeInternalError,
			"SSE not available")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	// Disable the server's WriteTimeout for this long-lived connection.
	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})

	ch := h.broker.Subscribe()
	defer h.broker.Unsubscribe(ch)

	keepalive := time.NewTicker(15 * time.Second)
	defer keepalive.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-keepalive.C:
			if _, err := w.Write([]byte(":keepalive\n\n")); err != nil {
				return
			}
			flusher.Flush()
		case event, ok := <-ch:
			if !ok {
				return
			}
			if _, err := w.Write(event); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	storeStatus := "connected"
	status := "healthy"
	httpStatus := http.StatusOK

	if err := h.store.Ping(r.Context()); err != nil {
		storeStatus = "disconnected"
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	}

	resp := model.HealthResponse{
		Status:  status,
		Version: h.version,
		Store:   storeStatus,
		Uptime:  int64(time.Since(h.startedAt).Seconds()),
	}

	if js, ok := h.journal.(journalStats); ok {
		resp.JournalDepth = js.Len()
	}

	if h.index != nil {
		if err := h.index.Healthy(r.Context()); err == nil {
			resp.Qdrant = "connected"
		} else {
			resp.Qdrant = "disconnected"
			if status == "healthy" {
				resp.Status = "degraded"
			}
		}
	}

	if h.broker != nil {
		resp.SSEBroker = "running"
	}

	writeJSON(w, r, httpStatus, resp)
}

// loadOrDefault loads a persona snapshot, falling back to the neutral
// midpoint when none exists or the store is unreadable.
func (h *Handlers) loadOrDefault(ctx context.Context, identity string) model.PersonaSnapshot {
	snap, err := h.store.LoadPersona(ctx, identity)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			h.logger.Warn("load persona failed, using defaults", "identity", identity, "error", err)
		}
		return model.PersonaSnapshot{
			Identity:     identity,
			Traits:       model.DefaultTraits(),
			GrowthWeight: 1.0,
		}
	}
	return *snap
}

// --- Shared helpers ---

// maxQueryLimit is the maximum allowed value for limit query parameters.
const maxQueryLimit = 1000

func queryInt(r *http.Request, key string, defaultVal int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

// queryLimit returns a bounded limit value from query params.
// Values are clamped to [1, maxQueryLimit].
func queryLimit(r *http.Request, defaultVal int) int {
	limit := queryInt(r, "limit", defaultVal)
	if limit < 1 {
		return 1
	}
	if limit > maxQueryLimit {
		return maxQueryLimit
	}
	return limit
}
