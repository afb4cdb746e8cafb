// Package kokoro is the public API for embedding the Kokoro persona server.
//
// Hosting applications import this package to construct and run the server
// without forking it:
//
//	app, err := kokoro.New(
//	    kokoro.WithVersion(version),
//	    kokoro.WithLogger(logger),
//	    kokoro.WithCompleter(myCompleter),
//	)
//	if err != nil { ... }
//	if err := app.Run(ctx); err != nil { ... }
//
// The import graph enforces a strict no-cycle rule: kokoro (root) imports
// internal/*, but internal/* never imports kokoro (root). Public types
// (ChatMessage) are standalone structs with no internal imports; conversion
// adapters live here because this is the only file that sees both sides of
// the boundary.
package kokoro

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/joho/godotenv"

	"github.com/kokoro-ai/kokoro/internal/config"
	"github.com/kokoro-ai/kokoro/internal/mcp"
	"github.com/kokoro-ai/kokoro/internal/model"
	"github.com/kokoro-ai/kokoro/internal/search"
	"github.com/kokoro-ai/kokoro/internal/server"
	"github.com/kokoro-ai/kokoro/internal/service/completion"
	"github.com/kokoro-ai/kokoro/internal/service/decision"
	"github.com/kokoro-ai/kokoro/internal/service/embedding"
	"github.com/kokoro-ai/kokoro/internal/service/guard"
	"github.com/kokoro-ai/kokoro/internal/service/journal"
	"github.com/kokoro-ai/kokoro/internal/service/reflection"
	"github.com/kokoro-ai/kokoro/internal/storage"
	"github.com/kokoro-ai/kokoro/internal/telemetry"
	"github.com/kokoro-ai/kokoro/internal/trait"
	"github.com/kokoro-ai/kokoro/migrations"
)

// ChatMessage is one role-tagged message in a dialogue.
type ChatMessage struct {
	Role    string
	Content string
}

// Completer generates one buffered response from a message list. Implement
// it to replace the configured completion backend for reflection cycles.
type Completer interface {
	Complete(ctx context.Context, messages []ChatMessage) (string, error)
}

// App is the Kokoro server lifecycle. Construct with New(), run with Run().
// App has no public fields. Use New() options to configure it.
type App struct {
	cfg          config.Config
	store        storage.Store
	pgDB         *storage.DB // nil for the sqlite backend
	srv          *server.Server
	jnl          *journal.Journal
	mirror       *search.MirrorWorker // nil when Qdrant is not configured
	index        *search.QdrantIndex  // nil when Qdrant is not configured
	broker       *server.Broker       // nil when state events have no transport
	otelShutdown telemetry.Shutdown
	logger       *slog.Logger
	version      string
	localPublish bool
}

// New initialises the Kokoro server: configuration, telemetry, store,
// collaborators, HTTP routes. It does NOT start any goroutines or accept
// connections. Call Run().
func New(opts ...Option) (*App, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	o.applyOverrides(&cfg)
	version := o.version
	if version == "" {
		version = "dev"
	}

	logger.Info("kokoro starting", "version", version, "port", cfg.Port, "store", cfg.StoreDriver)

	otelShutdown, err := telemetry.Init(context.Background(), cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	app := &App{
		cfg:          cfg,
		otelShutdown: otelShutdown,
		logger:       logger,
		version:      version,
	}

	if err := app.openStore(context.Background()); err != nil {
		_ = otelShutdown(context.Background())
		return nil, err
	}

	if err := app.wire(context.Background(), o); err != nil {
		app.closeResources()
		return nil, err
	}
	return app, nil
}

// openStore connects the configured persistence backend. The Postgres
// backend also carries the LISTEN/NOTIFY connection the SSE broker listens
// on; SQLite routes state events through the broker in-process instead.
func (a *App) openStore(ctx context.Context) error {
	switch a.cfg.StoreDriver {
	case "postgres":
		pgDB, err := storage.New(ctx, a.cfg.DatabaseURL, a.cfg.NotifyURL, a.logger)
		if err != nil {
			return fmt.Errorf("storage: %w", err)
		}
		pgDB.RegisterPoolMetrics()
		if err := pgDB.RunMigrations(ctx, migrations.FS); err != nil {
			pgDB.Close(ctx)
			return fmt.Errorf("migrations: %w", err)
		}
		a.pgDB = pgDB
		a.store = pgDB
	case "sqlite":
		sq, err := storage.NewSQLite(a.cfg.SQLitePath, a.logger)
		if err != nil {
			return fmt.Errorf("storage: %w", err)
		}
		a.store = sq
		a.localPublish = true
	default:
		return fmt.Errorf("unknown store driver %q", a.cfg.StoreDriver)
	}
	return nil
}

// wire builds every collaborator and the HTTP server.
func (a *App) wire(ctx context.Context, o resolvedOptions) error {
	cfg := a.cfg

	var completer completion.Provider
	if o.completer != nil {
		completer = completerAdapter{c: o.completer}
	} else {
		var err error
		completer, err = completion.FromConfig(cfg)
		if err != nil {
			return fmt.Errorf("completion: %w", err)
		}
	}

	decisionClient := decision.NewClient(cfg.DecisionBackendURL, cfg.DecisionTimeout)
	guardClient := guard.New(cfg.ToneURL, cfg.GuardURL, a.logger)
	embedder := NewEmbeddingProvider(cfg, a.logger)

	var bankIndex search.Index
	if cfg.QdrantURL != "" {
		index, err := search.NewQdrantIndex(search.QdrantConfig{
			URL:        cfg.QdrantURL,
			APIKey:     cfg.QdrantAPIKey,
			Collection: cfg.QdrantCollection,
			Dims:       uint64(cfg.EmbeddingDimensions), //nolint:gosec // validated positive in config.Validate
		}, a.logger)
		if err != nil {
			return fmt.Errorf("qdrant: %w", err)
		}
		if err := index.EnsureCollection(ctx); err != nil {
			_ = index.Close()
			return fmt.Errorf("qdrant ensure collection: %w", err)
		}
		a.index = index
		bankIndex = index
		a.mirror = search.NewMirrorWorker(a.store, index, a.logger, cfg.OutboxPollInterval, cfg.OutboxBatchSize)
		a.logger.Info("qdrant: enabled", "collection", cfg.QdrantCollection)
	} else {
		a.logger.Info("qdrant: disabled (no QDRANT_URL)")
	}

	bank := search.NewBank(a.store, embedder, bankIndex, a.logger)
	a.jnl = journal.New(a.store, a.logger, cfg.JournalBufferSize, cfg.JournalFlushTimeout)

	limits := trait.Limits{
		MaxDelta:              cfg.MaxTraitDelta,
		DampingThreshold:      cfg.DampingThreshold,
		DampingPull:           cfg.DampingPull,
		OverloadCalmLow:       cfg.OverloadCalmLow,
		OverloadCuriosityHigh: cfg.OverloadCuriosityHigh,
		OverloadFlatLow:       cfg.OverloadFlatLow,
	}
	cycle := reflection.New(a.store, completer, guardClient, bank, limits, a.logger)
	mcpSrv := mcp.New(a.store, cycle, bank, a.logger, a.version)

	switch {
	case a.pgDB != nil && a.pgDB.HasNotifyConn():
		a.broker = server.NewBroker(a.pgDB, a.logger)
	case a.localPublish:
		a.broker = server.NewBroker(nil, a.logger)
	default:
		a.logger.Info("SSE broker: disabled (no notify connection)")
	}

	var indexHealth server.HealthChecker
	if a.index != nil {
		indexHealth = a.index
	}

	a.srv = server.New(server.ServerConfig{
		Store:               a.store,
		Decision:            decisionClient,
		Cycle:               cycle,
		Journal:             a.jnl,
		Broker:              a.broker,
		Memories:            bank,
		Index:               indexHealth,
		MCPServer:           mcpSrv.MCPServer(),
		Logger:              a.logger,
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             a.version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		FallbackReply:       cfg.FallbackReply,
		PartialSuffix:       cfg.PartialSuffix,
		LocalPublish:        a.localPublish,
	})
	return nil
}

// Run starts the background workers and the HTTP server, then blocks until
// ctx is cancelled or the server fails. It always releases App resources
// before returning; an App cannot be re-run.
func (a *App) Run(ctx context.Context) error {
	defer a.closeResources()

	a.jnl.Start(ctx)
	if a.mirror != nil {
		a.mirror.Start(ctx)
	}
	if a.broker != nil {
		go a.broker.Start(ctx)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := a.srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	// Graceful shutdown. Each phase gets its own timeout so early completion
	// doesn't steal budget from later phases. Order: (1) stop accepting new
	// HTTP requests and drain in-flight turns (they may still enqueue
	// journal writes), (2) flush the journal to the store, (3) mirror
	// remaining outbox entries to Qdrant.
	a.logger.Info("kokoro shutting down")

	httpCtx, httpCancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := a.srv.Shutdown(httpCtx); err != nil {
		a.logger.Error("http shutdown error", "error", err)
	}
	httpCancel()

	jnlCtx, jnlCancel := context.WithTimeout(context.Background(), 10*time.Second)
	a.jnl.Drain(jnlCtx)
	jnlCancel()

	if a.mirror != nil {
		mirrorCtx, mirrorCancel := context.WithTimeout(context.Background(), 10*time.Second)
		a.mirror.Drain(mirrorCtx)
		mirrorCancel()
	}

	a.logger.Info("kokoro stopped")
	return nil
}

// Handler returns the root HTTP handler, for mounting under a host mux or
// driving with httptest.
func (a *App) Handler() http.Handler {
	return a.srv.Handler()
}

func (a *App) closeResources() {
	if a.index != nil {
		_ = a.index.Close()
	}
	if a.store != nil {
		a.store.Close(context.Background())
	}
	if a.otelShutdown != nil {
		_ = a.otelShutdown(context.Background())
	}
}

// completerAdapter bridges a public Completer into the internal provider
// interface.
type completerAdapter struct {
	c Completer
}

func (a completerAdapter) Complete(ctx context.Context, messages []model.ChatMessage) (string, error) {
	converted := make([]ChatMessage, len(messages))
	for i, m := range messages {
		converted[i] = ChatMessage{Role: m.Role, Content: m.Content}
	}
	return a.c.Complete(ctx, converted)
}

// NewEmbeddingProvider creates an embedding provider from configuration.
// Provider selection: "ollama", "openai", "noop", or "auto". Auto mode tries
// Ollama if reachable, then OpenAI if a key is present, else noop.
func NewEmbeddingProvider(cfg config.Config, logger *slog.Logger) embedding.Provider {
	dims := cfg.EmbeddingDimensions

	switch cfg.EmbeddingProvider {
	case "openai":
		if cfg.OpenAIAPIKey == "" {
			logger.Error("OPENAI_API_KEY required when KOKORO_EMBEDDING_PROVIDER=openai")
			return embedding.NewNoopProvider(dims)
		}
		logger.Info("embedding provider: openai", "model", cfg.EmbeddingModel, "dimensions", dims)
		return embedding.NewOpenAIProvider(cfg.OpenAIAPIKey, cfg.EmbeddingModel, dims)

	case "ollama":
		logger.Info("embedding provider: ollama", "url", cfg.OllamaURL, "model", cfg.EmbeddingModel, "dimensions", dims)
		return embedding.NewOllamaProvider(cfg.OllamaURL, cfg.EmbeddingModel, dims)

	case "noop":
		logger.Info("embedding provider: noop (memory recall degrades to recency)")
		return embedding.NewNoopProvider(dims)

	case "auto":
		fallthrough
	default:
		if ollamaReachable(cfg.OllamaURL) {
			logger.Info("embedding provider: ollama (auto-detected)", "url", cfg.OllamaURL, "model", cfg.EmbeddingModel, "dimensions", dims)
			return embedding.NewOllamaProvider(cfg.OllamaURL, cfg.EmbeddingModel, dims)
		}
		if cfg.OpenAIAPIKey != "" {
			logger.Info("embedding provider: openai (auto-detected)", "model", cfg.EmbeddingModel, "dimensions", dims)
			return embedding.NewOpenAIProvider(cfg.OpenAIAPIKey, cfg.EmbeddingModel, dims)
		}
		logger.Warn("no embedding provider available, using noop")
		return embedding.NewNoopProvider(dims)
	}
}

// ollamaReachable checks if an Ollama server is responding.
func ollamaReachable(baseURL string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/api/tags", nil)
	if err != nil {
		return false
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false
	}
	_ = resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}
