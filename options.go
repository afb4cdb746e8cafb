package kokoro

import (
	"log/slog"

	"github.com/kokoro-ai/kokoro/internal/config"
)

// Option configures an App.
type Option func(*resolvedOptions)

// resolvedOptions holds all extension points after applying defaults.
// Unexported. Callers use the With* functions.
type resolvedOptions struct {
	port        int
	storeDriver string
	databaseURL string
	notifyURL   string
	sqlitePath  string
	logger      *slog.Logger
	version     string
	completer   Completer
}

func (o resolvedOptions) applyOverrides(cfg *config.Config) {
	if o.port != 0 {
		cfg.Port = o.port
	}
	if o.storeDriver != "" {
		cfg.StoreDriver = o.storeDriver
	}
	if o.databaseURL != "" {
		cfg.DatabaseURL = o.databaseURL
	}
	if o.notifyURL != "" {
		cfg.NotifyURL = o.notifyURL
	}
	if o.sqlitePath != "" {
		cfg.SQLitePath = o.sqlitePath
	}
}

// WithPort overrides the TCP port from config (KOKORO_PORT env var).
func WithPort(port int) Option {
	return func(o *resolvedOptions) { o.port = port }
}

// WithStoreDriver overrides the persistence backend from config
// (KOKORO_STORE_DRIVER env var): "postgres" or "sqlite".
func WithStoreDriver(driver string) Option {
	return func(o *resolvedOptions) { o.storeDriver = driver }
}

// WithDatabaseURL overrides the database connection string from config
// (DATABASE_URL env var).
func WithDatabaseURL(url string) Option {
	return func(o *resolvedOptions) { o.databaseURL = url }
}

// WithNotifyURL overrides the direct Postgres URL used for LISTEN/NOTIFY
// (NOTIFY_URL env var). Set this when using a connection pooler (e.g.
// PgBouncer) for queries, since LISTEN/NOTIFY requires a direct connection.
func WithNotifyURL(url string) Option {
	return func(o *resolvedOptions) { o.notifyURL = url }
}

// WithSQLitePath overrides the database file used by the sqlite backend
// (KOKORO_SQLITE_PATH env var).
func WithSQLitePath(path string) Option {
	return func(o *resolvedOptions) { o.sqlitePath = path }
}

// WithLogger sets the structured logger for the App.
// If not set, the default slog logger is used.
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithVersion sets the version string reported in the health endpoint and logs.
func WithVersion(version string) Option {
	return func(o *resolvedOptions) { o.version = version }
}

// WithCompleter replaces the configured completion backend used by
// reflection cycles. The provided implementation must satisfy Completer.
func WithCompleter(c Completer) Option {
	return func(o *resolvedOptions) { o.completer = c }
}
