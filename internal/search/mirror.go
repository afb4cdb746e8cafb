package search

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/kokoro-ai/kokoro/internal/storage"
	"github.com/kokoro-ai/kokoro/internal/telemetry"
)

// MirrorWorker polls the store's memory outbox and mirrors pending
// fragments into the vector index. Failed batches stay in the outbox and
// are retried on the next poll.
type MirrorWorker struct {
	store        storage.Store
	index        Index
	logger       *slog.Logger
	pollInterval time.Duration
	batchSize    int

	started    atomic.Bool
	cancelLoop context.CancelFunc
	done       chan struct{}
	once       sync.Once
}

// NewMirrorWorker creates a mirror worker.
func NewMirrorWorker(store storage.Store, index Index, logger *slog.Logger, pollInterval time.Duration, batchSize int) *MirrorWorker {
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	if batchSize <= 0 {
		batchSize = 64
	}
	return &MirrorWorker{
		store:        store,
		index:        index,
		logger:       logger,
		pollInterval: pollInterval,
		batchSize:    batchSize,
		done:         make(chan struct{}),
	}
}

// Start begins the background poll loop. Safe to call only once; subsequent
// calls are no-ops.
func (w *MirrorWorker) Start(ctx context.Context) {
	if !w.started.CompareAndSwap(false, true) {
		w.logger.Warn("search mirror: Start called more than once, ignoring")
		return
	}
	w.registerMetrics()
	loopCtx, cancel := context.WithCancel(ctx)
	w.cancelLoop = cancel
	go w.pollLoop(loopCtx)
}

// Drain stops the loop, runs one final poll, and waits for completion or
// ctx expiry.
func (w *MirrorWorker) Drain(ctx context.Context) {
	if w.cancelLoop != nil {
		w.cancelLoop()
	}
	select {
	case <-w.done:
	case <-ctx.Done():
		w.logger.Warn("search mirror: drain timed out")
	}
}

func (w *MirrorWorker) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			finalCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			w.processBatch(finalCtx)
			cancel()
			w.once.Do(func() { close(w.done) })
			return
		case <-ticker.C:
			batchCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			w.processBatch(batchCtx)
			cancel()
		}
	}
}

func (w *MirrorWorker) processBatch(ctx context.Context) {
	pending, err := w.store.PendingMemories(ctx, w.batchSize)
	if err != nil {
		w.logger.Error("search mirror: load pending", "error", err)
		return
	}
	if len(pending) == 0 {
		return
	}

	points := make([]Point, 0, len(pending))
	ids := make([]string, 0, len(pending))
	for _, m := range pending {
		ids = append(ids, m.ID.String())
		if m.Embedding == nil {
			continue // nothing to index, but clear the outbox entry
		}
		points = append(points, Point{
			ID:        m.ID,
			Identity:  m.Identity,
			Text:      m.Text,
			CreatedAt: m.CreatedAt,
			Embedding: m.Embedding.Slice(),
		})
	}

	if err := w.index.Upsert(ctx, points); err != nil {
		w.logger.Error("search mirror: upsert", "error", err, "count", len(points))
		return // entries stay pending; the next poll retries
	}

	if err := w.store.MarkMemoriesMirrored(ctx, ids); err != nil {
		w.logger.Error("search mirror: mark mirrored", "error", err)
		return
	}
	w.logger.Info("search mirror: mirrored", "count", len(points))
}

func (w *MirrorWorker) registerMetrics() {
	meter := telemetry.Meter("kokoro/mirror")

	_, _ = meter.Int64ObservableGauge("kokoro.mirror.pending",
		metric.WithDescription("Number of memories waiting to be mirrored"),
		metric.WithInt64Callback(func(ctx context.Context, o metric.Int64Observer) error {
			pending, err := w.store.PendingMemories(ctx, w.batchSize)
			if err != nil {
				return nil // Non-fatal: just skip this observation.
			}
			o.Observe(int64(len(pending)))
			return nil
		}),
	)
}
