// Package journal provides write-behind persistence for turns and state
// snapshots so the reply path never waits on the store.
package journal

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/kokoro-ai/kokoro/internal/model"
	"github.com/kokoro-ai/kokoro/internal/storage"
	"github.com/kokoro-ai/kokoro/internal/telemetry"
)

// entry is one queued write: exactly one of turn or snapshot is set.
type entry struct {
	turn     *model.Turn
	snapshot *model.StateSnapshot
}

// Journal accepts turn and snapshot writes on the reply path and applies
// them asynchronously. Writes are single-shot: a failed write is logged and
// dropped, never retried, and a full queue drops the entry immediately so
// callers are never blocked.
type Journal struct {
	store  storage.Store
	logger *slog.Logger

	queue      chan entry
	writeWait  time.Duration
	dropped    atomic.Int64
	done       chan struct{}
	cancelLoop context.CancelFunc
}

// New creates a journal with the given queue size. writeWait bounds each
// individual store write.
func New(store storage.Store, logger *slog.Logger, queueSize int, writeWait time.Duration) *Journal {
	if queueSize <= 0 {
		queueSize = 1000
	}
	if writeWait <= 0 {
		writeWait = 5 * time.Second
	}
	return &Journal{
		store:     store,
		logger:    logger,
		queue:     make(chan entry, queueSize),
		writeWait: writeWait,
		done:      make(chan struct{}),
	}
}

// Start begins the background writer and registers OTEL metrics. Call Drain
// to stop.
func (j *Journal) Start(ctx context.Context) {
	j.registerMetrics()
	loopCtx, cancel := context.WithCancel(ctx)
	j.cancelLoop = cancel
	go j.writeLoop(loopCtx)
}

// AppendTurn queues one turn. It never blocks; the entry is dropped when the
// queue is full.
func (j *Journal) AppendTurn(_ context.Context, t model.Turn) error {
	j.enqueue(entry{turn: &t})
	return nil
}

// AppendStateSnapshot queues one state snapshot, same discipline as
// AppendTurn.
func (j *Journal) AppendStateSnapshot(_ context.Context, s model.StateSnapshot) error {
	j.enqueue(entry{snapshot: &s})
	return nil
}

func (j *Journal) enqueue(e entry) {
	select {
	case j.queue <- e:
	default:
		j.dropped.Add(1)
		j.logger.Error("journal: queue full, dropping entry")
	}
}

func (j *Journal) writeLoop(ctx context.Context) {
	defer close(j.done)
	for {
		select {
		case <-ctx.Done():
			j.drainQueue()
			return
		case e := <-j.queue:
			j.write(e)
		}
	}
}

// drainQueue applies everything already queued at shutdown.
func (j *Journal) drainQueue() {
	for {
		select {
		case e := <-j.queue:
			j.write(e)
		default:
			return
		}
	}
}

func (j *Journal) write(e entry) {
	ctx, cancel := context.WithTimeout(context.Background(), j.writeWait)
	defer cancel()

	switch {
	case e.turn != nil:
		if err := j.store.AppendTurn(ctx, *e.turn); err != nil {
			j.logger.Error("journal: append turn", "identity", e.turn.Identity, "error", err)
		}
	case e.snapshot != nil:
		if err := j.store.AppendStateSnapshot(ctx, *e.snapshot); err != nil {
			j.logger.Error("journal: append state snapshot", "identity", e.snapshot.Identity, "error", err)
		}
	}
}

// Drain stops the writer, applies the remaining queue, and waits for it to
// finish or for ctx to expire.
func (j *Journal) Drain(ctx context.Context) {
	if j.cancelLoop != nil {
		j.cancelLoop()
	}
	select {
	case <-j.done:
	case <-ctx.Done():
		j.logger.Warn("journal: drain timed out waiting for writer")
	}
}

// Dropped returns the total entries dropped due to a full queue. A non-zero
// value indicates data loss.
func (j *Journal) Dropped() int64 {
	return j.dropped.Load()
}

// Len returns the current queue depth.
func (j *Journal) Len() int {
	return len(j.queue)
}

func (j *Journal) registerMetrics() {
	meter := telemetry.Meter("kokoro/journal")

	_, _ = meter.Int64ObservableGauge("kokoro.journal.depth",
		metric.WithDescription("Current number of queued journal entries"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(j.Len()))
			return nil
		}),
	)

	_, _ = meter.Int64ObservableGauge("kokoro.journal.dropped_total",
		metric.WithDescription("Total journal entries dropped due to a full queue"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(j.Dropped())
			return nil
		}),
	)
}
