package server

import (
	"context"
	"log/slog"
	"sync"

	"github.com/kokoro-ai/kokoro/internal/storage"
	"github.com/kokoro-ai/kokoro/internal/stream"
)

// Broker fans out persona state-change events to SSE subscribers. With a
// Postgres store it runs a background goroutine that waits on LISTEN/NOTIFY;
// with the SQLite store events arrive through Publish instead, from the
// process that wrote them.
type Broker struct {
	db     *storage.DB // nil when the store has no LISTEN/NOTIFY
	logger *slog.Logger

	mu          sync.RWMutex
	subscribers map[chan []byte]struct{}
}

// NewBroker creates a new SSE broker. db may be nil; call Start only when it
// is not.
func NewBroker(db *storage.DB, logger *slog.Logger) *Broker {
	return &Broker{
		db:          db,
		logger:      logger,
		subscribers: make(map[chan []byte]struct{}),
	}
}

// Start begins listening on the state channel. It blocks, so call it in a
// goroutine. Returns when ctx is cancelled.
func (b *Broker) Start(ctx context.Context) {
	if b.db == nil {
		return
	}
	if err := b.db.Listen(ctx, storage.ChannelState); err != nil {
		b.logger.Error("broker: listen state", "error", err)
		return
	}

	b.logger.Info("broker: listening for notifications", "channel", storage.ChannelState)

	for {
		channel, payload, err := b.db.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return // Shutting down.
			}
			b.logger.Warn("broker: notification error, retrying", "error", err)
			continue
		}
		b.broadcast(formatSSE(channel, payload))
	}
}

// Publish broadcasts an event that originated in this process. Used when the
// store cannot notify across connections.
func (b *Broker) Publish(eventType, data string) {
	b.broadcast(formatSSE(eventType, data))
}

// Subscribe returns a channel that receives SSE-formatted events.
// The caller must call Unsubscribe when done.
func (b *Broker) Subscribe() chan []byte {
	ch := make(chan []byte, 64) // Buffer to avoid blocking the broadcast loop.
	b.mu.Lock()
	b.subscribers[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes a subscriber channel and closes it.
func (b *Broker) Unsubscribe(ch chan []byte) {
	b.mu.Lock()
	delete(b.subscribers, ch)
	b.mu.Unlock()
	close(ch)
}

// broadcast sends an event to all subscribers. Slow subscribers that have
// a full buffer are skipped (their event is dropped) to prevent one slow
// client from blocking all others.
func (b *Broker) broadcast(event []byte) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for ch := range b.subscribers {
		select {
		case ch <- event:
		default:
			// Subscriber buffer full; drop this event for them.
		}
	}
}

// formatSSE formats a notification as a Server-Sent Events message.
// Multi-line payloads are split across data lines.
func formatSSE(eventType, data string) []byte {
	return stream.Encode(stream.Frame{Event: eventType, Data: data})
}
