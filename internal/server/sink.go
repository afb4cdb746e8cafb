package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"

	"github.com/kokoro-ai/kokoro/internal/model"
	"github.com/kokoro-ai/kokoro/internal/storage"
	"github.com/kokoro-ai/kokoro/internal/stream"
)

// sseSink adapts an http.ResponseWriter to the relay's sink. Send failures
// after the client hangs up are reported to the relay, which keeps consuming
// upstream regardless.
type sseSink struct {
	w       http.ResponseWriter
	flusher http.Flusher

	mu     sync.Mutex
	closed bool
}

var errSinkClosed = errors.New("server: sse sink closed")

func (s *sseSink) Send(event string, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errSinkClosed
	}
	// Encode splits multi-line payloads across data lines, so frames
	// round-trip through any conforming client unchanged.
	if _, err := s.w.Write(stream.Encode(stream.Frame{Event: event, Data: string(payload)})); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// Close marks the sink done. The underlying connection is closed by the
// handler returning.
func (s *sseSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// publishingWriter wraps a TurnWriter and mirrors state snapshots to the SSE
// broker. Used with stores that cannot notify across connections, where the
// broker has no LISTEN loop to feed it.
type publishingWriter struct {
	next   stream.TurnWriter
	broker *Broker
}

func (p *publishingWriter) AppendTurn(ctx context.Context, t model.Turn) error {
	return p.next.AppendTurn(ctx, t)
}

func (p *publishingWriter) AppendStateSnapshot(ctx context.Context, s model.StateSnapshot) error {
	err := p.next.AppendStateSnapshot(ctx, s)
	if payload, merr := json.Marshal(s); merr == nil {
		p.broker.Publish(storage.ChannelState, string(payload))
	}
	return err
}
