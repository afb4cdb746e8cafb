// Package stream implements the wire framing shared with the
// persona-decision backend: an incremental frame decoder for the
// event/data block format, the relay state machine that bridges one
// upstream generation to one downstream sink, and per-session generation
// counters for stale-side-effect suppression.
package stream

import (
	"bytes"
	"fmt"
	"io"
	"strings"
)

// Frame is one (event, payload) unit of the delimited stream.
type Frame struct {
	Event string
	Data  string
}

// Event names used by the persona-decision backend. Unknown names pass
// through the decoder and relay verbatim.
const (
	EventStart = "start"
	EventDelta = "delta"
	EventDone  = "done"
	EventError = "error"

	// EventMessage is assigned to blocks without an explicit event line.
	EventMessage = "message"
)

// Decoder turns a continuously appended byte stream into discrete frames.
//
// Frames are blocks separated by one blank line; each line inside is tagged
// "event:" or "data:" (multiple data lines join with newlines). The decoder
// is resumable across arbitrary chunk boundaries: it retains unconsumed
// trailing input and emits a frame only once its full delimiter has been
// observed. A partial frame is never emitted.
type Decoder struct {
	buf []byte
}

// Feed appends p to the internal buffer and returns every frame completed
// by it, in order. Blank blocks are skipped.
func (d *Decoder) Feed(p []byte) []Frame {
	d.buf = append(d.buf, p...)

	var frames []Frame
	for {
		block, rest, ok := cutBlock(d.buf)
		if !ok {
			return frames
		}
		d.buf = rest
		if f, ok := parseBlock(block); ok {
			frames = append(frames, f)
		}
	}
}

// Buffered returns the number of unconsumed trailing bytes, for diagnostics.
func (d *Decoder) Buffered() int {
	return len(d.buf)
}

// cutBlock splits buf at the earliest blank-line delimiter. Both bare-LF
// and CRLF framing are accepted; the two delimiters cannot overlap.
func cutBlock(buf []byte) (block, rest []byte, ok bool) {
	lf := bytes.Index(buf, []byte("\n\n"))
	crlf := bytes.Index(buf, []byte("\r\n\r\n"))

	switch {
	case lf == -1 && crlf == -1:
		return nil, buf, false
	case crlf == -1 || (lf != -1 && lf < crlf):
		return buf[:lf], buf[lf+2:], true
	default:
		return buf[:crlf], buf[crlf+4:], true
	}
}

// parseBlock interprets one delimiter-free block. ok is false for blocks
// carrying neither an event line nor data (keepalive comments, stray
// whitespace).
func parseBlock(block []byte) (Frame, bool) {
	var (
		event     string
		dataLines []string
		sawData   bool
	)

	for _, line := range strings.Split(string(block), "\n") {
		line = strings.TrimSuffix(line, "\r")
		switch {
		case line == "" || strings.HasPrefix(line, ":"):
			// Empty line inside a block or a comment line: ignored.
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(line[len("event:"):])
		case strings.HasPrefix(line, "data:"):
			dataLines = append(dataLines, trimOneSpace(line[len("data:"):]))
			sawData = true
		}
		// Unrecognized field lines are dropped, matching the wire contract.
	}

	if event == "" && !sawData {
		return Frame{}, false
	}
	if event == "" {
		event = EventMessage
	}
	return Frame{Event: event, Data: strings.Join(dataLines, "\n")}, true
}

// trimOneSpace removes at most one leading space, the conventional
// separator after the field colon.
func trimOneSpace(s string) string {
	return strings.TrimPrefix(s, " ")
}

// Decode reads upstream to completion, invoking fn for every decoded frame
// in order. Returns fn's first error, or the read error other than io.EOF.
// Trailing bytes that never completed a frame are discarded.
func Decode(upstream io.Reader, fn func(Frame) error) error {
	dec := &Decoder{}
	buf := make([]byte, 4096)
	for {
		n, err := upstream.Read(buf)
		if n > 0 {
			for _, f := range dec.Feed(buf[:n]) {
				if fnErr := fn(f); fnErr != nil {
					return fnErr
				}
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("stream: read upstream: %w", err)
		}
	}
}

// Encode renders a frame in wire format, terminated by the blank-line
// delimiter. Multi-line data is split across data lines so the frame
// round-trips through Decoder unchanged.
func Encode(f Frame) []byte {
	var b strings.Builder
	if f.Event != "" {
		b.WriteString("event: ")
		b.WriteString(f.Event)
		b.WriteString("\n")
	}
	for _, line := range strings.Split(f.Data, "\n") {
		b.WriteString("data: ")
		b.WriteString(line)
		b.WriteString("\n")
	}
	b.WriteString("\n")
	return []byte(b.String())
}
