// Package decision is the HTTP client for the persona-decision backend,
// which generates streamed replies for chat turns.
package decision

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/kokoro-ai/kokoro/internal/model"
)

// ErrUnavailable reports that the backend could not be reached or rejected
// the request before any frame arrived. Callers surface it as a single error
// response; nothing partial is persisted.
var ErrUnavailable = errors.New("decision: backend unavailable")

// Request is one turn sent to the backend. The snapshot fields give the
// backend the persona's current disposition.
type Request struct {
	Identity    string            `json:"identity"`
	SessionID   string            `json:"session_id"`
	Message     string            `json:"message"`
	Traits      model.TraitVector `json:"traits"`
	MetaSummary string            `json:"meta_summary,omitempty"`
	Memories    []string          `json:"memories,omitempty"`
}

// Client streams decisions from the backend.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a decision client. timeout bounds the whole turn,
// including the streamed body.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// Stream opens one streamed turn. On success the returned body carries
// event/data frames and the caller owns closing it. Any failure before the
// stream opens maps to ErrUnavailable.
func (c *Client) Stream(ctx context.Context, dreq Request) (io.ReadCloser, error) {
	reqBody, err := json.Marshal(dreq)
	if err != nil {
		return nil, fmt.Errorf("decision: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/decide", bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("decision: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		_ = resp.Body.Close()
		return nil, fmt.Errorf("%w: status %d: %s", ErrUnavailable, resp.StatusCode, string(body))
	}
	return resp.Body, nil
}
