// Package guard wraps the tone-adjustment and safety-guard collaborators.
// Both are auxiliary: failures are logged and the original text proceeds,
// never blocking the reply path.
package guard

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/kokoro-ai/kokoro/internal/model"
)

// Client calls the tone and guard services. Either URL may be empty to
// disable that stage.
type Client struct {
	toneURL    string
	guardURL   string
	httpClient *http.Client
	logger     *slog.Logger
}

// New creates a guard client.
func New(toneURL, guardURL string, logger *slog.Logger) *Client {
	return &Client{
		toneURL:  toneURL,
		guardURL: guardURL,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		logger: logger,
	}
}

type toneRequest struct {
	Identity string            `json:"identity"`
	Text     string            `json:"text"`
	Traits   model.TraitVector `json:"traits"`
}

type toneResponse struct {
	Text string `json:"text"`
}

// AdjustTone rewrites text to match the persona's disposition. On any
// failure, or when no tone service is configured, the original text is
// returned unchanged.
func (c *Client) AdjustTone(ctx context.Context, identity, text string, traits model.TraitVector) string {
	if c.toneURL == "" {
		return text
	}
	var resp toneResponse
	if err := c.post(ctx, c.toneURL+"/v1/tone", toneRequest{Identity: identity, Text: text, Traits: traits}, &resp); err != nil {
		c.logger.Warn("guard: tone adjustment failed, keeping original text", "identity", identity, "error", err)
		return text
	}
	if resp.Text == "" {
		return text
	}
	return resp.Text
}

type checkRequest struct {
	Text string `json:"text"`
}

// Verdict is the safety outcome for one piece of text.
type Verdict struct {
	Label   string `json:"label"`
	Flagged bool   `json:"flagged"`
}

// Check runs the safety guard over text. On any failure, or when no guard
// is configured, the text passes unguarded: empty label, not flagged.
func (c *Client) Check(ctx context.Context, text string) Verdict {
	if c.guardURL == "" {
		return Verdict{}
	}
	var v Verdict
	if err := c.post(ctx, c.guardURL+"/v1/check", checkRequest{Text: text}, &v); err != nil {
		c.logger.Warn("guard: safety check failed, passing text unguarded", "error", err)
		return Verdict{}
	}
	return v
}

func (c *Client) post(ctx context.Context, url string, in, out any) error {
	reqBody, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("guard: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBody))
	if err != nil {
		return fmt.Errorf("guard: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("guard: send request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("guard: status %d: %s", resp.StatusCode, string(body))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("guard: decode response: %w", err)
	}
	return nil
}
