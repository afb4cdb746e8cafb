package model

import (
	"fmt"
	"time"
	"unicode/utf8"
)

// Field length limits for user-supplied chat input. These keep a single
// oversized message from blowing up completion context construction or
// filling Postgres TEXT columns with caller-controlled garbage.
const (
	MaxIdentityLen = 200
	MaxSessionLen  = 200
	MaxMessageLen  = 32 * 1024 // 32 KB
)

// APIResponse is the standard envelope for successful responses.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// APIError is the standard error response envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta contains request metadata included in every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ErrorCode constants for standard API error codes.
const (
	ErrCodeInvalidInput  = "INVALID_INPUT"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeUpstream      = "UPSTREAM_UNAVAILABLE"
	ErrCodeInternalError = "INTERNAL_ERROR"
)

// ChatRequest is the request body for POST /v1/chat.
type ChatRequest struct {
	Identity  string `json:"identity"`
	SessionID string `json:"session_id"`
	Message   string `json:"message"`
}

// Validate checks identity, session, and message constraints.
func (r ChatRequest) Validate() error {
	if r.Identity == "" {
		return fmt.Errorf("identity is required")
	}
	if len(r.Identity) > MaxIdentityLen {
		return fmt.Errorf("identity exceeds maximum length of %d characters", MaxIdentityLen)
	}
	if len(r.SessionID) > MaxSessionLen {
		return fmt.Errorf("session_id exceeds maximum length of %d characters", MaxSessionLen)
	}
	if r.Message == "" {
		return fmt.Errorf("message is required")
	}
	if len(r.Message) > MaxMessageLen {
		return fmt.Errorf("message exceeds maximum length of %d bytes", MaxMessageLen)
	}
	if !utf8.ValidString(r.Message) {
		return fmt.Errorf("message must be valid UTF-8")
	}
	return nil
}

// ReflectRequest is the request body for POST /v1/reflect.
type ReflectRequest struct {
	Identity        string        `json:"identity"`
	Dialogue        []ChatMessage `json:"dialogue"`
	GrowthLog       []float64     `json:"growth_log,omitempty"`
	LongTermSummary string        `json:"long_term_summary,omitempty"`
}

// ChatMessage is one role-tagged message in a dialogue.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Validate checks reflect request constraints.
func (r ReflectRequest) Validate() error {
	if r.Identity == "" {
		return fmt.Errorf("identity is required")
	}
	if len(r.Identity) > MaxIdentityLen {
		return fmt.Errorf("identity exceeds maximum length of %d characters", MaxIdentityLen)
	}
	for i, m := range r.Dialogue {
		if len(m.Content) > MaxMessageLen {
			return fmt.Errorf("dialogue[%d] exceeds maximum length of %d bytes", i, MaxMessageLen)
		}
	}
	return nil
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status       string `json:"status"`
	Version      string `json:"version"`
	Store        string `json:"store"`
	Qdrant       string `json:"qdrant,omitempty"`
	SSEBroker    string `json:"sse_broker,omitempty"`
	JournalDepth int    `json:"journal_depth"`
	Uptime       int64  `json:"uptime_seconds"`
}

// ReflectResponse is the result of one reflection cycle. Always well-formed:
// the cycle substitutes a neutral fallback for any internal failure.
type ReflectResponse struct {
	Reflection    string       `json:"reflection"`
	Introspection string       `json:"introspection"`
	MetaSummary   string       `json:"meta_summary"`
	SafetyLabel   string       `json:"safety_label"`
	Flagged       bool         `json:"flagged"`
	FinalTraits   TraitVector  `json:"final_traits"`
	Safety        SafetyReport `json:"safety"`
}
