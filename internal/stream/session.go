package stream

import (
	"sync"
	"sync/atomic"
)

// Session carries the monotonic generation counter for one conversation
// session. Each user turn calls Begin before its relay starts; deferred
// side effects capture the returned generation and check Superseded at
// their point of use, never at spawn time. Superseding a turn does not
// abort its upstream call — it only suppresses the stale effects.
type Session struct {
	gen atomic.Uint64
}

// Begin increments and returns the session's generation. The returned value
// identifies the turn being started.
func (s *Session) Begin() uint64 {
	return s.gen.Add(1)
}

// Current returns the most recently begun generation.
func (s *Session) Current() uint64 {
	return s.gen.Load()
}

// Superseded reports whether a newer turn has begun since gen was issued.
func (s *Session) Superseded(gen uint64) bool {
	return s.gen.Load() != gen
}

// Sessions is a registry of live sessions keyed by identity and session ID.
// Entries are created on demand and are cheap enough to keep for the
// lifetime of the process.
type Sessions struct {
	mu sync.Mutex
	m  map[string]*Session
}

// NewSessions creates an empty registry.
func NewSessions() *Sessions {
	return &Sessions{m: make(map[string]*Session)}
}

// Get returns the session for key, creating it if needed.
func (s *Sessions) Get(key string) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.m[key]
	if !ok {
		sess = &Session{}
		s.m[key] = sess
	}
	return sess
}
