// Package session holds the per-client state of the signing pipeline: whether the agent
// accepted the API keys, which keys were used, and the remembered default identifier.
package session

import (
	"slices"
	"sync"

	"github.com/rs/zerolog/log"
)

// Session is safe for concurrent use. The zero value is a fresh, uninitialized session.
type Session struct {
	mu                sync.RWMutex
	initialized       bool
	tokens            []string
	defaultIdentifier string
}

// New creates an uninitialized session.
func New() *Session {
	return &Session{}
}

// MarkInitialized records that the agent accepted tokens.
func (s *Session) MarkInitialized(tokens []string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.initialized = true
	s.tokens = slices.Clone(tokens)
}

// MarkFailed records that the agent refused the last start. Tokens are kept.
func (s *Session) MarkFailed() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.initialized = false
}

// Initialized reports whether Start succeeded since the last Reset.
func (s *Session) Initialized() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.initialized
}

// Tokens returns the API key tokens of the last successful start.
func (s *Session) Tokens() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.tokens)
}

// SetTokens replaces the stored tokens without changing the initialized state.
func (s *Session) SetTokens(tokens []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens = slices.Clone(tokens)
}

// SetDefaultIdentifier remembers a holder identifier or hardware token tag.
func (s *Session) SetDefaultIdentifier(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.defaultIdentifier = id
	log.Debug().Str("identifier", id).Msg("Default identifier set")
}

// DefaultIdentifier returns the remembered identifier and whether one is set.
func (s *Session) DefaultIdentifier() (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.defaultIdentifier, s.defaultIdentifier != ""
}

// ClearDefaultIdentifier forgets the remembered identifier.
func (s *Session) ClearDefaultIdentifier() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.defaultIdentifier = ""
}

// Reset returns the session to its zero state.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.initialized = false
	s.tokens = nil
	s.defaultIdentifier = ""
}
