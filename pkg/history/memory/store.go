// Package memory provides an in-process [history.Store].
package memory

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/MrWong99/avatalk/pkg/history"
)

var _ history.Store = (*Store)(nil)

// Store keeps conversation entries in memory. When MaxPerSession is
// positive, only that many of the newest entries are retained per session.
type Store struct {
	mu       sync.Mutex
	max      int
	sessions map[string][]history.Entry
}

// New creates a Store retaining at most maxPerSession entries per session
// (0 = unbounded).
func New(maxPerSession int) *Store {
	return &Store{max: maxPerSession, sessions: make(map[string][]history.Entry)}
}

// Append implements [history.Store].
func (s *Store) Append(_ context.Context, sessionID string, entries ...history.Entry) error {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	log := s.sessions[sessionID]
	for _, e := range entries {
		if e.CreatedAt.IsZero() {
			e.CreatedAt = now
		}
		log = append(log, e)
	}
	if s.max > 0 && len(log) > s.max {
		log = slices.Clone(log[len(log)-s.max:])
	}
	s.sessions[sessionID] = log
	return nil
}

// Recent implements [history.Store].
func (s *Store) Recent(_ context.Context, sessionID string, limit int) ([]history.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	log := s.sessions[sessionID]
	if limit > 0 && len(log) > limit {
		log = log[len(log)-limit:]
	}
	out := slices.Clone(log)
	if out == nil {
		out = []history.Entry{}
	}
	return out, nil
}

// Clear implements [history.Store].
func (s *Store) Clear(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionID)
	return nil
}
