// Package mock provides an in-memory [results.Store] for tests.
package mock

import (
	"context"
	"sync"

	"github.com/keplear/keplear/pkg/results"
)

var _ results.Store = (*Store)(nil)

// Store is an in-memory results store that records every call. Configure the
// *Error fields to make individual methods fail. All methods are safe for
// concurrent use.
type Store struct {
	mu       sync.Mutex
	sessions map[string]results.Session
	order    []string

	// SaveError, GetError, ListError and PingError are returned by the
	// corresponding methods when non-nil.
	SaveError error
	GetError  error
	ListError error
	PingError error

	// Call counters, incremented before any error is returned.
	CallCountSave  int
	CallCountGet   int
	CallCountList  int
	CallCountPing  int
	CallCountClose int
}

// NewStore creates an empty mock store.
func NewStore() *Store {
	return &Store{sessions: make(map[string]results.Session)}
}

// SaveSession implements [results.Store].
func (s *Store) SaveSession(_ context.Context, sess results.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountSave++
	if s.SaveError != nil {
		return s.SaveError
	}
	if _, ok := s.sessions[sess.ID]; !ok {
		s.order = append(s.order, sess.ID)
	}
	s.sessions[sess.ID] = sess
	return nil
}

// GetSession implements [results.Store].
func (s *Store) GetSession(_ context.Context, id string) (results.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountGet++
	if s.GetError != nil {
		return results.Session{}, s.GetError
	}
	sess, ok := s.sessions[id]
	if !ok {
		return results.Session{}, results.ErrNotFound
	}
	return sess, nil
}

// ListSessions implements [results.Store]. Sessions are returned newest
// first, meaning reverse insertion order.
func (s *Store) ListSessions(_ context.Context, opts results.ListOpts) ([]results.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountList++
	if s.ListError != nil {
		return nil, s.ListError
	}
	out := []results.Session{}
	for i := len(s.order) - 1; i >= 0; i-- {
		sess := s.sessions[s.order[i]]
		if opts.Exercise != "" && sess.Exercise != opts.Exercise {
			continue
		}
		if !opts.After.IsZero() && !sess.StartedAt.After(opts.After) {
			continue
		}
		out = append(out, sess)
		if opts.Limit > 0 && len(out) == opts.Limit {
			break
		}
	}
	return out, nil
}

// Ping implements [results.Store].
func (s *Store) Ping(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountPing++
	return s.PingError
}

// Close implements [results.Store].
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountClose++
}

// Saved returns all stored sessions in insertion order, for assertions.
func (s *Store) Saved() []results.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]results.Session, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.sessions[id])
	}
	return out
}
