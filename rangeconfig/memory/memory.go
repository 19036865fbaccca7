// Package memory provides an in-memory rangeconfig.Store for tests.
package memory

import (
	"fmt"
	"sync"

	"github.com/jmcleod/seriatim/rangeconfig"
)

// Store is a thread-safe in-memory implementation of rangeconfig.Store.
// Staged and committed values are kept apart so tests can assert that a
// range switch was actually committed, not just staged.
type Store struct {
	mu        sync.Mutex
	pending   map[string]string
	committed map[string]string
	failNext  bool
}

var _ rangeconfig.Store = (*Store)(nil)

// NewStore creates a new empty in-memory Store.
func NewStore() *Store {
	return &Store{
		pending:   make(map[string]string),
		committed: make(map[string]string),
	}
}

// FailNextCommit makes the next Commit return an error, for exercising the
// degraded persistence path.
func (s *Store) FailNextCommit() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext = true
}

// Committed returns the committed value for name, for test assertions.
func (s *Store) Committed(name string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.committed[name]
	return v, ok
}

func (s *Store) GetString(name string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok := s.pending[name]; ok {
		return v, nil
	}
	if v, ok := s.committed[name]; ok {
		return v, nil
	}
	return "", fmt.Errorf("%s: %w", name, rangeconfig.ErrNotFound)
}

func (s *Store) PutString(name, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending[name] = value
	return nil
}

func (s *Store) Commit() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failNext {
		s.failNext = false
		return fmt.Errorf("commit failed (injected)")
	}
	for k, v := range s.pending {
		s.committed[k] = v
	}
	s.pending = make(map[string]string)
	return nil
}
