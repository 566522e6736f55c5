package memstore

import (
	"context"
	"sync"

	"nuha.dev/locus/internal/store"
)

// Store keeps flags, grants and fixes in memory. It is used when no
// database is configured and by tests.
type Store struct {
	mu     sync.Mutex
	flags  map[string]store.Flags
	grants map[string]store.Grant
	fixes  []store.Fix
	limit  int
}

func New(historyLimit int) *Store {
	return &Store{
		flags:  make(map[string]store.Flags),
		grants: make(map[string]store.Grant),
		limit:  historyLimit,
	}
}

func (s *Store) Flags(ctx context.Context, permission string) (store.Flags, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flags[permission], nil
}

func (s *Store) SetFlags(ctx context.Context, permission string, f store.Flags) error {
	s.mu.Lock()
	s.flags[permission] = f
	s.mu.Unlock()
	return nil
}

func (s *Store) Grant(ctx context.Context, permission string) (store.Grant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.grants[permission], nil
}

func (s *Store) SetGrant(ctx context.Context, permission string, g store.Grant) error {
	s.mu.Lock()
	s.grants[permission] = g
	s.mu.Unlock()
	return nil
}

func (s *Store) Put(f store.Fix) {
	s.mu.Lock()
	s.fixes = append(s.fixes, f)
	if s.limit > 0 && len(s.fixes) > s.limit {
		s.fixes = s.fixes[len(s.fixes)-s.limit:]
	}
	s.mu.Unlock()
}

// Fixes returns a copy of the recorded history, oldest first.
func (s *Store) Fixes() []store.Fix {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]store.Fix, len(s.fixes))
	copy(out, s.fixes)
	return out
}
