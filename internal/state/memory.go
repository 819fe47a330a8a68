package state

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// MemoryStore keeps pending states in process memory. Suitable for a single
// instance; multi-instance deployments need the Redis store.
type MemoryStore struct {
	mu     sync.Mutex
	states map[string]time.Time

	cron *cron.Cron
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an in-memory store with a background janitor that
// sweeps expired states every minute.
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{
		states: make(map[string]time.Time),
		cron:   cron.New(),
	}

	// AddFunc only fails on a malformed schedule; "@every 1m" is constant.
	s.cron.AddFunc("@every 1m", s.sweep)
	s.cron.Start()

	return s
}

// Create registers a pending state.
func (s *MemoryStore) Create(_ context.Context, state string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[state] = time.Now().Add(ttl)
	return nil
}

// Consume checks and removes a state in one step.
func (s *MemoryStore) Consume(_ context.Context, state string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	expiry, ok := s.states[state]
	if !ok {
		return false, nil
	}
	delete(s.states, state)

	if time.Now().After(expiry) {
		return false, nil
	}
	return true, nil
}

// Count returns the number of pending states, expired entries included
// until the next sweep.
func (s *MemoryStore) Count(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.states), nil
}

// Close stops the janitor and waits for a running sweep to finish.
func (s *MemoryStore) Close() error {
	ctx := s.cron.Stop()
	<-ctx.Done()
	return nil
}

func (s *MemoryStore) sweep() {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()
	for state, expiry := range s.states {
		if now.After(expiry) {
			delete(s.states, state)
		}
	}
}
