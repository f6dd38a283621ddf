package ratelimit

import (
	"sync"
	"time"
)

// pruneIdleAfter is how long an identity's bucket may sit untouched before
// the store drops it.
const pruneIdleAfter = 10 * time.Minute

// Store holds one limiter per identity. A zero per-minute rate disables
// limiting entirely.
type Store struct {
	mu        sync.Mutex
	perMinute int
	limiters  map[string]*Limiter
}

// NewStore creates a store admitting perMinute requests per identity per
// minute. perMinute 0 admits everything.
func NewStore(perMinute int) *Store {
	return &Store{
		perMinute: perMinute,
		limiters:  make(map[string]*Limiter),
	}
}

// Allow consumes a token from the identity's bucket, creating the bucket
// on first sight.
func (s *Store) Allow(identity string) bool {
	if s.perMinute <= 0 {
		return true
	}

	s.mu.Lock()
	l, ok := s.limiters[identity]
	if !ok {
		l = NewLimiter(s.perMinute)
		s.limiters[identity] = l
	}
	s.mu.Unlock()

	return l.Allow()
}

// Prune drops buckets idle long enough to be full again. Bounded memory
// for a churning identity population.
func (s *Store) Prune() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	dropped := 0
	for id, l := range s.limiters {
		if l.idle() > pruneIdleAfter {
			delete(s.limiters, id)
			dropped++
		}
	}
	return dropped
}

// Len returns the number of tracked identities.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.limiters)
}
