// Package ratelimit provides per-identity request rate limiting using a
// token bucket algorithm.
package ratelimit

import (
	"sync"
	"time"
)

// Limiter is a token bucket. Each admitted request consumes one token; the
// bucket refills continuously at the configured per-minute rate and caps at
// one minute's worth of burst.
type Limiter struct {
	mu         sync.Mutex
	tokens     float64
	maxTokens  float64
	refillRate float64 // tokens per second
	lastRefill time.Time

	now func() time.Time
}

// NewLimiter creates a limiter admitting perMinute requests per minute.
func NewLimiter(perMinute int) *Limiter {
	return &Limiter{
		tokens:     float64(perMinute),
		maxTokens:  float64(perMinute),
		refillRate: float64(perMinute) / 60,
		lastRefill: time.Now(),
		now:        time.Now,
	}
}

// Allow consumes a token if one is available. Non-blocking: queue-wait is
// the proxy's back-pressure mechanism, so a limited request is rejected
// outright rather than delayed.
func (l *Limiter) Allow() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.refill()
	if l.tokens < 1 {
		return false
	}
	l.tokens--
	return true
}

// refill adds tokens for the elapsed time. Caller holds l.mu.
func (l *Limiter) refill() {
	now := l.now()
	elapsed := now.Sub(l.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	l.tokens += elapsed * l.refillRate
	if l.tokens > l.maxTokens {
		l.tokens = l.maxTokens
	}
	l.lastRefill = now
}

// idle reports how long the bucket has been full and untouched.
func (l *Limiter) idle() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.now().Sub(l.lastRefill)
}

// SetClock replaces the limiter's time source. Tests only.
func (l *Limiter) SetClock(now func() time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.now = now
}
