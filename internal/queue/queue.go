// Package queue holds requests waiting for an upstream key. It is a single
// ordered list conceptually sharded by model family, with per-identity
// admission caps, abort-aware removal, keep-alive heartbeats for streaming
// waiters, and a periodic stall sweep.
package queue

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/keymux/keymux/internal/logging"
	"github.com/keymux/keymux/internal/models"
)

// Timing constants for the queue's periodic work.
const (
	// HeartbeatInterval is how often streaming waiters get a keep-alive.
	HeartbeatInterval = 10 * time.Second

	// SweepInterval is how often the stall sweep runs.
	SweepInterval = 20 * time.Second

	// StallAge is the maximum time a ticket may wait before eviction.
	StallAge = 5 * time.Minute
)

// Identity concurrency caps. Retries are exempt.
const (
	normalIdentityCap = 1
	sharedIdentityCap = 5
)

// ErrTooManyQueued rejects admission when the identity's concurrency cap is
// hit. Surfaces to the client as HTTP 429.
var ErrTooManyQueued = errors.New("this user already has a request in the queue")

// ErrAlreadyQueued guards the at-most-once queue membership invariant.
var ErrAlreadyQueued = errors.New("ticket is already queued")

// Queue is the shared waiting list. All mutation happens under one mutex.
type Queue struct {
	mu    sync.Mutex
	items []*Ticket

	estimator *Estimator
	log       *logging.Logger

	now func() time.Time
}

// New creates an empty queue.
func New(logger *logging.Logger) *Queue {
	return &Queue{
		estimator: NewEstimator(),
		log:       logger,
		now:       time.Now,
	}
}

// Estimator exposes the wait-time estimator for heartbeat telemetry.
func (q *Queue) Estimator() *Estimator { return q.estimator }

// Enqueue admits a ticket. It enforces the per-identity concurrency cap
// (1 normal, 5 shared-identity; retries exempt), starts the abort watcher,
// and, for streaming tickets, the heartbeat.
func (q *Queue) Enqueue(t *Ticket) error {
	q.mu.Lock()

	for _, existing := range q.items {
		if existing == t {
			q.mu.Unlock()
			return ErrAlreadyQueued
		}
	}

	if t.RetryCount == 0 {
		limit := normalIdentityCap
		if t.SharedIdentity {
			limit = sharedIdentityCap
		}
		active := 0
		for _, existing := range q.items {
			if existing.Identity == t.Identity {
				active++
			}
		}
		if active >= limit {
			q.mu.Unlock()
			return fmt.Errorf("%w (limit %d)", ErrTooManyQueued, limit)
		}
	}

	t.QueueOutTime = time.Time{}
	t.queued = true
	t.stop = make(chan struct{})
	q.items = append(q.items, t)
	queueLen := len(q.items)
	q.mu.Unlock()

	if q.log != nil {
		q.log.Debug().
			Str("ticket", t.ID).
			Str("family", string(t.Family)).
			Int("retry", t.RetryCount).
			Int("queue_len", queueLen).
			Msg("ticket enqueued")
	}

	go q.watchAbort(t)
	if t.Stream && t.OnHeartbeat != nil {
		go q.heartbeat(t)
	}
	return nil
}

// Dequeue removes and returns the next eligible ticket for a partition:
// deprioritized (shared-identity) tickets go last, then earliest start
// time wins. Returns nil when no ticket matches.
func (q *Queue) Dequeue(f models.Family) *Ticket {
	q.mu.Lock()
	defer q.mu.Unlock()

	var best *Ticket
	for _, t := range q.items {
		if t.Family != f {
			continue
		}
		if best == nil {
			best = t
			continue
		}
		if t.SharedIdentity != best.SharedIdentity {
			if best.SharedIdentity {
				best = t
			}
			continue
		}
		if t.StartTime.Before(best.StartTime) {
			best = t
		}
	}
	if best == nil {
		return nil
	}

	q.removeLocked(best)
	best.QueueOutTime = q.now()
	return best
}

// Requeue puts a dequeued ticket back without re-checking admission caps:
// the ticket already held its slot and only lost the race for a key.
func (q *Queue) Requeue(t *Ticket) {
	q.mu.Lock()
	t.QueueOutTime = time.Time{}
	t.queued = true
	t.stop = make(chan struct{})
	q.items = append(q.items, t)
	q.mu.Unlock()

	go q.watchAbort(t)
	if t.Stream && t.OnHeartbeat != nil {
		go q.heartbeat(t)
	}
}

// Remove takes a ticket out of the queue by reference. Idempotent.
// Returns true when the ticket was still queued.
func (q *Queue) Remove(t *Ticket) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.removeLocked(t)
}

// removeLocked unlinks the ticket and stops its timers. Caller holds q.mu.
func (q *Queue) removeLocked(t *Ticket) bool {
	for i, item := range q.items {
		if item == t {
			q.items = append(q.items[:i], q.items[i+1:]...)
			t.queued = false
			close(t.stop)
			return true
		}
	}
	return false
}

// Len returns the number of tickets waiting in a partition.
func (q *Queue) Len(f models.Family) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := 0
	for _, t := range q.items {
		if t.Family == f {
			n++
		}
	}
	return n
}

// TotalLen returns the total queue depth.
func (q *Queue) TotalLen() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// position returns the 1-based scheduling position of a ticket within its
// partition, counting only tickets that would dequeue before it.
func (q *Queue) position(t *Ticket) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	pos := 1
	for _, other := range q.items {
		if other == t || other.Family != t.Family {
			continue
		}
		if other.SharedIdentity != t.SharedIdentity {
			if !other.SharedIdentity {
				pos++
			}
			continue
		}
		if other.StartTime.Before(t.StartTime) {
			pos++
		}
	}
	return pos
}

// RecordWait appends a wait sample for a ticket that reached the upstream
// successfully.
func (q *Queue) RecordWait(t *Ticket) {
	if t.QueueOutTime.IsZero() {
		return
	}
	q.estimator.Record(t.Family, t.StartTime, t.QueueOutTime, t.SharedIdentity)
}

// watchAbort removes the ticket when the client connection closes before
// dispatch. The resume channel is closed so the handler unblocks.
func (q *Queue) watchAbort(t *Ticket) {
	select {
	case <-t.ctx.Done():
		if q.Remove(t) {
			close(t.resume)
			if q.log != nil {
				q.log.Debug().Str("ticket", t.ID).Msg("client aborted while queued")
			}
		}
	case <-t.stop:
	}
}

// heartbeat emits keep-alive frames to a streaming waiter every interval.
// Frames carry queue position and the current wait estimate; they stop as
// soon as the ticket leaves the queue.
func (q *Queue) heartbeat(t *Ticket) {
	ticker := time.NewTicker(HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			t.OnHeartbeat(q.position(t), q.estimator.Estimate(t.Family))
		case <-t.stop:
			return
		case <-t.ctx.Done():
			return
		}
	}
}

// StartSweeper runs the stall sweep loop until the channel closes. Every
// SweepInterval it evicts tickets older than StallAge with a terminal
// queue-timeout response and prunes stale wait samples.
func (q *Queue) StartSweeper(done <-chan struct{}) {
	ticker := time.NewTicker(SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			q.Sweep()
			q.estimator.Prune()
		case <-done:
			return
		}
	}
}

// Sweep evicts stalled tickets once. Exposed for tests and for the
// sweeper loop.
func (q *Queue) Sweep() int {
	cutoff := q.now().Add(-StallAge)

	q.mu.Lock()
	var stalled []*Ticket
	for _, t := range q.items {
		if t.StartTime.Before(cutoff) {
			stalled = append(stalled, t)
		}
	}
	for _, t := range stalled {
		q.removeLocked(t)
	}
	q.mu.Unlock()

	for _, t := range stalled {
		close(t.resume)
		if t.OnTimeout != nil {
			t.OnTimeout()
		}
		if q.log != nil {
			q.log.Warn().
				Str("ticket", t.ID).
				Str("family", string(t.Family)).
				Dur("age", q.now().Sub(t.StartTime)).
				Msg("ticket evicted by stall sweep")
		}
	}
	return len(stalled)
}

// SetClock replaces the queue's time source. Tests only.
func (q *Queue) SetClock(now func() time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.now = now
}
