// Package dispatch pairs waiting tickets with available keys. A single
// cooperative loop polls every partition on a short tick; polling rather
// than condition-variable wake-up is deliberate, because lockouts expire on
// wall time and would need a timer anyway.
package dispatch

import (
	"context"
	"time"

	"github.com/keymux/keymux/internal/keypool"
	"github.com/keymux/keymux/internal/logging"
	"github.com/keymux/keymux/internal/models"
	"github.com/keymux/keymux/internal/queue"
)

// TickInterval is small enough to be invisible at human scale and coarse
// enough to bound CPU.
const TickInterval = 50 * time.Millisecond

// Dispatcher is the single logical task that resumes queued requests.
type Dispatcher struct {
	queue *queue.Queue
	pool  *keypool.Pool
	log   *logging.Logger
}

// New creates a dispatcher over the shared queue and key pool.
func New(q *queue.Queue, p *keypool.Pool, logger *logging.Logger) *Dispatcher {
	return &Dispatcher{queue: q, pool: p, log: logger}
}

// Run ticks until the context is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			d.Tick()
		case <-ctx.Done():
			return
		}
	}
}

// Tick visits each partition once. For a partition with waiting tickets and
// no lockout it dequeues the oldest eligible ticket, leases a key, and
// resumes it. The resumed handler runs the upstream call on its own
// goroutine; the dispatcher never waits for it.
//
// The dequeue happens before the lease: leasing stamps the key's LRU
// position, and a ticket can be aborted between the length check and the
// dequeue, which would burn a rotation slot on nobody. A ticket dequeued
// and then denied a key goes straight back in the queue.
func (d *Dispatcher) Tick() {
	for _, fam := range models.AllFamilies() {
		if d.queue.Len(fam) == 0 {
			continue
		}

		service := models.ServiceFor(fam)
		if d.pool.LockoutPeriod(service, models.RepresentativeModel(fam)) > 0 {
			continue
		}

		t := d.queue.Dequeue(fam)
		if t == nil {
			continue
		}

		key := d.pool.Lease(fam)
		if key == nil {
			// Every key was benched or retired since the lockout check.
			d.queue.Requeue(t)
			continue
		}

		if d.log != nil {
			d.log.Debug().
				Str("ticket", t.ID).
				Str("family", string(fam)).
				Str("key", key.ID).
				Dur("waited", t.WaitDuration()).
				Msg("ticket resumed")
		}
		t.Deliver(queue.Resumption{Key: key})
	}
}
