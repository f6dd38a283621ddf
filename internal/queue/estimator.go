package queue

import (
	"sync"
	"time"

	"github.com/keymux/keymux/internal/models"
)

// SampleRetention is how long wait samples contribute to estimates.
const SampleRetention = 5 * time.Minute

// waitSample records one successful queue transit.
type waitSample struct {
	family        models.Family
	start         time.Time
	end           time.Time
	deprioritized bool
}

// Estimator keeps a rolling window of queue wait durations per partition.
// Heartbeats report its estimate to streaming clients still in line.
type Estimator struct {
	mu      sync.Mutex
	samples []waitSample

	now func() time.Time
}

// NewEstimator creates an empty estimator.
func NewEstimator() *Estimator {
	return &Estimator{now: time.Now}
}

// Record appends a wait sample. end must not precede start.
func (e *Estimator) Record(f models.Family, start, end time.Time, deprioritized bool) {
	if end.Before(start) {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.samples = append(e.samples, waitSample{family: f, start: start, end: end, deprioritized: deprioritized})
}

// Estimate averages the recent non-deprioritized wait durations for a
// partition. Returns 0 when there are no usable samples: no data is
// reported as no wait rather than a guess.
func (e *Estimator) Estimate(f models.Family) time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()

	cutoff := e.now().Add(-SampleRetention)
	var total time.Duration
	var n int
	for _, s := range e.samples {
		if s.family != f || s.deprioritized || s.end.Before(cutoff) {
			continue
		}
		total += s.end.Sub(s.start)
		n++
	}
	if n == 0 {
		return 0
	}
	return total / time.Duration(n)
}

// Prune drops samples past the retention window. Runs with the stall sweep.
func (e *Estimator) Prune() {
	e.mu.Lock()
	defer e.mu.Unlock()

	cutoff := e.now().Add(-SampleRetention)
	kept := e.samples[:0]
	for _, s := range e.samples {
		if !s.end.Before(cutoff) {
			kept = append(kept, s)
		}
	}
	e.samples = kept
}

// Len returns the number of retained samples.
func (e *Estimator) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.samples)
}
