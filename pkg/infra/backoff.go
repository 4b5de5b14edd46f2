package infra

import (
	"math/rand"
	"sync"
	"time"
)

// Backoff is a jittered exponential backoff. Connection loops use the
// stateful Next/Reset pair; the retry manager uses the stateless DelayFor
// so a per-record delay can be recomputed from its persisted attempt count.
type Backoff struct {
	minDelay   time.Duration
	maxDelay   time.Duration
	multiplier float64
	current    time.Duration
	attempts   int
	mu         sync.Mutex
}

func NewBackoff(min, max time.Duration, mult float64) *Backoff {
	return &Backoff{
		minDelay:   min,
		maxDelay:   max,
		multiplier: mult,
		current:    min,
	}
}

// Next returns the wait before the following attempt, with ±20% jitter so
// a fleet of terminals reconnecting after an outage does not thunder in
// lockstep.
func (b *Backoff) Next() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.attempts++

	jitterFactor := rand.Float64()*0.4 - 0.2
	jitter := time.Duration(jitterFactor * float64(b.current))
	wait := max(b.current+jitter, b.minDelay)

	b.current = min(time.Duration(float64(b.current)*b.multiplier), b.maxDelay)

	return wait
}

// DelayFor returns the un-jittered delay for a given zero-based attempt
// number without touching the shared state.
func (b *Backoff) DelayFor(attempt int) time.Duration {
	d := b.minDelay
	for i := 0; i < attempt; i++ {
		d = time.Duration(float64(d) * b.multiplier)
		if d >= b.maxDelay {
			return b.maxDelay
		}
	}
	return d
}

func (b *Backoff) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.current = b.minDelay
	b.attempts = 0
}

func (b *Backoff) Attempts() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attempts
}
