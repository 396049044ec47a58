package peerchannel

import (
	"math/rand"
	"sync"
	"time"
)

// Backoff bounds for the candidate-address failover algorithm: a floor
// of ~1s and a cap of ~30s.
const (
	initialBackoff    = 1 * time.Second
	maxBackoff        = 30 * time.Second
	backoffMultiplier = 2.0
	backoffJitter     = 0.25
)

// backoff calculates exponential delays with jitter between reconnect
// attempts, reset on every successful connection.
type backoff struct {
	mu       sync.Mutex
	current  time.Duration
	attempts int
	rng      *rand.Rand
}

func newBackoff() *backoff {
	return &backoff{
		current: initialBackoff,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// next returns the next jittered delay and advances the backoff.
func (b *backoff) next() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	delay := b.current + time.Duration(float64(b.current)*backoffJitter*b.rng.Float64())
	b.attempts++

	next := time.Duration(float64(b.current) * backoffMultiplier)
	if next > maxBackoff {
		next = maxBackoff
	}
	b.current = next

	return delay
}

// reset restores the backoff to its initial value, called after a
// successful connection.
func (b *backoff) reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.current = initialBackoff
	b.attempts = 0
}

func (b *backoff) attemptCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attempts
}
