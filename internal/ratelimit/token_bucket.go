package ratelimit

import (
	"sync"
	"time"
)

// TokenBucket limits inbound signaling message rates per connection.
//
// It refills continuously at fillRate tokens/sec up to capacity, using the
// provided Clock so tests can advance time explicitly.
type TokenBucket struct {
	mu sync.Mutex

	clock Clock

	capacity float64
	fillRate float64

	available float64
	last      time.Time
}

func NewTokenBucket(clock Clock, capacity, fillRate int64) *TokenBucket {
	if clock == nil {
		clock = RealClock{}
	}
	if capacity < 0 {
		capacity = 0
	}
	if fillRate < 0 {
		fillRate = 0
	}
	return &TokenBucket{
		clock:     clock,
		capacity:  float64(capacity),
		fillRate:  float64(fillRate),
		available: float64(capacity),
		last:      clock.Now(),
	}
}

// Allow consumes tokens if available. tokens <= 0 always succeeds.
func (b *TokenBucket) Allow(tokens int64) bool {
	if tokens <= 0 {
		return true
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked()

	cost := float64(tokens)
	if b.available < cost {
		return false
	}
	b.available -= cost
	return true
}

func (b *TokenBucket) refillLocked() {
	now := b.clock.Now()
	if now.Before(b.last) {
		// Time went backwards. Move the reference point without refilling.
		b.last = now
		return
	}

	elapsed := now.Sub(b.last)
	b.last = now
	if elapsed <= 0 || b.fillRate <= 0 {
		return
	}

	b.available += elapsed.Seconds() * b.fillRate
	if b.available > b.capacity {
		b.available = b.capacity
	}
}
