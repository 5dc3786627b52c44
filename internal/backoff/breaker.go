package backoff

import (
	"errors"
	"sync"
	"time"

	"github.com/henrydev1610/hutz-live-85-sub002/internal/ratelimit"
)

// ErrCircuitOpen is returned by Breaker.Allow while the breaker rejects
// attempts. Callers must not touch the network when they see it.
var ErrCircuitOpen = errors.New("circuit breaker open")

type breakerState int

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerHalfOpen
)

// Breaker opens after a run of consecutive failures and rejects further
// attempts for a cool-down window. After the window exactly one probe
// attempt is let through; its outcome closes or re-opens the circuit.
type Breaker struct {
	clock     ratelimit.Clock
	threshold int
	cooldown  time.Duration

	mu          sync.Mutex
	state       breakerState
	consecutive int
	openedAt    time.Time
}

func NewBreaker(clock ratelimit.Clock, threshold int, cooldown time.Duration) *Breaker {
	if clock == nil {
		clock = ratelimit.RealClock{}
	}
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &Breaker{
		clock:     clock,
		threshold: threshold,
		cooldown:  cooldown,
	}
}

// Allow reports whether an attempt may proceed. While open it returns
// ErrCircuitOpen without any side effects; once the cool-down has elapsed it
// admits a single probe and rejects everything else until that probe is
// resolved via Success or Failure.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case breakerClosed:
		return nil
	case breakerHalfOpen:
		// A probe is already in flight.
		return ErrCircuitOpen
	default: // open
		if b.clock.Now().Sub(b.openedAt) < b.cooldown {
			return ErrCircuitOpen
		}
		b.state = breakerHalfOpen
		b.consecutive = 0
		return nil
	}
}

// Success records a successful attempt and closes the circuit.
func (b *Breaker) Success() {
	b.mu.Lock()
	b.state = breakerClosed
	b.consecutive = 0
	b.mu.Unlock()
}

// Failure records a failed attempt. Reaching the threshold, or failing the
// half-open probe, opens the circuit for a fresh cool-down window.
func (b *Breaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == breakerHalfOpen {
		b.state = breakerOpen
		b.openedAt = b.clock.Now()
		b.consecutive = b.threshold
		return
	}

	b.consecutive++
	if b.consecutive >= b.threshold {
		b.state = breakerOpen
		b.openedAt = b.clock.Now()
	}
}

// ConsecutiveFailures returns the current failure run length.
func (b *Breaker) ConsecutiveFailures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.consecutive
}
