// Package backoff consolidates the reconnect delay policy and the circuit
// breaker that gate the orchestrator's transport attempts. Both are plain
// state machines driven by an injectable clock; neither owns a timer.
package backoff

import (
	"math"
	"math/rand"
	"time"
)

const (
	DefaultBase       = 1 * time.Second
	DefaultMultiplier = 2.0
	DefaultJitter     = 0.25
	DefaultCap        = 30 * time.Second
	DefaultAttempts   = 5

	// Slow-network scaling: flaky mobile links get a gentler schedule and
	// more attempts before the orchestrator reports failure.
	DefaultSlowBaseFactor = 2.0
	DefaultSlowAttempts   = 8
)

// Policy computes reconnect delays: base * multiplier^(attempt-1) + jitter,
// capped. The jittered result always stays within [base, cap].
type Policy struct {
	Base       time.Duration
	Multiplier float64
	// Jitter is the fraction of the computed delay added as random noise.
	// Must be < Multiplier-1 for delays to stay non-decreasing across
	// consecutive attempts.
	Jitter   float64
	Cap      time.Duration
	Attempts int

	SlowBaseFactor float64
	SlowAttempts   int

	// Rand returns a value in [0,1). Defaults to math/rand. Test hook.
	Rand func() float64
}

func (p Policy) WithDefaults() Policy {
	if p.Base <= 0 {
		p.Base = DefaultBase
	}
	if p.Multiplier < 1 {
		p.Multiplier = DefaultMultiplier
	}
	if p.Jitter < 0 {
		p.Jitter = DefaultJitter
	}
	if p.Cap < p.Base {
		p.Cap = DefaultCap
	}
	if p.Attempts <= 0 {
		p.Attempts = DefaultAttempts
	}
	if p.SlowBaseFactor < 1 {
		p.SlowBaseFactor = DefaultSlowBaseFactor
	}
	if p.SlowAttempts <= 0 {
		p.SlowAttempts = DefaultSlowAttempts
	}
	if p.Rand == nil {
		p.Rand = rand.Float64
	}
	return p
}

// Delay returns the wait before the given attempt (1-based). Under the slow
// classification the base delay is scaled up.
func (p Policy) Delay(attempt int, slow bool) time.Duration {
	p = p.WithDefaults()
	if attempt < 1 {
		attempt = 1
	}

	base := float64(p.Base)
	if slow {
		base *= p.SlowBaseFactor
	}
	capf := float64(p.Cap)
	if base > capf {
		base = capf
	}

	raw := base * math.Pow(p.Multiplier, float64(attempt-1))
	if raw > capf {
		raw = capf
	}

	delay := raw + p.Rand()*p.Jitter*raw
	if delay > capf {
		delay = capf
	}
	if delay < base {
		delay = base
	}
	return time.Duration(delay)
}

// MaxAttempts returns the attempt ceiling for the given network class.
func (p Policy) MaxAttempts(slow bool) int {
	p = p.WithDefaults()
	if slow {
		return p.SlowAttempts
	}
	return p.Attempts
}
