// Package netquality classifies the client's network from observed
// signaling round-trips. The classification widens dial timeouts and
// stretches the reconnect/heartbeat schedule on bad mobile links; it is a
// hint, never a correctness input.
package netquality

import (
	"sync"
	"time"
)

type Class int

const (
	ClassUnknown Class = iota
	ClassFast
	ClassSlow
)

func (c Class) String() string {
	switch c {
	case ClassFast:
		return "fast"
	case ClassSlow:
		return "slow"
	default:
		return "unknown"
	}
}

const (
	DefaultSlowRTT = 750 * time.Millisecond

	// ewmaAlpha weights new samples; high enough that a phone walking out of
	// coverage flips the class within a few heartbeats.
	ewmaAlpha = 0.3
)

// Monitor keeps an exponentially weighted moving average of heartbeat RTTs.
type Monitor struct {
	slowRTT time.Duration

	mu      sync.Mutex
	ewma    time.Duration
	samples int
}

func NewMonitor(slowRTT time.Duration) *Monitor {
	if slowRTT <= 0 {
		slowRTT = DefaultSlowRTT
	}
	return &Monitor{slowRTT: slowRTT}
}

// RecordRTT feeds one observed round-trip.
func (m *Monitor) RecordRTT(rtt time.Duration) {
	if rtt < 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.samples == 0 {
		m.ewma = rtt
	} else {
		m.ewma = time.Duration(ewmaAlpha*float64(rtt) + (1-ewmaAlpha)*float64(m.ewma))
	}
	m.samples++
}

// RecordTimeout feeds a lost heartbeat as a strongly slow sample.
func (m *Monitor) RecordTimeout() {
	m.RecordRTT(2 * m.slowRTT)
}

func (m *Monitor) Class() Class {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.samples == 0 {
		return ClassUnknown
	}
	if m.ewma >= m.slowRTT {
		return ClassSlow
	}
	return ClassFast
}

// Slow reports whether the link is currently classified slow. Unknown is
// treated as not slow so a fresh client starts with the tight schedule.
func (m *Monitor) Slow() bool { return m.Class() == ClassSlow }

// RTT returns the current smoothed round-trip estimate.
func (m *Monitor) RTT() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ewma
}
