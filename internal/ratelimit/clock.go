package ratelimit

import "time"

// Clock abstracts time for rate limiting so tests can drive it
// deterministically.
type Clock interface {
	Now() time.Time
}

// RealClock is the production Clock.
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }
