package orchestrator

// Status is the externally visible connection state. Raw transport errors
// never escape the orchestrator goroutines; callers watch this enum and the
// error callback instead.
type Status int

const (
	StatusDisconnected Status = iota
	StatusConnecting
	StatusConnected
	// StatusFailed means the retry budget is exhausted or the circuit breaker
	// refused the attempt; a fresh Connect is required.
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ConnectionMetrics is a point-in-time snapshot of the transport state.
type ConnectionMetrics struct {
	Endpoint            string
	Status              Status
	AttemptCount        int
	ConsecutiveFailures int
	Quality             string
}
