package metrics

import "sync"

// Counter names shared across the signaling server and clients.
const (
	RouteDelivered     = "route_delivered"
	RouteBroadcast     = "route_broadcast"
	RouteDropNoTarget  = "route_drop_target_missing"
	RouteDropNoRoom    = "route_drop_room_missing"
	RouteDropBadSender = "route_drop_bad_sender"

	JoinAccepted     = "join_accepted"
	JoinRejected     = "join_rejected"
	LeaveProcessed   = "leave_processed"
	ConnectionReaped = "connection_reaped"

	SignalDropRateLimited = "signal_drop_rate_limited"
	SignalDropMalformed   = "signal_drop_malformed"
	SignalDropSlowClient  = "signal_drop_slow_client"

	FallbackPrimarySend   = "fallback_primary_send"
	FallbackSecondarySend = "fallback_secondary_send"
	FallbackStored        = "fallback_stored"
	FallbackDrained       = "fallback_drained"
	FallbackDuplicate     = "fallback_duplicate"
	FallbackExpired       = "fallback_expired"
)

// Metrics is a minimal, concurrency-safe counter registry.
//
// The hosted deployment scrapes these through the Prometheus text endpoint;
// in unit tests the registry doubles as a cheap probe for invariants such as
// "exactly one user-disconnected per leave".
type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64
}

func New() *Metrics {
	return &Metrics{
		m: make(map[string]uint64),
	}
}

func (m *Metrics) Inc(name string) {
	m.Add(name, 1)
}

func (m *Metrics) Add(name string, delta uint64) {
	m.mu.Lock()
	if m.m == nil {
		m.m = make(map[string]uint64)
	}
	m.m[name] += delta
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

// Snapshot returns a copy of all counters.
func (m *Metrics) Snapshot() map[string]uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		out[k] = v
	}
	return out
}
