package fallback

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/henrydev1610/hutz-live-85-sub002/internal/metrics"
	"github.com/henrydev1610/hutz-live-85-sub002/internal/signal"
)

// Store holds targeted signaling messages for receivers that could not be
// reached over any live channel. Entries expire after the store TTL and are
// removed when drained. Delivery is at-least-once; receivers dedup by
// message id.
type Store interface {
	Put(ctx context.Context, receiverID string, msg signal.Message) error
	// Drain returns and removes all pending messages for the receiver, in
	// storage order, with expired entries discarded.
	Drain(ctx context.Context, receiverID string) ([]signal.Message, error)
}

const redisKeyPrefix = "hutz:fallback:"

// RedisStore keeps one list per receiver, refreshed to the TTL on every Put.
// Redis handles expiry of whole keys itself; per-entry expiry is checked on
// drain.
type RedisStore struct {
	client  *redis.Client
	ttl     time.Duration
	now     func() time.Time
	metrics *metrics.Metrics
}

func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, ttl: ttl, now: time.Now}
}

// WithMetrics attaches a counter set for drop accounting.
func (s *RedisStore) WithMetrics(m *metrics.Metrics) *RedisStore {
	s.metrics = m
	return s
}

func (s *RedisStore) key(receiverID string) string { return redisKeyPrefix + receiverID }

func (s *RedisStore) Put(ctx context.Context, receiverID string, msg signal.Message) error {
	data, err := signal.Encode(msg)
	if err != nil {
		return fmt.Errorf("encode fallback message: %w", err)
	}
	key := s.key(receiverID)
	if err := s.client.RPush(ctx, key, data).Err(); err != nil {
		return fmt.Errorf("rpush %s: %w", key, err)
	}
	if err := s.client.Expire(ctx, key, s.ttl).Err(); err != nil {
		return fmt.Errorf("expire %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) Drain(ctx context.Context, receiverID string) ([]signal.Message, error) {
	key := s.key(receiverID)

	pipe := s.client.TxPipeline()
	entries := pipe.LRange(ctx, key, 0, -1)
	pipe.Del(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("drain %s: %w", key, err)
	}

	raw, err := entries.Result()
	if err != nil {
		return nil, fmt.Errorf("drain %s: %w", key, err)
	}

	cutoff := s.now().Add(-s.ttl).UnixMilli()
	out := make([]signal.Message, 0, len(raw))
	for _, item := range raw {
		msg, err := signal.Parse([]byte(item))
		if err != nil {
			continue
		}
		if msg.Timestamp != 0 && msg.Timestamp < cutoff {
			if s.metrics != nil {
				s.metrics.Inc(metrics.FallbackExpired)
			}
			continue
		}
		out = append(out, msg)
	}
	return out, nil
}

type memoryEntry struct {
	msg      signal.Message
	storedAt time.Time
}

// maxPendingPerReceiver bounds one receiver's queue so an unauthenticated
// POST flood cannot grow the in-process store faster than the TTL drains it.
// Oldest entries are dropped first; delivery is at-least-once, not reliable.
const maxPendingPerReceiver = 256

// MemoryStore is the in-process Store used when no Redis address is
// configured, and in tests. Unlike Redis it has no native key expiry, so
// entries for receivers that never poll are reclaimed by Sweep, which the
// signaling server calls on its reap ticker.
type MemoryStore struct {
	ttl     time.Duration
	now     func() time.Time
	metrics *metrics.Metrics

	mu      sync.Mutex
	pending map[string][]memoryEntry
}

func NewMemoryStore(ttl time.Duration) *MemoryStore {
	return &MemoryStore{
		ttl:     ttl,
		now:     time.Now,
		pending: make(map[string][]memoryEntry),
	}
}

// WithMetrics attaches a counter set for drop accounting.
func (s *MemoryStore) WithMetrics(m *metrics.Metrics) *MemoryStore {
	s.metrics = m
	return s
}

// SetNowFunc overrides the clock. Test use only.
func (s *MemoryStore) SetNowFunc(now func() time.Time) { s.now = now }

func (s *MemoryStore) Put(ctx context.Context, receiverID string, msg signal.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := append(s.pending[receiverID], memoryEntry{msg: msg, storedAt: s.now()})
	if n := len(entries) - maxPendingPerReceiver; n > 0 {
		entries = entries[n:]
		s.incExpired(n)
	}
	s.pending[receiverID] = entries
	return nil
}

func (s *MemoryStore) Drain(ctx context.Context, receiverID string) ([]signal.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := s.pending[receiverID]
	delete(s.pending, receiverID)

	cutoff := s.now().Add(-s.ttl)
	out := make([]signal.Message, 0, len(entries))
	for _, entry := range entries {
		if entry.storedAt.Before(cutoff) {
			s.incExpired(1)
			continue
		}
		out = append(out, entry.msg)
	}
	return out, nil
}

// Sweep drops every expired entry and deletes emptied receiver keys. It
// returns the number of entries removed.
func (s *MemoryStore) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-s.ttl)
	removed := 0
	for receiverID, entries := range s.pending {
		kept := entries[:0]
		for _, entry := range entries {
			if entry.storedAt.Before(cutoff) {
				removed++
				continue
			}
			kept = append(kept, entry)
		}
		if len(kept) == 0 {
			delete(s.pending, receiverID)
		} else {
			s.pending[receiverID] = kept
		}
	}
	s.incExpired(removed)
	return removed
}

func (s *MemoryStore) incExpired(n int) {
	if s.metrics != nil && n > 0 {
		s.metrics.Add(metrics.FallbackExpired, uint64(n))
	}
}
