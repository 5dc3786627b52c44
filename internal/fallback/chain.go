// Package fallback delivers signaling messages over a prioritized chain of
// channels and parks targeted messages in a durable expiring store when every
// channel is down.
package fallback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/henrydev1610/hutz-live-85-sub002/internal/metrics"
	"github.com/henrydev1610/hutz-live-85-sub002/internal/signal"
)

var ErrUndeliverable = errors.New("message undeliverable on all channels")

// Channel is one way of getting a signaling message out. Send returns once
// the message has been handed to the transport, not once it has been
// processed by the receiver.
type Channel interface {
	Name() string
	Send(ctx context.Context, msg signal.Message) error
}

// Chain tries the primary channel, then the secondary, then parks targeted
// messages in the store. Untargeted messages cannot be keyed to a receiver
// and fail with ErrUndeliverable when no channel takes them.
type Chain struct {
	log       *slog.Logger
	metrics   *metrics.Metrics
	primary   Channel
	secondary Channel
	store     Store
}

func NewChain(log *slog.Logger, m *metrics.Metrics, primary, secondary Channel, store Store) *Chain {
	return &Chain{
		log:       log.With("component", "fallback"),
		metrics:   m,
		primary:   primary,
		secondary: secondary,
		store:     store,
	}
}

func (c *Chain) Deliver(ctx context.Context, msg signal.Message) error {
	primaryErr := c.primary.Send(ctx, msg)
	if primaryErr == nil {
		c.metrics.Inc(metrics.FallbackPrimarySend)
		return nil
	}
	c.log.Debug("primary channel failed", "channel", c.primary.Name(), "type", string(msg.Type), "err", primaryErr)

	if c.secondary != nil {
		secondaryErr := c.secondary.Send(ctx, msg)
		if secondaryErr == nil {
			c.metrics.Inc(metrics.FallbackSecondarySend)
			return nil
		}
		c.log.Debug("secondary channel failed", "channel", c.secondary.Name(), "type", string(msg.Type), "err", secondaryErr)
	}

	if c.store != nil && msg.Targeted() {
		if err := c.store.Put(ctx, msg.TargetUserID, msg); err != nil {
			return fmt.Errorf("store fallback message: %w", err)
		}
		c.metrics.Inc(metrics.FallbackStored)
		c.log.Info("message parked in fallback store", "type", string(msg.Type), "target", msg.TargetUserID)
		return nil
	}

	return fmt.Errorf("%w: %v", ErrUndeliverable, primaryErr)
}

// Dedup is a bounded recently-seen set over message ids. The fallback path
// is at-least-once, so receivers must drop replays.
type Dedup struct {
	mu    sync.Mutex
	limit int
	seen  map[string]struct{}
	order []string
}

func NewDedup(limit int) *Dedup {
	if limit <= 0 {
		limit = 512
	}
	return &Dedup{
		limit: limit,
		seen:  make(map[string]struct{}, limit),
	}
}

// Seen records the id and reports whether it had been recorded before.
// Messages without an id cannot be deduped and are never treated as seen.
func (d *Dedup) Seen(id string) bool {
	if id == "" {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.seen[id]; ok {
		return true
	}
	d.seen[id] = struct{}{}
	d.order = append(d.order, id)
	if len(d.order) > d.limit {
		oldest := d.order[0]
		d.order = d.order[1:]
		delete(d.seen, oldest)
	}
	return false
}
