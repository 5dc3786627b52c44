package fallback

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/henrydev1610/hutz-live-85-sub002/internal/metrics"
	"github.com/henrydev1610/hutz-live-85-sub002/internal/signal"
)

// HTTPChannel posts targeted messages to the signaling server's fallback
// endpoint. It is the secondary channel for clients whose WebSocket is down.
type HTTPChannel struct {
	client  *http.Client
	baseURL string
	apiKey  string
}

func NewHTTPChannel(client *http.Client, baseURL string) *HTTPChannel {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPChannel{client: client, baseURL: baseURL}
}

// WithAPIKey attaches the shared key the server's fallback endpoints expect.
func (c *HTTPChannel) WithAPIKey(key string) *HTTPChannel {
	c.apiKey = key
	return c
}

func (c *HTTPChannel) Name() string { return "http-fallback" }

func (c *HTTPChannel) Send(ctx context.Context, msg signal.Message) error {
	if !msg.Targeted() {
		return errors.New("http fallback requires a target user")
	}

	data, err := signal.Encode(msg)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/fallback/"+msg.TargetUserID, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fallback post: unexpected status %d", resp.StatusCode)
	}
	return nil
}

// Poller drains the server-side fallback store for one receiver at a fixed
// interval and dispatches messages that survive dedup.
type Poller struct {
	log      *slog.Logger
	metrics  *metrics.Metrics
	client   *http.Client
	baseURL  string
	userID   string
	apiKey   string
	interval time.Duration
	dedup    *Dedup
	handle   func(signal.Message)
}

func NewPoller(log *slog.Logger, m *metrics.Metrics, client *http.Client, baseURL, userID string, interval time.Duration, handle func(signal.Message)) *Poller {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Poller{
		log:      log.With("component", "fallback-poller"),
		metrics:  m,
		client:   client,
		baseURL:  baseURL,
		userID:   userID,
		interval: interval,
		dedup:    NewDedup(0),
		handle:   handle,
	}
}

// WithAPIKey attaches the shared key the server's fallback endpoints expect.
func (p *Poller) WithAPIKey(key string) *Poller {
	p.apiKey = key
	return p
}

// Run polls until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.PollOnce(ctx); err != nil && ctx.Err() == nil {
				p.log.Debug("fallback poll failed", "err", err)
			}
		}
	}
}

func (p *Poller) PollOnce(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/fallback/"+p.userID, nil)
	if err != nil {
		return err
	}
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("fallback poll: unexpected status %d", resp.StatusCode)
	}

	var msgs []signal.Message
	if err := json.NewDecoder(resp.Body).Decode(&msgs); err != nil {
		return fmt.Errorf("fallback poll: decode: %w", err)
	}

	for _, msg := range msgs {
		if p.dedup.Seen(msg.ID) {
			p.metrics.Inc(metrics.FallbackDuplicate)
			continue
		}
		p.metrics.Inc(metrics.FallbackDrained)
		p.handle(msg)
	}
	return nil
}
