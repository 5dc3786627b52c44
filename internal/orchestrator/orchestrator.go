// Package orchestrator owns the client side of the signaling transport: it
// dials the websocket endpoint, keeps the connection alive with adaptive
// heartbeats, reconnects with jittered backoff behind a circuit breaker, and
// fans inbound messages out to typed subscribers. Transport errors never
// escape its goroutines; callers observe the Status enum and the error
// callback instead.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/henrydev1610/hutz-live-85-sub002/internal/backoff"
	"github.com/henrydev1610/hutz-live-85-sub002/internal/netquality"
	"github.com/henrydev1610/hutz-live-85-sub002/internal/signal"
)

const (
	defaultDialTimeout       = 10 * time.Second
	defaultHeartbeatInterval = 20 * time.Second

	// slowFactor stretches the dial timeout and heartbeat interval when the
	// link is classified slow.
	slowFactor = 2

	writeWait = 10 * time.Second
)

// ErrNotConnected is returned by Send while the transport is down. The
// fallback chain treats it like any other delivery failure.
var ErrNotConnected = errors.New("signaling transport not connected")

// ErrClosed is returned once Close has been called.
var ErrClosed = errors.New("orchestrator closed")

// Handler receives inbound messages of the subscribed type. Handlers run on
// the read goroutine, so per-sender ordering is preserved; slow work belongs
// on the handler's own goroutine.
type Handler func(msg signal.Message)

// Config carries the dial target and the retry envelope.
type Config struct {
	// Endpoint is the signaling server base URL. http(s) schemes are
	// rewritten to ws(s); a bare host gets the /ws path appended.
	Endpoint string
	APIKey   string
	UserID   string

	DialTimeout       time.Duration
	HeartbeatInterval time.Duration

	Backoff          backoff.Policy
	BreakerThreshold int
	BreakerCooldown  time.Duration

	// SlowRTT is the round-trip threshold above which the link is treated
	// as slow. Zero uses the netquality default.
	SlowRTT time.Duration
}

type dialFunc func(ctx context.Context, endpoint string, timeout time.Duration) (*websocket.Conn, error)

// Client maintains one signaling connection on behalf of a participant.
type Client struct {
	log     *slog.Logger
	cfg     Config
	policy  backoff.Policy
	breaker *backoff.Breaker
	quality *netquality.Monitor

	dial dialFunc

	writeMu sync.Mutex // serializes frames on the current conn

	mu       sync.Mutex
	status   Status
	conn     *websocket.Conn
	connGen  int
	endpoint string
	attempts int
	closed   bool
	pingSent time.Time

	statusSeq int
	statusObs map[int]func(old, new Status)
	subSeq    int
	subs      map[signal.MessageType]map[int]Handler
	errFn     func(err error)
}

func New(log *slog.Logger, cfg Config) *Client {
	if log == nil {
		log = slog.Default()
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaultHeartbeatInterval
	}
	c := &Client{
		log:       log.With("component", "orchestrator"),
		cfg:       cfg,
		policy:    cfg.Backoff.WithDefaults(),
		breaker:   backoff.NewBreaker(nil, cfg.BreakerThreshold, cfg.BreakerCooldown),
		quality:   netquality.NewMonitor(cfg.SlowRTT),
		statusObs: make(map[int]func(old, new Status)),
		subs:      make(map[signal.MessageType]map[int]Handler),
	}
	c.dial = c.dialWebsocket
	return c
}

// OnError installs the callback invoked for transport failures. At most one
// callback is held; passing nil removes it.
func (c *Client) OnError(fn func(err error)) {
	c.mu.Lock()
	c.errFn = fn
	c.mu.Unlock()
}

// OnStatusChange registers an observer and returns its unsubscribe func.
// Observers run synchronously on the goroutine driving the transition.
func (c *Client) OnStatusChange(fn func(old, new Status)) func() {
	c.mu.Lock()
	id := c.statusSeq
	c.statusSeq++
	c.statusObs[id] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.statusObs, id)
		c.mu.Unlock()
	}
}

// Subscribe registers a handler for one message type and returns its
// unsubscribe func. Multiple handlers per type are allowed.
func (c *Client) Subscribe(t signal.MessageType, fn Handler) func() {
	c.mu.Lock()
	if c.subs[t] == nil {
		c.subs[t] = make(map[int]Handler)
	}
	id := c.subSeq
	c.subSeq++
	c.subs[t][id] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.subs[t], id)
		c.mu.Unlock()
	}
}

// Status returns the current connection state.
func (c *Client) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Metrics snapshots the transport state for diagnostics.
func (c *Client) Metrics() ConnectionMetrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ConnectionMetrics{
		Endpoint:            c.endpoint,
		Status:              c.status,
		AttemptCount:        c.attempts,
		ConsecutiveFailures: c.breaker.ConsecutiveFailures(),
		Quality:             c.quality.Class().String(),
	}
}

// Quality exposes the network monitor so the peer manager can share the
// classification.
func (c *Client) Quality() *netquality.Monitor { return c.quality }

// Connect performs a single dial attempt, gated by the circuit breaker.
// endpoint overrides the configured one when non-empty. On success the read
// pump and heartbeat start in the background.
func (c *Client) Connect(ctx context.Context, endpoint string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.conn != nil {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	if err := c.breaker.Allow(); err != nil {
		return err
	}

	target, err := ResolveEndpoint(endpoint, c.cfg.Endpoint, c.cfg.APIKey)
	if err != nil {
		c.breaker.Failure()
		return err
	}

	c.setStatus(StatusConnecting)
	c.mu.Lock()
	c.endpoint = target
	c.attempts++
	c.mu.Unlock()

	timeout := c.cfg.DialTimeout
	if c.quality.Slow() {
		timeout *= slowFactor
	}

	conn, err := c.dial(ctx, target, timeout)
	if err != nil {
		c.breaker.Failure()
		c.quality.RecordTimeout()
		c.setStatus(StatusDisconnected)
		c.reportError(fmt.Errorf("dial %s: %w", target, err))
		return fmt.Errorf("dial signaling endpoint: %w", err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.Close()
		return ErrClosed
	}
	c.conn = conn
	c.connGen++
	gen := c.connGen
	c.mu.Unlock()

	c.breaker.Success()
	conn.SetPongHandler(func(string) error {
		c.mu.Lock()
		sent := c.pingSent
		c.mu.Unlock()
		if !sent.IsZero() {
			c.quality.RecordRTT(time.Since(sent))
		}
		return nil
	})

	c.setStatus(StatusConnected)
	c.log.Info("signaling connected", "endpoint", target)

	done := make(chan struct{})
	go c.readPump(conn, gen, done)
	go c.heartbeat(conn, gen, done)
	return nil
}

// Run keeps the connection alive until ctx is cancelled or the retry budget
// runs out. Each disconnect triggers a fresh backoff schedule; exhausting it
// sets StatusFailed and returns the last error.
func (c *Client) Run(ctx context.Context) error {
	var lastErr error
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		attempt := 0
		for {
			attempt++
			err := c.Connect(ctx, "")
			if err == nil {
				lastErr = nil
				break
			}
			if errors.Is(err, ErrClosed) {
				return err
			}
			lastErr = err

			slow := c.quality.Slow()
			if attempt >= c.policy.MaxAttempts(slow) {
				c.setStatus(StatusFailed)
				c.reportError(fmt.Errorf("reconnect budget exhausted: %w", err))
				return lastErr
			}

			delay := c.policy.Delay(attempt, slow)
			c.log.Warn("signaling dial failed, retrying",
				"attempt", attempt,
				"delay", delay,
				"error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		// Connected; block until the read pump tears the connection down.
		if err := c.waitDisconnected(ctx); err != nil {
			return err
		}
	}
}

func (c *Client) waitDisconnected(ctx context.Context) error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			c.mu.Lock()
			down := c.conn == nil
			closed := c.closed
			c.mu.Unlock()
			if closed {
				return ErrClosed
			}
			if down {
				return nil
			}
		}
	}
}

// Send delivers one message over the live connection. It satisfies the
// fallback chain's primary channel.
func (c *Client) Send(ctx context.Context, msg signal.Message) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	data, err := signal.Encode(msg)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	conn.SetWriteDeadline(deadline)
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write signaling message: %w", err)
	}
	return nil
}

// Name identifies this transport in fallback chain logs.
func (c *Client) Name() string { return "websocket" }

// JoinRoom announces this client in a room using the configured user id.
func (c *Client) JoinRoom(ctx context.Context, roomID string) error {
	return c.Send(ctx, signal.Message{
		Type:   signal.TypeJoin,
		RoomID: roomID,
		UserID: c.cfg.UserID,
	})
}

// Close tears the connection down and rejects future attempts.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	c.setStatus(StatusDisconnected)
	return nil
}

func (c *Client) readPump(conn *websocket.Conn, gen int, done chan struct{}) {
	defer close(done)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.dropConn(conn, gen, err)
			return
		}
		msg, perr := signal.Decode(data)
		if perr != nil {
			c.log.Warn("discarding undecodable server message", "error", perr)
			continue
		}
		c.dispatch(msg)
	}
}

func (c *Client) dispatch(msg signal.Message) {
	c.mu.Lock()
	handlers := make([]Handler, 0, len(c.subs[msg.Type]))
	for _, fn := range c.subs[msg.Type] {
		handlers = append(handlers, fn)
	}
	c.mu.Unlock()

	for _, fn := range handlers {
		fn(msg)
	}
}

// heartbeat sends an application heartbeat plus a ws ping on an adaptive
// interval. The ping's pong feeds the RTT estimate; the app heartbeat keeps
// the server-side registry from reaping the connection.
func (c *Client) heartbeat(conn *websocket.Conn, gen int, done chan struct{}) {
	interval := c.cfg.HeartbeatInterval
	timer := time.NewTimer(interval)
	defer timer.Stop()
	for {
		select {
		case <-done:
			return
		case <-timer.C:
		}

		c.mu.Lock()
		c.pingSent = time.Now()
		c.mu.Unlock()

		c.writeMu.Lock()
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
		if err == nil {
			hb, encErr := signal.Encode(signal.Message{
				Type:   signal.TypeHeartbeat,
				UserID: c.cfg.UserID,
			})
			if encErr == nil {
				err = conn.WriteMessage(websocket.TextMessage, hb)
			}
		}
		c.writeMu.Unlock()

		if err != nil {
			c.dropConn(conn, gen, fmt.Errorf("heartbeat: %w", err))
			return
		}

		interval = c.cfg.HeartbeatInterval
		if c.quality.Slow() {
			interval *= slowFactor
		}
		timer.Reset(interval)
	}
}

// dropConn tears down the given connection generation exactly once; the read
// pump and heartbeat goroutines race to call it.
func (c *Client) dropConn(conn *websocket.Conn, gen int, cause error) {
	c.mu.Lock()
	if c.connGen != gen || c.conn == nil {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	closed := c.closed
	c.mu.Unlock()

	conn.Close()
	if closed {
		return
	}
	c.setStatus(StatusDisconnected)
	c.reportError(fmt.Errorf("signaling connection lost: %w", cause))
	c.log.Warn("signaling connection lost", "error", cause)
}

func (c *Client) setStatus(s Status) {
	c.mu.Lock()
	old := c.status
	if old == s {
		c.mu.Unlock()
		return
	}
	c.status = s
	obs := make([]func(old, new Status), 0, len(c.statusObs))
	for _, fn := range c.statusObs {
		obs = append(obs, fn)
	}
	c.mu.Unlock()

	for _, fn := range obs {
		fn(old, s)
	}
}

func (c *Client) reportError(err error) {
	c.mu.Lock()
	fn := c.errFn
	c.mu.Unlock()
	if fn != nil {
		fn(err)
	}
}

func (c *Client) dialWebsocket(ctx context.Context, endpoint string, timeout time.Duration) (*websocket.Conn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: timeout,
		ReadBufferSize:   4096,
		WriteBufferSize:  4096,
	}
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, resp, err := dialer.DialContext(dialCtx, endpoint, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("%w (status %d)", err, resp.StatusCode)
		}
		return nil, err
	}
	return conn, nil
}

// ResolveEndpoint picks the dial target: the override when non-empty, else
// the configured base. http(s) schemes are rewritten to ws(s), a missing
// path becomes /ws, and the API key is attached as a query parameter.
func ResolveEndpoint(override, configured, apiKey string) (string, error) {
	raw := override
	if raw == "" {
		raw = configured
	}
	if raw == "" {
		return "", errors.New("no signaling endpoint configured")
	}

	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse signaling endpoint: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported signaling endpoint scheme %q", u.Scheme)
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = "/ws"
	}
	if u.Host == "" {
		return "", errors.New("signaling endpoint missing host")
	}
	if apiKey != "" {
		q := u.Query()
		q.Set("apiKey", apiKey)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}
