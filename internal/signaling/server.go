// Package signaling implements the WebSocket signaling server: connection
// upgrade, per-connection pumps, heartbeat reaping and the HTTP fallback
// endpoints backed by the durable store.
package signaling

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"

	"github.com/henrydev1610/hutz-live-85-sub002/internal/auth"
	"github.com/henrydev1610/hutz-live-85-sub002/internal/config"
	"github.com/henrydev1610/hutz-live-85-sub002/internal/fallback"
	"github.com/henrydev1610/hutz-live-85-sub002/internal/httpserver"
	"github.com/henrydev1610/hutz-live-85-sub002/internal/metrics"
	"github.com/henrydev1610/hutz-live-85-sub002/internal/origin"
	"github.com/henrydev1610/hutz-live-85-sub002/internal/ratelimit"
	"github.com/henrydev1610/hutz-live-85-sub002/internal/registry"
	"github.com/henrydev1610/hutz-live-85-sub002/internal/signal"
)

// ICEServersFunc assembles the ICE server list pushed to a freshly connected
// client. The connection id lets implementations mint per-connection TURN
// REST credentials.
type ICEServersFunc func(connID string) []webrtc.ICEServer

type Server struct {
	log        *slog.Logger
	cfg        config.Config
	registry   *registry.Registry
	metrics    *metrics.Metrics
	store      fallback.Store
	iceServers ICEServersFunc
	verifier   auth.Verifier
	clock      ratelimit.Clock
	upgrader   websocket.Upgrader

	mu       sync.Mutex
	closed   bool
	sessions map[string]*session
}

func NewServer(log *slog.Logger, cfg config.Config, reg *registry.Registry, store fallback.Store, iceServers ICEServersFunc) *Server {
	if iceServers == nil {
		iceServers = func(string) []webrtc.ICEServer { return cfg.ICE.ServerList() }
	}
	checker := origin.NewChecker(cfg.AllowedOrigins)
	return &Server{
		log:        log.With("component", "signaling"),
		cfg:        cfg,
		registry:   reg,
		metrics:    reg.Metrics(),
		store:      store,
		iceServers: iceServers,
		verifier:   auth.NewVerifier(cfg.APIKey),
		clock:      ratelimit.RealClock{},
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     checker.CheckRequest,
		},
		sessions: make(map[string]*session),
	}
}

// SetClock overrides the rate limiter clock. Test hook.
func (s *Server) SetClock(clock ratelimit.Clock) { s.clock = clock }

// HandleWS upgrades the connection and runs the read pump until the socket
// dies. Registered as "GET /ws".
func (s *Server) HandleWS(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		return
	}

	sess := &session{
		id:   uuid.NewString(),
		srv:  s,
		conn: conn,
		send: make(chan []byte, sendQueueSize),
		done: make(chan struct{}),
	}
	sess.log = s.log.With("conn_id", sess.id)

	if !s.track(sess) {
		sess.closeWith(websocket.CloseGoingAway, "server shutting down")
		return
	}

	s.registry.Register(sess.id, sess)
	sess.log.Info("connection established", "remote_addr", r.RemoteAddr)

	// The client needs STUN/TURN servers before it can build a peer
	// connection, so they are pushed immediately rather than fetched.
	_ = sess.Send(signal.Message{
		Type:       signal.TypeICEServers,
		ICEServers: signal.ICEServersFromPion(s.iceServers(sess.id)),
	})

	go sess.writePump(s.cfg.HeartbeatInterval)
	sess.readPump()

	s.registry.Leave(sess.id)
	s.untrack(sess.id)
	sess.close()
	sess.log.Info("connection closed")
}

func (s *Server) authorized(r *http.Request) bool {
	return s.verifier.Verify(auth.CredentialFromRequest(r)) == nil
}

func (s *Server) track(sess *session) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.sessions[sess.id] = sess
	return true
}

func (s *Server) untrack(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
}

// Run reaps stale connections until ctx is cancelled. Stores without native
// key expiry (the in-memory fallback store) are swept on the same ticker so
// entries for receivers that never poll do not pile up.
func (s *Server) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.ReapInterval)
	defer ticker.Stop()

	sweeper, _ := s.store.(interface{ Sweep() int })

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, id := range s.registry.Reap(s.cfg.ConnectionStaleTimeout) {
				s.mu.Lock()
				sess, ok := s.sessions[id]
				s.mu.Unlock()
				if ok {
					sess.closeWith(websocket.CloseGoingAway, "stale connection")
				}
			}
			if sweeper != nil {
				if n := sweeper.Sweep(); n > 0 {
					s.log.Debug("swept expired fallback entries", "count", n)
				}
			}
		}
	}
}

// Close stops accepting sessions and closes every live one.
func (s *Server) Close() {
	s.mu.Lock()
	s.closed = true
	sessions := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	for _, sess := range sessions {
		sess.closeWith(websocket.CloseGoingAway, "server shutting down")
	}
}

// HandleFallbackPost accepts a targeted signaling message over plain HTTP and
// parks it in the durable store. This is the secondary delivery channel for
// clients whose WebSocket is down. Registered as "POST /fallback/{userId}".
func (s *Server) HandleFallbackPost(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}
	userID := r.PathValue("userId")
	if userID == "" {
		httpserver.WriteJSON(w, http.StatusBadRequest, map[string]any{"error": "userId is required"})
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, s.cfg.MaxSignalingMessageBytes+1))
	if err != nil || int64(len(body)) > s.cfg.MaxSignalingMessageBytes {
		httpserver.WriteJSON(w, http.StatusBadRequest, map[string]any{"error": "body too large"})
		return
	}

	msg, err := signal.Parse(body)
	if err != nil {
		s.metrics.Inc(metrics.SignalDropMalformed)
		httpserver.WriteJSON(w, http.StatusBadRequest, map[string]any{"error": "malformed message"})
		return
	}
	if !msg.Relayable() || msg.TargetUserID != userID {
		httpserver.WriteJSON(w, http.StatusBadRequest, map[string]any{"error": "message must target the addressed user"})
		return
	}

	msg.Stamp(time.Now())
	if err := s.store.Put(r.Context(), userID, msg); err != nil {
		s.log.Error("fallback store put failed", "target", userID, "err", err)
		httpserver.WriteJSON(w, http.StatusInternalServerError, map[string]any{"error": "store unavailable"})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleFallbackGet drains the pending fallback messages for the user.
// Registered as "GET /fallback/{userId}".
func (s *Server) HandleFallbackGet(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}
	userID := r.PathValue("userId")
	if userID == "" {
		httpserver.WriteJSON(w, http.StatusBadRequest, map[string]any{"error": "userId is required"})
		return
	}

	msgs, err := s.store.Drain(r.Context(), userID)
	if err != nil {
		s.log.Error("fallback store drain failed", "target", userID, "err", err)
		httpserver.WriteJSON(w, http.StatusInternalServerError, map[string]any{"error": "store unavailable"})
		return
	}
	if msgs == nil {
		msgs = []signal.Message{}
	}
	httpserver.WriteJSON(w, http.StatusOK, msgs)
}
