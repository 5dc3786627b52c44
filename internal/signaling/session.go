package signaling

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/henrydev1610/hutz-live-85-sub002/internal/metrics"
	"github.com/henrydev1610/hutz-live-85-sub002/internal/ratelimit"
	"github.com/henrydev1610/hutz-live-85-sub002/internal/signal"
)

const (
	writeWait     = 10 * time.Second
	sendQueueSize = 64
)

var (
	errSessionClosed = errors.New("session closed")
	errSendQueueFull = errors.New("send queue full")
)

// session is one upgraded WebSocket connection. A read pump runs in the
// handler goroutine; a write pump drains the buffered send queue so the
// registry never blocks on a slow client.
type session struct {
	id   string
	log  *slog.Logger
	srv  *Server
	conn *websocket.Conn

	send chan []byte
	done chan struct{}
	once sync.Once
}

// Send implements registry.Sender. It never blocks: a full queue is reported
// as an error, which the caller treats as a dead connection.
func (s *session) Send(msg signal.Message) error {
	data, err := signal.Encode(msg)
	if err != nil {
		return err
	}
	select {
	case <-s.done:
		return errSessionClosed
	default:
	}
	select {
	case s.send <- data:
		return nil
	default:
		return errSendQueueFull
	}
}

func (s *session) close() {
	s.once.Do(func() {
		close(s.done)
		_ = s.conn.Close()
	})
}

func (s *session) closeWith(code int, reason string) {
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
	s.close()
}

func (s *session) writePump(pingInterval time.Duration) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		s.close()
	}()

	for {
		select {
		case <-s.done:
			return
		case data := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *session) readPump() {
	cfg := s.srv.cfg
	s.conn.SetReadLimit(cfg.MaxSignalingMessageBytes)
	_ = s.conn.SetReadDeadline(time.Now().Add(cfg.ConnectionStaleTimeout))
	s.conn.SetPongHandler(func(string) error {
		_ = s.conn.SetReadDeadline(time.Now().Add(cfg.ConnectionStaleTimeout))
		s.srv.registry.Touch(s.id)
		return nil
	})

	rate := int64(cfg.MaxSignalingMessagesPerSecond)
	bucket := ratelimit.NewTokenBucket(s.srv.clock, rate, rate)

	for {
		msgType, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.TextMessage {
			s.closeWith(websocket.CloseUnsupportedData, "expected text message")
			return
		}

		if !bucket.Allow(1) {
			s.srv.metrics.Inc(metrics.SignalDropRateLimited)
			s.closeWith(websocket.ClosePolicyViolation, "rate limit exceeded")
			return
		}

		_ = s.conn.SetReadDeadline(time.Now().Add(cfg.ConnectionStaleTimeout))
		s.handleMessage(data)
	}
}

func (s *session) handleMessage(data []byte) {
	msg, err := signal.Parse(data)
	if err != nil {
		s.srv.metrics.Inc(metrics.SignalDropMalformed)

		var verr *signal.ValidationError
		if errors.As(err, &verr) {
			s.log.Debug("invalid signaling message", "type", string(verr.Type), "reason", verr.Reason)
			_ = s.Send(signal.Error(verr.Error()))
			return
		}
		s.log.Debug("malformed signaling message", "err", err)
		_ = s.Send(signal.Error("malformed message"))
		return
	}

	switch msg.Type {
	case signal.TypeJoin:
		s.handleJoin(msg)
	case signal.TypeHeartbeat:
		s.srv.registry.Touch(s.id)
	default:
		if !msg.Relayable() {
			_ = s.Send(signal.Error("unsupported message type"))
			return
		}
		msg.Stamp(time.Now())
		if err := s.srv.registry.Route(s.id, msg); err != nil {
			_ = s.Send(signal.Error(err.Error()))
		}
	}
}

func (s *session) handleJoin(msg signal.Message) {
	members, err := s.srv.registry.Join(s.id, msg.RoomID, msg.UserID)
	if err != nil {
		_ = s.Send(signal.Error(err.Error()))
		return
	}
	_ = s.Send(signal.Message{
		Type:         signal.TypeRoomParticipants,
		RoomID:       msg.RoomID,
		Participants: members,
	})
}
