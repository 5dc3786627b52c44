// Package registry owns room and connection membership for the signaling
// router.
//
// The registry is an explicit object instantiated per process: no package
// level tables, so tests can run many isolated registries in parallel. All
// membership mutation happens under one mutex, which makes Join/Leave/Route
// atomic with respect to a room's member set.
package registry

import (
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/henrydev1610/hutz-live-85-sub002/internal/metrics"
	"github.com/henrydev1610/hutz-live-85-sub002/internal/signal"
)

var (
	ErrUnknownConnection = errors.New("unknown connection")
	ErrNotJoined         = errors.New("connection has not joined a room")
	ErrAlreadyJoined     = errors.New("connection already joined a room")
	ErrBadJoin           = errors.New("join requires roomId and userId")
)

// Sender delivers a message to the peer behind one connection.
//
// Send must not block: the signaling server backs it with a buffered write
// queue and reports a full queue as an error, which the registry treats the
// same as a dead connection (drop, never propagate to the routing caller).
type Sender interface {
	Send(msg signal.Message) error
}

type conn struct {
	id           string
	userID       string
	room         *room
	sender       Sender
	lastActiveAt time.Time
}

type room struct {
	id        string
	createdAt time.Time
	// members is keyed by stable user id. Connection ids are internal and
	// disposable; user ids are the only targeting key on the wire.
	members map[string]*conn
}

// Registry tracks which connections belong to which room and relays
// signaling messages between them. It never persists messages.
type Registry struct {
	log     *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	mu    sync.Mutex
	conns map[string]*conn
	rooms map[string]*room
}

func New(log *slog.Logger, m *metrics.Metrics) *Registry {
	if log == nil {
		log = slog.Default()
	}
	if m == nil {
		m = metrics.New()
	}
	return &Registry{
		log:     log,
		metrics: m,
		now:     time.Now,
		conns:   make(map[string]*conn),
		rooms:   make(map[string]*room),
	}
}

// SetNowFunc overrides the registry clock. Test hook.
func (r *Registry) SetNowFunc(now func() time.Time) { r.now = now }

func (r *Registry) Metrics() *metrics.Metrics { return r.metrics }

// Register records a connection after the transport handshake, before it has
// joined any room.
func (r *Registry) Register(connID string, sender Sender) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[connID] = &conn{
		id:           connID,
		sender:       sender,
		lastActiveAt: r.now(),
	}
}

// Join adds the connection to roomID under the stable userID, creating the
// room on first join. It returns the current member list excluding the
// joiner and broadcasts user-connected to the rest of the room.
//
// If the same user id is already present on another connection (stale tab,
// mobile reconnect), the older connection is removed with full Leave
// semantics before the new one is added.
func (r *Registry) Join(connID, roomID, userID string) ([]string, error) {
	if roomID == "" || userID == "" {
		r.metrics.Inc(metrics.JoinRejected)
		return nil, ErrBadJoin
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.conns[connID]
	if !ok {
		r.metrics.Inc(metrics.JoinRejected)
		return nil, ErrUnknownConnection
	}
	if c.room != nil {
		r.metrics.Inc(metrics.JoinRejected)
		return nil, ErrAlreadyJoined
	}

	rm, ok := r.rooms[roomID]
	if !ok {
		rm = &room{
			id:        roomID,
			createdAt: r.now(),
			members:   make(map[string]*conn),
		}
		r.rooms[roomID] = rm
		r.log.Info("room created", "room_id", roomID)
	}

	if prev, ok := rm.members[userID]; ok && prev.id != connID {
		r.log.Info("replacing stale connection for user",
			"room_id", roomID, "user_id", userID, "old_conn_id", prev.id)
		r.leaveLocked(prev)
		// leaveLocked deletes a room it emptied; this join is about to
		// repopulate the same room object, so put it back.
		r.rooms[roomID] = rm
	}

	members := make([]string, 0, len(rm.members))
	for uid := range rm.members {
		members = append(members, uid)
	}
	sort.Strings(members)

	c.userID = userID
	c.room = rm
	c.lastActiveAt = r.now()
	rm.members[userID] = c

	r.broadcastLocked(rm, userID, signal.Message{
		Type:   signal.TypeUserConnected,
		RoomID: roomID,
		UserID: userID,
	})

	r.metrics.Inc(metrics.JoinAccepted)
	r.log.Info("user joined room", "room_id", roomID, "user_id", userID, "members", len(rm.members))
	return members, nil
}

// Leave removes the connection from its room. It is idempotent: the first
// call emits exactly one user-disconnected broadcast, subsequent calls are
// no-ops.
func (r *Registry) Leave(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.conns[connID]
	if !ok {
		return
	}
	delete(r.conns, connID)
	r.leaveLocked(c)
}

func (r *Registry) leaveLocked(c *conn) {
	rm := c.room
	if rm == nil {
		return
	}
	c.room = nil

	// Only remove the mapping if it still points at this connection; a
	// rejoin under the same user id may already have replaced it.
	if cur, ok := rm.members[c.userID]; ok && cur == c {
		delete(rm.members, c.userID)

		r.broadcastLocked(rm, c.userID, signal.Message{
			Type:   signal.TypeUserDisconnected,
			RoomID: rm.id,
			UserID: c.userID,
		})
		r.metrics.Inc(metrics.LeaveProcessed)
		r.log.Info("user left room", "room_id", rm.id, "user_id", c.userID, "members", len(rm.members))
	}

	if len(rm.members) == 0 {
		delete(r.rooms, rm.id)
		r.log.Info("room removed", "room_id", rm.id)
	}
}

// Route relays one message from the connection that produced it.
//
// Targeted messages are delivered to exactly the owning connection of the
// target user id within the sender's room; an absent target is logged and
// dropped, never surfaced to the sender. Untargeted messages are broadcast
// to every other room member.
func (r *Registry) Route(fromConnID string, msg signal.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.conns[fromConnID]
	if !ok {
		r.metrics.Inc(metrics.RouteDropBadSender)
		return ErrUnknownConnection
	}
	c.lastActiveAt = r.now()

	rm := c.room
	if rm == nil {
		r.metrics.Inc(metrics.RouteDropNoRoom)
		return ErrNotJoined
	}

	// The sender's room membership is authoritative over whatever roomId the
	// client put on the wire.
	msg.RoomID = rm.id
	msg.FromUserID = c.userID

	if msg.Targeted() {
		target, ok := rm.members[msg.TargetUserID]
		if !ok {
			r.metrics.Inc(metrics.RouteDropNoTarget)
			r.log.Debug("dropping message for absent target",
				"room_id", rm.id, "type", string(msg.Type),
				"from", c.userID, "target", msg.TargetUserID)
			return nil
		}
		r.deliverLocked(target, msg)
		r.metrics.Inc(metrics.RouteDelivered)
		return nil
	}

	r.broadcastLocked(rm, c.userID, msg)
	r.metrics.Inc(metrics.RouteBroadcast)
	return nil
}

// Touch refreshes the liveness timestamp of a connection (heartbeats).
func (r *Registry) Touch(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.conns[connID]; ok {
		c.lastActiveAt = r.now()
	}
}

// Reap removes every connection whose last activity is older than staleAfter
// and returns their connection ids so the transport layer can close the
// underlying sockets. Reaped connections get full Leave semantics.
func (r *Registry) Reap(staleAfter time.Duration) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.now().Add(-staleAfter)
	var reaped []string
	for id, c := range r.conns {
		if c.lastActiveAt.Before(cutoff) {
			reaped = append(reaped, id)
			delete(r.conns, id)
			r.leaveLocked(c)
			r.metrics.Inc(metrics.ConnectionReaped)
		}
	}
	if len(reaped) > 0 {
		r.log.Info("reaped stale connections", "count", len(reaped))
	}
	return reaped
}

// RoomMembers returns the sorted user ids currently in roomID.
func (r *Registry) RoomMembers(roomID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm, ok := r.rooms[roomID]
	if !ok {
		return nil
	}
	members := make([]string, 0, len(rm.members))
	for uid := range rm.members {
		members = append(members, uid)
	}
	sort.Strings(members)
	return members
}

// Rooms returns the number of live rooms.
func (r *Registry) Rooms() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rooms)
}

// Connections returns the number of registered connections.
func (r *Registry) Connections() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

func (r *Registry) broadcastLocked(rm *room, exceptUserID string, msg signal.Message) {
	for uid, member := range rm.members {
		if uid == exceptUserID {
			continue
		}
		r.deliverLocked(member, msg)
	}
}

func (r *Registry) deliverLocked(c *conn, msg signal.Message) {
	if err := c.sender.Send(msg); err != nil {
		r.metrics.Inc(metrics.SignalDropSlowClient)
		r.log.Warn("dropping message to unwritable connection",
			"conn_id", c.id, "user_id", c.userID, "type", string(msg.Type), "err", err)
	}
}
