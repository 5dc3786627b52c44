package registry

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/henrydev1610/hutz-live-85-sub002/internal/metrics"
	"github.com/henrydev1610/hutz-live-85-sub002/internal/signal"
)

type recordingSender struct {
	mu   sync.Mutex
	msgs []signal.Message
	fail bool
}

func (s *recordingSender) Send(msg signal.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("send queue full")
	}
	s.msgs = append(s.msgs, msg)
	return nil
}

func (s *recordingSender) byType(t signal.MessageType) []signal.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []signal.Message
	for _, m := range s.msgs {
		if m.Type == t {
			out = append(out, m)
		}
	}
	return out
}

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	return New(nil, metrics.New())
}

func TestJoin_ReturnsExistingMembersExcludingSelf(t *testing.T) {
	t.Parallel()
	r := newTestRegistry(t)

	a, b := &recordingSender{}, &recordingSender{}
	r.Register("c1", a)
	r.Register("c2", b)

	members, err := r.Join("c1", "R1", "A")
	if err != nil {
		t.Fatalf("join A: %v", err)
	}
	if len(members) != 0 {
		t.Fatalf("first joiner should see empty room, got %v", members)
	}

	members, err = r.Join("c2", "R1", "B")
	if err != nil {
		t.Fatalf("join B: %v", err)
	}
	if len(members) != 1 || members[0] != "A" {
		t.Fatalf("B's snapshot = %v, want [A]", members)
	}

	// A must have been told about B.
	connected := a.byType(signal.TypeUserConnected)
	if len(connected) != 1 || connected[0].UserID != "B" {
		t.Fatalf("A's user-connected events = %#v", connected)
	}
	// B joined last and must not see its own join.
	if got := b.byType(signal.TypeUserConnected); len(got) != 0 {
		t.Fatalf("B received its own join: %#v", got)
	}
}

func TestJoin_MalformedDoesNotMutateState(t *testing.T) {
	t.Parallel()
	r := newTestRegistry(t)
	r.Register("c1", &recordingSender{})

	if _, err := r.Join("c1", "", "A"); !errors.Is(err, ErrBadJoin) {
		t.Fatalf("err=%v, want ErrBadJoin", err)
	}
	if _, err := r.Join("c1", "R1", ""); !errors.Is(err, ErrBadJoin) {
		t.Fatalf("err=%v, want ErrBadJoin", err)
	}
	if r.Rooms() != 0 {
		t.Fatalf("malformed join created a room")
	}
	if _, err := r.Join("c1", "R1", "A"); err != nil {
		t.Fatalf("connection unusable after malformed join: %v", err)
	}
}

func TestLeave_MembershipNeverSurvivesLeave(t *testing.T) {
	t.Parallel()
	r := newTestRegistry(t)

	r.Register("c1", &recordingSender{})
	r.Register("c2", &recordingSender{})
	mustJoin(t, r, "c1", "R1", "A")
	mustJoin(t, r, "c2", "R1", "B")

	r.Leave("c1")
	for _, uid := range r.RoomMembers("R1") {
		if uid == "A" {
			t.Fatalf("A still member after Leave returned")
		}
	}
}

func TestLeave_IdempotentSingleBroadcast(t *testing.T) {
	t.Parallel()
	r := newTestRegistry(t)

	observer := &recordingSender{}
	r.Register("c1", &recordingSender{})
	r.Register("c2", observer)
	mustJoin(t, r, "c1", "R1", "A")
	mustJoin(t, r, "c2", "R1", "B")

	r.Leave("c1")
	r.Leave("c1")

	disconnected := observer.byType(signal.TypeUserDisconnected)
	if len(disconnected) != 1 {
		t.Fatalf("user-disconnected broadcasts = %d, want exactly 1", len(disconnected))
	}
	if disconnected[0].UserID != "A" {
		t.Fatalf("disconnected user = %q, want A", disconnected[0].UserID)
	}
	if got := r.Metrics().Get(metrics.LeaveProcessed); got != 1 {
		t.Fatalf("leave_processed = %d, want 1", got)
	}
}

func TestLeave_LastMemberRemovesRoom(t *testing.T) {
	t.Parallel()
	r := newTestRegistry(t)

	r.Register("c1", &recordingSender{})
	mustJoin(t, r, "c1", "R1", "A")
	if r.Rooms() != 1 {
		t.Fatalf("rooms=%d, want 1", r.Rooms())
	}
	r.Leave("c1")
	if r.Rooms() != 0 {
		t.Fatalf("empty room not removed")
	}
}

func TestRoute_TargetedDeliversToExactlyOne(t *testing.T) {
	t.Parallel()
	r := newTestRegistry(t)

	a, b, c := &recordingSender{}, &recordingSender{}, &recordingSender{}
	r.Register("c1", a)
	r.Register("c2", b)
	r.Register("c3", c)
	mustJoin(t, r, "c1", "R1", "A")
	mustJoin(t, r, "c2", "R1", "B")
	mustJoin(t, r, "c3", "R1", "C")

	err := r.Route("c1", signal.Message{
		Type:         signal.TypeOffer,
		TargetUserID: "B",
		Offer:        &signal.SDP{Type: "offer", SDP: "v=0"},
	})
	if err != nil {
		t.Fatalf("route: %v", err)
	}

	if got := b.byType(signal.TypeOffer); len(got) != 1 {
		t.Fatalf("B received %d offers, want 1", len(got))
	}
	if got := c.byType(signal.TypeOffer); len(got) != 0 {
		t.Fatalf("C received a targeted offer: %#v", got)
	}
	if got := a.byType(signal.TypeOffer); len(got) != 0 {
		t.Fatalf("sender received its own offer")
	}
}

func TestRoute_AbsentTargetIsSilentNoOp(t *testing.T) {
	t.Parallel()
	r := newTestRegistry(t)

	r.Register("c1", &recordingSender{})
	mustJoin(t, r, "c1", "R1", "A")

	err := r.Route("c1", signal.Message{
		Type:         signal.TypeOffer,
		TargetUserID: "ghost",
		Offer:        &signal.SDP{Type: "offer", SDP: "v=0"},
	})
	if err != nil {
		t.Fatalf("absent target must not error, got %v", err)
	}
	if got := r.Metrics().Get(metrics.RouteDropNoTarget); got != 1 {
		t.Fatalf("route_drop_target_missing = %d, want 1", got)
	}
}

func TestRoute_UntargetedBroadcastsToOthers(t *testing.T) {
	t.Parallel()
	r := newTestRegistry(t)

	a, b, c := &recordingSender{}, &recordingSender{}, &recordingSender{}
	r.Register("c1", a)
	r.Register("c2", b)
	r.Register("c3", c)
	mustJoin(t, r, "c1", "R1", "A")
	mustJoin(t, r, "c2", "R1", "B")
	mustJoin(t, r, "c3", "R1", "C")

	err := r.Route("c1", signal.Message{
		Type:          signal.TypeStreamStarted,
		ParticipantID: "A",
	})
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	for name, s := range map[string]*recordingSender{"B": b, "C": c} {
		if got := s.byType(signal.TypeStreamStarted); len(got) != 1 {
			t.Fatalf("%s received %d stream-started, want 1", name, len(got))
		}
	}
	if got := a.byType(signal.TypeStreamStarted); len(got) != 0 {
		t.Fatalf("sender included in broadcast")
	}
}

func TestRoute_StampsAuthoritativeRoomAndSender(t *testing.T) {
	t.Parallel()
	r := newTestRegistry(t)

	b := &recordingSender{}
	r.Register("c1", &recordingSender{})
	r.Register("c2", b)
	mustJoin(t, r, "c1", "R1", "A")
	mustJoin(t, r, "c2", "R1", "B")

	// Client lies about room and sender; registry overrides both.
	err := r.Route("c1", signal.Message{
		Type:         signal.TypeOffer,
		RoomID:       "other-room",
		FromUserID:   "mallory",
		TargetUserID: "B",
		Offer:        &signal.SDP{Type: "offer", SDP: "v=0"},
	})
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	got := b.byType(signal.TypeOffer)
	if len(got) != 1 || got[0].RoomID != "R1" || got[0].FromUserID != "A" {
		t.Fatalf("delivered message not rewritten: %#v", got)
	}
}

func TestJoin_SameUserReplacesStaleConnection(t *testing.T) {
	t.Parallel()
	r := newTestRegistry(t)

	stale, fresh, other := &recordingSender{}, &recordingSender{}, &recordingSender{}
	r.Register("c1", stale)
	r.Register("c2", other)
	mustJoin(t, r, "c1", "R1", "A")
	mustJoin(t, r, "c2", "R1", "B")

	r.Register("c3", fresh)
	members, err := r.Join("c3", "R1", "A")
	if err != nil {
		t.Fatalf("rejoin: %v", err)
	}
	if len(members) != 1 || members[0] != "B" {
		t.Fatalf("rejoin snapshot = %v, want [B]", members)
	}

	got := r.RoomMembers("R1")
	if len(got) != 2 {
		t.Fatalf("members=%v, want [A B]", got)
	}

	// Routing to A must reach the fresh connection only.
	if err := r.Route("c2", signal.Message{
		Type:         signal.TypeOffer,
		TargetUserID: "A",
		Offer:        &signal.SDP{Type: "offer", SDP: "v=0"},
	}); err != nil {
		t.Fatalf("route: %v", err)
	}
	if got := fresh.byType(signal.TypeOffer); len(got) != 1 {
		t.Fatalf("fresh conn got %d offers, want 1", len(got))
	}
	if got := stale.byType(signal.TypeOffer); len(got) != 0 {
		t.Fatalf("stale conn still routable")
	}
}

func TestJoin_SoleMemberReconnectKeepsRoomRoutable(t *testing.T) {
	t.Parallel()
	r := newTestRegistry(t)

	stale, fresh, late := &recordingSender{}, &recordingSender{}, &recordingSender{}
	r.Register("c1", stale)
	mustJoin(t, r, "c1", "R1", "A")

	// A reconnects while alone in the room. Replacing the stale connection
	// empties the room mid-join; the room must survive the swap.
	r.Register("c2", fresh)
	mustJoin(t, r, "c2", "R1", "A")
	if r.Rooms() != 1 {
		t.Fatalf("rooms=%d after sole-member rejoin, want 1", r.Rooms())
	}

	r.Register("c3", late)
	members, err := r.Join("c3", "R1", "B")
	if err != nil {
		t.Fatalf("join B: %v", err)
	}
	if len(members) != 1 || members[0] != "A" {
		t.Fatalf("B's snapshot = %v, want [A]", members)
	}

	if err := r.Route("c3", signal.Message{
		Type:         signal.TypeOffer,
		TargetUserID: "A",
		Offer:        &signal.SDP{Type: "offer", SDP: "v=0"},
	}); err != nil {
		t.Fatalf("route: %v", err)
	}
	if got := fresh.byType(signal.TypeOffer); len(got) != 1 {
		t.Fatalf("rejoined conn got %d offers, want 1", len(got))
	}
}

func TestReap_RemovesStaleConnections(t *testing.T) {
	t.Parallel()
	r := newTestRegistry(t)

	now := time.Unix(1000, 0)
	r.SetNowFunc(func() time.Time { return now })

	observer := &recordingSender{}
	r.Register("c1", &recordingSender{})
	r.Register("c2", observer)
	mustJoin(t, r, "c1", "R1", "A")
	mustJoin(t, r, "c2", "R1", "B")

	now = now.Add(10 * time.Second)
	r.Touch("c2")

	now = now.Add(25 * time.Second)
	reaped := r.Reap(30 * time.Second)
	if len(reaped) != 1 || reaped[0] != "c1" {
		t.Fatalf("reaped=%v, want [c1]", reaped)
	}
	if got := observer.byType(signal.TypeUserDisconnected); len(got) != 1 || got[0].UserID != "A" {
		t.Fatalf("observer missed reap disconnect: %#v", got)
	}
}

func TestRoute_UnwritableSenderDoesNotError(t *testing.T) {
	t.Parallel()
	r := newTestRegistry(t)

	dead := &recordingSender{fail: true}
	r.Register("c1", &recordingSender{})
	r.Register("c2", dead)
	mustJoin(t, r, "c1", "R1", "A")
	mustJoin(t, r, "c2", "R1", "B")

	err := r.Route("c1", signal.Message{
		Type:         signal.TypeOffer,
		TargetUserID: "B",
		Offer:        &signal.SDP{Type: "offer", SDP: "v=0"},
	})
	if err != nil {
		t.Fatalf("unwritable target surfaced to sender: %v", err)
	}
	if got := r.Metrics().Get(metrics.SignalDropSlowClient); got != 1 {
		t.Fatalf("signal_drop_slow_client = %d, want 1", got)
	}
}

func mustJoin(t *testing.T, r *Registry, connID, roomID, userID string) {
	t.Helper()
	if _, err := r.Join(connID, roomID, userID); err != nil {
		t.Fatalf("join %s/%s: %v", roomID, userID, err)
	}
}
