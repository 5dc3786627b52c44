package peermgr

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/henrydev1610/hutz-live-85-sub002/internal/signal"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// captureOutbox records every delivered message; failErr makes Deliver fail.
type captureOutbox struct {
	mu      sync.Mutex
	msgs    []signal.Message
	failErr error
}

func (o *captureOutbox) Deliver(_ context.Context, msg signal.Message) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.failErr != nil {
		return o.failErr
	}
	o.msgs = append(o.msgs, msg)
	return nil
}

func (o *captureOutbox) byType(t signal.MessageType) []signal.Message {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []signal.Message
	for _, m := range o.msgs {
		if m.Type == t {
			out = append(out, m)
		}
	}
	return out
}

func (o *captureOutbox) waitFor(t *testing.T, typ signal.MessageType) signal.Message {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		if msgs := o.byType(typ); len(msgs) > 0 {
			return msgs[0]
		}
		select {
		case <-deadline:
			t.Fatalf("no %q message delivered", typ)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func fastConfig(role Role) Config {
	return Config{
		RoomID:             "room-1",
		UserID:             "me",
		Role:               role,
		StabilizationDelay: 5 * time.Millisecond,
		OfferRetries:       2,
		OfferRetryBase:     5 * time.Millisecond,
		RenewGrace:         50 * time.Millisecond,
		RecreateDelay:      20 * time.Millisecond,
	}
}

// remoteOffer builds a real SDP offer from a second peer connection so the
// manager's answer path exercises pion for real.
func remoteOffer(t *testing.T) signal.SDP {
	t.Helper()
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		t.Fatalf("new remote pc: %v", err)
	}
	t.Cleanup(func() { pc.Close() })
	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeVideo, webrtc.RTPCodecTypeAudio} {
		if _, err := pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			t.Fatalf("add transceiver: %v", err)
		}
	}
	offer, err := pc.CreateOffer(nil)
	if err != nil {
		t.Fatalf("create offer: %v", err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		t.Fatalf("set local description: %v", err)
	}
	return signal.SDPFromPion(offer)
}

func TestCreateLinkReusesLiveDisposesDead(t *testing.T) {
	t.Parallel()

	m := NewManager(testLogger(), nil, fastConfig(RoleHost), nil, &captureOutbox{})
	defer m.Close()

	a, err := m.CreateLink("alice")
	if err != nil {
		t.Fatalf("CreateLink(): %v", err)
	}
	b, err := m.CreateLink("alice")
	if err != nil {
		t.Fatalf("CreateLink() again: %v", err)
	}
	if a != b {
		t.Fatal("live link was not reused")
	}

	a.teardown(LinkFailed)
	c, err := m.CreateLink("alice")
	if err != nil {
		t.Fatalf("CreateLink() after failure: %v", err)
	}
	if c == a {
		t.Fatal("dead link was reused instead of disposed")
	}
	if s := c.State(); s != LinkNew {
		t.Fatalf("fresh link state = %v, want new", s)
	}
}

func TestCandidatesQueuedUntilRemoteDescription(t *testing.T) {
	t.Parallel()

	m := NewManager(testLogger(), nil, fastConfig(RoleHost), nil, &captureOutbox{})
	defer m.Close()

	link, err := m.CreateLink("alice")
	if err != nil {
		t.Fatalf("CreateLink(): %v", err)
	}

	var mu sync.Mutex
	var applied []string
	link.applyCandidate = func(init webrtc.ICECandidateInit) error {
		mu.Lock()
		applied = append(applied, init.Candidate)
		mu.Unlock()
		return nil
	}

	for _, c := range []string{"cand-1", "cand-2", "cand-3"} {
		wire := signal.Candidate{Candidate: c}
		err := m.HandleCandidate(signal.Message{
			Type:       signal.TypeICECandidate,
			FromUserID: "alice",
			Candidate:  &wire,
		})
		if err != nil {
			t.Fatalf("HandleCandidate(%s): %v", c, err)
		}
	}

	mu.Lock()
	early := len(applied)
	mu.Unlock()
	if early != 0 {
		t.Fatalf("%d candidates applied before remote description", early)
	}

	offer := remoteOffer(t)
	err = m.HandleOffer(signal.Message{
		Type:       signal.TypeOffer,
		FromUserID: "alice",
		Offer:      &offer,
	})
	if err != nil {
		t.Fatalf("HandleOffer(): %v", err)
	}

	mu.Lock()
	got := append([]string(nil), applied...)
	mu.Unlock()
	want := []string{"cand-1", "cand-2", "cand-3"}
	if len(got) != len(want) {
		t.Fatalf("applied %d candidates, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("candidate %d applied as %q, want %q (receipt order violated)", i, got[i], want[i])
		}
	}

	// Late candidates bypass the queue once the description is in place.
	wire := signal.Candidate{Candidate: "cand-4"}
	if err := m.HandleCandidate(signal.Message{
		Type:       signal.TypeICECandidate,
		FromUserID: "alice",
		Candidate:  &wire,
	}); err != nil {
		t.Fatalf("HandleCandidate(late): %v", err)
	}
	mu.Lock()
	last := applied[len(applied)-1]
	mu.Unlock()
	if last != "cand-4" {
		t.Fatalf("late candidate applied as %q, want cand-4", last)
	}
}

func TestHandleOfferAnswers(t *testing.T) {
	t.Parallel()

	out := &captureOutbox{}
	m := NewManager(testLogger(), nil, fastConfig(RoleHost), nil, out)
	defer m.Close()

	offer := remoteOffer(t)
	err := m.HandleOffer(signal.Message{
		Type:       signal.TypeOffer,
		RoomID:     "room-1",
		FromUserID: "alice",
		Offer:      &offer,
	})
	if err != nil {
		t.Fatalf("HandleOffer(): %v", err)
	}

	answer := out.waitFor(t, signal.TypeAnswer)
	if answer.TargetUserID != "alice" || answer.FromUserID != "me" {
		t.Fatalf("answer addressing wrong: %+v", answer)
	}
	if answer.Answer == nil || answer.Answer.Type != "answer" {
		t.Fatalf("answer payload wrong: %+v", answer.Answer)
	}
	if s := m.Link("alice").State(); s != LinkNegotiating {
		t.Fatalf("link state = %v, want negotiating", s)
	}
}

func TestGlareSecondOfferIgnored(t *testing.T) {
	t.Parallel()

	out := &captureOutbox{}
	m := NewManager(testLogger(), nil, fastConfig(RoleParticipant), nil, out)
	defer m.Close()

	if err := m.InitiateOffer("alice"); err != nil {
		t.Fatalf("InitiateOffer(): %v", err)
	}
	out.waitFor(t, signal.TypeOffer)

	offer := remoteOffer(t)
	err := m.HandleOffer(signal.Message{
		Type:       signal.TypeOffer,
		FromUserID: "alice",
		Offer:      &offer,
	})
	if err != nil {
		t.Fatalf("HandleOffer() during glare: %v", err)
	}
	if got := out.byType(signal.TypeAnswer); len(got) != 0 {
		t.Fatalf("glare offer was answered: %+v", got)
	}
}

func TestOfferRetriesExhaustedFailsLink(t *testing.T) {
	t.Parallel()

	out := &captureOutbox{failErr: errors.New("signaling down")}
	m := NewManager(testLogger(), nil, fastConfig(RoleParticipant), nil, out)
	defer m.Close()

	if err := m.InitiateOffer("alice"); err != nil {
		t.Fatalf("InitiateOffer(): %v", err)
	}
	link := m.Link("alice")
	if link == nil {
		t.Fatal("link missing after InitiateOffer")
	}

	deadline := time.After(5 * time.Second)
	for link.State() != LinkFailed {
		select {
		case <-deadline:
			t.Fatalf("link never failed; state = %v", link.State())
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestOfferUnansweredRecyclesLink(t *testing.T) {
	t.Parallel()

	out := &captureOutbox{}
	cfg := fastConfig(RoleParticipant)
	cfg.AnswerTimeout = 30 * time.Millisecond
	m := NewManager(testLogger(), nil, cfg, nil, out)
	defer m.Close()

	if err := m.InitiateOffer("bob"); err != nil {
		t.Fatalf("InitiateOffer(): %v", err)
	}
	link := m.Link("bob")
	if link == nil {
		t.Fatal("link missing after InitiateOffer")
	}
	out.waitFor(t, signal.TypeOffer)

	// No answer ever arrives. The link must not sit in negotiating forever:
	// the answer timeout fails it and a recreation re-offers.
	deadline := time.After(5 * time.Second)
	for link.State() != LinkFailed {
		select {
		case <-deadline:
			t.Fatalf("unanswered link never recycled; state = %v", link.State())
		case <-time.After(10 * time.Millisecond):
		}
	}
	for {
		if fresh := m.Link("bob"); fresh != nil && fresh != link {
			return
		}
		select {
		case <-deadline:
			t.Fatal("link never recreated after answer timeout")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestAnswerDisarmsTimeout(t *testing.T) {
	t.Parallel()

	out := &captureOutbox{}
	cfg := fastConfig(RoleParticipant)
	cfg.AnswerTimeout = 200 * time.Millisecond
	m := NewManager(testLogger(), nil, cfg, nil, out)
	defer m.Close()

	if err := m.InitiateOffer("bob"); err != nil {
		t.Fatalf("InitiateOffer(): %v", err)
	}
	link := m.Link("bob")
	offer := out.waitFor(t, signal.TypeOffer)

	// A second pc answers the captured offer for real.
	remote, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		t.Fatalf("new remote pc: %v", err)
	}
	defer remote.Close()
	desc, err := offer.Offer.ToPion()
	if err != nil {
		t.Fatalf("offer to pion: %v", err)
	}
	if err := remote.SetRemoteDescription(desc); err != nil {
		t.Fatalf("remote SetRemoteDescription: %v", err)
	}
	answer, err := remote.CreateAnswer(nil)
	if err != nil {
		t.Fatalf("remote CreateAnswer: %v", err)
	}
	if err := remote.SetLocalDescription(answer); err != nil {
		t.Fatalf("remote SetLocalDescription: %v", err)
	}

	sdp := signal.SDPFromPion(answer)
	if err := m.HandleAnswer(signal.Message{
		Type:       signal.TypeAnswer,
		FromUserID: "bob",
		Answer:     &sdp,
	}); err != nil {
		t.Fatalf("HandleAnswer: %v", err)
	}

	time.Sleep(400 * time.Millisecond)
	if m.Link("bob") != link {
		t.Fatal("answered link was recycled by the timeout")
	}
	if s := link.State(); s == LinkFailed || s == LinkClosed {
		t.Fatalf("answered link state = %v", s)
	}
}

func TestRenewRequestSentExactlyOnce(t *testing.T) {
	t.Parallel()

	out := &captureOutbox{}
	m := NewManager(testLogger(), nil, fastConfig(RoleHost), nil, out)
	defer m.Close()

	link, err := m.CreateLink("alice")
	if err != nil {
		t.Fatalf("CreateLink(): %v", err)
	}
	link.setState(LinkConnected)

	// The link has never seen inbound media, so both checks are past grace;
	// only the first may emit a request.
	m.checkInboundMedia(link)
	m.checkInboundMedia(link)

	if got := out.byType(signal.TypeRenewTrack); len(got) != 1 {
		t.Fatalf("renew-track requests = %d, want exactly 1", len(got))
	}
	req := out.byType(signal.TypeRenewTrack)[0]
	if req.TargetUserID != "alice" || req.FromUserID != "me" {
		t.Fatalf("renew request addressing wrong: %+v", req)
	}
}

func TestRenewSkippedWhileMediaFlowing(t *testing.T) {
	t.Parallel()

	out := &captureOutbox{}
	m := NewManager(testLogger(), nil, fastConfig(RoleHost), nil, out)
	defer m.Close()

	link, err := m.CreateLink("alice")
	if err != nil {
		t.Fatalf("CreateLink(): %v", err)
	}
	link.setState(LinkConnected)
	link.markInbound()

	m.checkInboundMedia(link)
	if got := out.byType(signal.TypeRenewTrack); len(got) != 0 {
		t.Fatalf("renew requested while media was flowing: %+v", got)
	}
}

func TestHandleRenewTrackReplacesSenderTracks(t *testing.T) {
	t.Parallel()

	media, err := NewMediaSource(true, false)
	if err != nil {
		t.Fatalf("NewMediaSource(): %v", err)
	}
	before := media.Track(webrtc.RTPCodecTypeVideo)

	out := &captureOutbox{}
	m := NewManager(testLogger(), nil, fastConfig(RoleParticipant), media, out)
	defer m.Close()

	link, err := m.CreateLink("host")
	if err != nil {
		t.Fatalf("CreateLink(): %v", err)
	}
	if senders := link.pc.GetSenders(); len(senders) != 1 {
		t.Fatalf("senders = %d, want 1 (video only)", len(senders))
	}
	link.setState(LinkConnected)

	err = m.HandleRenewTrack(signal.Message{
		Type:       signal.TypeRenewTrack,
		FromUserID: "host",
	})
	if err != nil {
		t.Fatalf("HandleRenewTrack(): %v", err)
	}

	after := media.Track(webrtc.RTPCodecTypeVideo)
	if after == before {
		t.Fatal("media source still holds the old track")
	}
	if after.ID() != before.ID() || after.StreamID() != before.StreamID() {
		t.Fatal("replacement track changed identity")
	}
	if got := link.pc.GetSenders()[0].Track(); got != after {
		t.Fatalf("sender track not replaced")
	}
}

func TestRenewIgnoredForHostRole(t *testing.T) {
	t.Parallel()

	m := NewManager(testLogger(), nil, fastConfig(RoleHost), nil, &captureOutbox{})
	defer m.Close()

	if err := m.HandleRenewTrack(signal.Message{Type: signal.TypeRenewTrack, FromUserID: "x"}); err != nil {
		t.Fatalf("HandleRenewTrack() on host: %v", err)
	}
}

func TestFailureSchedulesSingleRecreation(t *testing.T) {
	t.Parallel()

	out := &captureOutbox{}
	m := NewManager(testLogger(), nil, fastConfig(RoleHost), nil, out)
	defer m.Close()

	link, err := m.CreateLink("alice")
	if err != nil {
		t.Fatalf("CreateLink(): %v", err)
	}

	// Double teardown must not stack two recreations.
	m.teardownLink(link, LinkFailed, true)
	m.teardownLink(link, LinkFailed, true)

	m.mu.Lock()
	pending := len(m.recreations)
	m.mu.Unlock()
	if pending != 1 {
		t.Fatalf("pending recreations = %d, want 1", pending)
	}

	deadline := time.After(5 * time.Second)
	for {
		if fresh := m.Link("alice"); fresh != nil && fresh != link {
			if s := fresh.State(); s != LinkNew {
				t.Fatalf("recreated link state = %v, want new", s)
			}
			return
		}
		select {
		case <-deadline:
			t.Fatal("link never recreated")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestTeardownCancelsTimers(t *testing.T) {
	t.Parallel()

	m := NewManager(testLogger(), nil, fastConfig(RoleHost), nil, &captureOutbox{})
	defer m.Close()

	link, err := m.CreateLink("alice")
	if err != nil {
		t.Fatalf("CreateLink(): %v", err)
	}

	fired := make(chan struct{}, 1)
	link.schedule("watch", 30*time.Millisecond, func() { fired <- struct{}{} })
	link.teardown(LinkClosed)

	select {
	case <-fired:
		t.Fatal("timer fired after teardown")
	case <-time.After(100 * time.Millisecond):
	}

	// Scheduling on a dead link is a no-op.
	link.schedule("late", time.Millisecond, func() { fired <- struct{}{} })
	select {
	case <-fired:
		t.Fatal("timer armed on a dead link")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestParticipantWithoutMediaDegradesToRecvonly(t *testing.T) {
	t.Parallel()

	m := NewManager(testLogger(), nil, fastConfig(RoleParticipant), nil, &captureOutbox{})
	defer m.Close()

	link, err := m.CreateLink("host")
	if err != nil {
		t.Fatalf("CreateLink() without media: %v", err)
	}
	for _, tr := range link.pc.GetTransceivers() {
		if tr.Direction() != webrtc.RTPTransceiverDirectionRecvonly {
			t.Fatalf("transceiver direction = %v, want recvonly", tr.Direction())
		}
	}
}
