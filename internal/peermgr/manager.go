// Package peermgr manages one WebRTC peer connection per remote participant:
// negotiation with glare protection, trickle ICE candidate queueing, track
// renewal, and per-link failure isolation with a single scheduled recreation.
package peermgr

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/henrydev1610/hutz-live-85-sub002/internal/signal"
)

// Role drives track binding. A participant pushes its local media to the
// host; a host only receives.
type Role int

const (
	RoleHost Role = iota
	RoleParticipant
)

func (r Role) String() string {
	if r == RoleParticipant {
		return "participant"
	}
	return "host"
}

// Outbox delivers signaling messages toward the remote side. The redundant
// fallback chain satisfies it, as does the raw orchestrator client.
type Outbox interface {
	Deliver(ctx context.Context, msg signal.Message) error
}

// ErrUnknownLink is returned for operations against a participant that has
// no link.
var ErrUnknownLink = errors.New("no link for participant")

// ErrManagerClosed is returned once Close has been called.
var ErrManagerClosed = errors.New("peer manager closed")

const (
	defaultStabilizationDelay = 500 * time.Millisecond
	defaultOfferRetries       = 3
	defaultOfferRetryBase     = 1 * time.Second
	defaultRenewGrace         = 6 * time.Second
	defaultRecreateDelay      = 2 * time.Second
	defaultAnswerTimeout      = 15 * time.Second
	deliverTimeout            = 10 * time.Second

	timerKeyOffer      = "offer"
	timerKeyAnswer     = "answer"
	timerKeyRenewWatch = "renew-watch"
)

// Config fixes the identity and timing envelope of the manager.
type Config struct {
	RoomID string
	UserID string
	Role   Role

	ICEServers []webrtc.ICEServer

	// StabilizationDelay is the wait between deciding to offer and building
	// the offer, giving transceivers and tracks time to settle.
	StabilizationDelay time.Duration
	OfferRetries       int
	OfferRetryBase     time.Duration
	// RenewGrace is how long a connected link may stay silent before the
	// receiving side requests a track renewal. Kept above 5s so normal
	// keyframe gaps never trigger it.
	RenewGrace    time.Duration
	RecreateDelay time.Duration
	// AnswerTimeout bounds how long an offer may wait for the remote answer.
	// A link still negotiating when it lapses is recycled, which resolves
	// mutual glare and offers routed to a target that just departed.
	AnswerTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.StabilizationDelay <= 0 {
		c.StabilizationDelay = defaultStabilizationDelay
	}
	if c.OfferRetries <= 0 {
		c.OfferRetries = defaultOfferRetries
	}
	if c.OfferRetryBase <= 0 {
		c.OfferRetryBase = defaultOfferRetryBase
	}
	if c.RenewGrace <= 0 {
		c.RenewGrace = defaultRenewGrace
	}
	if c.RecreateDelay <= 0 {
		c.RecreateDelay = defaultRecreateDelay
	}
	if c.AnswerTimeout <= 0 {
		c.AnswerTimeout = defaultAnswerTimeout
	}
	return c
}

// Manager owns every PeerLink of one client. Local media is shared read-only
// across links; the manager is the single owner that replaces tracks.
type Manager struct {
	log   *slog.Logger
	api   *webrtc.API
	cfg   Config
	out   Outbox
	media *MediaSource

	mu          sync.Mutex
	links       map[string]*PeerLink
	recreations map[string]*time.Timer
	closed      bool
}

// NewManager wires a manager. media may be nil; links then bind receive-only
// transceivers regardless of role.
func NewManager(log *slog.Logger, api *webrtc.API, cfg Config, media *MediaSource, out Outbox) *Manager {
	if log == nil {
		log = slog.Default()
	}
	if api == nil {
		api = NewAPI(log)
	}
	return &Manager{
		log:         log.With("component", "peermgr", "role", cfg.Role.String()),
		api:         api,
		cfg:         cfg.withDefaults(),
		out:         out,
		media:       media,
		links:       make(map[string]*PeerLink),
		recreations: make(map[string]*time.Timer),
	}
}

// CreateLink returns the live link for the participant, creating one if
// needed. A dead link (failed or closed) is disposed first.
func (m *Manager) CreateLink(participantID string) (*PeerLink, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var stale *PeerLink
	if m.closed {
		return nil, ErrManagerClosed
	}
	if existing, ok := m.links[participantID]; ok {
		if existing.State().live() {
			return existing, nil
		}
		delete(m.links, participantID)
		stale = existing
	}
	if stale != nil {
		// Closing the old PeerConnection must not run under m.mu; pion state
		// callbacks re-enter the manager.
		go stale.teardown(stale.State())
	}

	pc, err := m.api.NewPeerConnection(webrtc.Configuration{ICEServers: m.cfg.ICEServers})
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}
	link := newPeerLink(m.log, participantID, pc)

	if err := m.bindTracks(pc); err != nil {
		pc.Close()
		return nil, err
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		m.sendCandidate(participantID, c.ToJSON())
	})
	pc.OnTrack(func(tr *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		go m.drainTrack(link, tr)
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		m.onConnectionState(link, state)
	})

	m.links[participantID] = link
	m.log.Info("link created", "participant", participantID)
	return link, nil
}

// bindTracks attaches media according to role. A participant without local
// media degrades to receive-only instead of failing.
func (m *Manager) bindTracks(pc *webrtc.PeerConnection) error {
	if m.cfg.Role == RoleParticipant && m.media != nil && !m.media.Empty() {
		for _, track := range m.media.Tracks() {
			if _, err := pc.AddTrack(track); err != nil {
				return fmt.Errorf("add local track: %w", err)
			}
		}
		return nil
	}

	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeVideo, webrtc.RTPCodecTypeAudio} {
		_, err := pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		})
		if err != nil {
			return fmt.Errorf("add %s transceiver: %w", kind, err)
		}
	}
	return nil
}

// InitiateOffer starts negotiation toward the participant: a stabilization
// delay, then an offer, with bounded exponential retries on failure.
// Exhausting the retries fails the link.
func (m *Manager) InitiateOffer(participantID string) error {
	link, err := m.CreateLink(participantID)
	if err != nil {
		return err
	}
	if s := link.State(); s == LinkFailed || s == LinkClosed {
		return fmt.Errorf("link to %s is %s", participantID, s)
	}

	link.setState(LinkNegotiating)
	link.schedule(timerKeyOffer, m.cfg.StabilizationDelay, func() {
		m.attemptOffer(link, 1)
	})
	return nil
}

func (m *Manager) attemptOffer(link *PeerLink, attempt int) {
	err := m.sendOffer(link)
	if err == nil {
		link.schedule(timerKeyAnswer, m.cfg.AnswerTimeout, func() {
			m.answerTimedOut(link)
		})
		return
	}
	if attempt >= m.cfg.OfferRetries {
		m.log.Error("offer attempts exhausted",
			"participant", link.participantID,
			"attempts", attempt,
			"error", err)
		m.teardownLink(link, LinkFailed, true)
		return
	}

	delay := m.cfg.OfferRetryBase << (attempt - 1)
	m.log.Warn("offer failed, retrying",
		"participant", link.participantID,
		"attempt", attempt,
		"delay", delay,
		"error", err)
	link.schedule(timerKeyOffer, delay, func() {
		m.attemptOffer(link, attempt+1)
	})
}

func (m *Manager) sendOffer(link *PeerLink) error {
	offer, err := link.pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	if err := link.pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("set local offer: %w", err)
	}

	sdp := signal.SDPFromPion(offer)
	return m.deliver(signal.Message{
		Type:         signal.TypeOffer,
		RoomID:       m.cfg.RoomID,
		FromUserID:   m.cfg.UserID,
		TargetUserID: link.participantID,
		Offer:        &sdp,
	})
}

// HandleOffer answers a remote offer. A second offer while this side is
// already negotiating is ignored. When both sides offered and each ignored
// the other, neither negotiation completes; the answer timeout recycles the
// links and the retry reruns cleanly.
func (m *Manager) HandleOffer(msg signal.Message) error {
	if msg.Offer == nil {
		return fmt.Errorf("offer message without sdp")
	}
	link, err := m.CreateLink(msg.FromUserID)
	if err != nil {
		return err
	}
	if link.State() == LinkNegotiating {
		m.log.Warn("ignoring offer while negotiating", "participant", msg.FromUserID)
		return nil
	}
	link.setState(LinkNegotiating)

	desc, err := msg.Offer.ToPion()
	if err != nil {
		return err
	}
	if err := link.setRemoteDescription(desc); err != nil {
		return fmt.Errorf("set remote offer: %w", err)
	}

	answer, err := link.pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("create answer: %w", err)
	}
	if err := link.pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("set local answer: %w", err)
	}

	sdp := signal.SDPFromPion(answer)
	return m.deliver(signal.Message{
		Type:         signal.TypeAnswer,
		RoomID:       m.cfg.RoomID,
		FromUserID:   m.cfg.UserID,
		TargetUserID: msg.FromUserID,
		Answer:       &sdp,
	})
}

// HandleAnswer completes a negotiation this side initiated.
func (m *Manager) HandleAnswer(msg signal.Message) error {
	if msg.Answer == nil {
		return fmt.Errorf("answer message without sdp")
	}
	link := m.link(msg.FromUserID)
	if link == nil {
		return fmt.Errorf("%w: %s", ErrUnknownLink, msg.FromUserID)
	}

	// An answer ends the offer retry schedule.
	link.cancel(timerKeyOffer)

	desc, err := msg.Answer.ToPion()
	if err != nil {
		return err
	}
	if err := link.setRemoteDescription(desc); err != nil {
		// The answer timer stays armed and recycles the link.
		return fmt.Errorf("set remote answer: %w", err)
	}
	link.cancel(timerKeyAnswer)
	return nil
}

// HandleCandidate feeds one trickled candidate. Candidates arriving before
// the remote description are queued by the link and applied in receipt order
// once the description lands.
func (m *Manager) HandleCandidate(msg signal.Message) error {
	if msg.Candidate == nil {
		return fmt.Errorf("candidate message without candidate")
	}
	link, err := m.CreateLink(msg.FromUserID)
	if err != nil {
		return err
	}
	return link.addCandidate(msg.Candidate.ToPion())
}

// HandleRenewTrack serves a renew-track request from the receiving side by
// swapping fresh tracks into the live senders. No renegotiation happens;
// ReplaceTrack keeps the existing transceivers.
func (m *Manager) HandleRenewTrack(msg signal.Message) error {
	if m.cfg.Role != RoleParticipant || m.media == nil || m.media.Empty() {
		return nil
	}
	link := m.link(msg.FromUserID)
	if link == nil {
		return fmt.Errorf("%w: %s", ErrUnknownLink, msg.FromUserID)
	}
	if link.State() != LinkConnected {
		m.log.Warn("renew request for non-connected link",
			"participant", msg.FromUserID,
			"state", link.State().String())
		return nil
	}

	for _, sender := range link.pc.GetSenders() {
		current := sender.Track()
		if current == nil {
			continue
		}
		fresh, err := m.media.Refresh(current.Kind())
		if err != nil {
			return err
		}
		if err := sender.ReplaceTrack(fresh); err != nil {
			return fmt.Errorf("replace %s track: %w", current.Kind(), err)
		}
		m.log.Info("track renewed", "participant", msg.FromUserID, "kind", current.Kind().String())
	}
	return nil
}

// Teardown disposes the link to one participant without scheduling a
// recreation.
func (m *Manager) Teardown(participantID string) {
	if link := m.link(participantID); link != nil {
		m.teardownLink(link, LinkClosed, false)
	}
	m.mu.Lock()
	if t, ok := m.recreations[participantID]; ok {
		t.Stop()
		delete(m.recreations, participantID)
	}
	m.mu.Unlock()
}

// Close disposes every link and rejects further use.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	links := make([]*PeerLink, 0, len(m.links))
	for _, l := range m.links {
		links = append(links, l)
	}
	m.links = make(map[string]*PeerLink)
	for id, t := range m.recreations {
		t.Stop()
		delete(m.recreations, id)
	}
	m.mu.Unlock()

	for _, l := range links {
		l.teardown(LinkClosed)
	}
}

// Link returns the current link for the participant, or nil.
func (m *Manager) Link(participantID string) *PeerLink {
	return m.link(participantID)
}

// Participants lists participants with a current link.
func (m *Manager) Participants() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.links))
	for id := range m.links {
		out = append(out, id)
	}
	return out
}

func (m *Manager) link(participantID string) *PeerLink {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.links[participantID]
}

func (m *Manager) onConnectionState(link *PeerLink, state webrtc.PeerConnectionState) {
	switch state {
	case webrtc.PeerConnectionStateConnected:
		link.setState(LinkConnected)
		if m.cfg.Role == RoleHost {
			link.schedule(timerKeyRenewWatch, m.cfg.RenewGrace, func() {
				m.checkInboundMedia(link)
			})
		}
	case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
		m.teardownLink(link, LinkFailed, true)
	}
}

// answerTimedOut fires when an offer went out but no answer arrived inside
// the window. Recycling the link covers mutual glare and a target that left
// right after the offer was routed.
func (m *Manager) answerTimedOut(link *PeerLink) {
	if link.State() != LinkNegotiating {
		return
	}
	m.log.Warn("no answer before timeout, recycling link", "participant", link.participantID)
	m.teardownLink(link, LinkFailed, true)
}

// checkInboundMedia fires the renew-track request when a connected link has
// stayed silent past the grace period. At most one request per link.
func (m *Manager) checkInboundMedia(link *PeerLink) {
	if link.State() != LinkConnected {
		return
	}
	if link.sinceInbound() <= m.cfg.RenewGrace {
		// Media is flowing; keep watching.
		link.schedule(timerKeyRenewWatch, m.cfg.RenewGrace, func() {
			m.checkInboundMedia(link)
		})
		return
	}
	if !link.markRenewSent() {
		return
	}

	m.log.Warn("no inbound media, requesting track renewal", "participant", link.participantID)
	err := m.deliver(signal.Message{
		Type:         signal.TypeRenewTrack,
		RoomID:       m.cfg.RoomID,
		FromUserID:   m.cfg.UserID,
		TargetUserID: link.participantID,
	})
	if err != nil {
		m.log.Error("renew request undeliverable", "participant", link.participantID, "error", err)
	}
}

// teardownLink isolates one participant's failure: only that link dies, and
// at most one recreation is scheduled for it.
func (m *Manager) teardownLink(link *PeerLink, final LinkState, recreate bool) {
	m.mu.Lock()
	if m.links[link.participantID] == link {
		delete(m.links, link.participantID)
	}
	closed := m.closed
	m.mu.Unlock()

	// Only the call that actually tore the link down may schedule the
	// recreation; late state callbacks for an already-dead link are no-ops.
	if !link.teardown(final) {
		return
	}
	if !recreate || closed {
		return
	}
	m.mu.Lock()
	if m.closed || m.recreations[link.participantID] != nil {
		m.mu.Unlock()
		return
	}
	id := link.participantID
	m.recreations[id] = time.AfterFunc(m.cfg.RecreateDelay, func() {
		m.recreate(id)
	})
	m.mu.Unlock()
}

func (m *Manager) recreate(participantID string) {
	m.mu.Lock()
	delete(m.recreations, participantID)
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return
	}

	m.log.Info("recreating link", "participant", participantID)
	if _, err := m.CreateLink(participantID); err != nil {
		m.log.Error("link recreation failed", "participant", participantID, "error", err)
		return
	}
	// The sending side re-initiates; a host waits for the fresh offer.
	if m.cfg.Role == RoleParticipant {
		if err := m.InitiateOffer(participantID); err != nil {
			m.log.Error("re-offer failed", "participant", participantID, "error", err)
		}
	}
}

func (m *Manager) sendCandidate(participantID string, init webrtc.ICECandidateInit) {
	wire := signal.CandidateFromPion(init)
	err := m.deliver(signal.Message{
		Type:         signal.TypeICECandidate,
		RoomID:       m.cfg.RoomID,
		FromUserID:   m.cfg.UserID,
		TargetUserID: participantID,
		Candidate:    &wire,
	})
	if err != nil {
		m.log.Warn("candidate undeliverable", "participant", participantID, "error", err)
	}
}

func (m *Manager) drainTrack(link *PeerLink, tr *webrtc.TrackRemote) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := tr.Read(buf); err != nil {
			return
		}
		link.markInbound()
	}
}

func (m *Manager) deliver(msg signal.Message) error {
	msg.Stamp(time.Now())
	ctx, cancel := context.WithTimeout(context.Background(), deliverTimeout)
	defer cancel()
	return m.out.Deliver(ctx, msg)
}
