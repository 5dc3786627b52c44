package peermgr

import (
	"log/slog"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
)

// LinkState is the lifecycle of one peer link. Links never skip
// LinkNegotiating on the way to LinkConnected.
type LinkState int

const (
	LinkNew LinkState = iota
	LinkNegotiating
	LinkConnected
	LinkFailed
	LinkClosed
)

func (s LinkState) String() string {
	switch s {
	case LinkNew:
		return "new"
	case LinkNegotiating:
		return "negotiating"
	case LinkConnected:
		return "connected"
	case LinkFailed:
		return "failed"
	case LinkClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// live reports whether the state allows reuse of the link.
func (s LinkState) live() bool {
	return s == LinkNew || s == LinkNegotiating || s == LinkConnected
}

// PeerLink wraps one PeerConnection to a single remote participant. All
// timers it owns are keyed so teardown can cancel every pending callback;
// a stale timer firing after teardown is a no-op.
type PeerLink struct {
	participantID string
	log           *slog.Logger
	pc            *webrtc.PeerConnection

	// applyCandidate defaults to pc.AddICECandidate. Test hook.
	applyCandidate func(webrtc.ICECandidateInit) error

	mu          sync.Mutex
	state       LinkState
	remoteSet   bool
	pending     []webrtc.ICECandidateInit
	renewSent   bool
	lastInbound time.Time
	timers      map[string]*time.Timer
	down        bool
}

func newPeerLink(log *slog.Logger, participantID string, pc *webrtc.PeerConnection) *PeerLink {
	l := &PeerLink{
		participantID: participantID,
		log:           log.With("participant", participantID),
		pc:            pc,
		timers:        make(map[string]*time.Timer),
	}
	l.applyCandidate = func(init webrtc.ICECandidateInit) error {
		return pc.AddICECandidate(init)
	}
	return l
}

func (l *PeerLink) ParticipantID() string { return l.participantID }

func (l *PeerLink) State() LinkState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *PeerLink) setState(s LinkState) {
	l.mu.Lock()
	old := l.state
	l.state = s
	l.mu.Unlock()
	if old != s {
		l.log.Debug("link state", "from", old.String(), "to", s.String())
	}
}

// addCandidate applies the candidate immediately when the remote description
// is in place, otherwise queues it. Queued candidates keep receipt order.
func (l *PeerLink) addCandidate(init webrtc.ICECandidateInit) error {
	l.mu.Lock()
	if !l.remoteSet {
		l.pending = append(l.pending, init)
		l.mu.Unlock()
		return nil
	}
	l.mu.Unlock()
	return l.applyCandidate(init)
}

// setRemoteDescription installs the remote description and then flushes the
// queued candidates in the order they arrived. The flush happens only after
// SetRemoteDescription succeeds; on failure the queue is preserved.
func (l *PeerLink) setRemoteDescription(desc webrtc.SessionDescription) error {
	if err := l.pc.SetRemoteDescription(desc); err != nil {
		return err
	}

	l.mu.Lock()
	l.remoteSet = true
	queued := l.pending
	l.pending = nil
	l.mu.Unlock()

	for _, init := range queued {
		if err := l.applyCandidate(init); err != nil {
			l.log.Warn("dropping queued candidate", "error", err)
		}
	}
	return nil
}

func (l *PeerLink) markInbound() {
	l.mu.Lock()
	l.lastInbound = time.Now()
	l.mu.Unlock()
}

// sinceInbound returns the time since the last inbound media packet; a link
// that never saw media reports a very large duration.
func (l *PeerLink) sinceInbound() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.lastInbound.IsZero() {
		return time.Duration(1<<62 - 1)
	}
	return time.Since(l.lastInbound)
}

// markRenewSent flips the renew flag; returns false if a renew request was
// already sent for this link.
func (l *PeerLink) markRenewSent() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.renewSent {
		return false
	}
	l.renewSent = true
	return true
}

// schedule arms a timer under the given key, replacing any previous timer
// with that key. The callback is skipped if the link was torn down first.
func (l *PeerLink) schedule(key string, d time.Duration, fn func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.down {
		return
	}
	if t, ok := l.timers[key]; ok {
		t.Stop()
	}
	l.timers[key] = time.AfterFunc(d, func() {
		l.mu.Lock()
		dead := l.down
		delete(l.timers, key)
		l.mu.Unlock()
		if dead {
			return
		}
		fn()
	})
}

// cancel stops the timer under the key, if armed.
func (l *PeerLink) cancel(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if t, ok := l.timers[key]; ok {
		t.Stop()
		delete(l.timers, key)
	}
}

// teardown cancels every pending timer, closes the PeerConnection, and
// parks the link in the given terminal state. Idempotent; reports whether
// this call performed the teardown.
func (l *PeerLink) teardown(final LinkState) bool {
	l.mu.Lock()
	if l.down {
		l.mu.Unlock()
		return false
	}
	l.down = true
	l.state = final
	for key, t := range l.timers {
		t.Stop()
		delete(l.timers, key)
	}
	l.mu.Unlock()

	if err := l.pc.Close(); err != nil {
		l.log.Debug("peer connection close", "error", err)
	}
	l.log.Info("link torn down", "state", final.String())
	return true
}
