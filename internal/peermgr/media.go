package peermgr

import (
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
)

// MediaSource owns the local outbound tracks. Links share it read-only; only
// the manager replaces tracks, and a replacement keeps the same track id so
// the remote side sees a seamless stream.
type MediaSource struct {
	mu     sync.Mutex
	tracks map[webrtc.RTPCodecType]*webrtc.TrackLocalStaticSample
}

// NewMediaSource creates local tracks for the requested kinds. Both false is
// valid and yields an empty source; links then degrade to receive-only.
func NewMediaSource(video, audio bool) (*MediaSource, error) {
	m := &MediaSource{tracks: make(map[webrtc.RTPCodecType]*webrtc.TrackLocalStaticSample)}
	if video {
		t, err := webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8},
			"video", "hutz-local",
		)
		if err != nil {
			return nil, fmt.Errorf("create video track: %w", err)
		}
		m.tracks[webrtc.RTPCodecTypeVideo] = t
	}
	if audio {
		t, err := webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus},
			"audio", "hutz-local",
		)
		if err != nil {
			return nil, fmt.Errorf("create audio track: %w", err)
		}
		m.tracks[webrtc.RTPCodecTypeAudio] = t
	}
	return m, nil
}

// Empty reports whether the source carries no tracks at all.
func (m *MediaSource) Empty() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tracks) == 0
}

// Tracks returns the current local tracks in a stable order.
func (m *MediaSource) Tracks() []webrtc.TrackLocal {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]webrtc.TrackLocal, 0, len(m.tracks))
	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeVideo, webrtc.RTPCodecTypeAudio} {
		if t, ok := m.tracks[kind]; ok {
			out = append(out, t)
		}
	}
	return out
}

// Track returns the local track of the given kind, or nil.
func (m *MediaSource) Track(kind webrtc.RTPCodecType) *webrtc.TrackLocalStaticSample {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tracks[kind]
}

// Refresh mints a replacement track of the given kind with the same identity
// and makes it the new current track. Used to serve renew-track requests via
// sender.ReplaceTrack without renegotiation.
func (m *MediaSource) Refresh(kind webrtc.RTPCodecType) (*webrtc.TrackLocalStaticSample, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	old, ok := m.tracks[kind]
	if !ok {
		return nil, fmt.Errorf("no local %s track", kind)
	}
	fresh, err := webrtc.NewTrackLocalStaticSample(old.Codec(), old.ID(), old.StreamID())
	if err != nil {
		return nil, fmt.Errorf("mint replacement %s track: %w", kind, err)
	}
	m.tracks[kind] = fresh
	return fresh, nil
}

// WriteSample pushes one media sample into the current track of the kind.
// Writes against a just-replaced track are dropped by pion, which is the
// behavior we want during a renewal.
func (m *MediaSource) WriteSample(kind webrtc.RTPCodecType, s media.Sample) error {
	t := m.Track(kind)
	if t == nil {
		return fmt.Errorf("no local %s track", kind)
	}
	return t.WriteSample(s)
}
