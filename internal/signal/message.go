package signal

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
)

// MessageType discriminates the signaling wire union.
type MessageType string

const (
	// Client-originated.
	TypeJoin          MessageType = "join"
	TypeOffer         MessageType = "offer"
	TypeAnswer        MessageType = "answer"
	TypeICECandidate  MessageType = "ice-candidate"
	TypeStreamStarted MessageType = "stream-started"
	TypeRenewTrack    MessageType = "renew-track"
	TypeHeartbeat     MessageType = "heartbeat"

	// Server-emitted.
	TypeICEServers       MessageType = "ice-servers"
	TypeRoomParticipants MessageType = "room-participants"
	TypeUserConnected    MessageType = "user-connected"
	TypeUserDisconnected MessageType = "user-disconnected"
	TypeError            MessageType = "error"
)

// SDP is the wire form of a session description.
type SDP struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

func SDPFromPion(desc webrtc.SessionDescription) SDP {
	return SDP{
		Type: desc.Type.String(),
		SDP:  desc.SDP,
	}
}

func (s SDP) ToPion() (webrtc.SessionDescription, error) {
	var t webrtc.SDPType
	switch s.Type {
	case "offer":
		t = webrtc.SDPTypeOffer
	case "answer":
		t = webrtc.SDPTypeAnswer
	default:
		return webrtc.SessionDescription{}, fmt.Errorf("unsupported sdp type %q", s.Type)
	}
	return webrtc.SessionDescription{Type: t, SDP: s.SDP}, nil
}

// Candidate is the wire form of a trickled ICE candidate.
type Candidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

func CandidateFromPion(init webrtc.ICECandidateInit) Candidate {
	return Candidate{
		Candidate:        init.Candidate,
		SDPMid:           init.SDPMid,
		SDPMLineIndex:    init.SDPMLineIndex,
		UsernameFragment: init.UsernameFragment,
	}
}

func (c Candidate) ToPion() webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}

// ICEServer is the wire form of a STUN/TURN entry delivered to clients.
type ICEServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

func ICEServersFromPion(servers []webrtc.ICEServer) []ICEServer {
	out := make([]ICEServer, 0, len(servers))
	for _, s := range servers {
		wire := ICEServer{
			URLs:     append([]string(nil), s.URLs...),
			Username: s.Username,
		}
		if cred, ok := s.Credential.(string); ok {
			wire.Credential = cred
		}
		out = append(out, wire)
	}
	return out
}

// Message is the single tagged-union signaling envelope. Messages are
// immutable once constructed: the router relays them verbatim and never
// persists them.
//
// Targeting is always by stable user id. Connection ids never appear on the
// wire; they are internal lookup keys of the registry.
type Message struct {
	ID   string      `json:"id,omitempty"`
	Type MessageType `json:"type"`
	// Timestamp is unix milliseconds at send time. Used by the fallback layer
	// for expiry and dedup, never for ordering.
	Timestamp int64 `json:"ts,omitempty"`

	RoomID        string `json:"roomId,omitempty"`
	UserID        string `json:"userId,omitempty"`
	FromUserID    string `json:"fromUserId,omitempty"`
	TargetUserID  string `json:"targetUserId,omitempty"`
	ParticipantID string `json:"participantId,omitempty"`

	Offer     *SDP       `json:"offer,omitempty"`
	Answer    *SDP       `json:"answer,omitempty"`
	Candidate *Candidate `json:"candidate,omitempty"`

	StreamInfo json.RawMessage `json:"streamInfo,omitempty"`

	ICEServers   []ICEServer `json:"iceServers,omitempty"`
	Participants []string    `json:"participants,omitempty"`

	Message string `json:"message,omitempty"`
}

// Targeted reports whether the message is addressed to a single participant.
// Untargeted relayable messages are broadcast to the rest of the room.
func (m Message) Targeted() bool { return m.TargetUserID != "" }

// Relayable reports whether the router may relay this message to room peers.
func (m Message) Relayable() bool {
	switch m.Type {
	case TypeOffer, TypeAnswer, TypeICECandidate, TypeStreamStarted, TypeRenewTrack:
		return true
	default:
		return false
	}
}

// Stamp fills in the envelope id and timestamp if the caller has not.
func (m *Message) Stamp(now time.Time) {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.Timestamp == 0 {
		m.Timestamp = now.UnixMilli()
	}
}

// Parse decodes one client-originated signaling message.
//
// Decoding is strict: unknown fields and trailing data are rejected so that
// schema drift between client and server surfaces immediately instead of as
// silently dropped fields.
func Parse(data []byte) (Message, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var msg Message
	if err := dec.Decode(&msg); err != nil {
		return Message{}, err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return Message{}, fmt.Errorf("unexpected trailing data")
	}
	if err := msg.Validate(); err != nil {
		return Message{}, err
	}
	return msg, nil
}

// Decode parses a server-emitted event on the client side. Unlike Parse it
// tolerates unknown fields and skips per-type validation, so a client keeps
// working against a newer server that grows the schema.
func Decode(data []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return Message{}, err
	}
	if msg.Type == "" {
		return Message{}, fmt.Errorf("missing message type")
	}
	return msg, nil
}

// ValidationError marks a structurally well-formed JSON message that violates
// the per-type field rules. The server answers these with an error event
// instead of dropping the connection.
type ValidationError struct {
	Type   MessageType
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %q message: %s", e.Type, e.Reason)
}

func invalid(t MessageType, reason string) error {
	return &ValidationError{Type: t, Reason: reason}
}

// Validate enforces the per-type field rules of the wire schema.
//
// A join with missing roomId/userId is deliberately reported as a
// ValidationError rather than a decode failure: the server must answer it
// with an explicit error event without mutating registry state.
func (m Message) Validate() error {
	switch m.Type {
	case TypeJoin:
		if m.RoomID == "" {
			return invalid(m.Type, "missing roomId")
		}
		if m.UserID == "" {
			return invalid(m.Type, "missing userId")
		}
	case TypeOffer:
		if m.RoomID == "" || m.FromUserID == "" {
			return invalid(m.Type, "missing roomId/fromUserId")
		}
		if m.Offer == nil {
			return invalid(m.Type, "missing offer")
		}
		if m.Offer.Type != "offer" {
			return invalid(m.Type, fmt.Sprintf("offer.type=%q", m.Offer.Type))
		}
	case TypeAnswer:
		if m.RoomID == "" || m.FromUserID == "" {
			return invalid(m.Type, "missing roomId/fromUserId")
		}
		if m.Answer == nil {
			return invalid(m.Type, "missing answer")
		}
		if m.Answer.Type != "answer" {
			return invalid(m.Type, fmt.Sprintf("answer.type=%q", m.Answer.Type))
		}
	case TypeICECandidate:
		if m.RoomID == "" || m.FromUserID == "" {
			return invalid(m.Type, "missing roomId/fromUserId")
		}
		if m.Candidate == nil {
			return invalid(m.Type, "missing candidate")
		}
	case TypeStreamStarted:
		if m.RoomID == "" {
			return invalid(m.Type, "missing roomId")
		}
		if m.ParticipantID == "" {
			return invalid(m.Type, "missing participantId")
		}
	case TypeRenewTrack:
		if m.RoomID == "" || m.FromUserID == "" {
			return invalid(m.Type, "missing roomId/fromUserId")
		}
		if m.TargetUserID == "" {
			return invalid(m.Type, "missing targetUserId")
		}
	case TypeHeartbeat:
		if m.UserID == "" {
			return invalid(m.Type, "missing userId")
		}
	default:
		return fmt.Errorf("unsupported message type %q", m.Type)
	}
	return nil
}

// Encode marshals a message for the wire.
func Encode(m Message) ([]byte, error) {
	return json.Marshal(m)
}

// Error builds a server error event.
func Error(message string) Message {
	return Message{Type: TypeError, Message: message}
}
