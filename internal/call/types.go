package call

import (
	"context"
	"time"

	"github.com/petervdpas/goopcall/internal/signaling"
)

// Phase is the lifecycle phase of a controller's call.
type Phase string

const (
	PhaseIdle     Phase = "idle"
	PhaseOutgoing Phase = "outgoing"
	PhaseIncoming Phase = "incoming"
	PhaseActive   Phase = "active"
)

type CallType = signaling.CallType

const (
	Audio = signaling.CallAudio
	Video = signaling.CallVideo
)

// Signaler is the only surface the call package needs from a transport.
// signaling.Hub, signaling.PubSub and signaling.RelayClient satisfy it.
type Signaler interface {
	Subscribe(conversationID string) (ch <-chan *signaling.Message, cancel func(), err error)
	Publish(ctx context.Context, conversationID string, msg *signaling.Message) error
}

// DescriptionType names the side of an offer/answer exchange.
type DescriptionType string

const (
	DescOffer  DescriptionType = "offer"
	DescAnswer DescriptionType = "answer"
)

// Peer is one negotiation session. Implementations must queue candidates
// added before the remote description is set and apply them once it is.
type Peer interface {
	CreateOffer(ctx context.Context) (string, error)
	CreateAnswer(ctx context.Context) (string, error)
	SetLocalDescription(ctx context.Context, typ DescriptionType, sdp string) error
	SetRemoteDescription(ctx context.Context, typ DescriptionType, sdp string) error
	AddICECandidate(c signaling.Candidate) error
	Close() error
}

// PeerConfig is handed to a PeerFactory for every call attempt.
type PeerConfig struct {
	ConversationID string
	Generation     uint64
	Tracks         []*Track

	// Emit delivers adapter events. It never blocks and may be called from
	// any goroutine, including during Close.
	Emit func(PeerEvent)
}

type PeerFactory interface {
	NewPeer(cfg PeerConfig) (Peer, error)
}

type PeerEventKind int

const (
	EventLocalCandidate PeerEventKind = iota + 1
	EventRemoteTrack
	EventConnectionState
)

// ConnectionState mirrors the W3C RTCPeerConnectionState values.
type ConnectionState string

const (
	StateNew          ConnectionState = "new"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateDisconnected ConnectionState = "disconnected"
	StateFailed       ConnectionState = "failed"
	StateClosed       ConnectionState = "closed"
)

// Terminal reports whether the state ends the call.
func (s ConnectionState) Terminal() bool {
	return s == StateFailed || s == StateDisconnected || s == StateClosed
}

// PeerEvent is posted by an adapter. Generation identifies the attempt that
// created the adapter; events from retired generations are discarded.
type PeerEvent struct {
	Generation uint64
	Kind       PeerEventKind
	Candidate  signaling.Candidate
	Track      RemoteTrack
	State      ConnectionState
}

// Record is the single call-log entry written per attempt by the caller.
type Record struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	CallerID       string    `json:"caller_id"`
	CalleeID       string    `json:"callee_id"`
	CallType       CallType  `json:"call_type"`
	Status         string    `json:"status"`
	StartedAt      time.Time `json:"started_at"`
	EndedAt        time.Time `json:"ended_at"`
}

// Call-log statuses.
const (
	StatusAnswered  = "answered"
	StatusCancelled = "cancelled"
	StatusDeclined  = "declined"
	StatusMissed    = "missed"
	StatusFailed    = "failed"
)

// CallLog receives call records. Failures are logged and otherwise ignored.
type CallLog interface {
	Record(ctx context.Context, r Record) error
}

type CallLogFunc func(ctx context.Context, r Record) error

func (f CallLogFunc) Record(ctx context.Context, r Record) error { return f(ctx, r) }

// Directory resolves a conversation to the other participant.
type Directory interface {
	RemoteParticipant(conversationID string) (string, error)
}

type DirectoryFunc func(conversationID string) (string, error)

func (f DirectoryFunc) RemoteParticipant(conversationID string) (string, error) {
	return f(conversationID)
}

// EndInfo describes how the last call attempt terminated.
type EndInfo struct {
	Generation uint64    `json:"generation"`
	Reason     Reason    `json:"reason"`
	Error      string    `json:"error,omitempty"`
	Remote     string    `json:"remote_participant_id"`
	CallType   CallType  `json:"call_type"`
	Connected  bool      `json:"was_connected"`
	At         time.Time `json:"at"`

	Err error `json:"-"`
}

// TrackInfo is the presentation view of a local track.
type TrackInfo struct {
	ID      string    `json:"id"`
	Kind    TrackKind `json:"kind"`
	Enabled bool      `json:"enabled"`
}

// Snapshot is what the presentation layer reads.
type Snapshot struct {
	ConversationID      string        `json:"conversation_id"`
	Phase               Phase         `json:"phase"`
	CallType            CallType      `json:"call_type,omitempty"`
	RemoteParticipantID string        `json:"remote_participant_id,omitempty"`
	Connected           bool          `json:"connected"`
	LocalTracks         []TrackInfo   `json:"local_tracks"`
	RemoteTracks        []RemoteTrack `json:"remote_tracks"`
	IsMuted             bool          `json:"is_muted"`
	IsVideoEnabled      bool          `json:"is_video_enabled"`
	Generation          uint64        `json:"generation"`
	LastEnd             *EndInfo      `json:"last_end,omitempty"`
}
