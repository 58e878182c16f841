// Package signaling carries call negotiation messages between the two
// participants of a conversation. A transport broadcasts on a
// conversation-scoped channel; receivers filter by the "to" field themselves.
package signaling

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/goopcall/internal/proto"
)

// Kind is the value of the "type" field of every call message.
type Kind string

const (
	KindOffer     Kind = "call-offer"
	KindAnswer    Kind = "call-answer"
	KindCandidate Kind = "ice-candidate"
	KindEnd       Kind = "call-end"
)

type CallType string

const (
	CallAudio CallType = "audio"
	CallVideo CallType = "video"
)

func (t CallType) Valid() bool { return t == CallAudio || t == CallVideo }

// Candidate is the RTCIceCandidateInit shape.
type Candidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

func (c Candidate) ToPion() webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}

func CandidateFromPion(c webrtc.ICECandidateInit) Candidate {
	return Candidate{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}

// Message is one signaling message. CallID is chosen by the caller when it
// creates the offer and echoed on every later message of that call, so late
// traffic from an earlier call on the same conversation can be told apart.
type Message struct {
	Kind      Kind       `json:"type"`
	ID        string     `json:"id,omitempty"`
	CallID    string     `json:"callId,omitempty"`
	SDP       string     `json:"sdp,omitempty"`
	CallType  CallType   `json:"callType,omitempty"`
	Candidate *Candidate `json:"candidate,omitempty"`
	To        string     `json:"to"`
	From      string     `json:"from"`
}

func NewOffer(callID, from, to string, callType CallType, sdp string) *Message {
	return &Message{Kind: KindOffer, CallID: callID, SDP: sdp, CallType: callType, To: to, From: from}
}

func NewAnswer(callID, from, to, sdp string) *Message {
	return &Message{Kind: KindAnswer, CallID: callID, SDP: sdp, To: to, From: from}
}

func NewCandidate(callID, from, to string, c Candidate) *Message {
	return &Message{Kind: KindCandidate, CallID: callID, Candidate: &c, To: to, From: from}
}

func NewEnd(callID, from, to string) *Message {
	return &Message{Kind: KindEnd, CallID: callID, To: to, From: from}
}

// Validate checks the fields required by the message kind.
func (m *Message) Validate() error {
	if m.To == "" || m.From == "" {
		return errors.New("to and from are required")
	}
	if m.To == m.From {
		return errors.New("to and from must differ")
	}
	switch m.Kind {
	case KindOffer:
		if m.SDP == "" {
			return errors.New("offer: sdp is required")
		}
		if !m.CallType.Valid() {
			return fmt.Errorf("offer: invalid callType %q", m.CallType)
		}
	case KindAnswer:
		if m.SDP == "" {
			return errors.New("answer: sdp is required")
		}
	case KindCandidate:
		if m.Candidate == nil {
			return errors.New("ice-candidate: candidate is required")
		}
	case KindEnd:
	default:
		return fmt.Errorf("unknown message type %q", m.Kind)
	}
	return nil
}

// Decode parses one message strictly: unknown fields and trailing data are
// rejected and the result is validated.
func Decode(data []byte) (*Message, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var m Message
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return nil, errors.New("decode message: trailing data")
	}
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("invalid message: %w", err)
	}
	return &m, nil
}

func Encode(m *Message) ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("invalid message: %w", err)
	}
	return json.Marshal(m)
}

// Stamp returns a copy of m carrying a fresh message ID if it has none.
func Stamp(m *Message) *Message {
	cp := *m
	if cp.ID == "" {
		cp.ID = uuid.NewString()
	}
	return &cp
}

// Topic is the channel name for a conversation.
func Topic(conversationID string) string {
	return proto.CallTopicPrefix + conversationID
}
