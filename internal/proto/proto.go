package proto

import (
	"time"

	"github.com/pion/webrtc/v4"
)

const (
	// Websocket path of the rendezvous broker.
	BrokerPath = "/ws"

	// Label of the single data channel opened per data connection.
	DataChannelLabel = "peershare"
)

// Message types exchanged with the broker.
const (
	TypeIdentity  = "identity"
	TypeOffer     = "offer"
	TypeAnswer    = "answer"
	TypeCandidate = "candidate"
	TypeHangup    = "hangup"
	TypeError     = "error"
)

// Connection kinds multiplexed over one broker link.
const (
	KindData  = "data"
	KindMedia = "media"
)

// Error codes carried in TypeError messages.
const (
	ErrPeerUnavailable = "peer-unavailable"
	ErrRateLimited     = "rate-limited"
	ErrBadMessage      = "bad-message"
)

// Message is the JSON envelope relayed by the broker. From is stamped by the
// broker and never trusted from the client.
type Message struct {
	Type      string                     `json:"type"`
	ID        string                     `json:"id,omitempty"` // assigned identity (identity only)
	From      string                     `json:"from,omitempty"`
	To        string                     `json:"to,omitempty"`
	ConnID    string                     `json:"conn_id,omitempty"`
	Kind      string                     `json:"kind,omitempty"` // data|media
	SDP       *webrtc.SessionDescription `json:"sdp,omitempty"`
	Candidate *webrtc.ICECandidateInit   `json:"candidate,omitempty"`
	Code      string                     `json:"code,omitempty"`
	Error     string                     `json:"error,omitempty"`
	TS        int64                      `json:"ts,omitempty"`
}

// Routed reports whether the message is addressed to another peer.
func (m *Message) Routed() bool {
	switch m.Type {
	case TypeOffer, TypeAnswer, TypeCandidate, TypeHangup:
		return true
	}
	return false
}

func NowMillis() int64 { return time.Now().UnixMilli() }
