// Package signaling abstracts the rendezvous broker: identity assignment,
// outbound connect/call and inbound connection/call events.
package signaling

import (
	"context"
	"errors"
	"fmt"

	"github.com/petervdpas/peershare/internal/media"
)

// Client is the session's view of the rendezvous broker.
type Client interface {
	// AssignIdentity obtains this process's globally addressable session id.
	AssignIdentity(ctx context.Context) (string, error)
	// Connect starts a data connection to remote. The handle is returned
	// before it opens; watch OnOpen/OnClose for the outcome.
	Connect(ctx context.Context, remote string) (DataConnection, error)
	// PlaceCall offers stream to remote. A nil stream places a receive-only call.
	PlaceCall(ctx context.Context, remote string, stream *media.Stream) (Call, error)

	OnIncomingCall(fn func(Call))
	OnIncomingConnection(fn func(DataConnection))
	// OnDisconnected fires when the broker link is lost. Established peer
	// connections keep running.
	OnDisconnected(fn func(error))
	OnError(fn func(error))

	// Destroy closes every connection and releases the identity.
	Destroy() error
}

// DataConnection is the control channel between the two peers. Handlers
// registered after the event already happened run immediately.
type DataConnection interface {
	Peer() string
	OnOpen(fn func())
	OnClose(fn func(error))
	Close() error
}

// Call is a media connection. Its senders can swap tracks in place.
type Call interface {
	media.OutboundCall
	ID() string
	Peer() string
	// Answer accepts an inbound call with stream, which may be nil.
	Answer(stream *media.Stream) error
	OnStream(fn func(media.RemoteStream))
	OnClose(fn func(error))
	Close() error
}

var (
	ErrPeerUnavailable = errors.New("peer unavailable")
	ErrNoIdentity      = errors.New("no identity assigned")
	ErrConnectTimeout  = errors.New("connect timed out")
	ErrICEFailed       = errors.New("ice connection failed")
	ErrDestroyed       = errors.New("signaling client destroyed")
	ErrNotConnected    = errors.New("broker link down")
	ErrAlreadyAnswered = errors.New("call already answered")
	ErrClosed          = errors.New("connection closed")
)

// IdentityAssignmentError is fatal for the session.
type IdentityAssignmentError struct {
	Err error
}

func (e *IdentityAssignmentError) Error() string {
	return fmt.Sprintf("identity assignment: %v", e.Err)
}

func (e *IdentityAssignmentError) Unwrap() error { return e.Err }

// ConnectionError reports an outbound connect that failed or timed out.
type ConnectionError struct {
	Peer string
	Err  error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connect %s: %v", e.Peer, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// CallTerminatedError is the close reason when the remote side hung up.
type CallTerminatedError struct {
	Peer string
}

func (e *CallTerminatedError) Error() string {
	return fmt.Sprintf("terminated by %s", e.Peer)
}

// SignalingError is a broker-level protocol error not tied to a connection.
type SignalingError struct {
	Code    string
	Message string
}

func (e *SignalingError) Error() string {
	if e.Message == "" {
		return "signaling: " + e.Code
	}
	return fmt.Sprintf("signaling: %s: %s", e.Code, e.Message)
}

// IsRemoteHangup reports whether err is a remote hang-up rather than a failure.
func IsRemoteHangup(err error) bool {
	var te *CallTerminatedError
	return errors.As(err, &te)
}
