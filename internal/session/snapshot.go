package session

import (
	"time"

	"github.com/petervdpas/peershare/internal/media"
)

// Snapshot is an immutable view of the session, published after every
// event that changed it.
type Snapshot struct {
	Seq      uint64
	LocalID  string
	RemoteID string
	Role     Role
	Status   Status
	// Err is the reason for the last error or disconnect, if any.
	Err error
	// CaptureErr is the last refused capture since the last media command.
	// It never changes Status.
	CaptureErr error

	LocalStream  *media.Stream
	RemoteStream media.RemoteStream

	MicOn    bool
	CameraOn bool
	ScreenOn bool

	DataOpen   bool
	CallActive bool
	Closed     bool
}

// Ready reports whether the session can be shared or is in use.
func (s Snapshot) Ready() bool {
	return s.Status == StatusReady || s.Status == StatusConnected
}

// Transition is one entry of the status history.
type Transition struct {
	From   Status    `json:"from"`
	To     Status    `json:"to"`
	Reason string    `json:"reason,omitempty"`
	At     time.Time `json:"at"`
}
