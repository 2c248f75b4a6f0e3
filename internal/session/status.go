package session

import "fmt"

// Status is the observable connection state of a session.
type Status int

const (
	StatusIdle Status = iota
	StatusInitializing
	StatusReady
	StatusConnecting
	StatusConnected
	StatusDisconnected
	StatusError
)

var statusNames = [...]string{
	StatusIdle:         "idle",
	StatusInitializing: "initializing",
	StatusReady:        "ready",
	StatusConnecting:   "connecting",
	StatusConnected:    "connected",
	StatusDisconnected: "disconnected",
	StatusError:        "error",
}

var statusLabels = [...]string{
	StatusIdle:         "Idle",
	StatusInitializing: "Initializing...",
	StatusReady:        "Ready to Connect",
	StatusConnecting:   "Connecting...",
	StatusConnected:    "Connected",
	StatusDisconnected: "Disconnected",
	StatusError:        "Error",
}

func (s Status) String() string {
	if s < 0 || int(s) >= len(statusNames) {
		return fmt.Sprintf("status(%d)", int(s))
	}
	return statusNames[s]
}

// Label is the human readable form shown to users.
func (s Status) Label() string {
	if s < 0 || int(s) >= len(statusLabels) {
		return s.String()
	}
	return statusLabels[s]
}

func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Status) UnmarshalText(b []byte) error {
	for i, name := range statusNames {
		if name == string(b) {
			*s = Status(i)
			return nil
		}
	}
	return fmt.Errorf("unknown status %q", b)
}

// Role is fixed at creation: a joiner was given the remote identity.
type Role int

const (
	RoleHost Role = iota
	RoleJoiner
)

func (r Role) String() string {
	if r == RoleJoiner {
		return "joiner"
	}
	return "host"
}

func (r Role) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

func (r *Role) UnmarshalText(b []byte) error {
	switch string(b) {
	case "host":
		*r = RoleHost
	case "joiner":
		*r = RoleJoiner
	default:
		return fmt.Errorf("unknown role %q", b)
	}
	return nil
}

var transitions = map[Status][]Status{
	StatusIdle:         {StatusInitializing},
	StatusInitializing: {StatusReady},
	StatusReady:        {StatusConnecting, StatusConnected},
	StatusConnecting:   {StatusConnected, StatusDisconnected},
	StatusConnected:    {StatusDisconnected},
	StatusDisconnected: {StatusConnecting},
}

// CanTransition reports whether from -> to is allowed for role. Error is
// reachable from every state but itself and is terminal. A fresh connect
// out of disconnected is reserved to joiners.
func CanTransition(from, to Status, role Role) bool {
	if from == StatusError {
		return false
	}
	if to == StatusError {
		return true
	}
	if from == StatusDisconnected && to == StatusConnecting && role != RoleJoiner {
		return false
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// StateError rejects a command that is not valid in the current state.
type StateError struct {
	Op     string
	Status Status
}

func (e *StateError) Error() string {
	return fmt.Sprintf("%s not allowed while %s", e.Op, e.Status)
}
