package relay

// State is the lifecycle phase of a relay connection
type State int

const (
	StateConnecting State = iota
	StateConnected
	StateDisconnected
	StateError
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateError:
		return "error"
	}
	return "unknown"
}

// Status is a relay connection status. Reason is only set for StateError.
type Status struct {
	State  State
	Reason string
}

func Connecting() Status   { return Status{State: StateConnecting} }
func Connected() Status    { return Status{State: StateConnected} }
func Disconnected() Status { return Status{State: StateDisconnected} }
func Failed(reason string) Status {
	return Status{State: StateError, Reason: reason}
}

// Terminal reports whether the connection can no longer change state
func (s Status) Terminal() bool {
	return s.State == StateDisconnected || s.State == StateError
}

func (s Status) String() string {
	if s.State == StateError && s.Reason != "" {
		return "error: " + s.Reason
	}
	return s.State.String()
}
