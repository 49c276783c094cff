package client

import "pomodoro-nostr/internal/relay"

// ConnectionState summarizes every relay status into one value
type ConnectionState int

const (
	Disconnected ConnectionState = iota
	Connecting
	Connected
	Error
)

func (s ConnectionState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Error:
		return "error"
	}
	return "unknown"
}

// Aggregate is Connected if any relay is connected, else Connecting if any
// is connecting, else Error if every relay failed, else Disconnected. An
// empty set is Disconnected.
func Aggregate(statuses map[string]relay.Status) ConnectionState {
	if len(statuses) == 0 {
		return Disconnected
	}
	anyConnecting := false
	allError := true
	for _, s := range statuses {
		switch s.State {
		case relay.StateConnected:
			return Connected
		case relay.StateConnecting:
			anyConnecting = true
		}
		if s.State != relay.StateError {
			allError = false
		}
	}
	switch {
	case anyConnecting:
		return Connecting
	case allError:
		return Error
	}
	return Disconnected
}
