package nostr

import (
	"encoding/json"
	"errors"
	"fmt"

	"pomodoro-nostr/internal/types"
)

var ErrUnknownEnvelope = errors.New("unknown message type")

// Envelope is one relay protocol frame. The concrete types below are the
// only implementations.
type Envelope interface {
	Label() string
}

// EventEnvelope carries an event. SubscriptionID is empty for client publishes.
type EventEnvelope struct {
	SubscriptionID string
	Event          types.Event
}

// ReqEnvelope opens a subscription
type ReqEnvelope struct {
	SubscriptionID string
	Filters        []types.Filter
}

// CloseEnvelope ends a subscription
type CloseEnvelope struct {
	SubscriptionID string
}

// EOSEEnvelope marks the end of stored events for a subscription
type EOSEEnvelope struct {
	SubscriptionID string
}

// OKEnvelope acknowledges (or rejects) a published event
type OKEnvelope struct {
	EventID  string
	Accepted bool
	Message  string
}

// NoticeEnvelope is a human-readable relay message
type NoticeEnvelope struct {
	Message string
}

// ClosedEnvelope is a relay-side subscription termination
type ClosedEnvelope struct {
	SubscriptionID string
	Message        string
}

func (EventEnvelope) Label() string  { return "EVENT" }
func (ReqEnvelope) Label() string    { return "REQ" }
func (CloseEnvelope) Label() string  { return "CLOSE" }
func (EOSEEnvelope) Label() string   { return "EOSE" }
func (OKEnvelope) Label() string     { return "OK" }
func (NoticeEnvelope) Label() string { return "NOTICE" }
func (ClosedEnvelope) Label() string { return "CLOSED" }

func (e EventEnvelope) MarshalJSON() ([]byte, error) {
	if e.SubscriptionID == "" {
		return json.Marshal([]interface{}{"EVENT", e.Event})
	}
	return json.Marshal([]interface{}{"EVENT", e.SubscriptionID, e.Event})
}

func (e ReqEnvelope) MarshalJSON() ([]byte, error) {
	msg := make([]interface{}, 0, 2+len(e.Filters))
	msg = append(msg, "REQ", e.SubscriptionID)
	for _, f := range e.Filters {
		msg = append(msg, f)
	}
	return json.Marshal(msg)
}

func (e CloseEnvelope) MarshalJSON() ([]byte, error) {
	return json.Marshal([]interface{}{"CLOSE", e.SubscriptionID})
}

func (e EOSEEnvelope) MarshalJSON() ([]byte, error) {
	return json.Marshal([]interface{}{"EOSE", e.SubscriptionID})
}

func (e OKEnvelope) MarshalJSON() ([]byte, error) {
	return json.Marshal([]interface{}{"OK", e.EventID, e.Accepted, e.Message})
}

func (e NoticeEnvelope) MarshalJSON() ([]byte, error) {
	return json.Marshal([]interface{}{"NOTICE", e.Message})
}

func (e ClosedEnvelope) MarshalJSON() ([]byte, error) {
	return json.Marshal([]interface{}{"CLOSED", e.SubscriptionID, e.Message})
}

// ParseEnvelope decodes a raw frame. Events inside EVENT frames are decoded
// but not validated; callers run ValidateEvent before using them.
func ParseEnvelope(data []byte) (Envelope, error) {
	var parts []json.RawMessage
	if err := json.Unmarshal(data, &parts); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	if len(parts) < 2 {
		return nil, errors.New("frame too short")
	}
	var label string
	if err := json.Unmarshal(parts[0], &label); err != nil {
		return nil, fmt.Errorf("decode label: %w", err)
	}

	switch label {
	case "EVENT":
		env := EventEnvelope{}
		raw := parts[1]
		if len(parts) >= 3 {
			if err := json.Unmarshal(parts[1], &env.SubscriptionID); err != nil {
				return nil, fmt.Errorf("decode subscription id: %w", err)
			}
			raw = parts[2]
		}
		if err := json.Unmarshal(raw, &env.Event); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
		}
		return env, nil

	case "REQ":
		env := ReqEnvelope{}
		if err := json.Unmarshal(parts[1], &env.SubscriptionID); err != nil {
			return nil, fmt.Errorf("decode subscription id: %w", err)
		}
		for _, raw := range parts[2:] {
			var f types.Filter
			if err := json.Unmarshal(raw, &f); err != nil {
				return nil, fmt.Errorf("decode filter: %w", err)
			}
			env.Filters = append(env.Filters, f)
		}
		return env, nil

	case "CLOSE":
		env := CloseEnvelope{}
		if err := json.Unmarshal(parts[1], &env.SubscriptionID); err != nil {
			return nil, fmt.Errorf("decode subscription id: %w", err)
		}
		return env, nil

	case "EOSE":
		env := EOSEEnvelope{}
		if err := json.Unmarshal(parts[1], &env.SubscriptionID); err != nil {
			return nil, fmt.Errorf("decode subscription id: %w", err)
		}
		return env, nil

	case "OK":
		if len(parts) < 3 {
			return nil, errors.New("OK frame too short")
		}
		env := OKEnvelope{}
		if err := json.Unmarshal(parts[1], &env.EventID); err != nil {
			return nil, fmt.Errorf("decode event id: %w", err)
		}
		if err := json.Unmarshal(parts[2], &env.Accepted); err != nil {
			return nil, fmt.Errorf("decode accepted flag: %w", err)
		}
		if len(parts) >= 4 {
			_ = json.Unmarshal(parts[3], &env.Message)
		}
		return env, nil

	case "NOTICE":
		env := NoticeEnvelope{}
		if err := json.Unmarshal(parts[1], &env.Message); err != nil {
			return nil, fmt.Errorf("decode notice: %w", err)
		}
		return env, nil

	case "CLOSED":
		env := ClosedEnvelope{}
		if err := json.Unmarshal(parts[1], &env.SubscriptionID); err != nil {
			return nil, fmt.Errorf("decode subscription id: %w", err)
		}
		if len(parts) >= 3 {
			_ = json.Unmarshal(parts[2], &env.Message)
		}
		return env, nil
	}

	return nil, fmt.Errorf("%w: %q", ErrUnknownEnvelope, label)
}
