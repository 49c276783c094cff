// Package signer turns unsigned event templates into signed events, either
// directly or through an out-of-band signer that answers later.
package signer

import (
	"context"
	"errors"

	"pomodoro-nostr/internal/types"
)

var (
	ErrUnknownRequest = errors.New("unknown signing request")
	ErrMismatch       = errors.New("signed event does not match request")
	ErrRejected       = errors.New("signing rejected")
)

// Intent describes a signing request handed to an external signer. The
// signed event comes back later through Complete with the same RequestID.
type Intent struct {
	RequestID string
	URI       string
	Template  types.Event
}

// Result is either a signed event or a pending intent, never both.
type Result struct {
	Event   *types.Event
	Pending *Intent
}

// Signed wraps a finished event
func Signed(evt types.Event) Result { return Result{Event: &evt} }

// PendingResult wraps an outstanding request
func PendingResult(in Intent) Result { return Result{Pending: &in} }

// IsSigned reports whether the event is available now
func (r Result) IsSigned() bool { return r.Event != nil }

// Signer signs templates on behalf of one identity
type Signer interface {
	// PublicKey returns the hex pubkey events will be signed with
	PublicKey() string
	// Sign fills id, pubkey and sig, or returns a pending intent
	Sign(ctx context.Context, tmpl types.Event) (Result, error)
}

// Completer finishes pending intents with the signed event JSON returned
// by the external signer.
type Completer interface {
	Complete(requestID string, signedJSON string) (types.Event, error)
}
