// Package services folds relay responses into app results: rankings,
// friend signals, user search, profiles and session publishing.
package services

import (
	"context"
	"errors"
	"time"

	"pomodoro-nostr/internal/client"
	"pomodoro-nostr/internal/query"
	"pomodoro-nostr/internal/signer"
	"pomodoro-nostr/internal/types"
)

var ErrNoPendingSigner = errors.New("signer does not produce pending requests")

// Querier runs one-shot queries and publishes over dedicated connections.
// *query.Runner implements it.
type Querier interface {
	FanOut(ctx context.Context, relays []string, filter types.Filter, timeout time.Duration, label string) []query.Result
	FirstNonEmpty(ctx context.Context, relays []string, filter types.Filter, timeout time.Duration, label string, accept func(query.Result) bool) (query.Result, bool)
	PublishEach(ctx context.Context, relays []string, evt types.Event, timeout time.Duration) []query.PublishResult
}

// Pool is the part of the multi-relay client the services use.
// *client.Client implements it.
type Pool interface {
	Publish(evt types.Event) bool
	Subscribe(id string, filters ...types.Filter)
	Unsubscribe(id string)
	Events() (<-chan client.IncomingEvent, func())
	WaitConnected(ctx context.Context) error
}

// Outcome is the result of a publish that may have to wait for an external
// signer. Exactly one of Event and Pending is set.
type Outcome struct {
	Event   *types.Event
	Pending *signer.Intent
	// Sent is true when at least one relay was written to
	Sent bool
	// Relays holds per-relay results for dedicated-connection publishes
	Relays []query.PublishResult
}

// complete finishes a pending signing request on signers that support it
func complete(s signer.Signer, requestID, signedJSON string) (types.Event, error) {
	c, ok := s.(signer.Completer)
	if !ok {
		return types.Event{}, ErrNoPendingSigner
	}
	return c.Complete(requestID, signedJSON)
}
