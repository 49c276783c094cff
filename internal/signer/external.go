package signer

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"slices"
	"sync"

	"github.com/google/uuid"

	"pomodoro-nostr/internal/nostr"
	"pomodoro-nostr/internal/types"
)

// External hands templates to a signer application (NIP-55 style) and
// accepts the signed events later. Sign never blocks on the user.
type External struct {
	pubkey string

	mu      sync.Mutex
	pending map[string]types.Event
}

// NewExternal creates an External signer for a known pubkey (npub or hex)
func NewExternal(pubkey string) (*External, error) {
	pk, err := nostr.ParsePublicKey(pubkey)
	if err != nil {
		return nil, err
	}
	return &External{pubkey: pk, pending: make(map[string]types.Event)}, nil
}

func (e *External) PublicKey() string { return e.pubkey }

// Sign records the template and returns a pending intent whose URI carries
// the unsigned event JSON.
func (e *External) Sign(_ context.Context, tmpl types.Event) (Result, error) {
	tmpl.PubKey = e.pubkey
	tmpl.ID = ""
	tmpl.Sig = ""
	if tmpl.Tags == nil {
		tmpl.Tags = [][]string{}
	}
	unsigned, err := json.Marshal(map[string]interface{}{
		"pubkey":     tmpl.PubKey,
		"created_at": tmpl.CreatedAt,
		"kind":       tmpl.Kind,
		"tags":       tmpl.Tags,
		"content":    tmpl.Content,
	})
	if err != nil {
		return Result{}, fmt.Errorf("encode template: %w", err)
	}

	id := uuid.NewString()
	e.mu.Lock()
	e.pending[id] = tmpl
	e.mu.Unlock()

	return PendingResult(Intent{
		RequestID: id,
		URI:       "nostrsigner:" + url.PathEscape(string(unsigned)) + "?compressionType=none&returnType=event&type=sign_event&id=" + id,
		Template:  tmpl,
	}), nil
}

// Complete validates the signed event against the pending template and
// releases the request. A mismatching event leaves the request pending.
func (e *External) Complete(requestID string, signedJSON string) (types.Event, error) {
	e.mu.Lock()
	tmpl, ok := e.pending[requestID]
	e.mu.Unlock()
	if !ok {
		return types.Event{}, ErrUnknownRequest
	}

	evt, err := nostr.ParseEvent([]byte(signedJSON))
	if err != nil {
		return types.Event{}, err
	}
	if evt.Sig == "" {
		return types.Event{}, fmt.Errorf("%w: missing signature", ErrMismatch)
	}
	if evt.PubKey != tmpl.PubKey || evt.Kind != tmpl.Kind || evt.Content != tmpl.Content || !sameTags(evt.Tags, tmpl.Tags) {
		return types.Event{}, ErrMismatch
	}

	e.mu.Lock()
	delete(e.pending, requestID)
	e.mu.Unlock()
	return evt, nil
}

// Cancel drops a pending request
func (e *External) Cancel(requestID string) {
	e.mu.Lock()
	delete(e.pending, requestID)
	e.mu.Unlock()
}

// Pending returns the number of outstanding requests
func (e *External) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending)
}

func sameTags(a, b [][]string) bool {
	return slices.EqualFunc(a, b, func(x, y []string) bool { return slices.Equal(x, y) })
}
