// Package query runs one-shot request/response exchanges against relays,
// each over its own short-lived connection.
package query

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"pomodoro-nostr/internal/nostr"
	"pomodoro-nostr/internal/relay"
	"pomodoro-nostr/internal/types"
)

// Fixed per-operation timeouts
const (
	PublishTimeout = 5 * time.Second
	SearchTimeout  = 5 * time.Second
	FetchTimeout   = 8 * time.Second
)

const closeNormal = 1000

var ErrConnectionLost = errors.New("relay connection lost")

// Result is what one relay returned for one request
type Result struct {
	Relay    string
	Events   []types.Event
	Complete bool // EOSE or CLOSED received
	TimedOut bool
	Err      error
}

// Runner opens dedicated connections for queries and publishes
type Runner struct {
	relayOpts relay.Options
	log       *slog.Logger
}

// NewRunner creates a Runner. opts supplies connection timings; its
// callbacks are replaced per request.
func NewRunner(opts relay.Options, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{relayOpts: opts, log: logger}
}

// NewSubscriptionID returns a fresh id with the given prefix
func NewSubscriptionID(prefix string) string {
	return prefix + "-" + uuid.NewString()[:8]
}

// Fetch opens a connection to one relay, sends one REQ and collects matching
// events until EOSE/CLOSED, connection loss or timeout. Whatever arrived is
// returned; the connection is closed in every case.
func (r *Runner) Fetch(ctx context.Context, relayURL string, filter types.Filter, timeout time.Duration, label string) Result {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	subID := NewSubscriptionID(label)
	frames := make(chan []byte, 256)
	opts := r.relayOpts
	opts.Logger = r.log
	opts.OnStatus = nil
	opts.OnMessage = func(_ *relay.Conn, data []byte) {
		select {
		case frames <- data:
		case <-ctx.Done():
		}
	}

	res := Result{Relay: nostr.NormalizeRelayURL(relayURL)}
	conn, err := relay.Dial(ctx, relayURL, opts)
	if err != nil {
		res.Err = err
		res.TimedOut = ctx.Err() != nil
		r.log.Debug("query connect failed", "relay", res.Relay, "error", err)
		return res
	}
	defer func() {
		conn.SendJSON(nostr.CloseEnvelope{SubscriptionID: subID})
		conn.Close(closeNormal, "query done")
	}()

	if !conn.SendJSON(nostr.ReqEnvelope{SubscriptionID: subID, Filters: []types.Filter{filter}}) {
		res.Err = ErrConnectionLost
		return res
	}

	handle := func(data []byte) bool {
		env, err := nostr.ParseEnvelope(data)
		if err != nil {
			return false
		}
		switch e := env.(type) {
		case nostr.EventEnvelope:
			if e.SubscriptionID != subID {
				return false
			}
			if err := nostr.ValidateSignedEvent(&e.Event); err != nil {
				r.log.Debug("query dropped invalid event", "relay", res.Relay, "error", err)
				return false
			}
			res.Events = append(res.Events, e.Event)
		case nostr.EOSEEnvelope:
			return e.SubscriptionID == subID
		case nostr.ClosedEnvelope:
			return e.SubscriptionID == subID
		}
		return false
	}

	for {
		select {
		case data := <-frames:
			if handle(data) {
				res.Complete = true
				return res
			}
		case <-conn.Done():
			// Frames read before the drop are already buffered
			for {
				select {
				case data := <-frames:
					if handle(data) {
						res.Complete = true
						return res
					}
				default:
					res.Err = ErrConnectionLost
					return res
				}
			}
		case <-ctx.Done():
			res.TimedOut = true
			return res
		}
	}
}

// Merge unions events from several results, keeping the first copy of each
// id, sorted newest first.
func Merge(results []Result) []types.Event {
	seen := make(map[string]bool)
	var out []types.Event
	for _, res := range results {
		for _, evt := range res.Events {
			if seen[evt.ID] {
				continue
			}
			seen[evt.ID] = true
			out = append(out, evt)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt > out[j].CreatedAt
		}
		return out[i].ID > out[j].ID
	})
	return out
}
