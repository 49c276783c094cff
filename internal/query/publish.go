package query

import (
	"context"
	"sync"
	"time"

	"pomodoro-nostr/internal/nostr"
	"pomodoro-nostr/internal/relay"
	"pomodoro-nostr/internal/types"
)

// PublishResult is one relay's outcome for a dedicated-connection publish
type PublishResult struct {
	Relay    string
	Sent     bool
	Answered bool
	Accepted bool
	Message  string
	Err      error
}

// PublishEach sends the event to every relay on its own connection and
// waits up to timeout for each relay's OK. Every relay is attempted; results
// are in input order.
func (r *Runner) PublishEach(ctx context.Context, relays []string, evt types.Event, timeout time.Duration) []PublishResult {
	results := make([]PublishResult, len(relays))

	var wg sync.WaitGroup
	for i, relayURL := range relays {
		wg.Add(1)
		go func(i int, relayURL string) {
			defer wg.Done()
			results[i] = r.publishOne(ctx, relayURL, evt, timeout)
		}(i, relayURL)
	}
	wg.Wait()

	accepted := 0
	for _, res := range results {
		if res.Accepted {
			accepted++
		}
	}
	r.log.Info("event published", "event_id", nostr.ShortID(evt.ID), "kind", evt.Kind, "relays", len(relays), "accepted", accepted)
	return results
}

func (r *Runner) publishOne(ctx context.Context, relayURL string, evt types.Event, timeout time.Duration) PublishResult {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	oks := make(chan nostr.OKEnvelope, 1)
	opts := r.relayOpts
	opts.Logger = r.log
	opts.OnStatus = nil
	opts.OnMessage = func(_ *relay.Conn, data []byte) {
		env, err := nostr.ParseEnvelope(data)
		if err != nil {
			return
		}
		if ok, isOK := env.(nostr.OKEnvelope); isOK && ok.EventID == evt.ID {
			select {
			case oks <- ok:
			default:
			}
		}
	}

	res := PublishResult{Relay: nostr.NormalizeRelayURL(relayURL)}
	conn, err := relay.Dial(ctx, relayURL, opts)
	if err != nil {
		res.Err = err
		r.log.Debug("publish connect failed", "relay", res.Relay, "error", err)
		return res
	}
	defer conn.Close(closeNormal, "publish done")

	if !conn.SendJSON(nostr.EventEnvelope{Event: evt}) {
		res.Err = ErrConnectionLost
		return res
	}
	res.Sent = true

	select {
	case ok := <-oks:
		res.Answered = true
		res.Accepted = ok.Accepted
		res.Message = ok.Message
		if !ok.Accepted {
			r.log.Info("relay rejected event", "relay", res.Relay, "event_id", nostr.ShortID(evt.ID), "message", ok.Message)
		}
	case <-conn.Done():
		select {
		case ok := <-oks:
			res.Answered = true
			res.Accepted = ok.Accepted
			res.Message = ok.Message
		default:
			res.Err = ErrConnectionLost
		}
	case <-ctx.Done():
		r.log.Debug("no answer before timeout", "relay", res.Relay, "event_id", nostr.ShortID(evt.ID))
	}
	return res
}

// AnyAccepted reports whether at least one relay accepted the event
func AnyAccepted(results []PublishResult) bool {
	for _, res := range results {
		if res.Accepted {
			return true
		}
	}
	return false
}

// AnySent reports whether the event was written to at least one relay
func AnySent(results []PublishResult) bool {
	for _, res := range results {
		if res.Sent {
			return true
		}
	}
	return false
}
