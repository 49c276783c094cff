package query

import (
	"context"
	"sync"
	"time"

	"pomodoro-nostr/internal/types"
)

// FanOut queries every relay concurrently and returns once all of them
// finished, timed out or failed. Results are in input order.
func (r *Runner) FanOut(ctx context.Context, relays []string, filter types.Filter, timeout time.Duration, label string) []Result {
	results := make([]Result, len(relays))

	var wg sync.WaitGroup
	for i, relayURL := range relays {
		wg.Add(1)
		go func(i int, relayURL string) {
			defer wg.Done()
			results[i] = r.Fetch(ctx, relayURL, filter, timeout, label)
		}(i, relayURL)
	}
	wg.Wait()

	for _, res := range results {
		switch {
		case res.Err != nil:
			r.log.Debug("relay skipped", "relay", res.Relay, "label", label, "error", res.Err)
		case res.TimedOut:
			r.log.Debug("relay timed out", "relay", res.Relay, "label", label, "partial", len(res.Events))
		}
	}
	return results
}

// FirstNonEmpty queries relays one after another and stops at the first
// result for which accept returns true. A nil accept means "has events".
// It returns the accepted result, or the zero Result and false.
func (r *Runner) FirstNonEmpty(ctx context.Context, relays []string, filter types.Filter, timeout time.Duration, label string, accept func(Result) bool) (Result, bool) {
	if accept == nil {
		accept = func(res Result) bool { return len(res.Events) > 0 }
	}
	for _, relayURL := range relays {
		if ctx.Err() != nil {
			break
		}
		res := r.Fetch(ctx, relayURL, filter, timeout, label)
		if res.Err != nil {
			r.log.Debug("relay skipped", "relay", res.Relay, "label", label, "error", res.Err)
		}
		if accept(res) {
			return res, true
		}
	}
	return Result{}, false
}
