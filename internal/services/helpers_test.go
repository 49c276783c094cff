package services

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"pomodoro-nostr/internal/client"
	"pomodoro-nostr/internal/query"
	"pomodoro-nostr/internal/relay"
	"pomodoro-nostr/internal/signer"
	"pomodoro-nostr/internal/types"
)

// countingQuerier records calls and returns nothing
type countingQuerier struct {
	calls atomic.Int32
}

func (q *countingQuerier) FanOut(context.Context, []string, types.Filter, time.Duration, string) []query.Result {
	q.calls.Add(1)
	return nil
}

func (q *countingQuerier) FirstNonEmpty(context.Context, []string, types.Filter, time.Duration, string, func(query.Result) bool) (query.Result, bool) {
	q.calls.Add(1)
	return query.Result{}, false
}

func (q *countingQuerier) PublishEach(context.Context, []string, types.Event, time.Duration) []query.PublishResult {
	q.calls.Add(1)
	return nil
}

func newKey(t *testing.T) *signer.Local {
	t.Helper()
	s, err := signer.Generate()
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func sign(t *testing.T, s *signer.Local, tmpl types.Event) types.Event {
	t.Helper()
	if tmpl.Tags == nil {
		tmpl.Tags = [][]string{}
	}
	res, err := s.Sign(context.Background(), tmpl)
	if err != nil {
		t.Fatal(err)
	}
	return *res.Event
}

func sessionAt(t *testing.T, s *signer.Local, at time.Time, level string) types.Event {
	t.Helper()
	tmpl := SessionTemplate(25, LevelFromTag(level), at.Unix())
	if level == "" {
		tmpl.Tags = tmpl.Tags[:2]
	}
	return sign(t, s, tmpl)
}

func profile(t *testing.T, s *signer.Local, name string, at int64) types.Event {
	t.Helper()
	m := types.UserMetadata{Name: name}
	return sign(t, s, types.Event{CreatedAt: at, Kind: types.KindMetadata, Content: m.Content()})
}

func relayOpts() relay.Options {
	return relay.Options{HandshakeTimeout: 2 * time.Second}
}

func runner() *query.Runner {
	return query.NewRunner(relayOpts(), nil)
}

func connectedClient(t *testing.T, urls ...string) *client.Client {
	t.Helper()
	c := client.New(client.Options{Relay: relayOpts()})
	t.Cleanup(c.Shutdown)
	c.Connect(urls)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := c.WaitConnected(ctx); err != nil {
		t.Fatalf("client never connected: %v", err)
	}
	return c
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}
