package client

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"pomodoro-nostr/internal/metrics"
	"pomodoro-nostr/internal/nostr"
	"pomodoro-nostr/internal/relay"
	"pomodoro-nostr/internal/relaytest"
	"pomodoro-nostr/internal/types"
)

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

func newSigned(t *testing.T, kind uint16, content string) types.Event {
	t.Helper()
	sk, err := nostr.GeneratePrivateKey()
	if err != nil {
		t.Fatal(err)
	}
	evt := types.Event{CreatedAt: time.Now().Unix(), Kind: kind, Tags: [][]string{}, Content: content}
	if err := nostr.SignEvent(&evt, sk); err != nil {
		t.Fatal(err)
	}
	return evt
}

func connected(t *testing.T, c *Client) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := c.WaitConnected(ctx); err != nil {
		t.Fatalf("client never connected: %v", err)
	}
}

func TestAggregate(t *testing.T) {
	tests := []struct {
		name string
		in   map[string]relay.Status
		want ConnectionState
	}{
		{"empty", nil, Disconnected},
		{"one connected wins", map[string]relay.Status{"a": relay.Failed("x"), "b": relay.Connected(), "c": relay.Connecting()}, Connected},
		{"connecting beats error", map[string]relay.Status{"a": relay.Failed("x"), "b": relay.Connecting()}, Connecting},
		{"all error", map[string]relay.Status{"a": relay.Failed("x"), "b": relay.Failed("y")}, Error},
		{"error and disconnected", map[string]relay.Status{"a": relay.Failed("x"), "b": relay.Disconnected()}, Disconnected},
		{"all disconnected", map[string]relay.Status{"a": relay.Disconnected()}, Disconnected},
	}
	for _, tt := range tests {
		if got := Aggregate(tt.in); got != tt.want {
			t.Errorf("%s: Aggregate = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestConnectIsIdempotentPerNormalizedURL(t *testing.T) {
	r := relaytest.New()
	defer r.Close()

	c := New(Options{})
	defer c.Shutdown()
	c.Connect([]string{r.URL(), r.URL() + "/", "  " + r.URL() + "  "})
	connected(t, c)
	c.Connect([]string{r.URL()})

	time.Sleep(50 * time.Millisecond)
	if got := r.Accepted(); got != 1 {
		t.Errorf("relay accepted %d connections, want 1", got)
	}
	if got := len(c.RelayStatuses()); got != 1 {
		t.Errorf("RelayStatuses has %d entries, want 1", got)
	}
}

func TestSubscriptionReplayedOnConnect(t *testing.T) {
	r1 := relaytest.New()
	defer r1.Close()
	r2 := relaytest.New()
	defer r2.Close()

	c := New(Options{})
	defer c.Shutdown()

	filter := types.Filter{Kinds: []uint16{types.KindSessionCompleted}}
	c.Subscribe("sessions", filter)
	c.Connect([]string{r1.URL(), r2.URL()})

	for _, r := range []*relaytest.Relay{r1, r2} {
		if !r.WaitCount("REQ", 1, 3*time.Second) {
			t.Fatalf("relay %s never received replayed REQ", r.URL())
		}
		if f := r.Frames()[0]; !strings.Contains(f, `"sessions"`) {
			t.Errorf("first frame = %s, want REQ for sessions", f)
		}
	}
}

func TestSubscribeAndUnsubscribeReachConnectedRelays(t *testing.T) {
	r1 := relaytest.New()
	defer r1.Close()
	r2 := relaytest.New()
	defer r2.Close()

	c := New(Options{})
	defer c.Shutdown()
	c.Connect([]string{r1.URL(), r2.URL()})
	waitFor(t, 3*time.Second, func() bool { return len(c.ConnectedRelays()) == 2 })

	c.Subscribe("s1", types.Filter{Kinds: []uint16{0}})
	c.Unsubscribe("s1")
	c.Unsubscribe("s1")

	for _, r := range []*relaytest.Relay{r1, r2} {
		if !r.WaitCount("CLOSE", 1, 2*time.Second) {
			t.Fatalf("relay never received CLOSE")
		}
		if r.Count("REQ") != 1 || r.Count("CLOSE") != 1 {
			t.Errorf("REQ=%d CLOSE=%d, want 1 each", r.Count("REQ"), r.Count("CLOSE"))
		}
	}
	if len(c.Subscriptions()) != 0 {
		t.Errorf("Subscriptions = %v, want none", c.Subscriptions())
	}

	late := relaytest.New()
	defer late.Close()
	c.Connect([]string{late.URL()})
	waitFor(t, 3*time.Second, func() bool { return len(c.ConnectedRelays()) == 3 })
	time.Sleep(50 * time.Millisecond)
	if late.Count("REQ") != 0 {
		t.Error("closed subscription replayed to a new relay")
	}
}

func TestClosedSubscriptionNotReplayedAfterReconnect(t *testing.T) {
	r := relaytest.New()
	defer r.Close()

	c := New(Options{})
	defer c.Shutdown()
	c.Subscribe("keep", types.Filter{Kinds: []uint16{1}})
	c.Connect([]string{r.URL()})
	connected(t, c)

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; ; i++ {
			select {
			case <-done:
				return
			default:
			}
			id := fmt.Sprintf("churn-%d", i)
			c.Subscribe(id, types.Filter{Kinds: []uint16{1}})
			c.Unsubscribe(id)
		}
	}()
	for i := 0; i < 5; i++ {
		r.DropConnections()
		waitFor(t, 3*time.Second, func() bool { return len(c.ConnectedRelays()) == 0 })
		c.Reconnect([]string{r.URL()})
		waitFor(t, 3*time.Second, func() bool { return len(c.ConnectedRelays()) == 1 })
	}
	close(done)
	wg.Wait()

	waitFor(t, 3*time.Second, func() bool { return r.Open() == 1 })
	time.Sleep(100 * time.Millisecond)
	if got := r.Subscriptions(); len(got) != 1 || got[0] != "keep" {
		t.Errorf("relay subscriptions = %v, want [keep]", got)
	}
}

func TestEventsCarryRelayAndSubscription(t *testing.T) {
	stored := newSigned(t, types.KindSessionCompleted, "stored")
	r := relaytest.New(relaytest.WithEvents(stored))
	defer r.Close()

	c := New(Options{})
	defer c.Shutdown()
	events, cancel := c.Events()
	defer cancel()

	c.Subscribe("feed", types.Filter{Kinds: []uint16{types.KindSessionCompleted}})
	c.Connect([]string{r.URL()})

	select {
	case in := <-events:
		if in.Event.ID != stored.ID || in.SubscriptionID != "feed" || in.Relay != nostr.NormalizeRelayURL(r.URL()) {
			t.Errorf("got %+v", in)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no event delivered")
	}
}

func TestInvalidAndMalformedFramesDropped(t *testing.T) {
	r := relaytest.New()
	defer r.Close()

	c := New(Options{})
	defer c.Shutdown()
	events, cancel := c.Events()
	defer cancel()

	c.Subscribe("feed", types.Filter{})
	c.Connect([]string{r.URL()})
	connected(t, c)
	r.WaitCount("REQ", 1, 2*time.Second)

	before := metrics.Snapshot()
	url := nostr.NormalizeRelayURL(r.URL())
	beforeRelay := metrics.MalformedFrom(url)

	tampered := newSigned(t, 1, "real")
	tampered.Content = "forged"
	data, _ := json.Marshal(tampered)
	r.SendRaw(`["EVENT","feed",` + string(data) + `]`)
	r.SendRaw(`not json`)
	r.SendRaw(`["EVENT","feed",{"kind":"oops"}]`)

	good := newSigned(t, 1, "good")
	data, _ = json.Marshal(good)
	r.SendRaw(`["EVENT","feed",` + string(data) + `]`)

	select {
	case in := <-events:
		if in.Event.ID != good.ID {
			t.Errorf("first delivered event = %s, want the valid one", in.Event.ID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("valid event not delivered")
	}

	after := metrics.Snapshot()
	if after.InvalidEvents-before.InvalidEvents < 1 {
		t.Error("tampered event not counted as invalid")
	}
	if metrics.MalformedFrom(url)-beforeRelay < 2 {
		t.Errorf("malformed frames for relay = %d, want >= 2 more", metrics.MalformedFrom(url)-beforeRelay)
	}
}

func TestSlowListenerDoesNotBlockOthers(t *testing.T) {
	r := relaytest.New()
	defer r.Close()

	c := New(Options{EventBuffer: 2})
	defer c.Shutdown()
	_, cancelSlow := c.Events()
	defer cancelSlow()
	fast, cancelFast := c.Events()
	defer cancelFast()

	c.Subscribe("feed", types.Filter{})
	c.Connect([]string{r.URL()})
	connected(t, c)
	r.WaitCount("REQ", 1, 2*time.Second)

	for i := 0; i < 10; i++ {
		evt := newSigned(t, 1, "n")
		data, _ := json.Marshal(evt)
		r.SendRaw(`["EVENT","feed",` + string(data) + `]`)
		select {
		case <-fast:
		case <-time.After(2 * time.Second):
			t.Fatalf("fast listener starved at event %d", i)
		}
	}
	if c.events.Dropped() < 8 {
		t.Errorf("Dropped = %d, want >= 8 for the stalled listener", c.events.Dropped())
	}
}

func TestPublish(t *testing.T) {
	c := New(Options{})
	defer c.Shutdown()
	evt := newSigned(t, types.KindSessionCompleted, "done")
	if c.Publish(evt) {
		t.Error("Publish with no relays returned true")
	}

	r := relaytest.New()
	defer r.Close()
	c.Connect([]string{r.URL()})
	connected(t, c)

	if !c.Publish(evt) {
		t.Fatal("Publish with a connected relay returned false")
	}
	waitFor(t, 2*time.Second, func() bool { return len(r.Events()) == 1 })
}

func TestPublishAndWaitReportsAcks(t *testing.T) {
	ok := relaytest.New()
	defer ok.Close()
	reject := relaytest.New(relaytest.RejectEvents("blocked: not today"))
	defer reject.Close()
	silent := relaytest.New(relaytest.Silent())
	defer silent.Close()

	c := New(Options{PublishTimeout: 300 * time.Millisecond})
	defer c.Shutdown()
	c.Connect([]string{ok.URL(), reject.URL(), silent.URL()})
	waitFor(t, 3*time.Second, func() bool { return len(c.ConnectedRelays()) == 3 })

	evt := newSigned(t, types.KindFriendSignal, "")
	report := c.PublishAndWait(context.Background(), evt)
	if len(report.Acks) != 3 {
		t.Fatalf("Acks = %d, want 3", len(report.Acks))
	}
	if report.Accepted() != 1 {
		t.Errorf("Accepted = %d, want 1", report.Accepted())
	}
	for _, a := range report.Acks {
		switch a.Relay {
		case nostr.NormalizeRelayURL(reject.URL()):
			if !a.Answered || a.Accepted || a.Message != "blocked: not today" {
				t.Errorf("reject ack = %+v", a)
			}
		case nostr.NormalizeRelayURL(silent.URL()):
			if a.Answered {
				t.Errorf("silent relay reported an answer: %+v", a)
			}
		}
	}
}

func TestFailedRelayRemovedAndStateAggregated(t *testing.T) {
	c := New(Options{})
	defer c.Shutdown()

	dead := relaytest.ClosedURL()
	c.Connect([]string{dead})
	waitFor(t, 3*time.Second, func() bool { return c.State() == Error })

	if _, ok := c.relays.Load(nostr.NormalizeRelayURL(dead)); ok {
		t.Error("failed relay still pooled")
	}
	if s := c.RelayStatuses()[nostr.NormalizeRelayURL(dead)]; s.State != relay.StateError || s.Reason == "" {
		t.Errorf("status = %v, want error with reason", s)
	}

	r := relaytest.New()
	defer r.Close()
	c.Connect([]string{r.URL()})
	connected(t, c)

	c.DisconnectRelay(r.URL())
	if _, ok := c.RelayStatuses()[nostr.NormalizeRelayURL(r.URL())]; ok {
		t.Error("status kept after DisconnectRelay")
	}
	if c.State() != Error {
		t.Errorf("State = %v, want error with only the failed relay left", c.State())
	}

	c.Disconnect()
	if c.State() != Disconnected || len(c.RelayStatuses()) != 0 {
		t.Errorf("after Disconnect: state %v, statuses %v", c.State(), c.RelayStatuses())
	}
}

func TestRemoteDropMarksRelay(t *testing.T) {
	r := relaytest.New()
	defer r.Close()

	c := New(Options{})
	defer c.Shutdown()
	c.Connect([]string{r.URL()})
	connected(t, c)

	r.DropConnections()
	waitFor(t, 3*time.Second, func() bool { return c.State() != Connected })
	if len(c.ConnectedRelays()) != 0 {
		t.Errorf("ConnectedRelays = %v after drop", c.ConnectedRelays())
	}
}

func TestReconnectSkipsLiveRelays(t *testing.T) {
	live := relaytest.New()
	defer live.Close()
	flaky := relaytest.New()
	defer flaky.Close()

	c := New(Options{})
	defer c.Shutdown()
	c.Subscribe("feed", types.Filter{Kinds: []uint16{1}})
	c.Connect([]string{live.URL(), flaky.URL()})
	waitFor(t, 3*time.Second, func() bool { return len(c.ConnectedRelays()) == 2 })

	flaky.DropConnections()
	waitFor(t, 3*time.Second, func() bool { return len(c.ConnectedRelays()) == 1 })

	c.Reconnect([]string{live.URL(), flaky.URL()})
	waitFor(t, 3*time.Second, func() bool { return len(c.ConnectedRelays()) == 2 })

	if live.Accepted() != 1 {
		t.Errorf("live relay accepted %d connections, want 1", live.Accepted())
	}
	if flaky.Accepted() != 2 {
		t.Errorf("flaky relay accepted %d connections, want 2", flaky.Accepted())
	}
	if !flaky.WaitCount("REQ", 2, 2*time.Second) {
		t.Error("subscription not replayed after reconnect")
	}
}
