package query

import (
	"context"
	"errors"
	"testing"
	"time"

	"pomodoro-nostr/internal/nostr"
	"pomodoro-nostr/internal/relay"
	"pomodoro-nostr/internal/relaytest"
	"pomodoro-nostr/internal/types"
)

func signed(t *testing.T, kind uint16, createdAt int64, content string) types.Event {
	t.Helper()
	sk, err := nostr.GeneratePrivateKey()
	if err != nil {
		t.Fatal(err)
	}
	evt := types.Event{CreatedAt: createdAt, Kind: kind, Tags: [][]string{}, Content: content}
	if err := nostr.SignEvent(&evt, sk); err != nil {
		t.Fatal(err)
	}
	return evt
}

func runner() *Runner {
	return NewRunner(relay.Options{HandshakeTimeout: 2 * time.Second}, nil)
}

var sessionFilter = types.Filter{Kinds: []uint16{types.KindSessionCompleted}}

func TestFetchCollectsUntilEOSE(t *testing.T) {
	a := signed(t, types.KindSessionCompleted, 100, "a")
	b := signed(t, types.KindSessionCompleted, 200, "b")
	other := signed(t, 1, 150, "note")
	r := relaytest.New(relaytest.WithEvents(a, b, other))
	defer r.Close()

	res := runner().Fetch(context.Background(), r.URL(), sessionFilter, time.Second, "test")
	if res.Err != nil || !res.Complete || res.TimedOut {
		t.Fatalf("Fetch = %+v", res)
	}
	if len(res.Events) != 2 {
		t.Errorf("got %d events, want 2", len(res.Events))
	}
	if !r.WaitCount("CLOSE", 1, time.Second) {
		t.Error("no CLOSE sent after EOSE")
	}
	deadline := time.Now().Add(time.Second)
	for r.Open() != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if r.Open() != 0 {
		t.Error("query connection left open")
	}
}

func TestFetchTimeoutKeepsPartialResults(t *testing.T) {
	a := signed(t, types.KindSessionCompleted, 100, "a")
	r := relaytest.New(relaytest.WithEvents(a), relaytest.WithoutEOSE())
	defer r.Close()

	start := time.Now()
	res := runner().Fetch(context.Background(), r.URL(), sessionFilter, 200*time.Millisecond, "test")
	if !res.TimedOut || res.Complete {
		t.Fatalf("Fetch = %+v, want timed out", res)
	}
	if len(res.Events) != 1 {
		t.Errorf("partial events = %d, want 1", len(res.Events))
	}
	if time.Since(start) > time.Second {
		t.Errorf("Fetch took %v, want about 200ms", time.Since(start))
	}
}

func TestFetchClosedCompletes(t *testing.T) {
	r := relaytest.New(relaytest.ReplyClosed("restricted"))
	defer r.Close()

	res := runner().Fetch(context.Background(), r.URL(), sessionFilter, time.Second, "test")
	if !res.Complete || res.Err != nil {
		t.Errorf("Fetch = %+v, want complete on CLOSED", res)
	}
}

func TestFetchUnreachableRelay(t *testing.T) {
	res := runner().Fetch(context.Background(), relaytest.ClosedURL(), sessionFilter, time.Second, "test")
	if res.Err == nil {
		t.Errorf("Fetch = %+v, want error", res)
	}
}

func TestFetchRemoteDropReturnsWhatArrived(t *testing.T) {
	a := signed(t, types.KindSessionCompleted, 100, "a")
	r := relaytest.New(relaytest.WithEvents(a), relaytest.WithoutEOSE())
	defer r.Close()

	go func() {
		r.WaitCount("REQ", 1, time.Second)
		time.Sleep(100 * time.Millisecond)
		r.DropConnections()
	}()
	res := runner().Fetch(context.Background(), r.URL(), sessionFilter, 3*time.Second, "test")
	if !errors.Is(res.Err, ErrConnectionLost) {
		t.Errorf("Err = %v, want ErrConnectionLost", res.Err)
	}
	if len(res.Events) != 1 {
		t.Errorf("events = %d, want 1", len(res.Events))
	}
}

func TestFanOutRunsConcurrently(t *testing.T) {
	shared := signed(t, types.KindSessionCompleted, 100, "shared")
	onlyA := signed(t, types.KindSessionCompleted, 300, "a")
	a := relaytest.New(relaytest.WithEvents(shared, onlyA))
	defer a.Close()
	b := relaytest.New(relaytest.WithEvents(shared))
	defer b.Close()
	silent1 := relaytest.New(relaytest.Silent())
	defer silent1.Close()
	silent2 := relaytest.New(relaytest.Silent())
	defer silent2.Close()

	relays := []string{a.URL(), silent1.URL(), b.URL(), silent2.URL(), relaytest.ClosedURL()}
	start := time.Now()
	results := runner().FanOut(context.Background(), relays, sessionFilter, 300*time.Millisecond, "fan")
	elapsed := time.Since(start)

	if elapsed > 550*time.Millisecond {
		t.Errorf("FanOut took %v, want close to one timeout", elapsed)
	}
	if len(results) != len(relays) {
		t.Fatalf("results = %d, want %d", len(results), len(relays))
	}
	if !results[1].TimedOut || !results[3].TimedOut {
		t.Error("silent relays not reported as timed out")
	}
	if results[4].Err == nil {
		t.Error("unreachable relay not reported as error")
	}

	merged := Merge(results)
	if len(merged) != 2 {
		t.Fatalf("merged = %d events, want 2 after dedupe", len(merged))
	}
	if merged[0].ID != onlyA.ID {
		t.Error("merged events not sorted newest first")
	}
}

func TestFirstNonEmptyStopsEarly(t *testing.T) {
	empty := relaytest.New()
	defer empty.Close()
	first := relaytest.New(relaytest.WithEvents(signed(t, types.KindSessionCompleted, 1, "x")))
	defer first.Close()
	never := relaytest.New(relaytest.WithEvents(signed(t, types.KindSessionCompleted, 2, "y")))
	defer never.Close()

	res, ok := runner().FirstNonEmpty(context.Background(), []string{empty.URL(), first.URL(), never.URL()}, sessionFilter, time.Second, "seq", nil)
	if !ok {
		t.Fatal("FirstNonEmpty found nothing")
	}
	if res.Relay != nostr.NormalizeRelayURL(first.URL()) || len(res.Events) != 1 {
		t.Errorf("result = %+v", res)
	}
	if never.Accepted() != 0 {
		t.Error("relay after the first non-empty one was contacted")
	}
}

func TestFirstNonEmptyNothingFound(t *testing.T) {
	empty := relaytest.New()
	defer empty.Close()
	if _, ok := runner().FirstNonEmpty(context.Background(), []string{empty.URL(), relaytest.ClosedURL()}, sessionFilter, time.Second, "seq", nil); ok {
		t.Error("FirstNonEmpty reported success with no events")
	}
}

func TestPublishEach(t *testing.T) {
	okRelay := relaytest.New()
	defer okRelay.Close()
	reject := relaytest.New(relaytest.RejectEvents("blocked"))
	defer reject.Close()
	silent := relaytest.New(relaytest.Silent())
	defer silent.Close()

	evt := signed(t, types.KindFriendSignal, time.Now().Unix(), "")
	relays := []string{okRelay.URL(), reject.URL(), silent.URL(), relaytest.ClosedURL()}
	results := runner().PublishEach(context.Background(), relays, evt, 300*time.Millisecond)

	if len(results) != 4 {
		t.Fatalf("results = %d", len(results))
	}
	if !results[0].Accepted || !results[0].Answered {
		t.Errorf("ok relay = %+v", results[0])
	}
	if results[1].Accepted || results[1].Message != "blocked" {
		t.Errorf("reject relay = %+v", results[1])
	}
	if !results[2].Sent || results[2].Answered {
		t.Errorf("silent relay = %+v", results[2])
	}
	if results[3].Err == nil || results[3].Sent {
		t.Errorf("unreachable relay = %+v", results[3])
	}
	if !AnyAccepted(results) || !AnySent(results) {
		t.Error("AnyAccepted/AnySent false")
	}
	if len(okRelay.Events()) != 1 {
		t.Error("event not stored on accepting relay")
	}
}
