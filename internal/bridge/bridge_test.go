package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"pomodoro-nostr/internal/types"
)

type doneToken struct{ err error }

func (t doneToken) Wait() bool                     { return true }
func (t doneToken) WaitTimeout(time.Duration) bool { return true }
func (t doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (t doneToken) Error() error { return t.err }

type message struct {
	topic   string
	payload []byte
}

type fakePublisher struct {
	mu   sync.Mutex
	sent []message
	err  error
}

func (f *fakePublisher) Publish(topic string, _ byte, _ bool, payload interface{}) mqtt.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, message{topic, payload.([]byte)})
	return doneToken{f.err}
}

func (f *fakePublisher) messages() []message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]message(nil), f.sent...)
}

func session(id string) types.Event {
	return types.Event{
		ID:        id,
		PubKey:    "pk",
		Kind:      types.KindSessionCompleted,
		CreatedAt: 1700000000,
		Tags:      [][]string{{"t", "pomodoro"}, {"duration", "25"}, {"level", "master"}},
	}
}

func TestSessionPayload(t *testing.T) {
	data, err := SessionPayload(session("e1"))
	if err != nil {
		t.Fatal(err)
	}
	var p Payload
	if err := json.Unmarshal(data, &p); err != nil {
		t.Fatal(err)
	}
	want := Payload{ID: "e1", PubKey: "pk", CompletedAt: 1700000000, DurationMin: 25, Level: "master"}
	if p != want {
		t.Errorf("payload = %+v, want %+v", p, want)
	}

	if _, err := SessionPayload(types.Event{Kind: types.KindMetadata}); !errors.Is(err, ErrNotSession) {
		t.Errorf("metadata event: err = %v", err)
	}
	bad := session("e2")
	bad.Tags = [][]string{{"duration", "soon"}}
	if _, err := SessionPayload(bad); err == nil {
		t.Error("non-numeric duration accepted")
	}
}

func TestForward(t *testing.T) {
	fake := &fakePublisher{}
	b := newBridge(fake, "pomodoro/sessions", nil)

	events := make(chan types.Event, 3)
	events <- session("e1")
	events <- types.Event{ID: "skip", Kind: types.KindMetadata}
	events <- session("e2")
	close(events)

	b.Forward(context.Background(), events)

	got := fake.messages()
	if len(got) != 2 {
		t.Fatalf("published %d messages, want 2", len(got))
	}
	if got[0].topic != "pomodoro/sessions/pk" {
		t.Errorf("topic = %q", got[0].topic)
	}
}

func TestSendReportsBrokerError(t *testing.T) {
	fake := &fakePublisher{err: errors.New("not authorized")}
	b := newBridge(fake, "t", nil)
	if err := b.Send(session("e1")); err == nil {
		t.Error("broker error swallowed")
	}
}
