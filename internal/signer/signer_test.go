package signer

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr/nip44"

	"pomodoro-nostr/internal/nostr"
	"pomodoro-nostr/internal/relay"
	"pomodoro-nostr/internal/relaytest"
	"pomodoro-nostr/internal/types"
)

func template() types.Event {
	return types.Event{
		CreatedAt: 1700000000,
		Kind:      types.KindSessionCompleted,
		Tags:      [][]string{{"t", types.TagPomodoro}, {"duration", "25"}},
		Content:   "",
	}
}

func TestLocalSign(t *testing.T) {
	s, err := Generate()
	if err != nil {
		t.Fatal(err)
	}
	tmpl := template()
	res, err := s.Sign(context.Background(), tmpl)
	if err != nil {
		t.Fatal(err)
	}
	if !res.IsSigned() || res.Pending != nil {
		t.Fatalf("result = %+v", res)
	}
	if res.Event.PubKey != s.PublicKey() {
		t.Errorf("pubkey = %s, want %s", res.Event.PubKey, s.PublicKey())
	}
	if err := nostr.ValidateEvent(res.Event); err != nil {
		t.Errorf("signed event invalid: %v", err)
	}
	if tmpl.ID != "" || tmpl.Sig != "" {
		t.Error("template was modified")
	}
}

func TestNewLocalAcceptsNsec(t *testing.T) {
	s, err := Generate()
	if err != nil {
		t.Fatal(err)
	}
	nsec, err := nostr.EncodeNsec(s.SecretKey())
	if err != nil {
		t.Fatal(err)
	}
	again, err := NewLocal(nsec)
	if err != nil {
		t.Fatal(err)
	}
	if again.PublicKey() != s.PublicKey() {
		t.Error("nsec round trip changed the key")
	}
	if _, err := NewLocal("garbage"); err == nil {
		t.Error("NewLocal accepted garbage")
	}
}

func TestExternalPendingThenComplete(t *testing.T) {
	local, _ := Generate()
	ext, err := NewExternal(local.PublicKey())
	if err != nil {
		t.Fatal(err)
	}

	res, err := ext.Sign(context.Background(), template())
	if err != nil {
		t.Fatal(err)
	}
	if res.IsSigned() || res.Pending == nil {
		t.Fatalf("expected pending result, got %+v", res)
	}
	if !strings.HasPrefix(res.Pending.URI, "nostrsigner:") {
		t.Errorf("URI = %q", res.Pending.URI)
	}
	if ext.Pending() != 1 {
		t.Errorf("Pending = %d", ext.Pending())
	}

	signed, _ := local.Sign(context.Background(), res.Pending.Template)
	data, _ := json.Marshal(signed.Event)

	evt, err := ext.Complete(res.Pending.RequestID, string(data))
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if evt.ID != signed.Event.ID {
		t.Error("Complete returned a different event")
	}
	if ext.Pending() != 0 {
		t.Error("request still pending after Complete")
	}
	if _, err := ext.Complete(res.Pending.RequestID, string(data)); !errors.Is(err, ErrUnknownRequest) {
		t.Errorf("second Complete err = %v", err)
	}
}

func TestExternalRejectsMismatch(t *testing.T) {
	local, _ := Generate()
	other, _ := Generate()
	ext, _ := NewExternal(local.PublicKey())

	res, _ := ext.Sign(context.Background(), template())

	wrongAuthor, _ := other.Sign(context.Background(), res.Pending.Template)
	data, _ := json.Marshal(wrongAuthor.Event)
	if _, err := ext.Complete(res.Pending.RequestID, string(data)); err == nil {
		t.Error("accepted event signed by another key")
	}

	tampered := res.Pending.Template
	tampered.Content = "changed"
	wrongContent, _ := local.Sign(context.Background(), tampered)
	data, _ = json.Marshal(wrongContent.Event)
	if _, err := ext.Complete(res.Pending.RequestID, string(data)); !errors.Is(err, ErrMismatch) {
		t.Errorf("tampered content err = %v", err)
	}

	if ext.Pending() != 1 {
		t.Error("failed Complete released the request")
	}
	ext.Cancel(res.Pending.RequestID)
	if ext.Pending() != 0 {
		t.Error("Cancel did not release the request")
	}
}

func TestParseBunkerURL(t *testing.T) {
	pk := strings.Repeat("ab", 32)
	cfg, err := ParseBunkerURL("bunker://" + pk + "?relay=wss://relay.one&relay=relay.two/&secret=s3")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.RemotePubKey != pk || cfg.Secret != "s3" {
		t.Errorf("cfg = %+v", cfg)
	}
	if len(cfg.Relays) != 2 || cfg.Relays[1] != "wss://relay.two" {
		t.Errorf("relays = %v", cfg.Relays)
	}

	for _, bad := range []string{
		"nostrconnect://" + pk + "?relay=wss://r",
		"bunker://short?relay=wss://r",
		"bunker://" + pk,
	} {
		if _, err := ParseBunkerURL(bad); err == nil {
			t.Errorf("ParseBunkerURL(%q) succeeded", bad)
		}
	}
}

// fakeBunker answers NIP-46 requests on a test relay
func fakeBunker(t *testing.T, relayURL string, remote, user *Local) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	frames := make(chan []byte, 32)
	conn, err := relay.Dial(ctx, relayURL, relay.Options{
		OnMessage: func(_ *relay.Conn, data []byte) {
			select {
			case frames <- data:
			case <-ctx.Done():
			}
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close(closeNormal, "") })

	conn.SendJSON(nostr.ReqEnvelope{SubscriptionID: "bunker", Filters: []types.Filter{{
		Kinds: []uint16{KindNostrConnect},
		PTags: []string{remote.PublicKey()},
	}}})

	go func() {
		for {
			var data []byte
			select {
			case data = <-frames:
			case <-ctx.Done():
				return
			}
			env, err := nostr.ParseEnvelope(data)
			if err != nil {
				continue
			}
			e, ok := env.(nostr.EventEnvelope)
			if !ok {
				continue
			}
			key, err := nip44.GenerateConversationKey(e.Event.PubKey, remote.SecretKey())
			if err != nil {
				continue
			}
			plain, err := nip44.Decrypt(e.Event.Content, key)
			if err != nil {
				continue
			}
			var req bunkerRequest
			if json.Unmarshal([]byte(plain), &req) != nil {
				continue
			}

			resp := bunkerResponse{ID: req.ID}
			switch req.Method {
			case "connect":
				resp.Result = "ack"
			case "get_public_key":
				resp.Result = user.PublicKey()
			case "sign_event":
				var tmpl types.Event
				json.Unmarshal([]byte(req.Params[0]), &tmpl)
				if tmpl.Content == "refuse" {
					resp.Error = "user declined"
					break
				}
				signed, _ := user.Sign(ctx, tmpl)
				out, _ := json.Marshal(signed.Event)
				resp.Result = string(out)
			}

			payload, _ := json.Marshal(resp)
			ct, _ := nip44.Encrypt(string(payload), key)
			reply, _ := remote.Sign(ctx, types.Event{
				CreatedAt: time.Now().Unix(),
				Kind:      KindNostrConnect,
				Tags:      [][]string{{"p", e.Event.PubKey}},
				Content:   ct,
			})
			conn.SendJSON(nostr.EventEnvelope{Event: *reply.Event})
		}
	}()
}

func TestBunkerRoundTrip(t *testing.T) {
	r := relaytest.New()
	defer r.Close()

	remote, _ := Generate()
	user, _ := Generate()
	fakeBunker(t, r.URL(), remote, user)
	if !r.WaitCount("REQ", 1, 2*time.Second) {
		t.Fatal("fake bunker never subscribed")
	}

	b, err := NewBunker(BunkerConfig{RemotePubKey: remote.PublicKey(), Relays: []string{r.URL()}}, BunkerOptions{Timeout: 3 * time.Second})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := b.Sign(context.Background(), template()); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Sign before Connect err = %v", err)
	}

	if err := b.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if b.PublicKey() != user.PublicKey() {
		t.Errorf("PublicKey = %s, want %s", b.PublicKey(), user.PublicKey())
	}

	res, err := b.Sign(context.Background(), template())
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if !res.IsSigned() || res.Event.PubKey != user.PublicKey() {
		t.Fatalf("result = %+v", res)
	}
	if err := nostr.ValidateEvent(res.Event); err != nil {
		t.Errorf("bunker event invalid: %v", err)
	}

	refused := template()
	refused.Content = "refuse"
	if _, err := b.Sign(context.Background(), refused); err == nil || !strings.Contains(err.Error(), "user declined") {
		t.Errorf("refused Sign err = %v", err)
	}
}

func TestBunkerAllRelaysDown(t *testing.T) {
	remote, _ := Generate()
	b, err := NewBunker(BunkerConfig{RemotePubKey: remote.PublicKey(), Relays: []string{relaytest.ClosedURL()}}, BunkerOptions{Timeout: time.Second})
	if err != nil {
		t.Fatal(err)
	}
	if err := b.Connect(context.Background()); err == nil {
		t.Error("Connect succeeded with no reachable relay")
	}
}
