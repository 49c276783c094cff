package nostr

import (
	"encoding/json"
	"errors"
	"testing"

	"pomodoro-nostr/internal/types"
)

func TestReqEnvelopeWireForm(t *testing.T) {
	since := int64(100)
	env := ReqEnvelope{
		SubscriptionID: "sub1",
		Filters: []types.Filter{{
			Kinds: []uint16{types.KindFriendSignal},
			PTags: []string{"abc"},
			Since: &since,
			Limit: 200,
		}},
	}
	data, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	want := `["REQ","sub1",{"#p":["abc"],"kinds":[8809],"limit":200,"since":100}]`
	if string(data) != want {
		t.Errorf("REQ = %s, want %s", data, want)
	}
}

func TestCloseEnvelopeWireForm(t *testing.T) {
	data, _ := json.Marshal(CloseEnvelope{SubscriptionID: "sub1"})
	if string(data) != `["CLOSE","sub1"]` {
		t.Errorf("CLOSE = %s", data)
	}
}

func TestParseInboundFrames(t *testing.T) {
	evt, _ := signedEvent(t, "x")
	evtJSON, _ := json.Marshal(evt)

	env, err := ParseEnvelope([]byte(`["EVENT","s1",` + string(evtJSON) + `]`))
	if err != nil {
		t.Fatalf("ParseEnvelope EVENT: %v", err)
	}
	ee, ok := env.(EventEnvelope)
	if !ok || ee.SubscriptionID != "s1" || ee.Event.ID != evt.ID {
		t.Errorf("EVENT parsed as %#v", env)
	}

	env, err = ParseEnvelope([]byte(`["OK","` + evt.ID + `",false,"blocked: spam"]`))
	if err != nil {
		t.Fatalf("ParseEnvelope OK: %v", err)
	}
	ok2 := env.(OKEnvelope)
	if ok2.Accepted || ok2.Message != "blocked: spam" || ok2.EventID != evt.ID {
		t.Errorf("OK parsed as %#v", ok2)
	}

	env, err = ParseEnvelope([]byte(`["EOSE","s1"]`))
	if err != nil || env.(EOSEEnvelope).SubscriptionID != "s1" {
		t.Errorf("EOSE parsed as %#v, %v", env, err)
	}

	env, err = ParseEnvelope([]byte(`["CLOSED","s1","auth-required"]`))
	if err != nil || env.(ClosedEnvelope).Message != "auth-required" {
		t.Errorf("CLOSED parsed as %#v, %v", env, err)
	}

	env, err = ParseEnvelope([]byte(`["NOTICE","slow down"]`))
	if err != nil || env.(NoticeEnvelope).Message != "slow down" {
		t.Errorf("NOTICE parsed as %#v, %v", env, err)
	}
}

func TestParseRequestRoundTrip(t *testing.T) {
	env := ReqEnvelope{SubscriptionID: "q", Filters: []types.Filter{{Authors: []string{"a"}, TTags: []string{"pomodoro"}, Search: "bob"}}}
	data, _ := json.Marshal(env)
	parsed, err := ParseEnvelope(data)
	if err != nil {
		t.Fatalf("ParseEnvelope: %v", err)
	}
	req := parsed.(ReqEnvelope)
	if req.SubscriptionID != "q" || len(req.Filters) != 1 || req.Filters[0].Search != "bob" || req.Filters[0].TTags[0] != "pomodoro" {
		t.Errorf("REQ parsed as %#v", req)
	}
}

func TestParseMalformedFrames(t *testing.T) {
	for _, raw := range []string{``, `{}`, `[]`, `["EVENT"]`, `[1,2]`, `["EVENT","s",{"kind":"x"}]`, `["OK","id"]`} {
		if _, err := ParseEnvelope([]byte(raw)); err == nil {
			t.Errorf("ParseEnvelope(%q) succeeded, want error", raw)
		}
	}
	if _, err := ParseEnvelope([]byte(`["AUTH","challenge"]`)); !errors.Is(err, ErrUnknownEnvelope) {
		t.Errorf("ParseEnvelope AUTH = %v, want ErrUnknownEnvelope", err)
	}
}
