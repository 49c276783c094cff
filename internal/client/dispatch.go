package client

import (
	"context"
	"sync"

	"pomodoro-nostr/internal/metrics"
	"pomodoro-nostr/internal/nostr"
	"pomodoro-nostr/internal/relay"
	"pomodoro-nostr/internal/types"
)

// handleMessage routes one inbound frame. It runs on the relay's read
// goroutine, so frames of one relay are handled in arrival order.
func (c *Client) handleMessage(conn *relay.Conn, data []byte) {
	url := conn.URL()
	env, err := nostr.ParseEnvelope(data)
	if err != nil {
		metrics.IncMalformedFrame(url)
		c.log.Debug("dropping malformed frame", "relay", url, "error", err)
		return
	}

	switch e := env.(type) {
	case nostr.EventEnvelope:
		if err := nostr.ValidateSignedEvent(&e.Event); err != nil {
			metrics.IncInvalidEvent()
			c.log.Debug("dropping invalid event", "relay", url, "event_id", nostr.ShortID(e.Event.ID), "error", err)
			return
		}
		if _, ok := c.subs.Load(e.SubscriptionID); !ok {
			return
		}
		c.events.Publish(IncomingEvent{Event: e.Event, Relay: url, SubscriptionID: e.SubscriptionID})

	case nostr.OKEnvelope:
		if e.Accepted {
			c.log.Debug("event accepted", "relay", url, "event_id", nostr.ShortID(e.EventID))
		} else {
			c.log.Info("event rejected", "relay", url, "event_id", nostr.ShortID(e.EventID), "message", e.Message)
		}
		if col, ok := c.acks.Load(e.EventID); ok {
			col.record(url, e)
		}

	case nostr.EOSEEnvelope:
		c.log.Debug("end of stored events", "relay", url, "sub_id", e.SubscriptionID)

	case nostr.NoticeEnvelope:
		c.log.Info("relay notice", "relay", url, "message", e.Message)

	case nostr.ClosedEnvelope:
		c.log.Info("subscription closed by relay", "relay", url, "sub_id", e.SubscriptionID, "message", e.Message)

	default:
		c.log.Debug("ignoring frame", "relay", url, "type", env.Label())
	}
}

// Ack is one relay's answer to a published event
type Ack struct {
	Relay    string
	Answered bool
	Accepted bool
	Message  string
}

// PublishReport lists the relays an event was sent to and their answers
type PublishReport struct {
	EventID string
	Acks    []Ack
}

// Sent reports whether the event reached at least one relay
func (r PublishReport) Sent() bool { return len(r.Acks) > 0 }

// Accepted returns how many relays acknowledged with OK true
func (r PublishReport) Accepted() int {
	n := 0
	for _, a := range r.Acks {
		if a.Accepted {
			n++
		}
	}
	return n
}

type ackCollector struct {
	mu      sync.Mutex
	answers map[string]nostr.OKEnvelope
	changed chan struct{}
}

func (a *ackCollector) record(url string, ok nostr.OKEnvelope) {
	a.mu.Lock()
	if _, seen := a.answers[url]; !seen {
		a.answers[url] = ok
	}
	a.mu.Unlock()
	select {
	case a.changed <- struct{}{}:
	default:
	}
}

func (a *ackCollector) count(relays []string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, u := range relays {
		if _, ok := a.answers[u]; ok {
			n++
		}
	}
	return n
}

// PublishAndWait sends the event to every connected relay and waits until
// each of them answered or the publish timeout passes. Missing answers are
// reported with Answered false.
func (c *Client) PublishAndWait(ctx context.Context, evt types.Event) PublishReport {
	col := &ackCollector{answers: make(map[string]nostr.OKEnvelope), changed: make(chan struct{}, 1)}
	c.acks.Store(evt.ID, col)
	defer c.acks.Delete(evt.ID)

	var sentTo []string
	msg := nostr.EventEnvelope{Event: evt}
	c.relays.Range(func(u string, conn *relay.Conn) bool {
		if conn.Status().State == relay.StateConnected && conn.SendJSON(msg) {
			sentTo = append(sentTo, u)
		}
		return true
	})

	report := PublishReport{EventID: evt.ID}
	if len(sentTo) == 0 {
		c.log.Warn("publish reached no relay", "event_id", nostr.ShortID(evt.ID))
		return report
	}
	metrics.IncPublished()

	ctx, cancel := context.WithTimeout(ctx, c.opts.PublishTimeout)
	defer cancel()
wait:
	for col.count(sentTo) < len(sentTo) {
		select {
		case <-col.changed:
		case <-ctx.Done():
			c.log.Debug("publish wait ended before all relays answered", "event_id", nostr.ShortID(evt.ID))
			break wait
		}
	}

	col.mu.Lock()
	defer col.mu.Unlock()
	for _, u := range sentTo {
		ack := Ack{Relay: u}
		if ok, answered := col.answers[u]; answered {
			ack.Answered = true
			ack.Accepted = ok.Accepted
			ack.Message = ok.Message
		}
		report.Acks = append(report.Acks, ack)
	}
	return report
}
