// Package relaytest provides an in-process Nostr relay for tests.
package relaytest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"pomodoro-nostr/internal/nostr"
	"pomodoro-nostr/internal/types"
)

// Relay stores published events, answers REQ with matching stored events
// followed by EOSE, acknowledges EVENT with OK, and forwards newly stored
// events to open subscriptions. Every inbound frame is recorded.
type Relay struct {
	server   *httptest.Server
	upgrader websocket.Upgrader

	mu        sync.Mutex
	events    []types.Event
	frames    []string
	conns     map[*client]struct{}
	accepted  int
	silent    bool
	rejectMsg string
	noEOSE    bool
	closedMsg string
	eoseDelay time.Duration
}

type client struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
	mu      sync.Mutex
	subs    map[string][]types.Filter
}

// Option configures a Relay
type Option func(*Relay)

// Silent makes the relay accept connections and never answer anything
func Silent() Option { return func(r *Relay) { r.silent = true } }

// RejectEvents answers every EVENT with OK false and the given message
func RejectEvents(msg string) Option { return func(r *Relay) { r.rejectMsg = msg } }

// WithoutEOSE sends stored events but never EOSE
func WithoutEOSE() Option { return func(r *Relay) { r.noEOSE = true } }

// ReplyClosed answers every REQ (after stored events) with CLOSED instead of EOSE
func ReplyClosed(msg string) Option { return func(r *Relay) { r.closedMsg = msg } }

// DelayEOSE waits before sending stored events and EOSE
func DelayEOSE(d time.Duration) Option { return func(r *Relay) { r.eoseDelay = d } }

// WithEvents preloads stored events
func WithEvents(evts ...types.Event) Option {
	return func(r *Relay) { r.events = append(r.events, evts...) }
}

// New starts a relay listening on a loopback port
func New(opts ...Option) *Relay {
	r := &Relay{
		conns: make(map[*client]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		opt(r)
	}
	r.server = httptest.NewServer(http.HandlerFunc(r.handle))
	return r
}

// ClosedURL returns a ws:// URL on which nothing is listening
func ClosedURL() string {
	s := httptest.NewServer(http.NotFoundHandler())
	u := "ws" + strings.TrimPrefix(s.URL, "http")
	s.Close()
	return u
}

// URL returns the ws:// address of the relay
func (r *Relay) URL() string {
	return "ws" + strings.TrimPrefix(r.server.URL, "http")
}

// Close drops every client connection and stops the server
func (r *Relay) Close() {
	r.DropConnections()
	r.server.Close()
}

// DropConnections abruptly closes every open client connection
func (r *Relay) DropConnections() {
	r.mu.Lock()
	conns := make([]*client, 0, len(r.conns))
	for c := range r.conns {
		conns = append(conns, c)
	}
	r.mu.Unlock()
	for _, c := range conns {
		c.ws.Close()
	}
}

// SetSilent toggles the silent mode at runtime
func (r *Relay) SetSilent(silent bool) {
	r.mu.Lock()
	r.silent = silent
	r.mu.Unlock()
}

// Events returns a copy of the stored events
func (r *Relay) Events() []types.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]types.Event(nil), r.events...)
}

// Frames returns every frame received from clients, in arrival order
func (r *Relay) Frames() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.frames...)
}

// Count returns how many received frames carry the given label
func (r *Relay) Count(label string) int {
	n := 0
	for _, f := range r.Frames() {
		if strings.HasPrefix(f, `["`+label+`"`) {
			n++
		}
	}
	return n
}

// Subscriptions returns the sorted ids of subscriptions open on live
// connections
func (r *Relay) Subscriptions() []string {
	r.mu.Lock()
	conns := make([]*client, 0, len(r.conns))
	for c := range r.conns {
		conns = append(conns, c)
	}
	r.mu.Unlock()

	var ids []string
	for _, c := range conns {
		c.mu.Lock()
		for id := range c.subs {
			ids = append(ids, id)
		}
		c.mu.Unlock()
	}
	sort.Strings(ids)
	return ids
}

// Accepted returns the number of websocket connections accepted so far
func (r *Relay) Accepted() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.accepted
}

// Open returns the number of currently open client connections
func (r *Relay) Open() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// WaitCount polls until at least n frames with the label arrived
func (r *Relay) WaitCount(label string, n int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if r.Count(label) >= n {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return r.Count(label) >= n
}

// SendRaw writes a raw frame to every connected client
func (r *Relay) SendRaw(frame string) {
	r.mu.Lock()
	conns := make([]*client, 0, len(r.conns))
	for c := range r.conns {
		conns = append(conns, c)
	}
	r.mu.Unlock()
	for _, c := range conns {
		c.write([]byte(frame))
	}
}

// AddEvent stores an event and forwards it to matching open subscriptions
func (r *Relay) AddEvent(evt types.Event) {
	r.mu.Lock()
	r.events = append(r.events, evt)
	conns := make([]*client, 0, len(r.conns))
	for c := range r.conns {
		conns = append(conns, c)
	}
	r.mu.Unlock()

	for _, c := range conns {
		c.mu.Lock()
		var matched []string
		for id, filters := range c.subs {
			for _, f := range filters {
				if f.Matches(&evt) {
					matched = append(matched, id)
					break
				}
			}
		}
		c.mu.Unlock()
		for _, id := range matched {
			c.writeJSON(nostr.EventEnvelope{SubscriptionID: id, Event: evt})
		}
	}
}

func (r *Relay) handle(w http.ResponseWriter, req *http.Request) {
	ws, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		return
	}
	c := &client{ws: ws, subs: make(map[string][]types.Filter)}

	r.mu.Lock()
	r.conns[c] = struct{}{}
	r.accepted++
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		delete(r.conns, c)
		r.mu.Unlock()
		ws.Close()
	}()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}

		r.mu.Lock()
		r.frames = append(r.frames, string(data))
		silent := r.silent
		rejectMsg := r.rejectMsg
		r.mu.Unlock()

		if silent {
			continue
		}

		env, err := nostr.ParseEnvelope(data)
		if err != nil {
			c.writeJSON(nostr.NoticeEnvelope{Message: "invalid: " + err.Error()})
			continue
		}

		switch e := env.(type) {
		case nostr.EventEnvelope:
			if rejectMsg != "" {
				c.writeJSON(nostr.OKEnvelope{EventID: e.Event.ID, Accepted: false, Message: rejectMsg})
				continue
			}
			if err := nostr.ValidateEvent(&e.Event); err != nil {
				c.writeJSON(nostr.OKEnvelope{EventID: e.Event.ID, Accepted: false, Message: "invalid: " + err.Error()})
				continue
			}
			c.writeJSON(nostr.OKEnvelope{EventID: e.Event.ID, Accepted: true})
			r.AddEvent(e.Event)

		case nostr.ReqEnvelope:
			c.mu.Lock()
			c.subs[e.SubscriptionID] = e.Filters
			c.mu.Unlock()
			go r.answer(c, e)

		case nostr.CloseEnvelope:
			c.mu.Lock()
			delete(c.subs, e.SubscriptionID)
			c.mu.Unlock()
		}
	}
}

func (r *Relay) answer(c *client, req nostr.ReqEnvelope) {
	r.mu.Lock()
	delay := r.eoseDelay
	noEOSE := r.noEOSE
	closedMsg := r.closedMsg
	r.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}
	for _, evt := range r.query(req.Filters) {
		c.writeJSON(nostr.EventEnvelope{SubscriptionID: req.SubscriptionID, Event: evt})
	}
	switch {
	case closedMsg != "":
		c.writeJSON(nostr.ClosedEnvelope{SubscriptionID: req.SubscriptionID, Message: closedMsg})
	case !noEOSE:
		c.writeJSON(nostr.EOSEEnvelope{SubscriptionID: req.SubscriptionID})
	}
}

// query returns stored events matching any filter, newest first, honoring limits
func (r *Relay) query(filters []types.Filter) []types.Event {
	stored := r.Events()
	sort.SliceStable(stored, func(i, j int) bool {
		return stored[i].CreatedAt > stored[j].CreatedAt
	})

	seen := make(map[string]bool)
	var out []types.Event
	for _, f := range filters {
		n := 0
		for i := range stored {
			if f.Limit > 0 && n >= f.Limit {
				break
			}
			if !f.Matches(&stored[i]) {
				continue
			}
			n++
			if seen[stored[i].ID] {
				continue
			}
			seen[stored[i].ID] = true
			out = append(out, stored[i])
		}
	}
	return out
}

func (c *client) writeJSON(v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	c.write(data)
}

func (c *client) write(data []byte) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(5 * time.Second))
	_ = c.ws.WriteMessage(websocket.TextMessage, data)
}
