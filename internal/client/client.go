// Package client multiplexes subscriptions and publications over a pool of
// relay connections.
package client

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"pomodoro-nostr/internal/broadcast"
	"pomodoro-nostr/internal/metrics"
	"pomodoro-nostr/internal/nostr"
	"pomodoro-nostr/internal/relay"
	"pomodoro-nostr/internal/types"
)

// Default client settings
const (
	DefaultEventBuffer    = 1000
	DefaultPublishTimeout = 5 * time.Second
	closeNormal           = 1000
)

// IncomingEvent is a validated event together with where it came from
type IncomingEvent struct {
	Event          types.Event
	Relay          string
	SubscriptionID string
}

// Options configures a Client
type Options struct {
	// EventBuffer is the per-listener buffer of the event stream
	EventBuffer    int
	PublishTimeout time.Duration
	Relay          relay.Options
	Logger         *slog.Logger
}

// Client keeps one connection per relay, a registry of subscriptions that
// is replayed to every relay when it connects, and a merged event stream.
type Client struct {
	ctx    context.Context
	cancel context.CancelFunc
	opts   Options
	log    *slog.Logger

	// poolMu serializes pool membership and status changes; reads of relays
	// are lock-free.
	poolMu   sync.Mutex
	relays   *xsync.MapOf[string, *relay.Conn]
	statuses map[string]relay.Status
	state    *broadcast.Value[ConnectionState]

	// subsMu orders REQ and CLOSE sends against handshake replay so a relay
	// never ends up holding a subscription that was closed.
	subsMu sync.Mutex
	subs   *xsync.MapOf[string, []types.Filter]
	events *broadcast.Broadcaster[IncomingEvent]
	acks   *xsync.MapOf[string, *ackCollector]
}

// New creates a client with no relays
func New(opts Options) *Client {
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = DefaultEventBuffer
	}
	if opts.PublishTimeout <= 0 {
		opts.PublishTimeout = DefaultPublishTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		ctx:      ctx,
		cancel:   cancel,
		opts:     opts,
		log:      opts.Logger,
		relays:   xsync.NewMapOf[string, *relay.Conn](),
		statuses: make(map[string]relay.Status),
		state:    broadcast.NewValue(Disconnected),
		subs:     xsync.NewMapOf[string, []types.Filter](),
		events:   broadcast.New[IncomingEvent](opts.EventBuffer),
		acks:     xsync.NewMapOf[string, *ackCollector](),
	}
	c.events.OnDrop(metrics.IncDroppedEvent)
	return c
}

func (c *Client) relayOptions() relay.Options {
	opts := c.opts.Relay
	opts.OnStatus = c.handleStatus
	opts.OnMessage = c.handleMessage
	if opts.Logger == nil {
		opts.Logger = c.log
	}
	return opts
}

// Connect starts a connection to every URL that has no live connection yet.
// It does not wait for handshakes; watch State for progress.
func (c *Client) Connect(urls []string) {
	for _, u := range nostr.NormalizeRelayURLs(urls) {
		c.ConnectRelay(u)
	}
}

// ConnectRelay starts a connection to one relay unless it is already pooled
func (c *Client) ConnectRelay(url string) {
	url = nostr.NormalizeRelayURL(url)
	if url == "" {
		return
	}

	c.poolMu.Lock()
	if _, ok := c.relays.Load(url); ok {
		c.poolMu.Unlock()
		return
	}
	conn := relay.New(url, c.relayOptions())
	c.relays.Store(url, conn)
	c.statuses[url] = relay.Connecting()
	c.updateStateLocked()
	c.poolMu.Unlock()

	c.log.Debug("connecting to relay", "relay", url)
	conn.Start(c.ctx)
}

// Reconnect connects only those URLs whose relay is neither connected nor connecting
func (c *Client) Reconnect(urls []string) {
	var needed []string
	c.poolMu.Lock()
	for _, u := range nostr.NormalizeRelayURLs(urls) {
		s, ok := c.statuses[u]
		if ok && (s.State == relay.StateConnected || s.State == relay.StateConnecting) {
			continue
		}
		needed = append(needed, u)
	}
	c.poolMu.Unlock()

	if len(needed) > 0 {
		c.log.Info("reconnecting relays", "count", len(needed))
		c.Connect(needed)
	}
}

// Disconnect closes every connection and clears all relay statuses.
// Registered subscriptions are kept and replayed on the next connect.
func (c *Client) Disconnect() {
	c.poolMu.Lock()
	var conns []*relay.Conn
	c.relays.Range(func(_ string, conn *relay.Conn) bool {
		conns = append(conns, conn)
		return true
	})
	c.relays.Clear()
	c.statuses = make(map[string]relay.Status)
	c.updateStateLocked()
	c.poolMu.Unlock()

	for _, conn := range conns {
		conn.Close(closeNormal, "Client disconnect")
	}
}

// DisconnectRelay closes one connection and forgets its status
func (c *Client) DisconnectRelay(url string) {
	url = nostr.NormalizeRelayURL(url)

	c.poolMu.Lock()
	conn, ok := c.relays.LoadAndDelete(url)
	delete(c.statuses, url)
	c.updateStateLocked()
	c.poolMu.Unlock()

	if ok {
		conn.Close(closeNormal, "Client disconnect")
	}
}

// Shutdown disconnects and releases the event stream
func (c *Client) Shutdown() {
	c.Disconnect()
	c.cancel()
	c.events.Close()
}

// Subscribe registers the subscription and sends it to every connected relay.
// Relays that connect later receive it on handshake.
func (c *Client) Subscribe(id string, filters ...types.Filter) {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	c.subs.Store(id, filters)
	req := nostr.ReqEnvelope{SubscriptionID: id, Filters: filters}
	n := c.sendToConnected(req)
	c.log.Debug("subscription registered", "sub_id", id, "relays", n)
}

// Unsubscribe forgets the subscription and sends CLOSE to every connected relay
func (c *Client) Unsubscribe(id string) {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	if _, ok := c.subs.LoadAndDelete(id); !ok {
		return
	}
	c.sendToConnected(nostr.CloseEnvelope{SubscriptionID: id})
}

// Subscriptions returns the ids of registered subscriptions
func (c *Client) Subscriptions() []string {
	var ids []string
	c.subs.Range(func(id string, _ []types.Filter) bool {
		ids = append(ids, id)
		return true
	})
	sort.Strings(ids)
	return ids
}

// Publish sends the event to every connected relay and reports whether at
// least one send succeeded. Relay acknowledgements are only logged.
func (c *Client) Publish(evt types.Event) bool {
	sent := c.sendToConnected(nostr.EventEnvelope{Event: evt})
	if sent == 0 {
		c.log.Warn("publish reached no relay", "event_id", nostr.ShortID(evt.ID))
		return false
	}
	metrics.IncPublished()
	c.log.Debug("event published", "event_id", nostr.ShortID(evt.ID), "kind", evt.Kind, "relays", sent)
	return true
}

// Events subscribes to the merged stream of validated events from every
// relay. A slow listener loses the newest events once its buffer is full.
func (c *Client) Events() (<-chan IncomingEvent, func()) {
	return c.events.Subscribe()
}

// State returns the aggregate connection state
func (c *Client) State() ConnectionState {
	return c.state.Get()
}

// WatchState returns a channel of aggregate state changes
func (c *Client) WatchState() (<-chan ConnectionState, func()) {
	return c.state.Watch()
}

// WaitConnected blocks until at least one relay is connected or ctx ends
func (c *Client) WaitConnected(ctx context.Context) error {
	_, err := c.state.Wait(ctx, func(s ConnectionState) bool { return s == Connected })
	return err
}

// RelayStatuses returns a copy of the per-relay statuses
func (c *Client) RelayStatuses() map[string]relay.Status {
	c.poolMu.Lock()
	defer c.poolMu.Unlock()
	out := make(map[string]relay.Status, len(c.statuses))
	for u, s := range c.statuses {
		out[u] = s
	}
	return out
}

// ConnectedRelays returns the sorted URLs of connected relays
func (c *Client) ConnectedRelays() []string {
	var urls []string
	c.relays.Range(func(u string, conn *relay.Conn) bool {
		if conn.Status().State == relay.StateConnected {
			urls = append(urls, u)
		}
		return true
	})
	sort.Strings(urls)
	return urls
}

func (c *Client) sendToConnected(msg interface{}) int {
	data, err := json.Marshal(msg)
	if err != nil {
		c.log.Error("failed to encode relay message", "error", err)
		return 0
	}
	sent := 0
	c.relays.Range(func(_ string, conn *relay.Conn) bool {
		if conn.Status().State == relay.StateConnected && conn.Send(data) {
			sent++
		}
		return true
	})
	return sent
}

// handleStatus applies a status change if conn is still the pooled
// connection for its URL; reports from replaced or removed connections are ignored.
func (c *Client) handleStatus(conn *relay.Conn, s relay.Status) {
	url := conn.URL()

	c.poolMu.Lock()
	cur, ok := c.relays.Load(url)
	if !ok || cur != conn {
		c.poolMu.Unlock()
		return
	}
	c.statuses[url] = s
	if s.Terminal() {
		c.relays.Delete(url)
	}
	c.updateStateLocked()
	c.poolMu.Unlock()

	switch s.State {
	case relay.StateConnected:
		c.log.Info("relay connected", "relay", url)
		c.replay(conn)
	case relay.StateError:
		metrics.IncRelayError()
		c.log.Warn("relay connection failed", "relay", url, "reason", s.Reason)
	case relay.StateDisconnected:
		c.log.Info("relay disconnected", "relay", url)
	}
}

// replay sends every registered subscription to a freshly connected relay
func (c *Client) replay(conn *relay.Conn) {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	c.subs.Range(func(id string, filters []types.Filter) bool {
		conn.SendJSON(nostr.ReqEnvelope{SubscriptionID: id, Filters: filters})
		return true
	})
}

func (c *Client) updateStateLocked() {
	c.state.Set(Aggregate(c.statuses))
}
