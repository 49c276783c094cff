// Package relay manages a single websocket connection to a Nostr relay.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"pomodoro-nostr/internal/nostr"
)

var (
	ErrClosed     = errors.New("relay connection closed")
	ErrInvalidURL = errors.New("invalid relay URL")
)

// Default connection timings
const (
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultWriteTimeout     = 10 * time.Second
	DefaultPingInterval     = 30 * time.Second
)

// Options configures a connection. OnStatus and OnMessage are called from
// the connection's own goroutines; OnMessage is called sequentially in
// frame order and must not block for long.
type Options struct {
	OnStatus  func(c *Conn, s Status)
	OnMessage func(c *Conn, data []byte)

	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	PingInterval     time.Duration
	Logger           *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = DefaultWriteTimeout
	}
	if o.PingInterval <= 0 {
		o.PingInterval = DefaultPingInterval
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Conn is one persistent connection to one relay. It never reconnects on
// its own: once Disconnected or Error it stays that way.
type Conn struct {
	url  string
	opts Options
	log  *slog.Logger

	mu      sync.Mutex
	ws      *websocket.Conn
	status  Status
	started bool
	cancel  context.CancelFunc

	writeMu  sync.Mutex
	done     chan struct{}
	doneOnce sync.Once
}

// New creates an unopened connection for the given relay URL. The URL is
// normalized; Open or Start performs the dial.
func New(relayURL string, opts Options) *Conn {
	opts = opts.withDefaults()
	normalized := nostr.NormalizeRelayURL(relayURL)
	return &Conn{
		url:    normalized,
		opts:   opts,
		log:    opts.Logger.With("relay", normalized),
		status: Connecting(),
		done:   make(chan struct{}),
	}
}

// Dial creates a connection and opens it synchronously
func Dial(ctx context.Context, relayURL string, opts Options) (*Conn, error) {
	c := New(relayURL, opts)
	if err := c.Open(ctx); err != nil {
		return c, err
	}
	return c, nil
}

// URL returns the normalized relay URL
func (c *Conn) URL() string { return c.url }

// Status returns the current connection status
func (c *Conn) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Done is closed once the connection reaches a terminal status
func (c *Conn) Done() <-chan struct{} { return c.done }

// Start dials in the background; progress is reported through OnStatus.
func (c *Conn) Start(ctx context.Context) {
	go func() {
		_ = c.Open(ctx)
	}()
}

// Open reports Connecting, performs the websocket handshake and, on
// success, reports Connected and starts the read and ping loops.
func (c *Conn) Open(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return errors.New("relay connection already opened")
	}
	c.started = true
	if c.status.Terminal() {
		c.mu.Unlock()
		return ErrClosed
	}
	dialCtx, cancel := context.WithTimeout(ctx, c.opts.HandshakeTimeout)
	c.cancel = cancel
	c.mu.Unlock()
	defer cancel()

	c.report(Connecting())

	if c.url == "" {
		c.fail(ErrInvalidURL)
		return ErrInvalidURL
	}

	dialer := websocket.Dialer{HandshakeTimeout: c.opts.HandshakeTimeout}
	ws, _, err := dialer.DialContext(dialCtx, c.url, nil)
	if err != nil {
		c.fail(err)
		return err
	}

	c.mu.Lock()
	if c.status.Terminal() {
		// Closed while dialing
		c.mu.Unlock()
		ws.Close()
		return ErrClosed
	}
	c.ws = ws
	c.status = Connected()
	c.mu.Unlock()

	c.log.Debug("relay connected")
	c.report(Connected())

	go c.readLoop(ws)
	go c.pingLoop(ws)
	return nil
}

// Send writes one text frame. It returns false if the connection is not
// open or the write fails.
func (c *Conn) Send(msg []byte) bool {
	c.mu.Lock()
	ws := c.ws
	open := c.status.State == StateConnected
	c.mu.Unlock()
	if !open || ws == nil {
		return false
	}

	c.writeMu.Lock()
	ws.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	err := ws.WriteMessage(websocket.TextMessage, msg)
	c.writeMu.Unlock()
	if err != nil {
		c.log.Debug("relay write failed", "error", err)
		go c.fail(err)
		return false
	}
	return true
}

// SendJSON encodes v and sends it as one frame
func (c *Conn) SendJSON(v interface{}) bool {
	data, err := json.Marshal(v)
	if err != nil {
		c.log.Warn("failed to encode relay message", "error", err)
		return false
	}
	return c.Send(data)
}

// Close sends a close frame with the given code and reason, then tears the
// connection down. It reports Disconnected unless already terminal.
func (c *Conn) Close(code int, reason string) {
	c.mu.Lock()
	if c.status.Terminal() {
		c.mu.Unlock()
		return
	}
	c.status = Disconnected()
	ws := c.ws
	cancel := c.cancel
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if ws != nil {
		c.writeMu.Lock()
		_ = ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
		c.writeMu.Unlock()
		ws.Close()
	}
	c.finish()
	c.report(Disconnected())
}

// fail moves the connection to Error (or Disconnected for a clean remote
// close). Only the first terminal transition is reported.
func (c *Conn) fail(err error) {
	status := Failed(err.Error())
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		status = Disconnected()
	}

	c.mu.Lock()
	if c.status.Terminal() {
		c.mu.Unlock()
		return
	}
	c.status = status
	ws := c.ws
	c.mu.Unlock()

	if ws != nil {
		ws.Close()
	}
	c.log.Debug("relay connection ended", "status", status.String())
	c.finish()
	c.report(status)
}

func (c *Conn) finish() {
	c.doneOnce.Do(func() { close(c.done) })
}

func (c *Conn) report(s Status) {
	if c.opts.OnStatus != nil {
		c.opts.OnStatus(c, s)
	}
}

// readLoop delivers frames in order until the connection ends
func (c *Conn) readLoop(ws *websocket.Conn) {
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			c.fail(err)
			return
		}
		if c.opts.OnMessage != nil {
			c.opts.OnMessage(c, data)
		}
	}
}

func (c *Conn) pingLoop(ws *websocket.Conn) {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.opts.WriteTimeout))
			c.writeMu.Unlock()
			if err != nil {
				c.fail(err)
				return
			}
		}
	}
}
