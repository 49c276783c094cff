// Package bridge forwards completed Pomodoro sessions seen on relays to an
// MQTT broker so that local automations can react to them.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"pomodoro-nostr/internal/types"
)

const publishTimeout = 5 * time.Second

// ErrNotSession is returned for events that are not session completions
var ErrNotSession = errors.New("not a session event")

// Payload is the JSON document published for each session
type Payload struct {
	ID          string `json:"id"`
	PubKey      string `json:"pubkey"`
	CompletedAt int64  `json:"completed_at"`
	DurationMin int    `json:"duration_min"`
	Level       string `json:"level,omitempty"`
}

// SessionPayload converts a session event into its MQTT payload
func SessionPayload(evt types.Event) ([]byte, error) {
	if evt.Kind != types.KindSessionCompleted {
		return nil, ErrNotSession
	}
	p := Payload{
		ID:          evt.ID,
		PubKey:      evt.PubKey,
		CompletedAt: evt.CreatedAt,
		Level:       evt.TagValue("level"),
	}
	if d := evt.TagValue("duration"); d != "" {
		n, err := strconv.Atoi(d)
		if err != nil {
			return nil, fmt.Errorf("bad duration tag %q: %w", d, err)
		}
		p.DurationMin = n
	}
	return json.Marshal(p)
}

// Topic returns the per-author topic under base
func Topic(base, pubkey string) string {
	return base + "/" + pubkey
}

type publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// Bridge publishes sessions to MQTT
type Bridge struct {
	client publisher
	base   string
	log    *slog.Logger
	close  func()
}

// Config selects the broker and topic
type Config struct {
	Broker   string
	Topic    string
	ClientID string
}

// Dial connects to the broker
func Dial(cfg Config, logger *slog.Logger) (*Bridge, error) {
	if logger == nil {
		logger = slog.Default()
	}
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetConnectTimeout(10 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetAutoReconnect(true)
	opts.SetCleanSession(true)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.Warn("mqtt connection lost", "broker", cfg.Broker, "error", err)
	})
	opts.SetOnConnectHandler(func(mqtt.Client) {
		logger.Info("mqtt connected", "broker", cfg.Broker)
	})

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("connect to mqtt broker: %w", token.Error())
	}
	b := newBridge(client, cfg.Topic, logger)
	b.close = func() { client.Disconnect(250) }
	return b, nil
}

func newBridge(p publisher, base string, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{client: p, base: base, log: logger, close: func() {}}
}

// Send publishes one session
func (b *Bridge) Send(evt types.Event) error {
	payload, err := SessionPayload(evt)
	if err != nil {
		return err
	}
	token := b.client.Publish(Topic(b.base, evt.PubKey), 1, false, payload)
	if !token.WaitTimeout(publishTimeout) {
		return errors.New("mqtt publish timed out")
	}
	return token.Error()
}

// Forward sends every event from events until ctx ends or events closes
func (b *Bridge) Forward(ctx context.Context, events <-chan types.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			if err := b.Send(evt); err != nil {
				b.log.Warn("mqtt forward failed", "event_id", evt.ID, "error", err)
				continue
			}
			b.log.Debug("session forwarded", "event_id", evt.ID)
		}
	}
}

// Close disconnects from the broker
func (b *Bridge) Close() {
	b.close()
}
