package signer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nbd-wtf/go-nostr/nip44"

	"pomodoro-nostr/internal/nostr"
	"pomodoro-nostr/internal/relay"
	"pomodoro-nostr/internal/types"
)

// KindNostrConnect is the NIP-46 request/response kind
const KindNostrConnect uint16 = 24133

// DefaultBunkerTimeout bounds one request/response round trip
const DefaultBunkerTimeout = 30 * time.Second

const closeNormal = 1000

var ErrNotConnected = errors.New("not connected to bunker")

// BunkerConfig is the parsed form of a bunker:// URL
type BunkerConfig struct {
	RemotePubKey string
	Relays       []string
	Secret       string
}

// ParseBunkerURL parses bunker://<remote-pubkey>?relay=<wss://...>&secret=<optional>
func ParseBunkerURL(raw string) (BunkerConfig, error) {
	if !strings.HasPrefix(raw, "bunker://") {
		return BunkerConfig{}, errors.New("invalid bunker URL: must start with bunker://")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return BunkerConfig{}, fmt.Errorf("invalid bunker URL: %w", err)
	}
	if !nostr.IsHex64(u.Host) {
		return BunkerConfig{}, errors.New("invalid remote signer pubkey in bunker URL")
	}
	relays := nostr.NormalizeRelayURLs(u.Query()["relay"])
	if len(relays) == 0 {
		return BunkerConfig{}, errors.New("bunker URL must specify at least one relay")
	}
	return BunkerConfig{
		RemotePubKey: strings.ToLower(u.Host),
		Relays:       relays,
		Secret:       u.Query().Get("secret"),
	}, nil
}

// BunkerOptions tunes a Bunker
type BunkerOptions struct {
	Timeout time.Duration
	Relay   relay.Options
	Logger  *slog.Logger
}

type bunkerRequest struct {
	ID     string   `json:"id"`
	Method string   `json:"method"`
	Params []string `json:"params"`
}

type bunkerResponse struct {
	ID     string `json:"id"`
	Result string `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Bunker signs through a remote NIP-46 signer. It talks to the signer with
// a disposable client key over the relays named in the bunker URL.
type Bunker struct {
	cfg      BunkerConfig
	clientSK string
	clientPK string
	convKey  [32]byte
	timeout  time.Duration
	relay    relay.Options
	log      *slog.Logger

	mu     sync.Mutex
	userPK string
}

// NewBunker prepares a Bunker; Connect must succeed before Sign
func NewBunker(cfg BunkerConfig, opts BunkerOptions) (*Bunker, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultBunkerTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	sk, err := nostr.GeneratePrivateKey()
	if err != nil {
		return nil, fmt.Errorf("generate client key: %w", err)
	}
	pk, err := nostr.GetPublicKey(sk)
	if err != nil {
		return nil, err
	}
	key, err := nip44.GenerateConversationKey(cfg.RemotePubKey, sk)
	if err != nil {
		return nil, fmt.Errorf("conversation key: %w", err)
	}
	return &Bunker{
		cfg:      cfg,
		clientSK: sk,
		clientPK: pk,
		convKey:  key,
		timeout:  opts.Timeout,
		relay:    opts.Relay,
		log:      opts.Logger.With("component", "bunker"),
	}, nil
}

// Connect performs the connect handshake and learns the user's pubkey
func (b *Bunker) Connect(ctx context.Context) error {
	params := []string{b.cfg.RemotePubKey}
	if b.cfg.Secret != "" {
		params = append(params, b.cfg.Secret)
	}
	result, err := b.request(ctx, "connect", params)
	if err != nil {
		return fmt.Errorf("connect failed: %w", err)
	}
	if result != "ack" && (b.cfg.Secret == "" || result != b.cfg.Secret) {
		return fmt.Errorf("unexpected connect response: %s", result)
	}

	userPK, err := b.request(ctx, "get_public_key", []string{})
	if err != nil {
		return fmt.Errorf("get_public_key failed: %w", err)
	}
	if !nostr.IsHex64(userPK) {
		return fmt.Errorf("invalid user pubkey %q", userPK)
	}

	b.mu.Lock()
	b.userPK = strings.ToLower(userPK)
	b.mu.Unlock()
	b.log.Info("connected to bunker", "pubkey", nostr.ShortID(userPK))
	return nil
}

// PublicKey returns the user's pubkey, empty before Connect
func (b *Bunker) PublicKey() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.userPK
}

// Sign asks the remote signer to sign tmpl and checks what comes back
func (b *Bunker) Sign(ctx context.Context, tmpl types.Event) (Result, error) {
	userPK := b.PublicKey()
	if userPK == "" {
		return Result{}, ErrNotConnected
	}
	if tmpl.Tags == nil {
		tmpl.Tags = [][]string{}
	}
	unsigned, err := json.Marshal(map[string]interface{}{
		"kind":       tmpl.Kind,
		"content":    tmpl.Content,
		"tags":       tmpl.Tags,
		"created_at": tmpl.CreatedAt,
	})
	if err != nil {
		return Result{}, err
	}

	result, err := b.request(ctx, "sign_event", []string{string(unsigned)})
	if err != nil {
		return Result{}, fmt.Errorf("sign_event failed: %w", err)
	}
	evt, err := nostr.ParseEvent([]byte(result))
	if err != nil {
		return Result{}, err
	}
	if evt.Sig == "" || evt.PubKey != userPK || evt.Kind != tmpl.Kind || evt.Content != tmpl.Content {
		return Result{}, ErrMismatch
	}
	return Signed(evt), nil
}

// request sends one RPC, trying each relay in turn until one answers
func (b *Bunker) request(ctx context.Context, method string, params []string) (string, error) {
	req := bunkerRequest{ID: uuid.NewString(), Method: method, Params: params}
	payload, err := json.Marshal(req)
	if err != nil {
		return "", err
	}
	content, err := nip44.Encrypt(string(payload), b.convKey)
	if err != nil {
		return "", fmt.Errorf("encryption failed: %w", err)
	}
	evt := types.Event{
		CreatedAt: time.Now().Unix(),
		Kind:      KindNostrConnect,
		Tags:      [][]string{{"p", b.cfg.RemotePubKey}},
		Content:   content,
	}
	if err := nostr.SignEvent(&evt, b.clientSK); err != nil {
		return "", err
	}

	var lastErr error
	for _, relayURL := range b.cfg.Relays {
		result, err := b.requestVia(ctx, relayURL, evt, req.ID)
		if err == nil {
			return result, nil
		}
		var rejected rpcError
		if errors.As(err, &rejected) {
			return "", err
		}
		b.log.Debug("bunker relay failed", "relay", relayURL, "method", method, "error", err)
		lastErr = err
	}
	return "", fmt.Errorf("all relays failed: %w", lastErr)
}

// rpcError is an error reported by the remote signer itself
type rpcError string

func (e rpcError) Error() string { return string(e) }

func (b *Bunker) requestVia(ctx context.Context, relayURL string, evt types.Event, reqID string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	frames := make(chan []byte, 32)
	opts := b.relay
	opts.Logger = b.log
	opts.OnStatus = nil
	opts.OnMessage = func(_ *relay.Conn, data []byte) {
		select {
		case frames <- data:
		case <-ctx.Done():
		}
	}

	conn, err := relay.Dial(ctx, relayURL, opts)
	if err != nil {
		return "", err
	}
	defer conn.Close(closeNormal, "bunker request done")

	subID := "nip46-" + reqID[:8]
	filter := types.Filter{
		Kinds: []uint16{KindNostrConnect},
		PTags: []string{b.clientPK},
		Since: types.Int64Ptr(evt.CreatedAt - 10),
	}
	if !conn.SendJSON(nostr.ReqEnvelope{SubscriptionID: subID, Filters: []types.Filter{filter}}) {
		return "", relay.ErrClosed
	}
	if !conn.SendJSON(nostr.EventEnvelope{Event: evt}) {
		return "", relay.ErrClosed
	}

	for {
		select {
		case data := <-frames:
			resp, ok := b.decodeResponse(data, subID)
			if !ok || resp.ID != reqID {
				continue
			}
			if resp.Error != "" {
				return "", rpcError(resp.Error)
			}
			return resp.Result, nil
		case <-conn.Done():
			return "", relay.ErrClosed
		case <-ctx.Done():
			return "", errors.New("timeout waiting for response")
		}
	}
}

// decodeResponse extracts a response from a frame if it is a valid event
// from the remote signer on our subscription.
func (b *Bunker) decodeResponse(data []byte, subID string) (bunkerResponse, bool) {
	env, err := nostr.ParseEnvelope(data)
	if err != nil {
		return bunkerResponse{}, false
	}
	switch e := env.(type) {
	case nostr.EventEnvelope:
		if e.SubscriptionID != subID || e.Event.PubKey != b.cfg.RemotePubKey {
			return bunkerResponse{}, false
		}
		if err := nostr.ValidateSignedEvent(&e.Event); err != nil {
			return bunkerResponse{}, false
		}
		plain, err := nip44.Decrypt(e.Event.Content, b.convKey)
		if err != nil {
			b.log.Debug("failed to decrypt bunker response", "error", err)
			return bunkerResponse{}, false
		}
		var resp bunkerResponse
		if err := json.Unmarshal([]byte(plain), &resp); err != nil {
			return bunkerResponse{}, false
		}
		return resp, true
	case nostr.NoticeEnvelope:
		b.log.Debug("relay notice", "message", e.Message)
	}
	return bunkerResponse{}, false
}
