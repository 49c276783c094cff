package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"pomodoro-nostr/internal/cache"
	"pomodoro-nostr/internal/client"
	"pomodoro-nostr/internal/config"
	"pomodoro-nostr/internal/contacts"
	"pomodoro-nostr/internal/metacache"
	"pomodoro-nostr/internal/nostr"
	"pomodoro-nostr/internal/query"
	"pomodoro-nostr/internal/relay"
	"pomodoro-nostr/internal/services"
	"pomodoro-nostr/internal/signer"
	"pomodoro-nostr/internal/store"
)

const connectTimeout = 10 * time.Second

var errNoIdentity = errors.New("no identity configured: set identity.nsec, identity.bunker or identity.pubkey (see `pomodoro-nostr identity new`)")

// app wires the configured components for one command invocation. Parts
// are opened on first use and released by close.
type app struct {
	cfg *config.Config
	log *slog.Logger
	out io.Writer
	in  *bufio.Reader

	runner  *query.Runner
	signer  signer.Signer
	store   *store.Store
	backend cache.Backend
	meta    *metacache.Cache
	pool    *client.Client
}

func newApp(cfg *config.Config, logger *slog.Logger, out io.Writer, in io.Reader) *app {
	return &app{
		cfg:    cfg,
		log:    logger,
		out:    out,
		in:     bufio.NewReader(in),
		runner: query.NewRunner(relay.Options{}, logger),
	}
}

func (a *app) close() {
	if a.pool != nil {
		a.pool.Shutdown()
	}
	if a.backend != nil {
		if err := a.backend.Close(); err != nil {
			a.log.Warn("close cache backend", "error", err)
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn("close store", "error", err)
		}
	}
}

// identity returns the configured signer, connecting to a bunker if needed
func (a *app) identity(ctx context.Context) (signer.Signer, error) {
	if a.signer != nil {
		return a.signer, nil
	}
	id := a.cfg.Identity
	switch {
	case id.Bunker != "":
		bc, err := signer.ParseBunkerURL(id.Bunker)
		if err != nil {
			return nil, err
		}
		b, err := signer.NewBunker(bc, signer.BunkerOptions{Logger: a.log})
		if err != nil {
			return nil, err
		}
		if err := b.Connect(ctx); err != nil {
			return nil, fmt.Errorf("connect to bunker: %w", err)
		}
		a.signer = b
	case id.Nsec != "":
		l, err := signer.NewLocal(id.Nsec)
		if err != nil {
			return nil, err
		}
		a.signer = l
	case id.PubKey != "":
		e, err := signer.NewExternal(id.PubKey)
		if err != nil {
			return nil, err
		}
		a.signer = e
	default:
		return nil, errNoIdentity
	}
	a.log.Debug("identity loaded", "pubkey", nostr.ShortID(a.signer.PublicKey()))
	return a.signer, nil
}

func (a *app) openStore() (*store.Store, error) {
	if a.store == nil {
		s, err := store.Open(a.cfg.Store.Path)
		if err != nil {
			return nil, err
		}
		a.store = s
	}
	return a.store, nil
}

func (a *app) contacts(ctx context.Context) (*contacts.Manager, error) {
	s, err := a.identity(ctx)
	if err != nil {
		return nil, err
	}
	st, err := a.openStore()
	if err != nil {
		return nil, err
	}
	return contacts.NewManager(s.PublicKey(), st), nil
}

func (a *app) metadataCache() (*metacache.Cache, error) {
	if a.meta == nil {
		backend, err := cache.Open(cache.Config{
			Backend:  a.cfg.Cache.Backend,
			RedisURL: a.cfg.Cache.Redis.URL,
			Prefix:   "pomodoro:",
		})
		if err != nil {
			return nil, fmt.Errorf("open cache: %w", err)
		}
		a.backend = backend
		a.meta = metacache.New(metacache.Options{Backend: backend, TTL: a.cfg.Cache.TTL, Logger: a.log})
	}
	return a.meta, nil
}

// client connects the pool to the default relays and waits for the first
func (a *app) client(ctx context.Context) (*client.Client, error) {
	if a.pool != nil {
		return a.pool, nil
	}
	a.pool = client.New(client.Options{Logger: a.log})
	a.pool.Connect(a.cfg.Relays.Default)

	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if err := a.pool.WaitConnected(ctx); err != nil {
		return nil, fmt.Errorf("no relay connected: %w", err)
	}
	return a.pool, nil
}

// finish completes a pending signing request by reading the signed event
// JSON from the input. complete is the service's CompletePending.
func (a *app) finish(ctx context.Context, out services.Outcome, complete func(context.Context, string, string) (services.Outcome, error)) (services.Outcome, error) {
	if out.Pending == nil {
		return out, nil
	}
	fmt.Fprintln(a.out, "Sign this request with your signer app:")
	fmt.Fprintln(a.out, out.Pending.URI)
	fmt.Fprint(a.out, "Paste the signed event JSON: ")
	line, err := a.in.ReadString('\n')
	if err != nil && strings.TrimSpace(line) == "" {
		return out, fmt.Errorf("read signed event: %w", err)
	}
	return complete(ctx, out.Pending.RequestID, strings.TrimSpace(line))
}

func (a *app) report(out services.Outcome) {
	if out.Event == nil {
		return
	}
	status := "not sent (no relay connected)"
	if out.Sent {
		status = "sent"
	}
	fmt.Fprintf(a.out, "event %s %s\n", out.Event.ID, status)
	for _, r := range out.Relays {
		switch {
		case r.Err != nil:
			fmt.Fprintf(a.out, "  %s: %v\n", r.Relay, r.Err)
		case r.Accepted:
			fmt.Fprintf(a.out, "  %s: accepted\n", r.Relay)
		case r.Answered:
			fmt.Fprintf(a.out, "  %s: rejected %s\n", r.Relay, r.Message)
		default:
			fmt.Fprintf(a.out, "  %s: no answer\n", r.Relay)
		}
	}
}
