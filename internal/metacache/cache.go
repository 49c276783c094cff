// Package metacache holds the newest known profile metadata per pubkey.
package metacache

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"pomodoro-nostr/internal/broadcast"
	"pomodoro-nostr/internal/cache"
	"pomodoro-nostr/internal/metrics"
	"pomodoro-nostr/internal/nostr"
	"pomodoro-nostr/internal/types"
)

const (
	DefaultUpdateBuffer = 64
	DefaultTTL          = 24 * time.Hour
	keyPrefix           = "meta:"
)

// Options configures a Cache
type Options struct {
	// Backend persists accepted entries; nil keeps the cache in memory only
	Backend      cache.Backend
	TTL          time.Duration
	UpdateBuffer int
	Logger       *slog.Logger
}

// Cache keeps, per pubkey, the metadata with the greatest created_at seen.
// Older or equally old entries never replace a stored one. Safe for
// concurrent use.
type Cache struct {
	entries *xsync.MapOf[string, types.UserMetadata]
	// locks orders announcements and backend writes per pubkey
	locks   *xsync.MapOf[string, *sync.Mutex]
	updates *broadcast.Broadcaster[types.UserMetadata]
	backend cache.Backend
	ttl     time.Duration
	log     *slog.Logger
}

// New creates an empty cache
func New(opts Options) *Cache {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.UpdateBuffer <= 0 {
		opts.UpdateBuffer = DefaultUpdateBuffer
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	c := &Cache{
		entries: xsync.NewMapOf[string, types.UserMetadata](),
		locks:   xsync.NewMapOf[string, *sync.Mutex](),
		updates: broadcast.New[types.UserMetadata](opts.UpdateBuffer),
		backend: opts.Backend,
		ttl:     opts.TTL,
		log:     opts.Logger,
	}
	c.updates.OnDrop(metrics.IncDroppedEvent)
	return c
}

// Put stores m if it is newer than the current entry for its pubkey and
// reports whether it was stored. Accepted entries are announced on Updates
// and written to the backend in created_at order; an entry superseded before
// its turn is skipped.
func (c *Cache) Put(m types.UserMetadata) bool {
	if m.PubKey == "" {
		return false
	}
	accepted := false
	c.entries.Compute(m.PubKey, func(old types.UserMetadata, loaded bool) (types.UserMetadata, bool) {
		if loaded && m.CreatedAt <= old.CreatedAt {
			return old, false
		}
		accepted = true
		return m, false
	})
	if !accepted {
		return false
	}
	mu, _ := c.locks.LoadOrCompute(m.PubKey, func() *sync.Mutex { return &sync.Mutex{} })
	mu.Lock()
	defer mu.Unlock()
	if cur, ok := c.entries.Load(m.PubKey); ok && cur.CreatedAt == m.CreatedAt {
		c.updates.Publish(m)
		c.persist(m)
	}
	return true
}

// PutEvent parses a kind 0 event and stores it
func (c *Cache) PutEvent(evt *types.Event) bool {
	if evt.Kind != types.KindMetadata {
		return false
	}
	m, err := types.ParseUserMetadata(evt)
	if err != nil {
		c.log.Debug("skipping unparseable metadata", "pubkey", nostr.ShortID(evt.PubKey), "error", err)
		return false
	}
	return c.Put(m)
}

// Get returns the stored metadata for pubkey
func (c *Cache) Get(pubkey string) (types.UserMetadata, bool) {
	m, ok := c.entries.Load(pubkey)
	if ok {
		metrics.IncrementCacheHit()
	} else {
		metrics.IncrementCacheMiss()
	}
	return m, ok
}

// Contains reports whether pubkey has an entry
func (c *Cache) Contains(pubkey string) bool {
	_, ok := c.entries.Load(pubkey)
	return ok
}

// Missing returns the pubkeys without an entry, in input order
func (c *Cache) Missing(pubkeys []string) []string {
	var out []string
	for _, pk := range pubkeys {
		if !c.Contains(pk) {
			out = append(out, pk)
		}
	}
	return out
}

// Len returns the number of cached pubkeys
func (c *Cache) Len() int {
	return c.entries.Size()
}

// Clear drops every in-memory entry
func (c *Cache) Clear() {
	c.entries.Clear()
}

// Updates subscribes to accepted entries. A listener that falls behind loses
// the newest updates once its buffer is full.
func (c *Cache) Updates() (<-chan types.UserMetadata, func()) {
	return c.updates.Subscribe()
}

// Load pulls persisted entries for the given pubkeys from the backend. They
// go through Put, so newer in-memory entries win.
func (c *Cache) Load(ctx context.Context, pubkeys []string) int {
	if c.backend == nil || len(pubkeys) == 0 {
		return 0
	}
	keys := make([]string, len(pubkeys))
	for i, pk := range pubkeys {
		keys[i] = keyPrefix + pk
	}
	found, err := c.backend.GetMultiple(ctx, keys)
	if err != nil {
		c.log.Warn("metadata backend read failed", "error", err)
		return 0
	}
	loaded := 0
	for _, data := range found {
		var rec record
		if err := json.Unmarshal(data, &rec); err != nil {
			continue
		}
		if c.Put(rec.metadata()) {
			loaded++
		}
	}
	return loaded
}

// persist writes m to the backend. Callers hold the pubkey's lock.
func (c *Cache) persist(m types.UserMetadata) {
	if c.backend == nil {
		return
	}
	data, err := json.Marshal(newRecord(m))
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := c.backend.Set(ctx, keyPrefix+m.PubKey, data, c.ttl); err != nil {
		c.log.Warn("metadata backend write failed", "pubkey", nostr.ShortID(m.PubKey), "error", err)
	}
}

// record is the persisted form; UserMetadata hides pubkey and created_at
// from its kind 0 JSON.
type record struct {
	PubKey    string             `json:"pubkey"`
	CreatedAt int64              `json:"created_at"`
	Metadata  types.UserMetadata `json:"metadata"`
}

func newRecord(m types.UserMetadata) record {
	return record{PubKey: m.PubKey, CreatedAt: m.CreatedAt, Metadata: m}
}

func (r record) metadata() types.UserMetadata {
	m := r.Metadata
	m.PubKey = r.PubKey
	m.CreatedAt = r.CreatedAt
	return m
}
