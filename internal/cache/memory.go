package cache

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
)

// MemoryCache is an in-process Backend with per-entry expiry and a size cap
// enforced by a background sweep.
type MemoryCache struct {
	data     *xsync.MapOf[string, memoryEntry]
	maxSize  int
	interval time.Duration
	stopCh   chan struct{}
	stopOnce sync.Once
	now      func() time.Time
}

type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

// NewMemoryCache creates a cache holding at most maxSize entries after each
// sweep; sweeps run every cleanupInterval.
func NewMemoryCache(maxSize int, cleanupInterval time.Duration) *MemoryCache {
	mc := &MemoryCache{
		data:     xsync.NewMapOf[string, memoryEntry](),
		maxSize:  maxSize,
		interval: cleanupInterval,
		stopCh:   make(chan struct{}),
		now:      time.Now,
	}
	go mc.sweepLoop()
	return mc
}

func (m *MemoryCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	e, ok := m.data.Load(key)
	if !ok {
		return nil, false, nil
	}
	if m.now().After(e.expiresAt) {
		m.data.Delete(key)
		return nil, false, nil
	}
	return e.value, true, nil
}

func (m *MemoryCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.data.Store(key, memoryEntry{value: value, expiresAt: m.now().Add(ttl)})
	return nil
}

func (m *MemoryCache) GetMultiple(ctx context.Context, keys []string) (map[string][]byte, error) {
	result := make(map[string][]byte, len(keys))
	for _, key := range keys {
		if v, ok, _ := m.Get(ctx, key); ok {
			result[key] = v
		}
	}
	return result, nil
}

func (m *MemoryCache) Close() error {
	m.stopOnce.Do(func() { close(m.stopCh) })
	return nil
}

// Len returns the number of stored entries, expired ones included
func (m *MemoryCache) Len() int {
	return m.data.Size()
}

func (m *MemoryCache) sweepLoop() {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

// sweep drops expired entries, then the soonest-expiring ones beyond maxSize
func (m *MemoryCache) sweep() {
	now := m.now()
	type live struct {
		key       string
		expiresAt time.Time
	}
	var remaining []live
	m.data.Range(func(k string, e memoryEntry) bool {
		if now.After(e.expiresAt) {
			m.data.Delete(k)
		} else {
			remaining = append(remaining, live{k, e.expiresAt})
		}
		return true
	})

	if len(remaining) <= m.maxSize {
		return
	}
	sort.Slice(remaining, func(i, j int) bool {
		return remaining[i].expiresAt.Before(remaining[j].expiresAt)
	})
	for _, e := range remaining[:len(remaining)-m.maxSize] {
		m.data.Delete(e.key)
	}
}
