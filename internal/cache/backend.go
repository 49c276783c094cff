// Package cache provides key/value backends for persisting fetched data.
package cache

import (
	"context"
	"fmt"
	"time"
)

// Backend is a shared key/value store with per-entry expiry. Missing keys
// are not an error.
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// GetMultiple returns the found keys only
	GetMultiple(ctx context.Context, keys []string) (map[string][]byte, error)
	Close() error
}

// Config selects and tunes a backend
type Config struct {
	Backend  string // "memory" or "redis"
	RedisURL string
	Prefix   string
	MaxSize  int
}

// Open builds the backend named by cfg.Backend
func Open(cfg Config) (Backend, error) {
	switch cfg.Backend {
	case "", "memory":
		size := cfg.MaxSize
		if size <= 0 {
			size = 10000
		}
		return NewMemoryCache(size, time.Minute), nil
	case "redis":
		return NewRedis(cfg.RedisURL, cfg.Prefix)
	}
	return nil, fmt.Errorf("unknown cache backend %q", cfg.Backend)
}
