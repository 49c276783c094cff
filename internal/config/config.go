// Package config loads settings from defaults, a YAML file, a .env file,
// POMODORO_ environment variables and command-line flags, in that order.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/dotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/pflag"

	"pomodoro-nostr/internal/nostr"
)

// EnvPrefix marks variables that belong to us
const EnvPrefix = "POMODORO_"

// Default relay sets
var (
	DefaultRelays       = []string{"wss://relay.damus.io", "wss://relay.primal.net", "wss://nos.lol", "wss://relay.nostr.band"}
	DefaultSearchRelays = []string{"wss://relay.nostr.band", "wss://search.nos.today"}
	DefaultSocialRelays = []string{"wss://relay.damus.io", "wss://relay.primal.net", "wss://nos.lol"}
)

// Relays lists the relay sets used by each feature
type Relays struct {
	Default  []string `koanf:"default"`
	Search   []string `koanf:"search"`
	Friends  []string `koanf:"friends"`
	Rankings []string `koanf:"rankings"`
	Metadata []string `koanf:"metadata"`
}

// Identity selects how events are signed. At most one of Nsec and Bunker is
// used; PubKey alone means an external signer.
type Identity struct {
	Nsec   string `koanf:"nsec"`
	PubKey string `koanf:"pubkey"`
	Bunker string `koanf:"bunker"`
}

// Cache configures the metadata cache backend
type Cache struct {
	Backend string        `koanf:"backend"`
	TTL     time.Duration `koanf:"ttl"`
	Redis   struct {
		URL string `koanf:"url"`
	} `koanf:"redis"`
}

// MQTT configures the session bridge; an empty broker disables it
type MQTT struct {
	Broker   string `koanf:"broker"`
	Topic    string `koanf:"topic"`
	ClientID string `koanf:"clientid"`
}

// Config is the resolved configuration
type Config struct {
	Log struct {
		Level string `koanf:"level"`
	} `koanf:"log"`
	Relays   Relays   `koanf:"relays"`
	Identity Identity `koanf:"identity"`
	Cache    Cache    `koanf:"cache"`
	Store    struct {
		Path string `koanf:"path"`
	} `koanf:"store"`
	MQTT    MQTT `koanf:"mqtt"`
	Metrics struct {
		Addr string `koanf:"addr"`
	} `koanf:"metrics"`
}

// Options tells Load where to look
type Options struct {
	// File is the YAML config path; empty means ~/.pomodoro-nostr.yaml
	File string
	// EnvFile is the dotenv path; empty means .env in the working directory
	EnvFile string
	// Flags are applied last, and only those explicitly set
	Flags *pflag.FlagSet
}

// flagKeys maps flag names that do not follow the dash-to-dot rule
var flagKeys = map[string]string{
	"relays":        "relays.default",
	"nsec":          "identity.nsec",
	"pubkey":        "identity.pubkey",
	"bunker":        "identity.bunker",
	"store":         "store.path",
	"redis-url":     "cache.redis.url",
	"mqtt-broker":   "mqtt.broker",
	"mqtt-topic":    "mqtt.topic",
	"metrics-addr":  "metrics.addr",
	"log-level":     "log.level",
	"cache-backend": "cache.backend",
}

// Load resolves the configuration
func Load(opts Options) (*Config, error) {
	k := koanf.New(".")
	setDefaults(k)

	path := opts.File
	explicit := path != ""
	if !explicit {
		if home, err := os.UserHomeDir(); err == nil {
			path = filepath.Join(home, ".pomodoro-nostr.yaml")
		}
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			if explicit || !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("load config file: %w", err)
			}
		}
	}

	envFile := opts.EnvFile
	if envFile == "" {
		envFile = ".env"
	}
	if err := loadEnvFile(k, envFile); err != nil {
		return nil, err
	}

	if err := k.Load(env.ProviderWithValue(EnvPrefix, ".", envValue), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	if opts.Flags != nil {
		opts.Flags.Visit(func(f *pflag.Flag) {
			k.Set(flagKey(f.Name), flagValue(f))
		})
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(k *koanf.Koanf) {
	home, _ := os.UserHomeDir()
	k.Set("log.level", "info")
	k.Set("relays.default", DefaultRelays)
	k.Set("relays.search", DefaultSearchRelays)
	k.Set("relays.friends", DefaultSocialRelays)
	k.Set("relays.rankings", DefaultSocialRelays)
	k.Set("relays.metadata", DefaultSocialRelays)
	k.Set("cache.backend", "memory")
	k.Set("cache.ttl", "24h")
	k.Set("store.path", filepath.Join(home, ".pomodoro-nostr", "pomodoro.db"))
	k.Set("mqtt.topic", "pomodoro/sessions")
	k.Set("mqtt.clientid", "pomodoro-nostr")
}

// envKey turns POMODORO_RELAYS_DEFAULT into relays.default
func envKey(s string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "_", ".")
}

// envValue splits comma lists so relay sets can come from one variable
func envValue(key, value string) (string, interface{}) {
	k := envKey(key)
	if strings.HasPrefix(k, "relays.") {
		return k, splitList(value)
	}
	return k, value
}

// loadEnvFile copies POMODORO_ entries from a dotenv file
func loadEnvFile(k *koanf.Koanf, path string) error {
	if _, err := os.Stat(path); err != nil {
		return nil
	}
	tmp := koanf.New(".")
	if err := tmp.Load(file.Provider(path), dotenv.Parser()); err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	for _, key := range tmp.Keys() {
		if !strings.HasPrefix(key, EnvPrefix) {
			continue
		}
		name, value := envValue(key, tmp.String(key))
		k.Set(name, value)
	}
	return nil
}

func flagKey(name string) string {
	if key, ok := flagKeys[name]; ok {
		return key
	}
	return strings.ReplaceAll(name, "-", ".")
}

func flagValue(f *pflag.Flag) interface{} {
	if sv, ok := f.Value.(pflag.SliceValue); ok {
		return sv.GetSlice()
	}
	return f.Value.String()
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// normalize cleans relay URLs and checks enumerated values
func (c *Config) normalize() error {
	c.Relays.Default = nostr.NormalizeRelayURLs(c.Relays.Default)
	c.Relays.Search = nostr.NormalizeRelayURLs(c.Relays.Search)
	c.Relays.Friends = nostr.NormalizeRelayURLs(c.Relays.Friends)
	c.Relays.Rankings = nostr.NormalizeRelayURLs(c.Relays.Rankings)
	c.Relays.Metadata = nostr.NormalizeRelayURLs(c.Relays.Metadata)

	switch c.Cache.Backend {
	case "memory", "redis":
	default:
		return fmt.Errorf("invalid cache.backend %q (want memory or redis)", c.Cache.Backend)
	}
	if c.Cache.Backend == "redis" && c.Cache.Redis.URL == "" {
		return errors.New("cache.redis.url is required for the redis backend")
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("invalid log.level %q", c.Log.Level)
	}
	if c.Identity.Nsec != "" && c.Identity.Bunker != "" {
		return errors.New("identity.nsec and identity.bunker are mutually exclusive")
	}
	return nil
}
