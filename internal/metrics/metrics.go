// Package metrics keeps process-wide counters and serves them in Prometheus text format.
package metrics

import (
	"fmt"
	"net/http"
	"runtime"
	"sort"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"pomodoro-nostr/internal/relay"
)

// Relay metrics
var (
	malformedFrames  atomic.Int64
	invalidEvents    atomic.Int64
	droppedEvents    atomic.Int64
	eventsPublished  atomic.Int64
	relayErrors      atomic.Int64
	malformedByRelay = xsync.NewMapOf[string, *atomic.Int64]()
)

// Cache metrics
var (
	cacheHitsTotal   atomic.Int64
	cacheMissesTotal atomic.Int64
)

var startTime = time.Now()

// IncMalformedFrame counts an undecodable frame from the given relay
func IncMalformedFrame(relayURL string) {
	malformedFrames.Add(1)
	c, _ := malformedByRelay.LoadOrCompute(relayURL, func() *atomic.Int64 { return new(atomic.Int64) })
	c.Add(1)
}

// IncInvalidEvent counts an event rejected by id or signature validation
func IncInvalidEvent() { invalidEvents.Add(1) }

// IncDroppedEvent counts a broadcast delivery dropped because a listener was full
func IncDroppedEvent() { droppedEvents.Add(1) }

// IncPublished counts an event written to at least one relay
func IncPublished() { eventsPublished.Add(1) }

// IncRelayError counts a relay connection ending in error
func IncRelayError() { relayErrors.Add(1) }

// IncrementCacheHit increments the cache hit counter
func IncrementCacheHit() { cacheHitsTotal.Add(1) }

// IncrementCacheMiss increments the cache miss counter
func IncrementCacheMiss() { cacheMissesTotal.Add(1) }

// Counters is a point-in-time copy of the counters
type Counters struct {
	MalformedFrames int64
	InvalidEvents   int64
	DroppedEvents   int64
	EventsPublished int64
	RelayErrors     int64
	CacheHits       int64
	CacheMisses     int64
}

// Snapshot returns the current counter values
func Snapshot() Counters {
	return Counters{
		MalformedFrames: malformedFrames.Load(),
		InvalidEvents:   invalidEvents.Load(),
		DroppedEvents:   droppedEvents.Load(),
		EventsPublished: eventsPublished.Load(),
		RelayErrors:     relayErrors.Load(),
		CacheHits:       cacheHitsTotal.Load(),
		CacheMisses:     cacheMissesTotal.Load(),
	}
}

// MalformedFrom returns the malformed frame count for one relay
func MalformedFrom(relayURL string) int64 {
	if c, ok := malformedByRelay.Load(relayURL); ok {
		return c.Load()
	}
	return 0
}

// StatusSource exposes per-relay connection status
type StatusSource interface {
	RelayStatuses() map[string]relay.Status
}

// Handler serves Prometheus-compatible metrics. src may be nil.
func Handler(src StatusSource) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

		fmt.Fprintf(w, "# HELP process_uptime_seconds Time since process started\n")
		fmt.Fprintf(w, "# TYPE process_uptime_seconds gauge\n")
		fmt.Fprintf(w, "process_uptime_seconds %.0f\n\n", time.Since(startTime).Seconds())

		fmt.Fprintf(w, "# HELP go_goroutines Number of active goroutines\n")
		fmt.Fprintf(w, "# TYPE go_goroutines gauge\n")
		fmt.Fprintf(w, "go_goroutines %d\n\n", runtime.NumGoroutine())

		s := Snapshot()
		counter(w, "nostr_frames_malformed_total", "Inbound frames that could not be decoded", s.MalformedFrames)
		counter(w, "nostr_events_invalid_total", "Inbound events rejected by id or signature check", s.InvalidEvents)
		counter(w, "nostr_events_dropped_total", "Events dropped due to full listener buffers", s.DroppedEvents)
		counter(w, "nostr_events_published_total", "Events written to at least one relay", s.EventsPublished)
		counter(w, "nostr_relay_errors_total", "Relay connections that ended in error", s.RelayErrors)
		counter(w, "cache_hits_total", "Total metadata cache hits", s.CacheHits)
		counter(w, "cache_misses_total", "Total metadata cache misses", s.CacheMisses)

		var relays []string
		malformedByRelay.Range(func(k string, _ *atomic.Int64) bool {
			relays = append(relays, k)
			return true
		})
		if len(relays) > 0 {
			sort.Strings(relays)
			fmt.Fprintf(w, "# HELP nostr_relay_frames_malformed_total Malformed frames per relay\n")
			fmt.Fprintf(w, "# TYPE nostr_relay_frames_malformed_total counter\n")
			for _, u := range relays {
				fmt.Fprintf(w, "nostr_relay_frames_malformed_total{relay=%q} %d\n", u, MalformedFrom(u))
			}
			fmt.Fprintf(w, "\n")
		}

		if src == nil {
			return
		}
		statuses := src.RelayStatuses()
		urls := make([]string, 0, len(statuses))
		for u := range statuses {
			urls = append(urls, u)
		}
		sort.Strings(urls)
		fmt.Fprintf(w, "# HELP nostr_relay_connected Whether relay is connected (1) or not (0)\n")
		fmt.Fprintf(w, "# TYPE nostr_relay_connected gauge\n")
		for _, u := range urls {
			v := 0
			if statuses[u].State == relay.StateConnected {
				v = 1
			}
			fmt.Fprintf(w, "nostr_relay_connected{relay=%q,state=%q} %d\n", u, statuses[u].State.String(), v)
		}
	})
}

func counter(w http.ResponseWriter, name, help string, v int64) {
	fmt.Fprintf(w, "# HELP %s %s\n", name, help)
	fmt.Fprintf(w, "# TYPE %s counter\n", name)
	fmt.Fprintf(w, "%s %d\n\n", name, v)
}
