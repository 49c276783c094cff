package services

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"pomodoro-nostr/internal/broadcast"
	"pomodoro-nostr/internal/metrics"
	"pomodoro-nostr/internal/query"
	"pomodoro-nostr/internal/types"
)

// Feed defaults
const (
	DefaultFeedSize   = 200
	DefaultFeedBuffer = 64
	feedInitialLimit  = 100
)

// SessionFeed keeps a persistent pool subscription to session events by a
// set of authors and holds the newest ones, deduplicated across relays.
type SessionFeed struct {
	pool Pool
	max  int
	log  *slog.Logger

	mu      sync.RWMutex
	events  []types.Event // newest first
	index   map[string]bool
	subID   string
	cancel  context.CancelFunc
	done    chan struct{}
	running bool

	updates *broadcast.Broadcaster[types.Event]
}

// NewSessionFeed keeps at most max events (DefaultFeedSize if max <= 0)
func NewSessionFeed(pool Pool, max int, logger *slog.Logger) *SessionFeed {
	if max <= 0 {
		max = DefaultFeedSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	f := &SessionFeed{
		pool:    pool,
		max:     max,
		log:     logger,
		index:   make(map[string]bool),
		updates: broadcast.New[types.Event](DefaultFeedBuffer),
	}
	f.updates.OnDrop(metrics.IncDroppedEvent)
	return f
}

// Start subscribes to authors' session events. The subscription lives in
// the pool's registry, so relays that connect later receive it too.
func (f *SessionFeed) Start(ctx context.Context, authors []string) {
	f.mu.Lock()
	if f.running || len(authors) == 0 {
		f.mu.Unlock()
		return
	}
	ctx, f.cancel = context.WithCancel(ctx)
	f.subID = query.NewSubscriptionID("feed")
	f.done = make(chan struct{})
	f.running = true
	subID := f.subID
	done := f.done
	f.mu.Unlock()

	events, stop := f.pool.Events()
	f.pool.Subscribe(subID, types.Filter{
		Kinds:   []uint16{types.KindSessionCompleted},
		Authors: authors,
		TTags:   []string{types.TagPomodoro},
		Limit:   feedInitialLimit,
	})
	f.log.Info("session feed started", "sub_id", subID, "authors", len(authors))

	go func() {
		defer close(done)
		defer stop()
		for {
			select {
			case <-ctx.Done():
				return
			case in, ok := <-events:
				if !ok {
					return
				}
				if in.SubscriptionID != subID || in.Event.Kind != types.KindSessionCompleted {
					continue
				}
				if f.add(in.Event) {
					f.updates.Publish(in.Event)
				}
			}
		}
	}()
}

// Stop ends the subscription and waits for the reader to exit
func (f *SessionFeed) Stop() {
	f.mu.Lock()
	if !f.running {
		f.mu.Unlock()
		return
	}
	f.running = false
	f.cancel()
	subID := f.subID
	done := f.done
	f.mu.Unlock()

	f.pool.Unsubscribe(subID)
	<-done
	f.log.Info("session feed stopped")
}

// Events returns a snapshot of held events, newest first
func (f *SessionFeed) Events() []types.Event {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return append([]types.Event(nil), f.events...)
}

// Updates streams each newly held event
func (f *SessionFeed) Updates() (<-chan types.Event, func()) {
	return f.updates.Subscribe()
}

// add inserts evt in created_at order, dropping duplicates and the oldest
// event once full. It reports whether evt was new.
func (f *SessionFeed) add(evt types.Event) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.index[evt.ID] {
		return false
	}
	f.index[evt.ID] = true

	idx := sort.Search(len(f.events), func(i int) bool {
		return f.events[i].CreatedAt < evt.CreatedAt
	})
	f.events = append(f.events, types.Event{})
	copy(f.events[idx+1:], f.events[idx:])
	f.events[idx] = evt

	if len(f.events) > f.max {
		oldest := f.events[len(f.events)-1]
		f.events = f.events[:len(f.events)-1]
		delete(f.index, oldest.ID)
		if oldest.ID == evt.ID {
			return false
		}
	}
	return true
}
