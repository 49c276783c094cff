// Package broadcast provides bounded fan-out streams and watchable values.
package broadcast

import (
	"context"
	"sync"
	"sync/atomic"
)

// Broadcaster delivers every published value to all current subscribers.
// Each subscriber has its own bounded buffer; when it is full the new value
// is dropped for that subscriber and counted. Publish never blocks.
type Broadcaster[T any] struct {
	mu      sync.RWMutex
	subs    map[uint64]chan T
	nextID  uint64
	buffer  int
	closed  bool
	dropped atomic.Int64
	onDrop  func()
}

// New creates a broadcaster with the given per-subscriber buffer size
func New[T any](buffer int) *Broadcaster[T] {
	if buffer < 1 {
		buffer = 1
	}
	return &Broadcaster[T]{subs: make(map[uint64]chan T), buffer: buffer}
}

// OnDrop registers a callback invoked for every dropped delivery
func (b *Broadcaster[T]) OnDrop(fn func()) {
	b.mu.Lock()
	b.onDrop = fn
	b.mu.Unlock()
}

// Subscribe returns a receive channel and a cancel function. The channel is
// closed after cancel or Close.
func (b *Broadcaster[T]) Subscribe() (<-chan T, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan T, b.buffer)
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if c, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(c)
			}
		})
	}
}

// Publish delivers v to every subscriber with room and returns how many received it
func (b *Broadcaster[T]) Publish(v T) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	delivered := 0
	for _, ch := range b.subs {
		select {
		case ch <- v:
			delivered++
		default:
			b.dropped.Add(1)
			if b.onDrop != nil {
				b.onDrop()
			}
		}
	}
	return delivered
}

// Subscribers returns the current subscriber count
func (b *Broadcaster[T]) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Dropped returns the total number of dropped deliveries
func (b *Broadcaster[T]) Dropped() int64 {
	return b.dropped.Load()
}

// Close closes every subscriber channel; later Subscribe calls get a closed channel
func (b *Broadcaster[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}

// Value holds a current value and notifies watchers of changes. Watchers see
// the latest value; intermediate values may be skipped.
type Value[T comparable] struct {
	mu       sync.Mutex
	v        T
	watchers map[uint64]chan T
	nextID   uint64
}

// NewValue creates a value with an initial state
func NewValue[T comparable](initial T) *Value[T] {
	return &Value[T]{v: initial, watchers: make(map[uint64]chan T)}
}

// Get returns the current value
func (v *Value[T]) Get() T {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.v
}

// Set stores x and notifies watchers if it differs from the current value
func (v *Value[T]) Set(x T) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.v == x {
		return false
	}
	v.v = x
	for _, ch := range v.watchers {
		select {
		case <-ch:
		default:
		}
		ch <- x
	}
	return true
}

// Watch returns a channel that immediately holds the current value and then
// receives every later change, plus a cancel function.
func (v *Value[T]) Watch() (<-chan T, func()) {
	v.mu.Lock()
	defer v.mu.Unlock()

	ch := make(chan T, 1)
	ch <- v.v
	id := v.nextID
	v.nextID++
	v.watchers[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			v.mu.Lock()
			delete(v.watchers, id)
			v.mu.Unlock()
		})
	}
}

// Wait blocks until pred holds for the current value or ctx ends
func (v *Value[T]) Wait(ctx context.Context, pred func(T) bool) (T, error) {
	ch, cancel := v.Watch()
	defer cancel()
	for {
		select {
		case x := <-ch:
			if pred(x) {
				return x, nil
			}
		case <-ctx.Done():
			return v.Get(), ctx.Err()
		}
	}
}
