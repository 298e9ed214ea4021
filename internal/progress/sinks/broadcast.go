package sinks

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/JakeFAU/screenshot-crawler/internal/progress"
)

const defaultSubscriberBuffer = 256

// Broadcaster fans events out to live subscribers such as SSE clients. Slow
// subscribers lose events instead of stalling the hub.
type Broadcaster struct {
	mu      sync.Mutex
	subs    map[uint64]chan progress.Event
	nextID  uint64
	buffer  int
	closed  bool
	dropped atomic.Int64
	logger  *zap.Logger
}

// NewBroadcaster returns a Broadcaster whose subscriber channels hold buffer
// events each.
func NewBroadcaster(buffer int, logger *zap.Logger) *Broadcaster {
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Broadcaster{
		subs:   make(map[uint64]chan progress.Event),
		buffer: buffer,
		logger: logger,
	}
}

// Subscribe registers a new listener. The returned cancel func unregisters it
// and closes the channel; it is safe to call more than once.
func (b *Broadcaster) Subscribe() (<-chan progress.Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan progress.Event, b.buffer)
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	var once sync.Once
	return ch, func() {
		once.Do(func() { b.unsubscribe(id) })
	}
}

func (b *Broadcaster) unsubscribe(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.subs[id]; ok {
		delete(b.subs, id)
		close(ch)
	}
}

// Subscribers returns the number of live listeners.
func (b *Broadcaster) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Dropped returns how many deliveries were skipped because a subscriber was full.
func (b *Broadcaster) Dropped() int64 {
	return b.dropped.Load()
}

// Consume delivers every event to every subscriber without blocking.
func (b *Broadcaster) Consume(_ context.Context, batch []progress.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, evt := range batch {
		for id, ch := range b.subs {
			select {
			case ch <- evt:
			default:
				b.dropped.Add(1)
				b.logger.Debug("subscriber lagging; event dropped",
					zap.Uint64("subscriber", id),
					zap.String("type", string(evt.Type)),
				)
			}
		}
	}
	return nil
}

// Close disconnects all subscribers.
func (b *Broadcaster) Close(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
	return nil
}
