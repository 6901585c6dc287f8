package channel

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// subscriberBufferSize is the channel buffer for each subscriber.
const subscriberBufferSize = 64

// broadcaster fans channel events out to subscribers. Publishing never
// blocks; a subscriber whose buffer is full misses the event.
type broadcaster struct {
	mu          sync.RWMutex
	subscribers map[string]chan Event
	closed      bool
	done        chan struct{}
	logger      *slog.Logger
}

func newBroadcaster(logger *slog.Logger) *broadcaster {
	return &broadcaster{
		subscribers: make(map[string]chan Event),
		done:        make(chan struct{}),
		logger:      logger,
	}
}

// subscribe registers a subscriber that is removed when ctx is cancelled
// or the broadcaster is closed.
func (b *broadcaster) subscribe(ctx context.Context) <-chan Event {
	subID := uuid.New().String()
	ch := make(chan Event, subscriberBufferSize)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch
	}
	b.subscribers[subID] = ch
	b.mu.Unlock()

	b.logger.Debug("subscriber added", "sub_id", subID)

	go func() {
		select {
		case <-ctx.Done():
			b.unsubscribe(subID)
		case <-b.done:
		}
	}()

	return ch
}

func (b *broadcaster) publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for id, ch := range b.subscribers {
		select {
		case ch <- ev:
		default:
			b.logger.Warn("dropped event for slow subscriber", "sub_id", id, "kind", ev.Kind)
		}
	}
}

func (b *broadcaster) unsubscribe(subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch, ok := b.subscribers[subID]
	if !ok {
		return
	}
	delete(b.subscribers, subID)
	close(ch)
	b.logger.Debug("subscriber removed", "sub_id", subID)
}

// close closes every subscriber channel. Later subscribers get a closed channel.
func (b *broadcaster) close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	for id, ch := range b.subscribers {
		close(ch)
		delete(b.subscribers, id)
	}
	b.closed = true
	close(b.done)
}
