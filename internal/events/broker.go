package events

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/medrex/opd-queue/pkg/logger"
	"github.com/medrex/opd-queue/pkg/monitoring"
	"github.com/medrex/opd-queue/pkg/types"
)

// DefaultBufferSize is the per-subscriber channel capacity
const DefaultBufferSize = 32

type subscriber struct {
	filter types.EventFilter
	ch     chan *types.Event
}

// MemoryBroker fans events out to in-process subscribers. A subscriber whose
// buffer is full misses the event; Publish never blocks.
type MemoryBroker struct {
	mu      sync.RWMutex
	subs    map[uint64]*subscriber
	nextID  uint64
	buffer  int
	closed  bool
	done    chan struct{}
	logger  *logger.Logger
	metrics *monitoring.MetricsCollector
}

// NewMemoryBroker creates a broker with the given per-subscriber buffer
func NewMemoryBroker(buffer int, log *logger.Logger, metrics *monitoring.MetricsCollector) *MemoryBroker {
	if buffer <= 0 {
		buffer = DefaultBufferSize
	}
	return &MemoryBroker{
		subs:    make(map[uint64]*subscriber),
		buffer:  buffer,
		done:    make(chan struct{}),
		logger:  log,
		metrics: metrics,
	}
}

// Publish stamps and delivers event to every matching subscriber
func (b *MemoryBroker) Publish(ctx context.Context, event *types.Event) error {
	stamp(event)
	b.metrics.RecordEventPublished(string(event.Type))
	b.deliver(event)
	return nil
}

func (b *MemoryBroker) deliver(event *types.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for id, sub := range b.subs {
		if !sub.filter.Matches(event) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			b.metrics.RecordEventDropped()
			b.logger.WithComponent("events").WithFields(map[string]interface{}{
				"subscriber": id,
				"event_type": event.Type,
			}).Warn("Subscriber buffer full, event dropped")
		}
	}
}

// Subscribe registers a subscriber. The channel is closed when ctx ends or
// the broker is closed.
func (b *MemoryBroker) Subscribe(ctx context.Context, filter types.EventFilter) (<-chan *types.Event, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, types.NewNetworkError(types.ErrCodeExternalError, "event broker is closed", nil)
	}
	b.nextID++
	id := b.nextID
	sub := &subscriber{filter: filter, ch: make(chan *types.Event, b.buffer)}
	b.subs[id] = sub
	b.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
		case <-b.done:
		}
		b.remove(id)
	}()

	return sub.ch, nil
}

// SubscriberCount returns the number of live subscriptions
func (b *MemoryBroker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

func (b *MemoryBroker) remove(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub, ok := b.subs[id]; ok {
		delete(b.subs, id)
		close(sub.ch)
	}
}

// Close ends every subscription
func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	close(b.done)
	for id, sub := range b.subs {
		delete(b.subs, id)
		close(sub.ch)
	}
	b.mu.Unlock()
	return nil
}

func stamp(event *types.Event) {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
}
