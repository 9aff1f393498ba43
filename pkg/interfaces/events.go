package interfaces

import (
	"context"

	"github.com/medrex/opd-queue/pkg/types"
)

// EventPublisher publishes change notifications
type EventPublisher interface {
	Publish(ctx context.Context, event *types.Event) error
}

// EventBroker fans published events out to subscribers. The returned channel
// is closed once ctx is done or the broker is closed.
type EventBroker interface {
	EventPublisher
	Subscribe(ctx context.Context, filter types.EventFilter) (<-chan *types.Event, error)
	Close() error
}
