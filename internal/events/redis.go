package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/medrex/opd-queue/pkg/config"
	"github.com/medrex/opd-queue/pkg/logger"
	"github.com/medrex/opd-queue/pkg/monitoring"
	"github.com/medrex/opd-queue/pkg/types"
	"github.com/redis/go-redis/v9"
)

// NewRedisClient builds a client from the redis config section. A URL takes
// precedence over host and port.
func NewRedisClient(cfg config.RedisConfig) (*redis.Client, error) {
	if cfg.URL != "" {
		opts, err := redis.ParseURL(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("invalid redis url: %w", err)
		}
		if cfg.PoolSize > 0 {
			opts.PoolSize = cfg.PoolSize
		}
		return redis.NewClient(opts), nil
	}

	return redis.NewClient(&redis.Options{
		Addr:     cfg.Addr(),
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	}), nil
}

// RedisBroker publishes events to a Redis channel so every service instance
// sees them. One Redis subscription per process feeds a local MemoryBroker
// that serves this instance's subscribers.
type RedisBroker struct {
	client  redis.UniversalClient
	channel string
	pubsub  *redis.PubSub
	local   *MemoryBroker
	logger  *logger.Logger
	metrics *monitoring.MetricsCollector

	closeOnce sync.Once
	relayDone chan struct{}
}

// NewRedisBroker subscribes to channel and starts relaying messages
func NewRedisBroker(ctx context.Context, client redis.UniversalClient, channel string, buffer int, log *logger.Logger, metrics *monitoring.MetricsCollector) (*RedisBroker, error) {
	pubsub := client.Subscribe(ctx, channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, types.NewNetworkError(types.ErrCodeExternalError, "failed to subscribe to redis channel", err)
	}

	b := &RedisBroker{
		client:    client,
		channel:   channel,
		pubsub:    pubsub,
		local:     NewMemoryBroker(buffer, log, metrics),
		logger:    log,
		metrics:   metrics,
		relayDone: make(chan struct{}),
	}
	go b.relay(pubsub.Channel())

	log.WithComponent("events").WithField("channel", channel).Info("Redis event relay started")
	return b, nil
}

// Publish sends event to the shared channel. Local subscribers receive it
// through the relay like every other instance.
func (b *RedisBroker) Publish(ctx context.Context, event *types.Event) error {
	stamp(event)

	payload, err := json.Marshal(event)
	if err != nil {
		return types.NewInternalError(types.ErrCodeInternalError, "failed to encode event", err)
	}

	if err := b.client.Publish(ctx, b.channel, payload).Err(); err != nil {
		return types.NewNetworkError(types.ErrCodeExternalError, "failed to publish event to redis", err)
	}

	b.metrics.RecordEventPublished(string(event.Type))
	return nil
}

// Subscribe registers a local subscriber
func (b *RedisBroker) Subscribe(ctx context.Context, filter types.EventFilter) (<-chan *types.Event, error) {
	return b.local.Subscribe(ctx, filter)
}

// Ping checks the redis connection
func (b *RedisBroker) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

// Close stops the relay and ends local subscriptions. The client is owned
// by the caller.
func (b *RedisBroker) Close() error {
	var err error
	b.closeOnce.Do(func() {
		err = b.pubsub.Close()
		<-b.relayDone
		b.local.Close()
	})
	return err
}

func (b *RedisBroker) relay(messages <-chan *redis.Message) {
	defer close(b.relayDone)
	for msg := range messages {
		b.handleMessage(msg.Payload)
	}
}

func (b *RedisBroker) handleMessage(payload string) {
	var event types.Event
	if err := json.Unmarshal([]byte(payload), &event); err != nil {
		b.metrics.RecordSystemError("decode", "events")
		b.logger.WithComponent("events").WithError(err).Warn("Discarding malformed event from redis")
		return
	}
	b.local.deliver(&event)
}
