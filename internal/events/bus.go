package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/pulsemesh/pulsemesh/pkg/config"
	"github.com/pulsemesh/pulsemesh/pkg/errors"
	"github.com/pulsemesh/pulsemesh/pkg/logging"
)

// Envelope is the wire frame for every event on the bus. Payload carries the
// typed event; Type discriminates how to decode it. Origin identifies the
// publishing instance so consumers can skip their own events.
type Envelope struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Origin    string          `json:"origin"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// NewEnvelope wraps a typed event in a wire envelope
func NewEnvelope(eventType, origin string, payload interface{}) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, errors.NewInternalError("failed to marshal event payload").WithCause(err)
	}

	return Envelope{
		ID:        uuid.New().String(),
		Type:      eventType,
		Origin:    origin,
		Timestamp: time.Now().UTC(),
		Payload:   raw,
	}, nil
}

// Handler processes one consumed envelope. Handlers must not block.
type Handler func(ctx context.Context, env Envelope)

// Bus is a fire-and-forget broadcast channel between control plane instances.
// Delivery is best effort: publishing never blocks the caller's request path
// and consumers tolerate missed events.
type Bus interface {
	Publish(ctx context.Context, env Envelope) error
	Subscribe(ctx context.Context, handler Handler) error
	Close() error
}

// RedisBus implements Bus over a Redis pub/sub channel
type RedisBus struct {
	client  *redis.Client
	channel string
	logger  *logging.Logger

	mu   sync.Mutex
	subs []*redis.PubSub
}

// NewRedisBus connects to Redis and verifies the connection
func NewRedisBus(cfg *config.RedisConfig) (*RedisBus, error) {
	if cfg == nil {
		return nil, errors.NewValidationError("Redis configuration is required")
	}

	opts := &redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,

		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,

		PoolTimeout:     4 * time.Second,
		ConnMaxIdleTime: 5 * time.Minute,

		MaxRetries:      3,
		MinRetryBackoff: 8 * time.Millisecond,
		MaxRetryBackoff: 512 * time.Millisecond,
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, errors.NewInternalError("failed to connect to Redis").WithCause(err)
	}

	return &RedisBus{
		client:  client,
		channel: cfg.Channel,
		logger:  logging.GetLogger(),
	}, nil
}

// Publish broadcasts one envelope to all subscribed instances
func (b *RedisBus) Publish(ctx context.Context, env Envelope) error {
	raw, err := json.Marshal(env)
	if err != nil {
		return errors.NewInternalError("failed to marshal envelope").WithCause(err)
	}

	if err := b.client.Publish(ctx, b.channel, raw).Err(); err != nil {
		return errors.NewExternalError("redis", "failed to publish event").WithCause(err)
	}

	return nil
}

// Subscribe starts a consume loop that runs until the context is cancelled.
// Malformed messages are logged and dropped.
func (b *RedisBus) Subscribe(ctx context.Context, handler Handler) error {
	sub := b.client.Subscribe(ctx, b.channel)

	// Confirm the subscription before returning so no events published after
	// this call are missed.
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return errors.NewExternalError("redis", "failed to subscribe to event channel").WithCause(err)
	}

	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()

	go func() {
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}

				var env Envelope
				if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
					b.logger.Warn("Dropping malformed event",
						"channel", b.channel,
						"error", err.Error(),
					)
					continue
				}

				handler(ctx, env)
			}
		}
	}()

	return nil
}

// Health checks the Redis connection
func (b *RedisBus) Health(ctx context.Context) error {
	if err := b.client.Ping(ctx).Err(); err != nil {
		return errors.NewInternalError("Redis health check failed").WithCause(err)
	}
	return nil
}

// Close terminates all subscriptions and the connection
func (b *RedisBus) Close() error {
	b.mu.Lock()
	for _, sub := range b.subs {
		sub.Close()
	}
	b.subs = nil
	b.mu.Unlock()

	return b.client.Close()
}

// MemoryBus is an in-process Bus for tests and single-instance deployments.
// Publish dispatches synchronously to every subscribed handler.
type MemoryBus struct {
	mu       sync.RWMutex
	handlers []Handler
	closed   bool
}

// NewMemoryBus creates an empty in-process bus
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{}
}

// Publish delivers the envelope to all handlers before returning
func (b *MemoryBus) Publish(ctx context.Context, env Envelope) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return errors.NewInternalError("bus is closed")
	}
	handlers := make([]Handler, len(b.handlers))
	copy(handlers, b.handlers)
	b.mu.RUnlock()

	for _, handler := range handlers {
		handler(ctx, env)
	}
	return nil
}

// Subscribe registers a handler for all future envelopes
func (b *MemoryBus) Subscribe(ctx context.Context, handler Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return errors.NewInternalError("bus is closed")
	}
	b.handlers = append(b.handlers, handler)
	return nil
}

// Close drops all handlers
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	b.handlers = nil
	return nil
}
