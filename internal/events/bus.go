// Package events implements the cross-service event bus: a publish/subscribe
// wrapper over Redis pub/sub with same-process handler fan-out, and the
// dashboard event producers/consumers built on it. Delivery is at-most-once
// and best-effort: an event published while a subscriber is down is lost.
package events

import (
	"context"
	stderrors "errors"
	"encoding/json"
	"sync"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"cachebus/internal/common/errors"
	"cachebus/internal/common/logging"
)

// Handler processes one raw message received on a channel. Returned errors
// are logged and the receive loop continues; there is no redelivery.
type Handler func(ctx context.Context, payload []byte) error

// Bus is a publish/subscribe wrapper over one shared Redis connection.
// Same-process handlers see each published event exactly once: through the
// transport loopback while the channel's receive loop is connected, or by
// direct dispatch when it is not, so a service that is both producer and
// consumer never double-applies and never depends on loop liveness.
type Bus struct {
	rdb    *redis.Client
	logger logging.Logger

	mu        sync.RWMutex
	handlers  map[string]map[string]Handler // channel -> subscription id -> handler
	loops     map[string]struct{}           // channels with a running receive loop
	connected map[string]struct{}           // channels whose subscription the transport confirmed
}

// NewBus creates an event bus over the given Redis client.
func NewBus(rdb *redis.Client, logger logging.Logger) *Bus {
	return &Bus{
		rdb:       rdb,
		logger:    logger.WithFields(logging.Field{Key: "component", Value: "event_bus"}),
		handlers:  make(map[string]map[string]Handler),
		loops:     make(map[string]struct{}),
		connected: make(map[string]struct{}),
	}
}

// Publish serializes payload to JSON and sends it on the channel. Local
// handlers for the channel get the event from the transport loopback when
// the receive loop is connected; otherwise they are dispatched directly.
func (b *Bus) Publish(ctx context.Context, channel string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return errors.SerializationError("failed to marshal event payload", err).
			WithContext("channel", channel)
	}

	if err := b.rdb.Publish(ctx, channel, data).Err(); err != nil {
		if stderrors.Is(err, context.DeadlineExceeded) {
			return errors.TimeoutError("publish", err).WithContext("channel", channel)
		}
		return errors.ConnectionError("failed to publish event", err).
			WithContext("channel", channel)
	}

	b.mu.RLock()
	_, looped := b.connected[channel]
	b.mu.RUnlock()
	if !looped {
		b.dispatch(ctx, channel, data)
	}
	return nil
}

// Subscribe registers handler for the channel and returns a subscription id
// usable with Unsubscribe. The first subscription on a channel starts a
// receive loop that runs until ctx is cancelled or the transport fails.
func (b *Bus) Subscribe(ctx context.Context, channel string, handler Handler) string {
	id := uuid.NewString()

	b.mu.Lock()
	if b.handlers[channel] == nil {
		b.handlers[channel] = make(map[string]Handler)
	}
	b.handlers[channel][id] = handler

	_, running := b.loops[channel]
	if !running {
		b.loops[channel] = struct{}{}
	}
	b.mu.Unlock()

	if !running {
		go b.receiveLoop(ctx, channel)
	}

	return id
}

// Unsubscribe removes a handler registration. The receive loop keeps
// running; messages for a channel with no handlers are dropped.
func (b *Bus) Unsubscribe(channel, id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if subs, ok := b.handlers[channel]; ok {
		delete(subs, id)
	}
}

// receiveLoop blocks on the channel's subscription, deserializing nothing
// itself: each raw payload goes to every registered local handler.
func (b *Bus) receiveLoop(ctx context.Context, channel string) {
	defer func() {
		b.mu.Lock()
		delete(b.loops, channel)
		delete(b.connected, channel)
		b.mu.Unlock()
	}()

	pubsub := b.rdb.Subscribe(ctx, channel)
	defer pubsub.Close()

	// Block until the subscription is confirmed so publishes that follow
	// Subscribe are not silently missed.
	if _, err := pubsub.Receive(ctx); err != nil {
		b.logger.Error("Event subscription failed", err,
			logging.Field{Key: "channel", Value: channel})
		return
	}

	b.mu.Lock()
	b.connected[channel] = struct{}{}
	b.mu.Unlock()

	b.logger.Info("Subscribed to channel", logging.Field{Key: "channel", Value: channel})

	msgs := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			b.logger.Info("Event subscription cancelled",
				logging.Field{Key: "channel", Value: channel},
				logging.Field{Key: "reason", Value: ctx.Err()},
			)
			return
		case msg, ok := <-msgs:
			if !ok {
				b.logger.Warn("Event transport closed, exiting receive loop",
					logging.Field{Key: "channel", Value: channel})
				return
			}
			b.dispatch(ctx, channel, []byte(msg.Payload))
		}
	}
}

// dispatch invokes every registered handler for the channel. Handler errors
// are logged, never fatal: an event whose handler fails is gone for good,
// the same as one that arrives while the subscriber is down.
func (b *Bus) dispatch(ctx context.Context, channel string, payload []byte) {
	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.handlers[channel]))
	for _, h := range b.handlers[channel] {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, handler := range handlers {
		if err := handler(ctx, payload); err != nil {
			b.logger.Error("Event handler failed", err,
				logging.Field{Key: "channel", Value: channel})
		}
	}
}
