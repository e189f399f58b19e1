package events

import (
	"context"
	"encoding/json"
	"time"

	"cachebus/internal/cache"
	"cachebus/internal/common/errors"
	"cachebus/internal/common/logging"
)

// DashboardChannel is the default pub/sub channel shared by all services
// against one store deployment. Deployments that need a different channel
// set it in config; every service on a deployment must agree.
const DashboardChannel = "dashboard:events"

// Dashboard event types. Unknown types are ignored by subscribers.
const (
	EventTypeMetricsUpdate   = "metrics_update"
	EventTypeCacheInvalidate = "cache_invalidate"
)

// DashboardEvent is the wire message announcing a domain mutation. The JSON
// shape is a cross-service contract with no version field: every producer
// and consumer must agree on it out of band.
type DashboardEvent struct {
	EventType string                 `json:"event_type"`
	UserID    string                 `json:"user_id"`
	EntityID  string                 `json:"entity_id"`
	Timestamp string                 `json:"timestamp"`
	Details   map[string]interface{} `json:"details"`
}

// NewDashboardEvent builds an event with the entity id defaulting to the
// user id and an RFC3339 timestamp.
func NewDashboardEvent(eventType, userID, entityID string, details map[string]interface{}) DashboardEvent {
	if entityID == "" {
		entityID = userID
	}
	if details == nil {
		details = map[string]interface{}{}
	}
	return DashboardEvent{
		EventType: eventType,
		UserID:    userID,
		EntityID:  entityID,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Details:   details,
	}
}

// MetricsKey is the cache key of a user's dashboard metrics snapshot.
func MetricsKey(userID string) string {
	return "dashboard:metrics:" + userID
}

// DashboardPublisher announces domain mutations on the dashboard channel.
// Domain services call it after every mutation; this layer never infers
// when invalidation is needed.
type DashboardPublisher struct {
	bus     *Bus
	store   *cache.Store
	channel string
	logger  logging.Logger
}

// NewDashboardPublisher creates a publisher over the given bus and local
// store. An empty channel means DashboardChannel.
func NewDashboardPublisher(bus *Bus, store *cache.Store, channel string, logger logging.Logger) *DashboardPublisher {
	if channel == "" {
		channel = DashboardChannel
	}
	return &DashboardPublisher{
		bus:     bus,
		store:   store,
		channel: channel,
		logger:  logger.WithFields(logging.Field{Key: "component", Value: "dashboard_publisher"}),
	}
}

// PublishMetricsUpdate publishes a metrics_update event and proactively
// deletes the local dashboard metrics entry, so the publishing service
// observes its own invalidation without waiting for the subscriber loop.
func (p *DashboardPublisher) PublishMetricsUpdate(ctx context.Context, userID, entityID string, details map[string]interface{}) error {
	event := NewDashboardEvent(EventTypeMetricsUpdate, userID, entityID, details)
	if err := p.bus.Publish(ctx, p.channel, event); err != nil {
		return err
	}

	if err := p.store.Delete(ctx, MetricsKey(userID)); err != nil {
		// The event is already out; every subscriber, this service
		// included, will converge on the next delivery.
		p.logger.Warn("Local metrics invalidation failed",
			logging.Field{Key: "user_id", Value: userID}, logging.Err(err))
	}

	return nil
}

// PublishCacheInvalidation publishes a cache_invalidate event telling every
// service to clear its cached entries for the user.
func (p *DashboardPublisher) PublishCacheInvalidation(ctx context.Context, userID, entityID string, details map[string]interface{}) error {
	event := NewDashboardEvent(EventTypeCacheInvalidate, userID, entityID, details)
	return p.bus.Publish(ctx, p.channel, event)
}

// Notifier forwards a received dashboard event toward the UI layer, e.g.
// over a websocket hub. Optional.
type Notifier func(event DashboardEvent)

// DashboardSubscriber invalidates this service's local cache entries when
// dashboard events arrive from any service sharing the deployment.
type DashboardSubscriber struct {
	bus      *Bus
	store    *cache.Store
	channel  string
	notifier Notifier
	logger   logging.Logger
}

// NewDashboardSubscriber creates a subscriber over the given bus and local
// store. An empty channel means DashboardChannel; notifier may be nil.
func NewDashboardSubscriber(bus *Bus, store *cache.Store, channel string, notifier Notifier, logger logging.Logger) *DashboardSubscriber {
	if channel == "" {
		channel = DashboardChannel
	}
	return &DashboardSubscriber{
		bus:      bus,
		store:    store,
		channel:  channel,
		notifier: notifier,
		logger:   logger.WithFields(logging.Field{Key: "component", Value: "dashboard_subscriber"}),
	}
}

// Start registers the handler and begins the receive loop. The loop runs
// until ctx is cancelled.
func (s *DashboardSubscriber) Start(ctx context.Context) string {
	return s.bus.Subscribe(ctx, s.channel, s.handle)
}

func (s *DashboardSubscriber) handle(ctx context.Context, payload []byte) error {
	var event DashboardEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return errors.SerializationError("failed to decode dashboard event", err)
	}

	if event.UserID == "" {
		s.logger.Warn("Dashboard event without user_id, ignoring",
			logging.Field{Key: "event_type", Value: event.EventType})
		return nil
	}

	switch event.EventType {
	case EventTypeMetricsUpdate:
		if err := s.store.Delete(ctx, MetricsKey(event.UserID)); err != nil {
			return err
		}
	case EventTypeCacheInvalidate:
		if _, err := s.store.ClearByPattern(ctx, cache.UserPattern(event.UserID)); err != nil {
			return err
		}
	default:
		// Forward compatibility: producers may emit types this build
		// does not know about.
		s.logger.Debug("Ignoring unknown dashboard event type",
			logging.Field{Key: "event_type", Value: event.EventType})
		return nil
	}

	if s.notifier != nil {
		s.notifier(event)
	}

	return nil
}
