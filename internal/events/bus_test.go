package events

import (
	"context"
	stderrors "errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cachebus/internal/common/errors"
	"cachebus/internal/common/logging"
)

// newTestBus creates a bus with its own client against the shared server,
// mimicking one service process.
func newTestBus(t *testing.T, s *miniredis.Miniredis) *Bus {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewBus(client, logging.NewDefaultLogger())
}

func runMiniredis(t *testing.T) *miniredis.Miniredis {
	t.Helper()
	s, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

// waitSubscribed blocks until the channel has at least one transport-level
// subscriber, so a following publish cannot race the subscription.
func waitSubscribed(t *testing.T, s *miniredis.Miniredis, channel string) {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	defer client.Close()

	require.Eventually(t, func() bool {
		channels, err := client.PubSubChannels(context.Background(), "*").Result()
		if err != nil {
			return false
		}
		for _, ch := range channels {
			if ch == channel {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)
}

// waitConnected blocks until the bus's receive loop for the channel has a
// confirmed transport subscription, so publishes go through the loopback.
func waitConnected(t *testing.T, b *Bus, channel string) {
	t.Helper()
	require.Eventually(t, func() bool {
		b.mu.RLock()
		defer b.mu.RUnlock()
		_, ok := b.connected[channel]
		return ok
	}, 2*time.Second, 10*time.Millisecond)
}

// waitLoopStopped blocks until the channel's receive loop has exited.
func waitLoopStopped(t *testing.T, b *Bus, channel string) {
	t.Helper()
	require.Eventually(t, func() bool {
		b.mu.RLock()
		defer b.mu.RUnlock()
		_, running := b.loops[channel]
		return !running
	}, 2*time.Second, 10*time.Millisecond)
}

func TestPublishDeliversToRemoteSubscriber(t *testing.T) {
	s := runMiniredis(t)
	publisher := newTestBus(t, s)
	subscriber := newTestBus(t, s)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls atomic.Int32
	var got atomic.Value
	subscriber.Subscribe(ctx, "test:events", func(ctx context.Context, payload []byte) error {
		calls.Add(1)
		got.Store(string(payload))
		return nil
	})
	waitSubscribed(t, s, "test:events")

	require.NoError(t, publisher.Publish(ctx, "test:events", map[string]string{"k": "v"}))

	require.Eventually(t, func() bool { return calls.Load() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.JSONEq(t, `{"k":"v"}`, got.Load().(string))

	// exactly once: no stray redelivery
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())
}

func TestLocalFanoutWithoutTransport(t *testing.T) {
	s := runMiniredis(t)
	bus := newTestBus(t, s)

	// kill the receive loop immediately; only local dispatch remains
	loopCtx, cancelLoop := context.WithCancel(context.Background())
	cancelLoop()

	var calls atomic.Int32
	bus.Subscribe(loopCtx, "test:events", func(ctx context.Context, payload []byte) error {
		calls.Add(1)
		return nil
	})
	waitLoopStopped(t, bus, "test:events")

	require.NoError(t, bus.Publish(context.Background(), "test:events", "hello"))

	// local fan-out is synchronous: no round trip needed
	assert.Equal(t, int32(1), calls.Load())
}

func TestSameProcessDeliveryIsExactlyOnce(t *testing.T) {
	s := runMiniredis(t)
	bus := newTestBus(t, s)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls atomic.Int32
	bus.Subscribe(ctx, "test:events", func(ctx context.Context, payload []byte) error {
		calls.Add(1)
		return nil
	})
	waitConnected(t, bus, "test:events")

	// publisher and subscriber share one bus: the loopback delivers the
	// event, the direct dispatch stays out of its way
	require.NoError(t, bus.Publish(ctx, "test:events", "ping"))

	require.Eventually(t, func() bool { return calls.Load() == 1 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())
}

func TestHandlerErrorDoesNotStopLoop(t *testing.T) {
	s := runMiniredis(t)
	publisher := newTestBus(t, s)
	subscriber := newTestBus(t, s)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls atomic.Int32
	subscriber.Subscribe(ctx, "test:events", func(ctx context.Context, payload []byte) error {
		if calls.Add(1) == 1 {
			return stderrors.New("handler exploded")
		}
		return nil
	})
	waitSubscribed(t, s, "test:events")

	require.NoError(t, publisher.Publish(ctx, "test:events", "first"))
	require.NoError(t, publisher.Publish(ctx, "test:events", "second"))

	require.Eventually(t, func() bool { return calls.Load() == 2 }, 2*time.Second, 10*time.Millisecond)
}

func TestNoDeliveryToLateSubscriber(t *testing.T) {
	s := runMiniredis(t)
	publisher := newTestBus(t, s)
	subscriber := newTestBus(t, s)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// event published while nobody is connected is lost for good
	require.NoError(t, publisher.Publish(ctx, "test:events", "lost"))

	var calls atomic.Int32
	subscriber.Subscribe(ctx, "test:events", func(ctx context.Context, payload []byte) error {
		calls.Add(1)
		return nil
	})
	waitSubscribed(t, s, "test:events")

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(0), calls.Load())
}

func TestUnsubscribeStopsDispatch(t *testing.T) {
	s := runMiniredis(t)
	bus := newTestBus(t, s)

	loopCtx, cancelLoop := context.WithCancel(context.Background())
	cancelLoop()

	var calls atomic.Int32
	id := bus.Subscribe(loopCtx, "test:events", func(ctx context.Context, payload []byte) error {
		calls.Add(1)
		return nil
	})
	waitLoopStopped(t, bus, "test:events")

	require.NoError(t, bus.Publish(context.Background(), "test:events", "one"))
	bus.Unsubscribe("test:events", id)
	require.NoError(t, bus.Publish(context.Background(), "test:events", "two"))

	assert.Equal(t, int32(1), calls.Load())
}

func TestPublishSerializationError(t *testing.T) {
	s := runMiniredis(t)
	bus := newTestBus(t, s)

	err := bus.Publish(context.Background(), "test:events", make(chan int))
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrTypeSerialization))
}

func TestPublishConnectionError(t *testing.T) {
	s := runMiniredis(t)
	bus := newTestBus(t, s)

	s.SetError("LOADING Redis is loading the dataset in memory")

	err := bus.Publish(context.Background(), "test:events", "payload")
	require.Error(t, err)
	assert.True(t, errors.IsConnection(err))
}

func TestReceiveLoopExitsOnCancel(t *testing.T) {
	s := runMiniredis(t)
	publisher := newTestBus(t, s)
	subscriber := newTestBus(t, s)

	ctx, cancel := context.WithCancel(context.Background())

	var calls atomic.Int32
	subscriber.Subscribe(ctx, "test:events", func(ctx context.Context, payload []byte) error {
		calls.Add(1)
		return nil
	})
	waitSubscribed(t, s, "test:events")

	cancel()

	// give the loop time to shut down, then publish into the void
	waitLoopStopped(t, subscriber, "test:events")

	require.NoError(t, publisher.Publish(context.Background(), "test:events", "after shutdown"))
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(0), calls.Load())
}

func TestOrderPreservedFromSinglePublisher(t *testing.T) {
	s := runMiniredis(t)
	publisher := newTestBus(t, s)
	subscriber := newTestBus(t, s)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var count atomic.Int32
	received := make(chan string, 10)
	subscriber.Subscribe(ctx, "test:events", func(ctx context.Context, payload []byte) error {
		received <- string(payload)
		count.Add(1)
		return nil
	})
	waitSubscribed(t, s, "test:events")

	for _, msg := range []string{"a", "b", "c"} {
		require.NoError(t, publisher.Publish(ctx, "test:events", msg))
	}

	require.Eventually(t, func() bool { return count.Load() == 3 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, `"a"`, <-received)
	assert.Equal(t, `"b"`, <-received)
	assert.Equal(t, `"c"`, <-received)
}
