package cache

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cachebus/internal/common/errors"
	"cachebus/internal/common/logging"
)

// newTestStore spins up a miniredis-backed store. The health monitor starts
// healthy and is not looping, so tests control the flag directly.
func newTestStore(t *testing.T, opts Options) (*Store, *miniredis.Miniredis) {
	t.Helper()

	s, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(s.Close)

	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	logger := logging.NewDefaultLogger()
	health := NewHealthMonitor(PingFunc(func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	}), time.Second, logger)

	return NewStore(client, opts, health, NewCollector(), logger), s
}

func TestStoreRoundTrip(t *testing.T) {
	store, _ := newTestStore(t, Options{Prefix: "api:"})
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "task:123", []byte("v1"), time.Minute))

	got, err := store.Get(ctx, "task:123")
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), got)
}

func TestStoreRoundTripCompressed(t *testing.T) {
	store, s := newTestStore(t, Options{Prefix: "api:", UseCompression: true})
	ctx := context.Background()

	value := []byte(strings.Repeat("compress me ", 100))
	require.NoError(t, store.Set(ctx, "task:big", value, time.Minute))

	// the stored payload is gzip, not the raw value
	raw, err := s.Get("api:task:big")
	require.NoError(t, err)
	assert.NotEqual(t, string(value), raw)
	assert.Less(t, len(raw), len(value))

	got, err := store.Get(ctx, "task:big")
	require.NoError(t, err)
	assert.Equal(t, value, got)
}

func TestStoreDecompressFailure(t *testing.T) {
	store, s := newTestStore(t, Options{Prefix: "api:", UseCompression: true})

	// a value written without compression cannot be read back as gzip
	s.Set("api:task:bad", "not gzip at all")

	_, err := store.Get(context.Background(), "task:bad")
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrTypeSerialization))
}

func TestStoreGetMiss(t *testing.T) {
	store, _ := newTestStore(t, Options{Prefix: "api:"})

	_, err := store.Get(context.Background(), "task:absent")
	require.Error(t, err)
	assert.True(t, errors.IsNotFound(err))
}

func TestStoreGetExpired(t *testing.T) {
	store, s := newTestStore(t, Options{Prefix: "api:"})
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "task:123", []byte("v1"), time.Second))
	s.FastForward(2 * time.Second)

	_, err := store.Get(ctx, "task:123")
	assert.True(t, errors.IsNotFound(err))
}

func TestStoreKeyValidation(t *testing.T) {
	store, _ := newTestStore(t, Options{Prefix: "api:", MaxKeyLength: 16})
	ctx := context.Background()

	tests := []struct {
		name string
		op   func() error
	}{
		{"get empty", func() error { _, err := store.Get(ctx, ""); return err }},
		{"set too long", func() error { return store.Set(ctx, strings.Repeat("k", 17), []byte("v"), 0) }},
		{"delete empty", func() error { return store.Delete(ctx, "") }},
		{"batch get empty key", func() error { _, err := store.BatchGet(ctx, []string{"ok", ""}); return err }},
		{"batch set too long", func() error {
			return store.BatchSet(ctx, map[string][]byte{strings.Repeat("k", 17): []byte("v")}, 0)
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.op()
			require.Error(t, err)
			assert.True(t, errors.IsType(err, errors.ErrTypeInvalidKey), "got %v", err)
		})
	}
}

func TestStoreFailsFastWhenUnhealthy(t *testing.T) {
	store, _ := newTestStore(t, Options{Prefix: "api:"})
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "task:123", []byte("v1"), time.Minute))

	store.health.healthy.Store(false)

	_, err := store.Get(ctx, "task:123")
	assert.True(t, errors.IsConnection(err))
	assert.True(t, errors.IsConnection(store.Set(ctx, "task:123", []byte("v2"), time.Minute)))
	assert.True(t, errors.IsConnection(store.Delete(ctx, "task:123")))
	_, err = store.BatchGet(ctx, []string{"task:123"})
	assert.True(t, errors.IsConnection(err))

	store.health.healthy.Store(true)
	_, err = store.Get(ctx, "task:123")
	assert.NoError(t, err)
}

func TestStoreNamespacing(t *testing.T) {
	store, s := newTestStore(t, Options{Prefix: "docs:"})
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "note:n1", []byte("v"), time.Minute))

	assert.True(t, s.Exists("docs:note:n1"))
	assert.False(t, s.Exists("note:n1"))
}

func TestStoreTTLResolution(t *testing.T) {
	store, s := newTestStore(t, Options{
		Prefix:       "api:",
		DefaultTTL:   time.Minute,
		TTLOverrides: map[string]time.Duration{"task": 10 * time.Second},
	})
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "task:123", []byte("v"), 0))
	require.NoError(t, store.Set(ctx, "project:p1", []byte("v"), 0))
	require.NoError(t, store.Set(ctx, "project:p2", []byte("v"), time.Hour))

	assert.Equal(t, 10*time.Second, s.TTL("api:task:123"))
	assert.Equal(t, time.Minute, s.TTL("api:project:p1"))
	assert.Equal(t, time.Hour, s.TTL("api:project:p2"))
}

func TestStoreDeleteMultiple(t *testing.T) {
	store, _ := newTestStore(t, Options{Prefix: "api:"})
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "task:1", []byte("a"), time.Minute))
	require.NoError(t, store.Set(ctx, "task:2", []byte("b"), time.Minute))

	require.NoError(t, store.Delete(ctx, "task:1", "task:2", "task:absent"))

	_, err := store.Get(ctx, "task:1")
	assert.True(t, errors.IsNotFound(err))
	_, err = store.Get(ctx, "task:2")
	assert.True(t, errors.IsNotFound(err))
}

func TestStoreBatchRoundTrip(t *testing.T) {
	store, _ := newTestStore(t, Options{Prefix: "api:"})
	ctx := context.Background()

	entries := map[string][]byte{
		"task:1": []byte("a"),
		"task:2": []byte("b"),
		"note:1": []byte("c"),
	}
	require.NoError(t, store.BatchSet(ctx, entries, time.Minute))

	got, err := store.BatchGet(ctx, []string{"task:1", "task:2", "note:1", "task:absent"})
	require.NoError(t, err)

	assert.Equal(t, entries, got)
	assert.NotContains(t, got, "task:absent")
}

func TestStoreBatchGetOmitsFailedKeys(t *testing.T) {
	store, s := newTestStore(t, Options{Prefix: "api:"})
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "task:good", []byte("v1"), time.Minute))

	// a key of the wrong type fails its GET; the rest of the batch survives
	_, err := s.SetAdd("api:task:bad", "member")
	require.NoError(t, err)

	got, err := store.BatchGet(ctx, []string{"task:good", "task:bad"})
	require.NoError(t, err)
	assert.Equal(t, map[string][]byte{"task:good": []byte("v1")}, got)
}

func TestStoreBatchGetOmitsUndecodableValues(t *testing.T) {
	store, s := newTestStore(t, Options{Prefix: "api:", UseCompression: true})
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "task:good", []byte("v1"), time.Minute))

	// written by something that skipped compression; not valid gzip
	require.NoError(t, s.Set("api:task:raw", "plain"))

	got, err := store.BatchGet(ctx, []string{"task:good", "task:raw"})
	require.NoError(t, err)
	assert.Equal(t, map[string][]byte{"task:good": []byte("v1")}, got)
}

func TestStoreBatchGetAbortsWhenTransportFails(t *testing.T) {
	store, s := newTestStore(t, Options{Prefix: "api:"})
	ctx := context.Background()

	s.SetError("LOADING Redis is loading the dataset in memory")

	_, err := store.BatchGet(ctx, []string{"task:1", "task:2"})
	require.Error(t, err)
	assert.True(t, errors.IsConnection(err))
}

func TestStoreBatchSetAbortsWhenTransportFails(t *testing.T) {
	store, s := newTestStore(t, Options{Prefix: "api:"})

	s.SetError("READONLY You can't write against a read only replica.")

	err := store.BatchSet(context.Background(), map[string][]byte{"task:1": []byte("v")}, time.Minute)
	require.Error(t, err)
	assert.True(t, errors.IsConnection(err))
}

func TestStoreBatchGetRecordsMetrics(t *testing.T) {
	store, _ := newTestStore(t, Options{Prefix: "api:"})
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "task:1", []byte("a"), time.Minute))

	_, err := store.BatchGet(ctx, []string{"task:1", "task:absent"})
	require.NoError(t, err)

	m := store.Metrics().Snapshot()
	assert.Equal(t, int64(1), m.ByType["task"].Hits)
	assert.Equal(t, int64(1), m.ByType["task"].Misses)
}

func TestStoreMetricsOnReads(t *testing.T) {
	store, _ := newTestStore(t, Options{Prefix: "api:"})
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "task:123", []byte("v"), time.Minute))

	_, _ = store.Get(ctx, "task:123")
	_, _ = store.Get(ctx, "task:123")
	_, _ = store.Get(ctx, "task:absent")

	m := store.Metrics().Snapshot()
	assert.Equal(t, TypeMetrics{Hits: 2, Misses: 1}, m.ByType["task"])
	assert.InDelta(t, 2.0/3.0, store.Metrics().HitRate(), 1e-9)
}

func TestStoreJSONRoundTrip(t *testing.T) {
	store, _ := newTestStore(t, Options{Prefix: "api:"})
	ctx := context.Background()

	type payload struct {
		Name  string `json:"name"`
		Count int    `json:"count"`
	}

	require.NoError(t, store.SetJSON(ctx, "task:meta", payload{Name: "inbox", Count: 7}, time.Minute))

	var got payload
	require.NoError(t, store.GetJSON(ctx, "task:meta", &got))
	assert.Equal(t, payload{Name: "inbox", Count: 7}, got)

	err := store.SetJSON(ctx, "task:bad", make(chan int), time.Minute)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrTypeSerialization))
}

func TestStoreConnectionError(t *testing.T) {
	store, s := newTestStore(t, Options{Prefix: "api:"})
	ctx := context.Background()

	s.SetError("READONLY You can't write against a read only replica.")

	err := store.Set(ctx, "task:123", []byte("v"), time.Minute)
	require.Error(t, err)
	assert.True(t, errors.IsConnection(err))
}
