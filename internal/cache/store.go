package cache

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	stderrors "errors"
	"io"
	"time"

	"github.com/go-redis/redis/v8"

	"cachebus/internal/common/errors"
	"cachebus/internal/common/logging"
)

// DefaultOpTimeout bounds each store round trip when none is configured.
const DefaultOpTimeout = 2 * time.Second

// Options configures a Store.
type Options struct {
	// Prefix namespaces every key so multiple services can share one
	// deployment or database index without collision.
	Prefix string
	// MaxKeyLength caps accepted key length (DefaultMaxKeyLength if zero).
	MaxKeyLength int
	// UseCompression gzips values on write and gunzips on read.
	UseCompression bool
	// DefaultTTL applies when a write passes no TTL.
	DefaultTTL time.Duration
	// TTLOverrides resolves per-entity-type TTLs by the key's type segment.
	TTLOverrides map[string]time.Duration
	// OpTimeout is the deadline applied to each network round trip.
	OpTimeout time.Duration
}

// Store wraps Redis with namespaced, validated, optionally compressed
// get/set/delete/batch operations. Every operation checks the health
// monitor first and fails fast with a connection error while the store is
// marked unhealthy.
type Store struct {
	rdb     *redis.Client
	opts    Options
	health  *HealthMonitor
	metrics *Collector
	logger  logging.Logger
}

// NewStore creates a cache store. The health monitor and collector are
// required; construct them once at startup and share them.
func NewStore(rdb *redis.Client, opts Options, health *HealthMonitor, metrics *Collector, logger logging.Logger) *Store {
	if opts.MaxKeyLength <= 0 {
		opts.MaxKeyLength = DefaultMaxKeyLength
	}
	if opts.DefaultTTL <= 0 {
		opts.DefaultTTL = 5 * time.Minute
	}
	if opts.OpTimeout <= 0 {
		opts.OpTimeout = DefaultOpTimeout
	}

	return &Store{
		rdb:     rdb,
		opts:    opts,
		health:  health,
		metrics: metrics,
		logger:  logger.WithFields(logging.Field{Key: "component", Value: "cache_store"}),
	}
}

// Prefix returns the service's key namespace.
func (s *Store) Prefix() string {
	return s.opts.Prefix
}

// Metrics returns the store's hit/miss collector.
func (s *Store) Metrics() *Collector {
	return s.metrics
}

// IsHealthy reports whether the store connection is currently usable.
func (s *Store) IsHealthy() bool {
	return s.health.IsHealthy()
}

// TTLFor resolves the TTL for an entity type from the configured overrides.
func (s *Store) TTLFor(entityType string) time.Duration {
	if ttl, ok := s.opts.TTLOverrides[entityType]; ok {
		return ttl
	}
	return s.opts.DefaultTTL
}

// Get returns the cached value for key. A miss (absent or expired key) is
// reported as a not-found error and recorded in the metrics.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	if err := s.check(key); err != nil {
		return nil, err
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	data, err := s.rdb.Get(ctx, s.namespaced(key)).Bytes()
	if err != nil {
		if stderrors.Is(err, redis.Nil) {
			s.metrics.RecordMiss(CacheType(key))
			return nil, errors.NotFoundError(key)
		}
		return nil, s.wrapErr("get", key, err)
	}

	value, err := s.decompress(data)
	if err != nil {
		return nil, err
	}

	s.metrics.RecordHit(CacheType(key))
	return value, nil
}

// Set writes value under key. A non-positive TTL resolves to the configured
// TTL for the key's entity type.
func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := s.check(key); err != nil {
		return err
	}

	data, err := s.compress(value)
	if err != nil {
		return err
	}

	if ttl <= 0 {
		ttl = s.TTLFor(CacheType(key))
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if err := s.rdb.Set(ctx, s.namespaced(key), data, ttl).Err(); err != nil {
		return s.wrapErr("set", key, err)
	}
	return nil
}

// Delete removes the given keys. Deleting an absent key is a no-op.
func (s *Store) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	for _, key := range keys {
		if err := s.check(key); err != nil {
			return err
		}
	}

	namespaced := make([]string, len(keys))
	for i, key := range keys {
		namespaced[i] = s.namespaced(key)
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if err := s.rdb.Del(ctx, namespaced...).Err(); err != nil {
		return s.wrapErr("delete", keys[0], err)
	}
	return nil
}

// BatchGet fetches many keys in one pipelined round trip. Keys that are
// missing or individually failed are omitted from the result map rather
// than aborting the batch; individual failures are logged.
func (s *Store) BatchGet(ctx context.Context, keys []string) (map[string][]byte, error) {
	result := make(map[string][]byte, len(keys))
	if len(keys) == 0 {
		return result, nil
	}
	for _, key := range keys {
		if err := s.check(key); err != nil {
			return nil, err
		}
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	pipe := s.rdb.Pipeline()
	cmds := make([]*redis.StringCmd, len(keys))
	for i, key := range keys {
		cmds[i] = pipe.Get(ctx, s.namespaced(key))
	}

	// Exec surfaces the first per-command error. Only a failed round trip
	// aborts the batch; an error confined to individual keys falls through
	// to the per-command loop, which omits and logs those keys.
	execCmds, err := pipe.Exec(ctx)
	if err != nil && !stderrors.Is(err, redis.Nil) {
		if ctx.Err() != nil || allFailed(execCmds) {
			return nil, s.wrapErr("batch get", keys[0], err)
		}
	}

	for i, cmd := range cmds {
		key := keys[i]
		data, err := cmd.Bytes()
		if err != nil {
			s.metrics.RecordMiss(CacheType(key))
			if !stderrors.Is(err, redis.Nil) {
				s.logger.Warn("Batch get: key failed, omitting",
					logging.Field{Key: "key", Value: key}, logging.Err(err))
			}
			continue
		}

		value, err := s.decompress(data)
		if err != nil {
			s.metrics.RecordMiss(CacheType(key))
			s.logger.Warn("Batch get: undecodable value, omitting",
				logging.Field{Key: "key", Value: key}, logging.Err(err))
			continue
		}
		s.metrics.RecordHit(CacheType(key))
		result[key] = value
	}

	return result, nil
}

// BatchSet writes many entries in one pipelined round trip with a shared
// TTL. Individual failures are logged and skipped.
func (s *Store) BatchSet(ctx context.Context, entries map[string][]byte, ttl time.Duration) error {
	if len(entries) == 0 {
		return nil
	}
	for key := range entries {
		if err := s.check(key); err != nil {
			return err
		}
	}

	compressed := make(map[string][]byte, len(entries))
	for key, value := range entries {
		data, err := s.compress(value)
		if err != nil {
			return err
		}
		compressed[key] = data
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	pipe := s.rdb.Pipeline()
	cmds := make(map[string]*redis.StatusCmd, len(compressed))
	for key, data := range compressed {
		entryTTL := ttl
		if entryTTL <= 0 {
			entryTTL = s.TTLFor(CacheType(key))
		}
		cmds[key] = pipe.Set(ctx, s.namespaced(key), data, entryTTL)
	}

	execCmds, err := pipe.Exec(ctx)
	if err != nil {
		if ctx.Err() != nil || allFailed(execCmds) {
			return s.wrapErr("batch set", "", err)
		}
		for key, cmd := range cmds {
			if cmdErr := cmd.Err(); cmdErr != nil {
				s.logger.Warn("Batch set: key failed, skipping",
					logging.Field{Key: "key", Value: key}, logging.Err(cmdErr))
			}
		}
	}
	return nil
}

// allFailed reports whether every pipelined command carries a real error,
// which means the round trip itself failed rather than any one key.
func allFailed(cmds []redis.Cmder) bool {
	if len(cmds) == 0 {
		return true
	}
	for _, cmd := range cmds {
		if err := cmd.Err(); err == nil || stderrors.Is(err, redis.Nil) {
			return false
		}
	}
	return true
}

// GetJSON reads key and unmarshals it into dest.
func (s *Store) GetJSON(ctx context.Context, key string, dest interface{}) error {
	data, err := s.Get(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return errors.SerializationError("failed to unmarshal cached value", err).
			WithContext("key", key)
	}
	return nil
}

// SetJSON marshals v and writes it under key.
func (s *Store) SetJSON(ctx context.Context, key string, v interface{}, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return errors.SerializationError("failed to marshal value", err).
			WithContext("key", key)
	}
	return s.Set(ctx, key, data, ttl)
}

// check runs key validation and the health gate, in that order, before any
// network call.
func (s *Store) check(key string) error {
	if err := ValidateKey(key, s.opts.MaxKeyLength); err != nil {
		return err
	}
	if !s.health.IsHealthy() {
		return errors.ConnectionError("cache store is unhealthy", nil).
			WithContext("key", key)
	}
	return nil
}

func (s *Store) namespaced(key string) string {
	return s.opts.Prefix + key
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.opts.OpTimeout)
}

// wrapErr maps a transport failure to the error taxonomy: an exceeded
// deadline is a timeout, everything else a connection error.
func (s *Store) wrapErr(op, key string, err error) error {
	if stderrors.Is(err, context.DeadlineExceeded) {
		appErr := errors.TimeoutError(op, err)
		if key != "" {
			appErr.WithContext("key", key)
		}
		return appErr
	}
	appErr := errors.ConnectionError("cache "+op+" failed", err)
	if key != "" {
		appErr.WithContext("key", key)
	}
	return appErr
}

func (s *Store) compress(value []byte) ([]byte, error) {
	if !s.opts.UseCompression {
		return value, nil
	}

	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(value); err != nil {
		return nil, errors.SerializationError("failed to compress value", err)
	}
	if err := w.Close(); err != nil {
		return nil, errors.SerializationError("failed to compress value", err)
	}
	return buf.Bytes(), nil
}

func (s *Store) decompress(data []byte) ([]byte, error) {
	if !s.opts.UseCompression {
		return data, nil
	}

	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, errors.SerializationError("failed to decompress value", err)
	}
	defer r.Close()

	value, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.SerializationError("failed to decompress value", err)
	}
	return value, nil
}
