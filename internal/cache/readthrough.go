package cache

import (
	"context"
	"time"

	"golang.org/x/sync/singleflight"

	"cachebus/internal/common/errors"
	"cachebus/internal/common/logging"
)

// ComputeFunc produces the authoritative value for a key on a cache miss.
type ComputeFunc func(ctx context.Context) ([]byte, error)

// ReadThrough wraps a Store with the get-or-compute pattern. Concurrent
// misses for the same key are coalesced into a single computation shared by
// all callers, so a popular expired entry does not stampede the backing
// source.
type ReadThrough struct {
	store  *Store
	group  singleflight.Group
	logger logging.Logger
}

// NewReadThrough creates a read-through helper over the given store.
func NewReadThrough(store *Store, logger logging.Logger) *ReadThrough {
	return &ReadThrough{
		store:  store,
		logger: logger.WithFields(logging.Field{Key: "component", Value: "read_through"}),
	}
}

// GetOrCompute returns the cached value for key, or computes, stores, and
// returns it on a miss. The cache is an optimization here, never a
// dependency: misses, connection failures, and timeouts all fall through to
// compute (transport failures are logged first). Validation and
// serialization errors surface immediately because they indicate a bug.
func (r *ReadThrough) GetOrCompute(ctx context.Context, key string, ttl time.Duration, compute ComputeFunc) ([]byte, error) {
	value, err := r.store.Get(ctx, key)
	if err == nil {
		return value, nil
	}
	if !errors.Transient(err) {
		return nil, err
	}
	if !errors.IsNotFound(err) {
		r.logger.Warn("Cache read failed, falling through to source",
			logging.Field{Key: "key", Value: key}, logging.Err(err))
	}

	result, err, _ := r.group.Do(key, func() (interface{}, error) {
		computed, err := compute(ctx)
		if err != nil {
			return nil, err
		}

		// Best effort: a failed write just means the next read recomputes.
		if err := r.store.Set(ctx, key, computed, ttl); err != nil {
			if !errors.Transient(err) {
				return nil, err
			}
			r.logger.Warn("Cache write-back failed",
				logging.Field{Key: "key", Value: key}, logging.Err(err))
		}

		return computed, nil
	})
	if err != nil {
		return nil, err
	}

	return result.([]byte), nil
}
