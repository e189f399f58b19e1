package cache

import (
	"context"

	"cachebus/internal/common/errors"
	"cachebus/internal/common/logging"
)

// scanBatchSize bounds how many keys each SCAN round may return.
const scanBatchSize = 100

// ClearByPattern deletes every key matching the glob pattern, scanning with
// a cursor until it wraps and deleting the accumulated matches in one
// batch. The call is idempotent: a second invocation with no new matching
// keys deletes nothing and succeeds. Errors are surfaced to the caller
// because a silently failed invalidation would cause stale reads.
func (s *Store) ClearByPattern(ctx context.Context, pattern string) (int, error) {
	if pattern == "" {
		return 0, errors.InvalidKeyError("clear pattern must not be empty")
	}
	if !s.health.IsHealthy() {
		return 0, errors.ConnectionError("cache store is unhealthy", nil)
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	match := s.namespaced(pattern)

	var keys []string
	var cursor uint64
	for {
		batch, next, err := s.rdb.Scan(ctx, cursor, match, scanBatchSize).Result()
		if err != nil {
			return 0, s.wrapErr("pattern scan", pattern, err)
		}
		keys = append(keys, batch...)

		cursor = next
		if cursor == 0 {
			break
		}
	}

	if len(keys) == 0 {
		return 0, nil
	}

	if err := s.rdb.Del(ctx, keys...).Err(); err != nil {
		return 0, s.wrapErr("pattern clear", pattern, err)
	}

	s.logger.Debug("Cleared keys by pattern",
		logging.Field{Key: "pattern", Value: pattern},
		logging.Field{Key: "deleted", Value: len(keys)},
	)
	return len(keys), nil
}
