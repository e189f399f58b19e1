package cache

import (
	"context"
	"time"

	"cachebus/internal/common/errors"
	"cachebus/internal/common/logging"
)

// TagIndex maintains the reverse index tag -> set of cache keys so that all
// entries sharing a tag can be invalidated together. Domain services choose
// the tags (typically the owning user id plus content tags) at write time.
type TagIndex struct {
	store  *Store
	logger logging.Logger
}

// NewTagIndex creates a tag index over the given store.
func NewTagIndex(store *Store, logger logging.Logger) *TagIndex {
	return &TagIndex{
		store:  store,
		logger: logger.WithFields(logging.Field{Key: "component", Value: "tag_index"}),
	}
}

// SetWithTags writes the entry and then adds its key to every named
// tag-set. The two steps are not atomic: a crash in between leaves a live
// entry untagged, which at worst delays its invalidation.
func (t *TagIndex) SetWithTags(ctx context.Context, key string, value []byte, tags []string, ttl time.Duration) error {
	if err := t.store.Set(ctx, key, value, ttl); err != nil {
		return err
	}

	if len(tags) == 0 {
		return nil
	}

	member := t.store.namespaced(key)

	ctx, cancel := t.store.withTimeout(ctx)
	defer cancel()

	pipe := t.store.rdb.Pipeline()
	for _, tag := range tags {
		pipe.SAdd(ctx, TagKey(t.store.Prefix(), tag), member)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return t.store.wrapErr("tag index update", key, err)
	}

	return nil
}

// InvalidateByTags deletes every key referenced by any of the named
// tag-sets, then deletes the tag-sets themselves. References to entries
// that already expired are harmless no-ops on delete. Errors are surfaced:
// silently failing an invalidation would cause stale reads elsewhere.
func (t *TagIndex) InvalidateByTags(ctx context.Context, tags []string) error {
	if len(tags) == 0 {
		return nil
	}
	if !t.store.IsHealthy() {
		return errors.ConnectionError("cache store is unhealthy", nil)
	}

	ctx, cancel := t.store.withTimeout(ctx)
	defer cancel()

	// Union of members across all named tag-sets.
	members := make(map[string]struct{})
	tagKeys := make([]string, 0, len(tags))
	for _, tag := range tags {
		tagKey := TagKey(t.store.Prefix(), tag)
		tagKeys = append(tagKeys, tagKey)

		keys, err := t.store.rdb.SMembers(ctx, tagKey).Result()
		if err != nil {
			return t.store.wrapErr("tag members read", tag, err)
		}
		for _, key := range keys {
			members[key] = struct{}{}
		}
	}

	if len(members) > 0 {
		keys := make([]string, 0, len(members))
		for key := range members {
			keys = append(keys, key)
		}
		if err := t.store.rdb.Del(ctx, keys...).Err(); err != nil {
			return t.store.wrapErr("tag invalidation", "", err)
		}
		t.logger.Debug("Invalidated tagged entries",
			logging.Field{Key: "tags", Value: len(tags)},
			logging.Field{Key: "keys", Value: len(keys)},
		)
	}

	if err := t.store.rdb.Del(ctx, tagKeys...).Err(); err != nil {
		return t.store.wrapErr("tag set cleanup", "", err)
	}

	return nil
}
