package cache

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/go-redsync/redsync/v4"
	goredis "github.com/go-redsync/redsync/v4/redis/goredis/v8"

	"cachebus/internal/common/logging"
)

// Janitor periodically sweeps the tag-sets, removing members whose primary
// entries have expired. Redis expires an entry without touching the
// tag-sets that reference it, so without the sweep the sets accumulate
// dangling keys forever. A distributed lock ensures only one service
// instance per deployment sweeps at a time.
type Janitor struct {
	store    *Store
	rs       *redsync.Redsync
	interval time.Duration
	logger   logging.Logger
}

// NewJanitor creates a janitor over the given store.
func NewJanitor(store *Store, interval time.Duration, logger logging.Logger) *Janitor {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Janitor{
		store:    store,
		rs:       redsync.New(goredis.NewPool(store.rdb)),
		interval: interval,
		logger:   logger.WithFields(logging.Field{Key: "component", Value: "tag_janitor"}),
	}
}

// Start runs the sweep loop in a new goroutine until ctx is cancelled.
func (j *Janitor) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(j.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				j.logger.Info("Tag janitor stopped")
				return
			case <-ticker.C:
				j.sweepLocked(ctx)
			}
		}
	}()
}

// sweepLocked runs one sweep under the deployment-wide lock. A busy lock
// means another instance is already sweeping, which is fine.
func (j *Janitor) sweepLocked(ctx context.Context) {
	mutex := j.rs.NewMutex(
		j.store.Prefix()+"janitor:lock",
		redsync.WithExpiry(j.interval),
		redsync.WithTries(1),
	)

	if err := mutex.TryLockContext(ctx); err != nil {
		if stderrors.Is(err, redsync.ErrFailed) {
			j.logger.Debug("Janitor lock held elsewhere, skipping sweep")
		} else {
			j.logger.Warn("Janitor lock acquisition failed", logging.Err(err))
		}
		return
	}
	defer func() {
		if _, err := mutex.UnlockContext(ctx); err != nil {
			j.logger.Warn("Janitor lock release failed", logging.Err(err))
		}
	}()

	removed, err := j.Sweep(ctx)
	if err != nil {
		j.logger.Error("Tag sweep failed", err)
		return
	}
	if removed > 0 {
		j.logger.Info("Tag sweep removed dangling members",
			logging.Field{Key: "removed", Value: removed})
	}
}

// Sweep scans all tag-sets and removes members whose entries no longer
// exist. Returns how many dangling members were removed.
func (j *Janitor) Sweep(ctx context.Context) (int, error) {
	if !j.store.IsHealthy() {
		return 0, nil
	}

	match := TagKey(j.store.Prefix(), "*")

	removed := 0
	var cursor uint64
	for {
		tagKeys, next, err := j.store.rdb.Scan(ctx, cursor, match, scanBatchSize).Result()
		if err != nil {
			return removed, j.store.wrapErr("janitor scan", "", err)
		}

		for _, tagKey := range tagKeys {
			n, err := j.sweepTagSet(ctx, tagKey)
			if err != nil {
				return removed, err
			}
			removed += n
		}

		cursor = next
		if cursor == 0 {
			return removed, nil
		}
	}
}

func (j *Janitor) sweepTagSet(ctx context.Context, tagKey string) (int, error) {
	members, err := j.store.rdb.SMembers(ctx, tagKey).Result()
	if err != nil {
		return 0, j.store.wrapErr("janitor members read", tagKey, err)
	}
	if len(members) == 0 {
		return 0, nil
	}

	pipe := j.store.rdb.Pipeline()
	existsCmds := make([]*redis.IntCmd, len(members))
	for i, member := range members {
		existsCmds[i] = pipe.Exists(ctx, member)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, j.store.wrapErr("janitor existence check", tagKey, err)
	}

	var dangling []interface{}
	for i, cmd := range existsCmds {
		if cmd.Val() == 0 {
			dangling = append(dangling, members[i])
		}
	}
	if len(dangling) == 0 {
		return 0, nil
	}

	if err := j.store.rdb.SRem(ctx, tagKey, dangling...).Err(); err != nil {
		return 0, j.store.wrapErr("janitor member removal", tagKey, err)
	}
	return len(dangling), nil
}
