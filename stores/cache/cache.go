package cache

import (
	"context"
	"strconv"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"taskflow-server/core"
)

// Store wraps a TaskStore with Redis-backed caching of partition reads.
// Cached entries are keyed by a per-partition generation that every write
// increments, so a read that raced a write never refills the new generation
// with the old result.
type Store struct {
	core.TaskStore
	redis *redis.Client
	ttl   time.Duration
}

// New creates a caching wrapper around base.
func New(base core.TaskStore, client *redis.Client, ttl time.Duration) *Store {
	if base == nil {
		panic("cache.New: base store is nil")
	}
	if ttl < 0 {
		ttl = 0
	}
	return &Store{TaskStore: base, redis: client, ttl: ttl}
}

// Close closes the Redis client. The wrapped store is left open.
func (c *Store) Close() error {
	if c.redis == nil {
		return nil
	}
	return c.redis.Close()
}

func genKey(storageID string) string { return "taskflow:gen:" + storageID }

func tasksKey(storageID string, gen int64) string {
	return "taskflow:tasks:" + storageID + ":" + strconv.FormatInt(gen, 10)
}

func statsKey(storageID string, gen int64) string {
	return "taskflow:stats:" + storageID + ":" + strconv.FormatInt(gen, 10)
}

func (c *Store) List(ctx context.Context, storageID string) ([]*core.Task, error) {
	gen, cacheable := c.generation(ctx, storageID)

	var tasks []*core.Task
	if cacheable && c.load(ctx, tasksKey(storageID, gen), &tasks) {
		for _, task := range tasks {
			task.Normalize()
		}
		return tasks, nil
	}

	tasks, err := c.TaskStore.List(ctx, storageID)
	if err != nil {
		return nil, err
	}
	if cacheable {
		c.store(ctx, tasksKey(storageID, gen), tasks)
	}
	return tasks, nil
}

func (c *Store) Stats(ctx context.Context, storageID string) (core.TaskStats, error) {
	gen, cacheable := c.generation(ctx, storageID)

	var stats core.TaskStats
	if cacheable && c.load(ctx, statsKey(storageID, gen), &stats) {
		return stats, nil
	}

	stats, err := c.TaskStore.Stats(ctx, storageID)
	if err != nil {
		return core.TaskStats{}, err
	}
	if cacheable {
		c.store(ctx, statsKey(storageID, gen), stats)
	}
	return stats, nil
}

func (c *Store) Count(ctx context.Context, storageID string) (int64, error) {
	stats, err := c.Stats(ctx, storageID)
	if err != nil {
		return 0, err
	}
	return stats.Completed + stats.Pending, nil
}

func (c *Store) Insert(ctx context.Context, task *core.Task) (string, error) {
	id, err := c.TaskStore.Insert(ctx, task)
	if err != nil {
		return "", err
	}
	c.evict(ctx, task.StorageID)
	return id, nil
}

func (c *Store) Update(ctx context.Context, storageID, id string, patch core.TaskPatch) error {
	return c.evictAfter(ctx, storageID, c.TaskStore.Update(ctx, storageID, id, patch))
}

func (c *Store) PushAttachment(ctx context.Context, storageID, id string, attachment core.Attachment, at time.Time) error {
	return c.evictAfter(ctx, storageID, c.TaskStore.PushAttachment(ctx, storageID, id, attachment, at))
}

func (c *Store) PullAttachment(ctx context.Context, storageID, id string, ref core.SubdocRef, at time.Time) error {
	return c.evictAfter(ctx, storageID, c.TaskStore.PullAttachment(ctx, storageID, id, ref, at))
}

func (c *Store) PushAudioNote(ctx context.Context, storageID, id string, note core.AudioNote, at time.Time) error {
	return c.evictAfter(ctx, storageID, c.TaskStore.PushAudioNote(ctx, storageID, id, note, at))
}

func (c *Store) PullAudioNote(ctx context.Context, storageID, id string, ref core.SubdocRef, at time.Time) error {
	return c.evictAfter(ctx, storageID, c.TaskStore.PullAudioNote(ctx, storageID, id, ref, at))
}

func (c *Store) Delete(ctx context.Context, storageID, id string) error {
	return c.evictAfter(ctx, storageID, c.TaskStore.Delete(ctx, storageID, id))
}

func (c *Store) MigrateStorage(ctx context.Context, oldID, newID string, at time.Time) (int64, error) {
	moved, err := c.TaskStore.MigrateStorage(ctx, oldID, newID, at)
	// A partial migration still changed both partitions.
	c.evict(ctx, oldID, newID)
	return moved, err
}

func (c *Store) evictAfter(ctx context.Context, storageID string, err error) error {
	if err != nil {
		return err
	}
	c.evict(ctx, storageID)
	return nil
}

func (c *Store) load(ctx context.Context, key string, dst any) bool {
	if c.redis == nil {
		return false
	}
	data, err := c.redis.Get(ctx, key).Bytes()
	if err != nil {
		if err != redis.Nil {
			logrus.WithError(err).WithField("key", key).Warn("cache read failed")
			_ = c.redis.Del(ctx, key).Err()
		}
		return false
	}
	if err := sonic.Unmarshal(data, dst); err != nil {
		_ = c.redis.Del(ctx, key).Err()
		return false
	}
	return true
}

func (c *Store) store(ctx context.Context, key string, value any) {
	if c.redis == nil || c.ttl == 0 {
		return
	}
	data, err := sonic.Marshal(value)
	if err != nil {
		return
	}
	_ = c.redis.Set(ctx, key, data, c.ttl).Err()
}

// generation returns the current cache generation of a partition. It must be
// read before the backing store so that a concurrent write moves readers to a
// key the stale result is never stored under.
func (c *Store) generation(ctx context.Context, storageID string) (int64, bool) {
	if c.redis == nil {
		return 0, false
	}
	gen, err := c.redis.Get(ctx, genKey(storageID)).Int64()
	switch {
	case err == redis.Nil:
		return 0, true
	case err != nil:
		logrus.WithError(err).WithField("storage_id", storageID).Warn("cache generation read failed")
		return 0, false
	}
	return gen, true
}

// evict moves the partitions to a new generation and drops the entries of
// the one they leave.
func (c *Store) evict(ctx context.Context, storageIDs ...string) {
	if c.redis == nil {
		return
	}
	for _, id := range storageIDs {
		gen, err := c.redis.Incr(ctx, genKey(id)).Result()
		if err != nil {
			logrus.WithError(err).WithField("storage_id", id).Warn("cache eviction failed")
			continue
		}
		_ = c.redis.Del(ctx, tasksKey(id, gen-1), statsKey(id, gen-1)).Err()
	}
}
