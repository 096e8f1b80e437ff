// Package redis provides a Redis-backed Store and TaskStore so several proxy instances can
// share one offline copy and one deferred queue.
package redis

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"

	offlinecache "github.com/dgduncan/go-offline-cache"
	"github.com/dgduncan/go-offline-cache/caches"
	"github.com/dgduncan/go-offline-cache/caches/internal/codec"
)

// Config defines the configuration options for the Redis store implementation.
type Config struct {
	// Prefix namespaces every key, eg. offline_cache:versions.
	Prefix string
}

// Cache implements offlinecache.Store and offlinecache.TaskStore on Redis. Each version is a
// hash so deleting a version is a single DEL.
type Cache struct {
	client *redis.Client

	prefix string
}

func (c *Cache) entriesKey(tag string) string { return c.prefix + ":entry:" + tag }
func (c *Cache) versionsKey() string          { return c.prefix + ":versions" }
func (c *Cache) currentKey() string           { return c.prefix + ":current" }
func (c *Cache) queueKey() string             { return c.prefix + ":queue" }
func (c *Cache) tasksKey() string             { return c.prefix + ":tasks" }

func (c *Cache) Get(ctx context.Context, tag, k string) (*offlinecache.CacheEntry, error) {
	b, err := c.client.HGet(ctx, c.entriesKey(tag), k).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, caches.ErrNoCacheItem
		}
		return nil, fmt.Errorf("failed to get entry: %w", err)
	}
	return codec.DecodeEntry(b)
}

func (c *Cache) Set(ctx context.Context, tag, k string, v *offlinecache.CacheEntry) error {
	b, err := codec.EncodeEntry(v)
	if err != nil {
		return fmt.Errorf("failed to encode entry: %w", err)
	}
	return c.client.HSet(ctx, c.entriesKey(tag), k, b).Err()
}

func (c *Cache) Commit(ctx context.Context, tag string) error {
	return c.client.SAdd(ctx, c.versionsKey(), tag).Err()
}

func (c *Cache) Versions(ctx context.Context) ([]string, error) {
	tags, err := c.client.SMembers(ctx, c.versionsKey()).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(tags)
	return tags, nil
}

func (c *Cache) DeleteVersion(ctx context.Context, tag string) error {
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SRem(ctx, c.versionsKey(), tag)
		pipe.Del(ctx, c.entriesKey(tag))
		return nil
	})
	return err
}

func (c *Cache) SetCurrent(ctx context.Context, tag string) error {
	return c.client.Set(ctx, c.currentKey(), tag, 0).Err()
}

func (c *Cache) Current(ctx context.Context) (string, error) {
	tag, err := c.client.Get(ctx, c.currentKey()).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", nil
		}
		return "", err
	}
	return tag, nil
}

func (c *Cache) Append(ctx context.Context, t *offlinecache.DeferredTask) error {
	b, err := codec.EncodeTask(t)
	if err != nil {
		return fmt.Errorf("failed to encode task: %w", err)
	}
	_, err = c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, c.tasksKey(), t.ID, b)
		pipe.RPush(ctx, c.queueKey(), t.ID)
		return nil
	})
	return err
}

func (c *Cache) List(ctx context.Context) ([]*offlinecache.DeferredTask, error) {
	ids, err := c.client.LRange(ctx, c.queueKey(), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	payloads, err := c.client.HMGet(ctx, c.tasksKey(), ids...).Result()
	if err != nil {
		return nil, err
	}

	tasks := make([]*offlinecache.DeferredTask, 0, len(ids))
	for i, p := range payloads {
		s, ok := p.(string)
		if !ok {
			// listed but payload gone: a Remove raced with this List
			continue
		}
		t, err := codec.DecodeTask([]byte(s))
		if err != nil {
			return nil, fmt.Errorf("failed to decode task %s: %w", ids[i], err)
		}
		tasks = append(tasks, t)
	}
	sort.SliceStable(tasks, func(i, j int) bool { return tasks[i].Seq < tasks[j].Seq })
	return tasks, nil
}

func (c *Cache) Update(ctx context.Context, t *offlinecache.DeferredTask) error {
	exists, err := c.client.HExists(ctx, c.tasksKey(), t.ID).Result()
	if err != nil {
		return err
	}
	if !exists {
		return caches.ErrNoCacheItem
	}

	b, err := codec.EncodeTask(t)
	if err != nil {
		return fmt.Errorf("failed to encode task: %w", err)
	}
	return c.client.HSet(ctx, c.tasksKey(), t.ID, b).Err()
}

func (c *Cache) Remove(ctx context.Context, id string) error {
	var del *redis.IntCmd
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, c.queueKey(), 0, id)
		del = pipe.HDel(ctx, c.tasksKey(), id)
		return nil
	})
	if err != nil {
		return err
	}
	if del.Val() == 0 {
		return caches.ErrNoCacheItem
	}
	return nil
}

// New creates a Redis store and checks the connection.
func New(ctx context.Context, client *redis.Client, config *Config) (*Cache, error) {
	if client == nil {
		return nil, caches.ValidationError{
			Reason: "nil client",
		}
	}

	prefix := caches.DefaultTable
	if config != nil && config.Prefix != "" {
		prefix = config.Prefix
	}

	pingCtx, cancel := context.WithTimeout(ctx, caches.DefaultPingTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &Cache{client: client, prefix: prefix}, nil
}
