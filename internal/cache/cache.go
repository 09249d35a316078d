// Package cache wraps the redis key/value store used for the permission
// cache, rate-limit counters, executor wakeups, and log-tail pub/sub.
// Everything here is best-effort: the relational store remains the source of
// truth and a cold cache only costs a recomputation.
package cache

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache is the shared redis client.
type Cache struct {
	rdb    *redis.Client
	logger *slog.Logger
}

// New connects to redis from a redis:// URL and verifies the connection.
func New(ctx context.Context, cacheURL string, logger *slog.Logger) (*Cache, error) {
	opts, err := redis.ParseURL(cacheURL)
	if err != nil {
		return nil, fmt.Errorf("parsing cache URL: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("pinging cache: %w", err)
	}
	return &Cache{rdb: rdb, logger: logger}, nil
}

// NewFromClient wraps an existing client. Used by tests with miniredis.
func NewFromClient(rdb *redis.Client, logger *slog.Logger) *Cache {
	return &Cache{rdb: rdb, logger: logger}
}

// Close releases the client.
func (c *Cache) Close() error { return c.rdb.Close() }

// permKey builds the permission cache key for (user, project). A zero
// project means the global scope.
func permKey(userID, projectID int64) string {
	if projectID == 0 {
		return fmt.Sprintf("perm:%d:global", userID)
	}
	return fmt.Sprintf("perm:%d:%d", userID, projectID)
}

// PermTTL bounds permission-cache staleness.
const PermTTL = 5 * time.Minute

// GetPermissions returns the cached permission list for (user, project).
// ok=false on miss. Cache errors are logged and treated as misses.
func (c *Cache) GetPermissions(ctx context.Context, userID, projectID int64) ([]string, bool) {
	vals, err := c.rdb.SMembers(ctx, permKey(userID, projectID)).Result()
	if err != nil || len(vals) == 0 {
		if err != nil {
			c.logger.Warn("permission cache read failed", "error", err)
		}
		return nil, false
	}
	return vals, true
}

// SetPermissions caches the permission list. An empty set is stored as a
// sentinel so negative lookups also hit.
func (c *Cache) SetPermissions(ctx context.Context, userID, projectID int64, perms []string) {
	key := permKey(userID, projectID)
	members := make([]any, 0, len(perms)+1)
	// Sentinel keeps empty sets distinguishable from cache misses.
	members = append(members, "-")
	for _, p := range perms {
		members = append(members, p)
	}
	pipe := c.rdb.TxPipeline()
	pipe.Del(ctx, key)
	pipe.SAdd(ctx, key, members...)
	pipe.Expire(ctx, key, PermTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		c.logger.Warn("permission cache write failed", "error", err)
	}
}

// InvalidatePermissions deletes the global and, when projectID is nonzero,
// the project-scoped cache entries for a user.
func (c *Cache) InvalidatePermissions(ctx context.Context, userID, projectID int64) {
	keys := []string{permKey(userID, 0)}
	if projectID != 0 {
		keys = append(keys, permKey(userID, projectID))
	}
	if err := c.rdb.Del(ctx, keys...).Err(); err != nil {
		c.logger.Warn("permission cache invalidation failed", "error", err)
	}
}

// IncrWithinWindow increments a windowed counter and reports its new value.
// Used for per-user notification rate limiting.
func (c *Cache) IncrWithinWindow(ctx context.Context, key string, window time.Duration) (int64, error) {
	pipe := c.rdb.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, window)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("incrementing counter %s: %w", key, err)
	}
	return incr.Val(), nil
}

// Publish sends a message to a pub/sub channel. Failures are logged, not
// returned: live tails are lossy by design.
func (c *Cache) Publish(ctx context.Context, channel string, payload []byte) {
	if err := c.rdb.Publish(ctx, channel, payload).Err(); err != nil {
		c.logger.Warn("publish failed", "channel", channel, "error", err)
	}
}

// Subscribe returns a message channel for a pub/sub channel and a cancel
// function.
func (c *Cache) Subscribe(ctx context.Context, channel string) (<-chan *redis.Message, func() error) {
	sub := c.rdb.Subscribe(ctx, channel)
	return sub.Channel(), sub.Close
}

// GetString reads a plain key. ok=false on miss.
func (c *Cache) GetString(ctx context.Context, key string) (string, bool) {
	v, err := c.rdb.Get(ctx, key).Result()
	if err != nil {
		return "", false
	}
	return v, true
}

// SetString writes a plain key with a TTL.
func (c *Cache) SetString(ctx context.Context, key, value string, ttl time.Duration) {
	if err := c.rdb.Set(ctx, key, value, ttl).Err(); err != nil {
		c.logger.Warn("cache write failed", "key", key, "error", err)
	}
}

// GetInt reads an integer key. ok=false on miss or parse failure.
func (c *Cache) GetInt(ctx context.Context, key string) (int64, bool) {
	v, ok := c.GetString(ctx, key)
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}
