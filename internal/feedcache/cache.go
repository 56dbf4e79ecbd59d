// Package feedcache keeps a bounded window of each user's feed in Redis.
//
// Every operation is best-effort: Redis failures are logged and reported as
// a miss (reads) or ignored (writes and invalidations). Nothing in this
// package returns a Redis error to the caller.
package feedcache

import (
	"context"
	"encoding/json"
	"time"

	"socialfeed/internal/domain"
	"socialfeed/internal/log"
	"socialfeed/internal/metrics"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	DefaultKeyPrefix = "feed:"
	DefaultCapacity  = 1000
	DefaultTTL       = time.Hour
)

type Config struct {
	KeyPrefix string
	Capacity  int
	TTL       time.Duration
}

type Cache struct {
	cfg    Config
	client redis.UniversalClient
	logger zerolog.Logger
}

func New(client redis.UniversalClient, cfg Config) *Cache {
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = DefaultKeyPrefix
	}
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultCapacity
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	return &Cache{cfg: cfg, client: client, logger: log.WithComponent("feedcache")}
}

func (c *Cache) Capacity() int { return c.cfg.Capacity }

func (c *Cache) key(userID string) string {
	return c.cfg.KeyPrefix + userID
}

// Read answers a page from the cached window. ok=false means the caller must
// go to storage; ok=true with no posts means the window proves there is no
// more data.
func (c *Cache) Read(ctx context.Context, userID string, offset, limit int) (posts []domain.Post, ok bool) {
	key := c.key(userID)
	size, err := c.client.LLen(ctx, key).Result()
	if err != nil {
		c.fail("read", userID, err)
		return nil, false
	}

	switch decide(int(size), c.cfg.Capacity, offset, limit) {
	case deferToStorage:
		metrics.CacheLookupsTotal.WithLabelValues("defer").Inc()
		return nil, false
	case emptyPage:
		metrics.CacheLookupsTotal.WithLabelValues("empty").Inc()
		return []domain.Post{}, true
	}

	raw, err := c.client.LRange(ctx, key, int64(offset), int64(offset+limit-1)).Result()
	if err != nil {
		c.fail("read", userID, err)
		return nil, false
	}
	if len(raw) == 0 {
		// Expired or invalidated between LLEN and LRANGE.
		metrics.CacheLookupsTotal.WithLabelValues("defer").Inc()
		return nil, false
	}
	out := make([]domain.Post, 0, len(raw))
	for _, item := range raw {
		var p domain.Post
		if err := json.Unmarshal([]byte(item), &p); err != nil {
			c.fail("decode", userID, err)
			return nil, false
		}
		out = append(out, p)
	}
	metrics.CacheLookupsTotal.WithLabelValues("hit").Inc()
	return out, true
}

// Write replaces the user's window with at most Capacity posts and resets
// its TTL. The delete and append run in one MULTI block.
func (c *Cache) Write(ctx context.Context, userID string, posts []domain.Post) {
	if len(posts) > c.cfg.Capacity {
		posts = posts[:c.cfg.Capacity]
	}
	values := make([]any, 0, len(posts))
	for _, p := range posts {
		b, err := json.Marshal(p)
		if err != nil {
			c.fail("encode", userID, err)
			return
		}
		values = append(values, b)
	}

	key := c.key(userID)
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		if len(values) > 0 {
			pipe.RPush(ctx, key, values...)
		}
		pipe.Expire(ctx, key, c.cfg.TTL)
		return nil
	})
	if err != nil {
		c.fail("write", userID, err)
		return
	}
	c.logger.Debug().Str("user_id", userID).Int("posts", len(values)).Msg("feed window updated")
}

func (c *Cache) Invalidate(ctx context.Context, userID string) {
	if err := c.client.Del(ctx, c.key(userID)).Err(); err != nil {
		c.fail("invalidate", userID, err)
		return
	}
	c.logger.Debug().Str("user_id", userID).Msg("feed window invalidated")
}

func (c *Cache) InvalidateMany(ctx context.Context, userIDs []string) {
	if len(userIDs) == 0 {
		return
	}
	keys := make([]string, 0, len(userIDs))
	for _, id := range userIDs {
		keys = append(keys, c.key(id))
	}
	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		c.fail("invalidate", "", err)
		return
	}
	c.logger.Debug().Int("users", len(keys)).Msg("feed windows invalidated")
}

func (c *Cache) fail(op, userID string, err error) {
	metrics.CacheErrorsTotal.WithLabelValues(op).Inc()
	if op == "read" || op == "decode" {
		metrics.CacheLookupsTotal.WithLabelValues("error").Inc()
	}
	c.logger.Error().Err(err).Str("op", op).Str("user_id", userID).Msg("feed cache unavailable")
}

type decision int

const (
	deferToStorage decision = iota
	emptyPage
	slicePage
)

// decide is evaluated in order; the first matching rule wins.
func decide(size, capacity, offset, limit int) decision {
	switch {
	case size == 0:
		return deferToStorage
	case offset >= capacity:
		return deferToStorage
	case size >= capacity && offset+limit > size:
		return deferToStorage
	case offset >= size:
		return emptyPage
	default:
		return slicePage
	}
}
