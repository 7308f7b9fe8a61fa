// Package cache provides the Redis-backed response cache keyed by request
// fingerprint. Store failures are treated as misses so a degraded cache never
// fails a request.
package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/llmops/metered-gateway/internal/shared/models"
	redisclient "github.com/llmops/metered-gateway/internal/shared/redis"
)

type Cache struct {
	rdb    *redisclient.Client
	ttl    time.Duration
	logger *zap.Logger
}

// New creates a response cache with the given entry TTL.
func New(rdb *redisclient.Client, ttl time.Duration, logger *zap.Logger) *Cache {
	return &Cache{rdb: rdb, ttl: ttl, logger: logger}
}

func cacheKey(fingerprint string) string {
	return "cache:response:" + fingerprint
}

// Get retrieves a cached entry. Returns (nil, false) on a miss or any store
// error; errors other than a plain miss are logged.
func (c *Cache) Get(ctx context.Context, fingerprint string) (*models.CacheEntry, bool) {
	val, err := c.rdb.Get(ctx, cacheKey(fingerprint))
	if err != nil {
		if !redisclient.IsMiss(err) {
			c.logger.Warn("response cache get failed",
				zap.String("fingerprint", fingerprint),
				zap.Error(err),
			)
		}
		return nil, false
	}

	var entry models.CacheEntry
	if err := json.Unmarshal([]byte(val), &entry); err != nil {
		c.logger.Warn("response cache entry corrupt",
			zap.String("fingerprint", fingerprint),
			zap.Error(err),
		)
		return nil, false
	}

	return &entry, true
}

// Put stores an entry. Idempotent and last-write-wins: concurrent identical
// requests may both store, which is fine because entries are immutable
// content. Store errors are logged and swallowed.
func (c *Cache) Put(ctx context.Context, fingerprint string, response json.RawMessage, usage openai.Usage) {
	entry := models.CacheEntry{
		Fingerprint: fingerprint,
		Response:    response,
		Usage:       usage,
		StoredAt:    time.Now().UTC(),
	}

	data, err := json.Marshal(entry)
	if err != nil {
		c.logger.Warn("response cache marshal failed", zap.Error(err))
		return
	}

	if err := c.rdb.Set(ctx, cacheKey(fingerprint), string(data), c.ttl); err != nil {
		c.logger.Warn("response cache put failed",
			zap.String("fingerprint", fingerprint),
			zap.Error(err),
		)
	}
}
