package router

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/datamind/control-plane/pkg/models"
)

// DecisionCache stores route decisions for identical queries.
// Cache failures must never fail routing.
type DecisionCache interface {
	Get(ctx context.Context, key string) (models.RouteDecision, bool)
	Set(ctx context.Context, key string, d models.RouteDecision)
}

// DefaultCacheTTL is how long identical queries reuse a decision.
const DefaultCacheTTL = 5 * time.Minute

// RedisCache is a DecisionCache backed by Redis.
type RedisCache struct {
	client redis.Cmdable
	prefix string
	ttl    time.Duration
}

// NewRedisCache creates a Redis decision cache. ttl <= 0 uses DefaultCacheTTL.
func NewRedisCache(client redis.Cmdable, prefix string, ttl time.Duration) *RedisCache {
	if prefix == "" {
		prefix = "router:route:"
	}
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &RedisCache{client: client, prefix: prefix, ttl: ttl}
}

func (c *RedisCache) Get(ctx context.Context, key string) (models.RouteDecision, bool) {
	raw, err := c.client.Get(ctx, c.prefix+key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			log.Debug().Err(err).Msg("Route cache read failed")
		}
		return models.RouteDecision{}, false
	}
	var d models.RouteDecision
	if err := json.Unmarshal(raw, &d); err != nil {
		log.Debug().Err(err).Msg("Route cache entry corrupt")
		return models.RouteDecision{}, false
	}
	return d, true
}

func (c *RedisCache) Set(ctx context.Context, key string, d models.RouteDecision) {
	raw, err := json.Marshal(d)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, c.prefix+key, raw, c.ttl).Err(); err != nil {
		log.Debug().Err(err).Msg("Route cache write failed")
	}
}

// CacheKey derives the cache key for a query. Hints are part of the key so a
// flagged query never reuses an unflagged decision.
func CacheKey(q models.Query) string {
	var b strings.Builder
	b.WriteString(q.Text)
	if q.Hints.Any() {
		b.WriteString("\x00hints:")
		b.WriteString(strings.Join(q.Hints.Domains(), ","))
	}
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])[:16]
}
