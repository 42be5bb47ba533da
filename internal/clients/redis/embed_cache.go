package redis

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/yungbote/ipsibridge-backend/internal/logger"
	"github.com/yungbote/ipsibridge-backend/internal/pkg/vecmath"
)

// EmbedCache memoizes query embeddings keyed by the exact input string.
// Retrieval embeds the same short user queries over and over; a hit saves
// a round trip to the embedding endpoint. Misses and redis errors are
// both treated as "not cached".
type EmbedCache interface {
	Get(ctx context.Context, input string) ([]float32, bool)
	Set(ctx context.Context, input string, vec []float32)
	Close() error
}

type embedCache struct {
	log    *logger.Logger
	rdb    *goredis.Client
	prefix string
	ttl    time.Duration
}

func NewEmbedCache(log *logger.Logger) (EmbedCache, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}

	addr := strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	if addr == "" {
		return nil, fmt.Errorf("missing REDIS_ADDR")
	}

	prefix := strings.TrimSpace(os.Getenv("REDIS_EMBED_PREFIX"))
	if prefix == "" {
		prefix = "embed"
	}

	ttl := 24 * time.Hour
	if v := strings.TrimSpace(os.Getenv("REDIS_EMBED_TTL_HOURS")); v != "" {
		var hours int
		if _, err := fmt.Sscanf(v, "%d", &hours); err == nil && hours > 0 {
			ttl = time.Duration(hours) * time.Hour
		}
	}

	rdb := goredis.NewClient(&goredis.Options{
		Addr:        addr,
		DialTimeout: 5 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return &embedCache{
		log:    log.With("service", "RedisEmbedCache"),
		rdb:    rdb,
		prefix: prefix,
		ttl:    ttl,
	}, nil
}

func (c *embedCache) key(input string) string {
	sum := sha256.Sum256([]byte(input))
	return c.prefix + ":" + hex.EncodeToString(sum[:])
}

func (c *embedCache) Get(ctx context.Context, input string) ([]float32, bool) {
	if c == nil || c.rdb == nil || strings.TrimSpace(input) == "" {
		return nil, false
	}
	raw, err := c.rdb.Get(ctx, c.key(input)).Bytes()
	if err != nil {
		if err != goredis.Nil {
			c.log.Warn("embed cache read failed", "error", err)
		}
		return nil, false
	}
	vec, err := vecmath.ParseEmbeddingJSON(raw)
	if err != nil || len(vec) == 0 {
		return nil, false
	}
	return vec, true
}

func (c *embedCache) Set(ctx context.Context, input string, vec []float32) {
	if c == nil || c.rdb == nil || strings.TrimSpace(input) == "" || len(vec) == 0 {
		return
	}
	raw, err := vecmath.EmbeddingToJSON(vec)
	if err != nil {
		return
	}
	if err := c.rdb.Set(ctx, c.key(input), raw, c.ttl).Err(); err != nil {
		c.log.Warn("embed cache write failed", "error", err)
	}
}

func (c *embedCache) Close() error {
	if c == nil || c.rdb == nil {
		return nil
	}
	return c.rdb.Close()
}
