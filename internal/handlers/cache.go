package handlers

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"

	"pdf2img/internal/render"
	u "pdf2img/internal/utils"
)

// computeImageSetCacheKey creates a SHA256-based cache key for a whole
// conversion response.
func computeImageSetCacheKey(url, rangeExpr string, dpi float64, format render.Format) string {
	h := sha256.New()
	h.Write([]byte(url))
	h.Write([]byte(rangeExpr))
	h.Write([]byte(strconv.FormatFloat(dpi, 'f', 2, 64)))
	h.Write([]byte(format))
	return "imgset:" + hex.EncodeToString(h.Sum(nil))
}

// computePageCacheKey creates a SHA256-based cache key for one rendered page.
func computePageCacheKey(url string, page int, dpi float64, format render.Format) string {
	h := sha256.New()
	h.Write([]byte(url))
	h.Write([]byte(strconv.Itoa(page)))
	h.Write([]byte(strconv.FormatFloat(dpi, 'f', 2, 64)))
	h.Write([]byte(format))
	return "img:" + hex.EncodeToString(h.Sum(nil))
}

// getCachedBytes attempts to retrieve a cached payload from Redis.
func getCachedBytes(c *fiber.Ctx, rdb *redis.Client, key string) ([]byte, error) {
	ctxRedis, cancel := context.WithTimeout(c.Context(), 1*time.Second)
	defer cancel()

	cached, err := rdb.Get(ctxRedis, key).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		u.Warn("Redis read failed", "error", err)
		return nil, err
	}

	u.Info("Image cache hit", "key", key)
	return cached, nil
}

// setCachedBytes stores a rendered payload in Redis.
func setCachedBytes(c *fiber.Ctx, rdb *redis.Client, key string, data []byte, ttl time.Duration) {
	ctxRedis, cancel := context.WithTimeout(c.Context(), 1*time.Second)
	defer cancel()

	if ttl <= 0 {
		ttl = 1 * time.Minute
	}

	if err := rdb.Set(ctxRedis, key, data, ttl).Err(); err != nil {
		u.Warn("Redis write failed", "error", err)
	}
}
