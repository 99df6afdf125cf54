// Package redis implements the branding cache on Redis so several agents can
// share one warm cache. Each number is a hash; a sorted set scored by
// updated_at_ms indexes rows for retention sweeps.
package redis

import (
	"context"
	"fmt"
	"strconv"

	goredis "github.com/redis/go-redis/v9"

	"callbrand/internal/config"
	"callbrand/internal/domain"
)

const (
	fieldBrand     = "brand_name"
	fieldLogo      = "logo_url"
	fieldReason    = "call_reason"
	fieldUpdatedAt = "updated_at_ms"
)

// evictScript deletes every row scored below the cutoff in one round trip so
// a concurrent upsert cannot be lost between the range read and the delete.
var evictScript = goredis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', '(' .. ARGV[1])
for _, id in ipairs(ids) do
  redis.call('DEL', ARGV[2] .. id)
  redis.call('ZREM', KEYS[1], id)
end
return #ids
`)

type BrandingCache struct {
	rc     goredis.UniversalClient
	prefix string
}

func New(rc goredis.UniversalClient, prefix string) *BrandingCache {
	return &BrandingCache{rc: rc, prefix: prefix}
}

// Dial connects and pings with the same guard the rest of the stack uses.
func Dial(ctx context.Context, cfg config.Redis) (*goredis.Client, error) {
	if cfg.RedisAddr == "" {
		return nil, fmt.Errorf("REDIS_ADDR is required for the redis branding cache")
	}
	rc := goredis.NewClient(&goredis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := rc.Ping(ctx).Err(); err != nil {
		_ = rc.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return rc, nil
}

func (c *BrandingCache) rowPrefix() string { return c.prefix + "branding:row:" }
func (c *BrandingCache) rowKey(e164 string) string { return c.rowPrefix() + e164 }
func (c *BrandingCache) indexKey() string         { return c.prefix + "branding:updated" }

func (c *BrandingCache) Get(ctx context.Context, phoneE164 string) (domain.BrandingRecord, bool, error) {
	m, err := c.rc.HGetAll(ctx, c.rowKey(phoneE164)).Result()
	if err != nil {
		return domain.BrandingRecord{}, false, err
	}
	if len(m) == 0 {
		return domain.BrandingRecord{}, false, nil
	}
	ts, _ := strconv.ParseInt(m[fieldUpdatedAt], 10, 64)
	return domain.BrandingRecord{
		PhoneE164:        phoneE164,
		BrandName:        m[fieldBrand],
		LogoURL:          m[fieldLogo],
		CallReason:       m[fieldReason],
		UpdatedAtEpochMs: ts,
	}, true, nil
}

func (c *BrandingCache) queueUpsert(ctx context.Context, pipe goredis.Pipeliner, rec domain.BrandingRecord) {
	key := c.rowKey(rec.PhoneE164)
	pipe.Del(ctx, key)
	fields := []any{fieldBrand, rec.BrandName, fieldUpdatedAt, rec.UpdatedAtEpochMs}
	if rec.LogoURL != "" {
		fields = append(fields, fieldLogo, rec.LogoURL)
	}
	if rec.CallReason != "" {
		fields = append(fields, fieldReason, rec.CallReason)
	}
	pipe.HSet(ctx, key, fields...)
	pipe.ZAdd(ctx, c.indexKey(), goredis.Z{Score: float64(rec.UpdatedAtEpochMs), Member: rec.PhoneE164})
}

func (c *BrandingCache) Upsert(ctx context.Context, rec domain.BrandingRecord) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	_, err := c.rc.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		c.queueUpsert(ctx, pipe, rec)
		return nil
	})
	return err
}

// UpsertAll runs all writes in one MULTI/EXEC block.
func (c *BrandingCache) UpsertAll(ctx context.Context, recs []domain.BrandingRecord) error {
	if len(recs) == 0 {
		return nil
	}
	for _, r := range recs {
		if err := r.Validate(); err != nil {
			return err
		}
	}
	_, err := c.rc.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		for _, r := range recs {
			c.queueUpsert(ctx, pipe, r)
		}
		return nil
	})
	return err
}

func (c *BrandingCache) DeleteOlderThan(ctx context.Context, cutoffEpochMs int64) (int64, error) {
	return evictScript.Run(ctx, c.rc, []string{c.indexKey()},
		strconv.FormatInt(cutoffEpochMs, 10), c.rowPrefix()).Int64()
}

func (c *BrandingCache) Count(ctx context.Context) (int64, error) {
	return c.rc.ZCard(ctx, c.indexKey()).Result()
}
