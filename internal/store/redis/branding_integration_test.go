//go:build integration

package redis

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"callbrand/internal/domain"
)

func setupCache(t *testing.T) *BrandingCache {
	t.Helper()
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR not set")
	}
	rc := goredis.NewClient(&goredis.Options{Addr: addr})
	prefix := fmt.Sprintf("test_%d:", time.Now().UnixNano())
	t.Cleanup(func() {
		ctx := context.Background()
		keys, _ := rc.Keys(ctx, prefix+"*").Result()
		if len(keys) > 0 {
			_ = rc.Del(ctx, keys...).Err()
		}
		_ = rc.Close()
	})
	return New(rc, prefix)
}

func TestRedisBrandingCacheRoundTrip(t *testing.T) {
	c := setupCache(t)
	ctx := context.Background()

	require.ErrorIs(t, c.Upsert(ctx, domain.BrandingRecord{PhoneE164: "+1"}), domain.ErrBlankBrand)

	require.NoError(t, c.Upsert(ctx, domain.BrandingRecord{
		PhoneE164: "+14155550100", BrandName: "Acme Co", LogoURL: "https://cdn.example.com/a.png", UpdatedAtEpochMs: 10,
	}))
	// overwrite without a logo clears the old field
	require.NoError(t, c.Upsert(ctx, domain.BrandingRecord{
		PhoneE164: "+14155550100", BrandName: "Acme Co", CallReason: "Delivery", UpdatedAtEpochMs: 20,
	}))

	rec, found, err := c.Get(ctx, "+14155550100")
	require.NoError(t, err)
	require.True(t, found)
	assert.Empty(t, rec.LogoURL)
	assert.Equal(t, "Delivery", rec.CallReason)
	assert.EqualValues(t, 20, rec.UpdatedAtEpochMs)

	_, found, err = c.Get(ctx, "+19999999999")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestRedisBrandingCacheEviction(t *testing.T) {
	c := setupCache(t)
	ctx := context.Background()

	require.NoError(t, c.UpsertAll(ctx, []domain.BrandingRecord{
		{PhoneE164: "+1", BrandName: "Old", UpdatedAtEpochMs: 1_000},
		{PhoneE164: "+2", BrandName: "New", UpdatedAtEpochMs: 9_000},
	}))

	n, err := c.DeleteOlderThan(ctx, 5_000)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	_, found, _ := c.Get(ctx, "+1")
	assert.False(t, found)
	count, err := c.Count(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, count)
}
