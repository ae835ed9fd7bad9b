package cache

import (
	"context"
	"testing"
	"time"

	"github.com/OP0007/shelf-to-door/internal/domain"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupTestRedis creates a miniredis server and returns a RedisCache instance
func setupTestRedis(t *testing.T) (*RedisCache, *miniredis.Miniredis) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisCache(client), mr
}

func sampleView() *domain.CartView {
	return &domain.CartView{
		Cart: domain.Cart{
			ID:              7,
			Status:          domain.CartStatusActive,
			AggregateWeight: decimal.RequireFromString("1.25"),
			Session:         1,
		},
		Lines: []domain.CartLineView{{
			CartLine: domain.CartLine{
				ID: 1, CartID: 7, ProductID: 3, Quantity: 5,
				LineWeight: decimal.RequireFromString("1.25"),
			},
			ProductName: "Oat milk",
			UnitPrice:   decimal.RequireFromString("2.40"),
			UnitWeight:  decimal.RequireFromString("0.25"),
		}},
	}
}

func TestSetAndGet(t *testing.T) {
	cache, mr := setupTestRedis(t)
	ctx := context.Background()

	require.NoError(t, cache.Set(ctx, 7, sampleView()))
	assert.True(t, mr.Exists("cart:7"))

	got, err := cache.Get(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, int64(7), got.Cart.ID)
	assert.True(t, got.Cart.AggregateWeight.Equal(decimal.RequireFromString("1.25")))
	require.Len(t, got.Lines, 1)
	assert.Equal(t, "Oat milk", got.Lines[0].ProductName)
	assert.True(t, got.Total().Equal(decimal.RequireFromString("12")))
}

func TestSet_TTLWithJitter(t *testing.T) {
	cache, mr := setupTestRedis(t)

	require.NoError(t, cache.Set(context.Background(), 7, sampleView()))

	ttl := mr.TTL("cart:7")
	assert.GreaterOrEqual(t, ttl, 15*time.Minute)
	assert.Less(t, ttl, 20*time.Minute)
}

func TestSet_OlderViewDoesNotReplaceNewer(t *testing.T) {
	cache, _ := setupTestRedis(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	newer := sampleView()
	newer.Cart.Status = domain.CartStatusInactive
	newer.Cart.UpdatedAt = base.Add(time.Second)
	require.NoError(t, cache.Set(ctx, 7, newer))

	older := sampleView()
	older.Cart.UpdatedAt = base
	require.NoError(t, cache.Set(ctx, 7, older))

	got, err := cache.Get(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, domain.CartStatusInactive, got.Cart.Status)

	// Same or later version replaces the entry
	latest := sampleView()
	latest.Cart.UpdatedAt = base.Add(2 * time.Second)
	latest.Cart.Session = 2
	require.NoError(t, cache.Set(ctx, 7, latest))

	got, err = cache.Get(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, domain.CartStatusActive, got.Cart.Status)
	assert.Equal(t, int32(2), got.Cart.Session)
}

func TestSet_ReplacesCorruptedEntry(t *testing.T) {
	cache, mr := setupTestRedis(t)
	ctx := context.Background()

	require.NoError(t, mr.Set("cart:7", "{not json"))
	require.NoError(t, cache.Set(ctx, 7, sampleView()))

	got, err := cache.Get(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, int64(7), got.Cart.ID)
}

func TestGet_Miss(t *testing.T) {
	cache, _ := setupTestRedis(t)

	_, err := cache.Get(context.Background(), 1)
	assert.ErrorIs(t, err, ErrCacheMiss)
}

func TestGet_Expired(t *testing.T) {
	cache, mr := setupTestRedis(t)
	ctx := context.Background()

	require.NoError(t, cache.Set(ctx, 7, sampleView()))
	mr.FastForward(21 * time.Minute)

	_, err := cache.Get(ctx, 7)
	assert.ErrorIs(t, err, ErrCacheMiss)
}

func TestGet_CorruptedData(t *testing.T) {
	cache, mr := setupTestRedis(t)

	require.NoError(t, mr.Set("cart:7", "{not json"))

	_, err := cache.Get(context.Background(), 7)
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrCacheMiss)
}

func TestDelete(t *testing.T) {
	cache, mr := setupTestRedis(t)
	ctx := context.Background()

	require.NoError(t, cache.Set(ctx, 7, sampleView()))
	require.NoError(t, cache.Delete(ctx, 7))
	assert.False(t, mr.Exists("cart:7"))

	// Deleting a missing key is not an error
	require.NoError(t, cache.Delete(ctx, 7))
}

func TestPurge(t *testing.T) {
	cache, mr := setupTestRedis(t)
	ctx := context.Background()

	require.NoError(t, cache.Set(ctx, 1, sampleView()))
	require.NoError(t, cache.Set(ctx, 2, sampleView()))
	require.NoError(t, mr.Set("other:1", "keep"))

	require.NoError(t, cache.Purge(ctx))

	assert.False(t, mr.Exists("cart:1"))
	assert.False(t, mr.Exists("cart:2"))
	assert.True(t, mr.Exists("other:1"))

	// Purging an empty cache is fine
	require.NoError(t, cache.Purge(ctx))
}

func TestRedisUnavailable(t *testing.T) {
	cache, mr := setupTestRedis(t)
	mr.Close()

	_, err := cache.Get(context.Background(), 7)
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrCacheMiss)
}

func TestNopCache(t *testing.T) {
	var c CartCache = NopCache{}
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, 1, sampleView()))
	_, err := c.Get(ctx, 1)
	assert.ErrorIs(t, err, ErrCacheMiss)
	assert.NoError(t, c.Delete(ctx, 1))
	assert.NoError(t, c.Purge(ctx))
}
