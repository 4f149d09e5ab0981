package stock

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T, ttl time.Duration) (*Cache, *miniredis.Miniredis) {
	t.Helper()
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewCache(client, ttl), srv
}

func TestCacheFetchJSONLoadsOnceUntilInvalidated(t *testing.T) {
	cache, _ := newTestCache(t, time.Minute)
	ctx := context.Background()

	loads := 0
	loader := func(context.Context) (any, error) {
		loads++
		return map[string]string{"quantity": "42.5"}, nil
	}

	var first map[string]string
	require.NoError(t, cache.FetchJSON(ctx, "stock:onhand:test", &first, loader))
	require.Equal(t, "42.5", first["quantity"])
	require.Equal(t, 1, loads)

	var second map[string]string
	require.NoError(t, cache.FetchJSON(ctx, "stock:onhand:test", &second, loader))
	require.Equal(t, "42.5", second["quantity"])
	require.Equal(t, 1, loads)

	require.NoError(t, cache.Invalidate(ctx, "stock:onhand:test"))

	var third map[string]string
	require.NoError(t, cache.FetchJSON(ctx, "stock:onhand:test", &third, loader))
	require.Equal(t, 2, loads)
}

func TestCacheFetchJSONPropagatesLoaderError(t *testing.T) {
	cache, _ := newTestCache(t, time.Minute)

	wantErr := errors.New("repository unavailable")
	err := cache.FetchJSON(context.Background(), "stock:onhand:broken", &struct{}{}, func(context.Context) (any, error) {
		return nil, wantErr
	})
	require.ErrorIs(t, err, wantErr)
}

func TestCacheFetchJSONDegradesWhenRedisDown(t *testing.T) {
	cache, srv := newTestCache(t, time.Minute)
	srv.Close()

	loads := 0
	var dest map[string]string
	err := cache.FetchJSON(context.Background(), "stock:onhand:down", &dest, func(context.Context) (any, error) {
		loads++
		return map[string]string{"quantity": "7"}, nil
	})
	require.NoError(t, err)
	require.Equal(t, 1, loads)
	require.Equal(t, "7", dest["quantity"])
}

func TestCacheEntriesExpire(t *testing.T) {
	cache, srv := newTestCache(t, time.Second)
	ctx := context.Background()

	loads := 0
	loader := func(context.Context) (any, error) {
		loads++
		return map[string]string{"quantity": "3"}, nil
	}

	var dest map[string]string
	require.NoError(t, cache.FetchJSON(ctx, "stock:onhand:ttl", &dest, loader))
	require.Equal(t, 1, loads)

	srv.FastForward(2 * time.Second)

	require.NoError(t, cache.FetchJSON(ctx, "stock:onhand:ttl", &dest, loader))
	require.Equal(t, 2, loads)
}

func TestNilCacheFallsThroughToLoader(t *testing.T) {
	var cache *Cache
	var dest map[string]string
	err := cache.FetchJSON(context.Background(), "any", &dest, func(context.Context) (any, error) {
		return map[string]string{"quantity": "1"}, nil
	})
	require.NoError(t, err)
	require.Equal(t, "1", dest["quantity"])
}
