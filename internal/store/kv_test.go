package store

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupRedisKV(t *testing.T) (*miniredis.Miniredis, *RedisKV) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, NewRedisKV(client)
}

func TestRedisKV_GetMiss(t *testing.T) {
	_, kv := setupRedisKV(t)

	_, err := kv.Get(context.Background(), "bob:u1:contacts:raw")
	assert.ErrorIs(t, err, ErrMiss)
}

func TestRedisKV_SetGetDel(t *testing.T) {
	_, kv := setupRedisKV(t)
	ctx := context.Background()

	require.NoError(t, kv.Set(ctx, "k1", "v1", 0))
	v, err := kv.Get(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, "v1", v)

	require.NoError(t, kv.Del(ctx, "k1"))
	_, err = kv.Get(ctx, "k1")
	assert.ErrorIs(t, err, ErrMiss)

	require.NoError(t, kv.Del(ctx))
}
