package redis

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishToStream_EncodesValues(t *testing.T) {
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	defer client.Close()

	ctx := context.Background()
	id, err := PublishToStream(ctx, client, "contacts:sync-events", 100, map[string]interface{}{
		"type":    "sync_completed",
		"created": 3,
		"ok":      true,
		"tags":    []string{"a", "b"},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	msgs, err := client.XRange(ctx, "contacts:sync-events", "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "sync_completed", msgs[0].Values["type"])
	assert.Equal(t, "3", msgs[0].Values["created"])
	assert.Equal(t, "true", msgs[0].Values["ok"])
	assert.Equal(t, `["a","b"]`, msgs[0].Values["tags"])
}
