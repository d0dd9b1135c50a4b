package authorization

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gotrs-io/datawallet/internal/models"
)

func requireRedis(t *testing.T) *RedisStore {
	t.Helper()
	addr := os.Getenv("DATAWALLET_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("DATAWALLET_TEST_REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { client.Close() })
	require.NoError(t, client.Ping(context.Background()).Err())

	prefix := fmt.Sprintf("datawallet-test-%d:", time.Now().UnixNano())
	t.Cleanup(func() {
		ctx := context.Background()
		keys, _ := client.Keys(ctx, prefix+"*").Result()
		if len(keys) > 0 {
			client.Del(ctx, keys...)
		}
	})
	return NewRedisStore(client, prefix)
}

func TestRedisStoreConsumeIsCompareAndDelete(t *testing.T) {
	store := requireRedis(t)
	ctx := context.Background()
	now := time.Now()

	req := &models.AuthorizationRequest{TaskID: "task_1", OwnerIdentity: owner, Token: "a", ExpiresAt: now.Add(time.Hour)}
	require.NoError(t, store.Put(ctx, req))

	ok, err := store.Consume(ctx, "task_1", "b")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = store.Consume(ctx, "task_1", "a")
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = store.Get(ctx, "task_1")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestRedisStoreExpiredScan(t *testing.T) {
	store := requireRedis(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, store.Put(ctx, &models.AuthorizationRequest{TaskID: "old", Token: "x", ExpiresAt: now.Add(-time.Minute)}))
	require.NoError(t, store.Put(ctx, &models.AuthorizationRequest{TaskID: "new", Token: "y", ExpiresAt: now.Add(time.Hour)}))

	expired, err := store.Expired(ctx, now)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, "old", expired[0].TaskID)

	ok, err := store.MarkExpired(ctx, "old", "x")
	require.NoError(t, err)
	assert.True(t, ok)
	expired, err = store.Expired(ctx, now)
	require.NoError(t, err)
	assert.Empty(t, expired)

	req, err := store.Get(ctx, "old")
	require.NoError(t, err)
	assert.True(t, req.IsExpired(now))
}

func TestBrokerOverRedisStore(t *testing.T) {
	store := requireRedis(t)
	b := NewBroker(store, AcceptAll)
	ctx := context.Background()

	_, err := b.Issue(ctx, pendingTask("task_r"))
	require.NoError(t, err)
	_, err = b.Validate(ctx, "task_r", "sig", owner)
	require.NoError(t, err)
	_, err = b.Validate(ctx, "task_r", "sig", owner)
	require.ErrorIs(t, err, ErrNotFound)
}
