//go:build integration

package presence_test

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tc "github.com/testcontainers/testcontainers-go"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"

	"github.com/rx3lixir/codearena/internal/presence"
)

func TestRedisChannelOnRealRedis(t *testing.T) {
	ctx := context.Background()

	container, err := tcredis.Run(ctx, "redis:7-alpine")
	require.NoError(t, err)
	t.Cleanup(func() { _ = tc.TerminateContainer(container) })

	addr, err := container.Endpoint(ctx, "")
	require.NoError(t, err)

	channels := make([]*presence.RedisChannel, 2)
	recorders := make([]*recorder, 2)
	for i := range channels {
		client := redis.NewClient(&redis.Options{Addr: addr})
		t.Cleanup(func() { _ = client.Close() })

		channels[i] = presence.NewRedisChannel(client, presence.RedisConfig{}, testLogger())
		t.Cleanup(func() { _ = channels[i].Close() })

		recorders[i] = &recorder{}
		require.NoError(t, channels[i].Subscribe(ctx, presence.WaitingRoom, recorders[i].handle))
	}

	for i := 0; i < 10; i++ {
		require.NoError(t, channels[i%2].Publish(ctx, presence.WaitingRoom, frameEvent("room-1")))
	}

	require.Eventually(t, func() bool {
		return len(recorders[0].snapshot()) == 10 && len(recorders[1].snapshot()) == 10
	}, 5*time.Second, 20*time.Millisecond)

	assert.False(t, channels[0].Degraded())
	assert.False(t, channels[1].Degraded())
}
