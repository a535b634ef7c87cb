package redis_test

import (
	"context"
	"testing"
	"time"

	ratewindowredis "github.com/dukex/orion/pkg/ratewindow/redis"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func setupRedis(t *testing.T) *goredis.Client {
	t.Helper()

	if testing.Short() {
		t.Skip("skipping Redis integration test in short mode")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections"),
		},
		Started: true,
	})
	require.NoError(t, err)

	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	endpoint, err := container.Endpoint(ctx, "")
	require.NoError(t, err)

	client := goredis.NewClient(&goredis.Options{Addr: endpoint})
	t.Cleanup(func() { _ = client.Close() })

	return client
}

func TestCounter_SlidingWindow(t *testing.T) {
	client := setupRedis(t)
	ctx := context.Background()
	counter := ratewindowredis.New(client, ratewindowredis.WithKey("orion:test:deployments"))
	now := time.Now().UTC()

	require.NoError(t, counter.Ping(ctx))

	require.NoError(t, counter.Record(ctx, "d-old", now.Add(-90*time.Minute)))
	require.NoError(t, counter.Record(ctx, "d-1", now.Add(-10*time.Minute)))
	require.NoError(t, counter.Record(ctx, "d-2", now.Add(-time.Minute)))

	count, err := counter.CountSince(ctx, now.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	// Re-recording the same deployment does not double count.
	require.NoError(t, counter.Record(ctx, "d-2", now.Add(-time.Minute)))

	count, err = counter.CountSince(ctx, now.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	members, err := client.ZCard(ctx, "orion:test:deployments").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(2), members, "entries older than the window are trimmed")
}
