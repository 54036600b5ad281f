package redisstorage

import (
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	rediscontainer "github.com/testcontainers/testcontainers-go/modules/redis"

	"github.com/golemcloud/oplog"
	"github.com/golemcloud/oplog/adapters/adaptertest"
)

func TestRedisIndexedStorage(t *testing.T) {
	ctx := t.Context()

	redisInstance, err := rediscontainer.Run(ctx, "redis:7-alpine")
	testcontainers.CleanupContainer(t, redisInstance)
	require.NoError(t, err)

	host, err := redisInstance.Host(ctx)
	require.NoError(t, err)

	port, err := redisInstance.MappedPort(ctx, "6379/tcp")
	require.NoError(t, err)

	client := redis.NewClient(&redis.Options{
		Addr: host + ":" + port.Port(),
	})

	factory := func() oplog.IndexedStorage {
		// Clean the database before each test
		client.FlushDB(ctx)
		return New(client)
	}

	adaptertest.RunIndexedStorageTest(t, factory)
}
