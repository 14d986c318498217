package redis_test

import (
	"context"
	"os"
	"strings"
	"testing"

	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"github.com/warp/txcore/generic"
	"github.com/warp/txcore/generic/storetest"
	"github.com/warp/txcore/store/redis"
)

// Requires a reachable Redis, e.g. TXCORE_TEST_REDIS=localhost:6379.
// Each subtest gets its own key prefix and removes its keys afterwards.
func TestRedis_Conformance(t *testing.T) {
	addr := os.Getenv("TXCORE_TEST_REDIS")
	if addr == "" {
		t.Skip("TXCORE_TEST_REDIS not set")
	}

	rdb := goredis.NewClient(&goredis.Options{Addr: addr})
	t.Cleanup(func() { _ = rdb.Close() })
	require.NoError(t, rdb.Ping(context.Background()).Err())

	storetest.Run(t, func(t *testing.T) generic.Store {
		prefix := "txcore-test:" + strings.ReplaceAll(t.Name(), "/", ":")
		t.Cleanup(func() {
			ctx := context.Background()
			iter := rdb.Scan(ctx, 0, prefix+":*", 100).Iterator()
			for iter.Next(ctx) {
				rdb.Del(ctx, iter.Val())
			}
		})
		return redis.NewStore(rdb, redis.WithPrefix(prefix))
	})
}
