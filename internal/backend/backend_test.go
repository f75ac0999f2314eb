package backend

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/ariefcatur/go-realtime-storefront/internal/config"
	"github.com/ariefcatur/go-realtime-storefront/internal/docstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func storeConfig() config.StoreConfig {
	return config.StoreConfig{
		RequestTimeout:  time.Second,
		RetryAttempts:   1,
		RetryBackoff:    time.Millisecond,
		BreakerFailures: 5,
		BreakerCooldown: time.Second,
	}
}

func TestOpenMemory(t *testing.T) {
	g, err := Open(context.Background(), Options{
		Backend: config.Backend{Driver: config.DriverMemory},
		Store:   storeConfig(),
	})
	require.NoError(t, err)
	defer g.Close()

	assert.True(t, g.SupportsIncrement())
	_, isMemory := g.Inner().(*docstore.Memory)
	assert.True(t, isMemory)
}

func TestOpenRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()

	g, err := Open(ctx, Options{
		Backend: config.Backend{Driver: config.DriverRedis, RedisAddr: mr.Addr(), KeyPrefix: "sf"},
		Store:   storeConfig(),
	})
	require.NoError(t, err)
	defer g.Close()

	require.NoError(t, g.Set(ctx, "artifacts/a/public/data/products/P1", docstore.Fields{"name": "Mug"}))
	assert.True(t, mr.Exists("sf:doc:artifacts/a/public/data/products/P1"))
}

func TestOpenRedisUnreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	_, err := Open(context.Background(), Options{
		Backend: config.Backend{Driver: config.DriverRedis, RedisAddr: addr},
		Store:   storeConfig(),
	})
	assert.Error(t, err)
}

func TestOpenUnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), Options{Backend: config.Backend{Driver: "firestore"}})
	assert.Error(t, err)
}
