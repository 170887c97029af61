package factory

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"invite-gate/internal/client"
	"invite-gate/internal/config"
	"invite-gate/internal/encryption"
	"invite-gate/internal/repository/redis"
)

func newRedisOnlyFactory(t *testing.T) (*Factory, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr(), MaxRetries: -1, DialTimeout: 200 * time.Millisecond})

	cfg := &config.Config{
		Encryption: config.EncryptionConfig{MasterKey: make([]byte, 32)},
		Gateway:    config.GatewayConfig{ChallengeTTL: 5 * time.Minute, LinkTTL: time.Hour},
	}
	em, err := encryption.NewEncryptionManager(cfg, nil)
	require.NoError(t, err)

	root, cancel := context.WithCancel(context.Background())
	f := &Factory{
		config:            cfg,
		redisClient:       client.WrapRedisClient(rdb),
		encryptionManager: em,
		root:              root,
		cancelRoot:        cancel,
		closed:            make(chan struct{}),
	}
	return f, mr
}

func TestHealthCheck_ReportsOnlyConfiguredBackends(t *testing.T) {
	f, mr := newRedisOnlyFactory(t)
	ctx := context.Background()

	results := f.HealthCheck(ctx)
	require.Len(t, results, 1)
	assert.NoError(t, results["redis"])
	assert.True(t, f.IsHealthy(ctx))

	mr.Close()
	results = f.HealthCheck(ctx)
	assert.Error(t, results["redis"])
	assert.False(t, f.IsHealthy(ctx))
}

func TestInitializeRepositories_FallsBackToRedisRuns(t *testing.T) {
	f, _ := newRedisOnlyFactory(t)
	f.initializeRepositories()

	_, ok := f.runStore.(*redis.BroadcastRunStore)
	assert.True(t, ok, "runs live in Redis when Scylla is disabled")
	assert.NotNil(t, f.linkStore)
	assert.NotNil(t, f.challengeStore)
	assert.NotNil(t, f.directory)
}

func TestClose_Idempotent(t *testing.T) {
	f, _ := newRedisOnlyFactory(t)
	require.NoError(t, f.Close())
	require.NoError(t, f.Close())
	f.WaitForClose()
	assert.Error(t, f.root.Err())
}
