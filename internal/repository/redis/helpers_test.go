package redis

import (
	"testing"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"invite-gate/internal/client"
	"invite-gate/internal/config"
	"invite-gate/internal/encryption"
)

func newTestClient(t *testing.T) (*client.RedisClient, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return client.WrapRedisClient(rdb), mr
}

func newTestCipher(t *testing.T) *encryption.EncryptionManager {
	t.Helper()
	em, err := encryption.NewEncryptionManager(&config.Config{
		Encryption: config.EncryptionConfig{MasterKey: make([]byte, 32)},
	}, nil)
	require.NoError(t, err)
	return em
}
