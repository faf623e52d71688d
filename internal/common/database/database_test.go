package database

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"enrichment-workers/internal/common/config"
	apperrors "enrichment-workers/internal/common/errors"
)

func TestPostgresPingFailureIsConnError(t *testing.T) {
	c, err := NewPostgres(config.PostgresConfig{
		Host:     "127.0.0.1",
		Port:     1,
		User:     "worker",
		Database: "enrichment",
		SSLMode:  "disable",
	})
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	pingErr := c.Ping(ctx)
	require.Error(t, pingErr)
	assert.True(t, apperrors.Is(pingErr, apperrors.ErrCodeDatabaseConnFailed))
	assert.True(t, apperrors.IsRetryable(pingErr))
}

func TestRedisPingFailureIsConnError(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	addr := mr.Addr()
	mr.Close()

	c, err := NewRedis(config.RedisConfig{Address: addr})
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })

	pingErr := c.Ping(context.Background())
	require.Error(t, pingErr)
	assert.True(t, apperrors.Is(pingErr, apperrors.ErrCodeDatabaseConnFailed))
}

func TestRedisPingSucceeds(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	c, err := NewRedis(config.RedisConfig{Address: mr.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })

	assert.NoError(t, c.Ping(context.Background()))
}
