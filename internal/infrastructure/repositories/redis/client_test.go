package redis

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestOptionsClient(t *testing.T) {
	opts := Options{Address: "redis:6379", Password: "pw", DB: 3, PoolSize: 8}.client()

	assert.Equal(t, "redis:6379", opts.Addr)
	assert.Equal(t, "pw", opts.Password)
	assert.Equal(t, 3, opts.DB)
	assert.Equal(t, 8, opts.PoolSize)
	assert.Equal(t, clientName, opts.ClientName)
	assert.Equal(t, commandTimeout, opts.ReadTimeout)
	assert.True(t, opts.ContextTimeoutEnabled)
	assert.Zero(t, opts.MinIdleConns)
}

func TestConnectUnreachable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	client, err := Connect(ctx, Options{Address: "127.0.0.1:1", PoolSize: 1}, zaptest.NewLogger(t).Sugar())
	require.Error(t, err)
	assert.Nil(t, client)
	assert.Contains(t, err.Error(), "127.0.0.1:1")
}
