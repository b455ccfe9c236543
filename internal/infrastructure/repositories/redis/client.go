package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	connectTimeout = 5 * time.Second
	commandTimeout = time.Second
	clientName     = "yahtzee-signal"
)

// Options locate the Redis that broker replicas share for identity claims.
type Options struct {
	Address  string
	Password string
	DB       int
	PoolSize int
}

// Identity commands are single-key and small, so reads and writes get a short
// budget and callers' deadlines are honored.
func (o Options) client() *redis.Options {
	return &redis.Options{
		Addr:                  o.Address,
		Password:              o.Password,
		DB:                    o.DB,
		PoolSize:              o.PoolSize,
		ClientName:            clientName,
		DialTimeout:           connectTimeout,
		ReadTimeout:           commandTimeout,
		WriteTimeout:          commandTimeout,
		ContextTimeoutEnabled: true,
	}
}

// Connect dials Redis and brings the identity keyspace up to date. The client
// is closed again if either step fails.
func Connect(ctx context.Context, opts Options, logger *zap.SugaredLogger) (*redis.Client, error) {
	client := redis.NewClient(opts.client())

	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis %s unreachable: %w", opts.Address, err)
	}
	if err := Migrate(ctx, client, logger); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to migrate identity keyspace: %w", err)
	}

	if logger != nil {
		logger.Infow("identity store ready", "address", opts.Address, "db", opts.DB)
	}
	return client, nil
}
