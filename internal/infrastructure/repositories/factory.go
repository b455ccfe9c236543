package repositories

import (
	"context"
	"time"

	"yahtzee/internal/core/ports"
	"yahtzee/internal/infrastructure/repositories/memory"
	redisrepo "yahtzee/internal/infrastructure/repositories/redis"
	"yahtzee/pkg/config"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RepositoryFactory creates repositories, falling back to memory when Redis
// is disabled or unreachable.
type RepositoryFactory struct {
	useRedis    bool
	redisClient *redis.Client
	identityTTL time.Duration
	logger      *zap.SugaredLogger
}

func NewRepositoryFactory(ctx context.Context, cfg *config.Config, logger *zap.SugaredLogger) *RepositoryFactory {
	factory := &RepositoryFactory{
		useRedis:    cfg.Redis.Enabled,
		identityTTL: cfg.Signal.IdentityTTL,
		logger:      logger,
	}

	if cfg.Redis.Enabled {
		client, err := redisrepo.Connect(ctx, redisrepo.Options{
			Address:  cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		}, logger)
		if err != nil {
			logger.Warnw("failed to connect to Redis, falling back to memory repositories",
				"error", err,
			)
			factory.useRedis = false
		} else {
			factory.redisClient = client
			logger.Info("using Redis repositories")
		}
	}

	if !factory.useRedis {
		logger.Info("using memory repositories")
	}

	return factory
}

// Shared reports whether repositories are shared across broker instances.
func (f *RepositoryFactory) Shared() bool {
	return f.useRedis && f.redisClient != nil
}

// RedisClient returns the connected client, or nil when running on memory.
func (f *RepositoryFactory) RedisClient() *redis.Client {
	if !f.Shared() {
		return nil
	}
	return f.redisClient
}

func (f *RepositoryFactory) CreateIdentityRegistry() ports.IdentityRegistry {
	if f.Shared() {
		return redisrepo.NewIdentityRegistry(f.redisClient, f.identityTTL)
	}
	return memory.NewIdentityRegistry()
}

func (f *RepositoryFactory) Close() error {
	if f.redisClient != nil {
		return f.redisClient.Close()
	}
	return nil
}

// HealthCheck pings Redis when it is in use.
func (f *RepositoryFactory) HealthCheck(ctx context.Context) error {
	if f.Shared() {
		return f.redisClient.Ping(ctx).Err()
	}
	return nil
}
