package monitoring

import (
	"context"
	"time"

	"yahtzee/internal/core/ports"

	"github.com/redis/go-redis/v9"
)

// AddRedisCheck adds a Redis ping check
func (h *HealthChecker) AddRedisCheck(client *redis.Client, interval, timeout time.Duration) {
	h.AddCheck("redis", func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	}, interval, timeout)
}

// AddRegistryCheck verifies the identity registry answers queries.
func (h *HealthChecker) AddRegistryCheck(registry ports.IdentityRegistry, interval, timeout time.Duration) {
	h.AddCheck("identity_registry", func(ctx context.Context) error {
		_, err := registry.Count(ctx)
		return err
	}, interval, timeout)
}

// IsReady checks if the service is ready to accept traffic
func (h *HealthChecker) IsReady(ctx context.Context) bool {
	return h.CheckAll(ctx).Status == StatusHealthy
}
