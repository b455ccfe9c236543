package redis

import (
	"context"
	"fmt"
	"time"

	"yahtzee/pkg/distributed"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	schemaVersionKey     = "yahtzee:schema:version"
	currentSchemaVersion = 1

	migrationLockKey = "yahtzee:lock:migrations"
	migrationLockTTL = 30 * time.Second
)

// Migration represents a keyspace migration
type Migration struct {
	Version int
	Up      func(ctx context.Context, client *redis.Client) error
	Down    func(ctx context.Context, client *redis.Client) error
}

// Migrate runs all pending migrations. Brokers starting together take turns
// through a shared lock so each migration runs once.
func Migrate(ctx context.Context, client *redis.Client, logger *zap.SugaredLogger) error {
	return distributed.WithLock(ctx, client, migrationLockKey, migrationLockTTL, func(ctx context.Context) error {
		return migrate(ctx, client, getMigrations(), logger)
	})
}

func migrate(ctx context.Context, client *redis.Client, migrations []Migration, logger *zap.SugaredLogger) error {
	currentVersion, err := getSchemaVersion(ctx, client)
	if err != nil {
		return fmt.Errorf("failed to get schema version: %w", err)
	}

	for _, migration := range migrations {
		if migration.Version <= currentVersion {
			continue
		}
		if logger != nil {
			logger.Infow("running migration", "version", migration.Version)
		}

		if err := migration.Up(ctx, client); err != nil {
			return fmt.Errorf("migration %d failed: %w", migration.Version, err)
		}
		if err := setSchemaVersion(ctx, client, migration.Version); err != nil {
			return fmt.Errorf("failed to update schema version: %w", err)
		}
		currentVersion = migration.Version
	}

	if logger != nil {
		logger.Infow("schema is up to date", "version", currentVersion)
	}
	return nil
}

func getSchemaVersion(ctx context.Context, client *redis.Client) (int, error) {
	val, err := client.Get(ctx, schemaVersionKey).Int()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return val, nil
}

func setSchemaVersion(ctx context.Context, client *redis.Client, version int) error {
	return client.Set(ctx, schemaVersionKey, version, 0).Err()
}

func getMigrations() []Migration {
	return []Migration{
		{
			// Index entries can outlive their claim keys when a broker
			// crashes; start from a clean index.
			Version: 1,
			Up: func(ctx context.Context, client *redis.Client) error {
				_, err := pruneIdentityIndex(ctx, client)
				return err
			},
			Down: func(ctx context.Context, client *redis.Client) error {
				return client.Del(ctx, identityIndexKey).Err()
			},
		},
	}
}
