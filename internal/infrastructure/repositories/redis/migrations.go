package redis

import (
	"context"
	"fmt"
	"time"

	"tilecast/pkg/distributed"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Migration is one schema step.
type Migration struct {
	Version     int
	Description string
	Up          func(ctx context.Context, client *redis.Client) error
}

func migrations() []Migration {
	return []Migration{
		{
			Version:     1,
			Description: "prune presenter index entries whose record expired",
			Up:          pruneIndex,
		},
	}
}

func currentSchemaVersion() int {
	all := migrations()
	return all[len(all)-1].Version
}

const (
	migrateLockKey  = "tilecast:lock:migrate"
	migrateLockTTL  = 10 * time.Second
	migrateLockWait = 15 * time.Second
)

// Migrate runs all pending migrations. Concurrent processes serialize on a
// Redis lock and re-check the version once they hold it.
func Migrate(ctx context.Context, client *redis.Client, logger *zap.SugaredLogger) error {
	version, err := getSchemaVersion(ctx, client)
	if err != nil {
		return fmt.Errorf("failed to get schema version: %w", err)
	}

	target := currentSchemaVersion()
	if version >= target {
		logger.Debugw("Schema is up to date", "current_version", version, "target_version", target)
		return nil
	}

	lock := distributed.NewDistributedLock(client, migrateLockKey, migrateLockTTL)
	if err := lock.LockWithTimeout(ctx, migrateLockWait); err != nil {
		return fmt.Errorf("failed to acquire migration lock: %w", err)
	}
	defer func() {
		if err := lock.Unlock(context.WithoutCancel(ctx)); err != nil {
			logger.Warnw("Failed to release migration lock", "error", err)
		}
	}()

	return runMigrations(ctx, client, target, logger)
}

func runMigrations(ctx context.Context, client *redis.Client, target int, logger *zap.SugaredLogger) error {
	version, err := getSchemaVersion(ctx, client)
	if err != nil {
		return fmt.Errorf("failed to get schema version: %w", err)
	}
	if version >= target {
		logger.Debugw("Schema migrated by another instance", "current_version", version)
		return nil
	}

	for _, m := range migrations() {
		if m.Version <= version {
			continue
		}
		logger.Infow("Running migration", "version", m.Version, "description", m.Description)
		if err := m.Up(ctx, client); err != nil {
			return fmt.Errorf("migration %d failed: %w", m.Version, err)
		}
		if err := client.Set(ctx, schemaVersionKey, m.Version, 0).Err(); err != nil {
			return fmt.Errorf("failed to update schema version: %w", err)
		}
	}

	logger.Infow("All migrations completed", "final_version", target)
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

// pruneIndex removes index members without a live presence record.
func pruneIndex(ctx context.Context, client *redis.Client) error {
	ids, err := client.SMembers(ctx, presenceIndexKey).Result()
	if err != nil {
		return err
	}
	for _, id := range ids {
		n, err := client.Exists(ctx, presenceKeyBase+id).Result()
		if err != nil {
			return err
		}
		if n == 0 {
			if err := client.SRem(ctx, presenceIndexKey, id).Err(); err != nil {
				return err
			}
		}
	}
	return nil
}
