package repositories

import (
	"context"

	"tilecast/internal/core/ports"
	"tilecast/internal/infrastructure/repositories/memory"
	redisrepo "tilecast/internal/infrastructure/repositories/redis"
	"tilecast/pkg/config"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RepositoryFactory creates stores with fallback to memory
type RepositoryFactory struct {
	useRedis    bool
	redisClient *redis.Client
	batched     []*redisrepo.BatchedPresenceStore
	cfg         *config.Config
	logger      *zap.SugaredLogger
}

// NewRepositoryFactory connects to Redis when enabled. A failed connection
// falls back to memory stores and is only logged.
func NewRepositoryFactory(ctx context.Context, cfg *config.Config, logger *zap.SugaredLogger) *RepositoryFactory {
	factory := &RepositoryFactory{
		useRedis: cfg.Redis.Enabled,
		cfg:      cfg,
		logger:   logger,
	}

	if cfg.Redis.Enabled {
		client, err := redisrepo.NewRedisClient(ctx, redisrepo.ClientOptions{
			Address:  cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		}, logger)
		if err != nil {
			logger.Warnw("Failed to connect to Redis, falling back to memory repositories", "error", err)
			factory.useRedis = false
		} else {
			factory.redisClient = client
			logger.Info("Using Redis repositories")
		}
	}

	if !factory.useRedis {
		logger.Info("Using memory repositories")
	}
	return factory
}

// CreatePresenceStore creates a presence store (Redis or memory)
func (f *RepositoryFactory) CreatePresenceStore() ports.PresenceStore {
	if f.useRedis && f.redisClient != nil {
		store := redisrepo.NewRedisPresenceStore(f.redisClient, f.cfg.Redis.PresenceTTL)
		if f.cfg.Redis.RefreshBatchInterval <= 0 {
			return store
		}
		batched := redisrepo.NewBatchedPresenceStore(store, f.cfg.Redis.RefreshBatchSize, f.cfg.Redis.RefreshBatchInterval, f.logger)
		f.batched = append(f.batched, batched)
		return batched
	}
	return memory.NewMemoryPresenceStore()
}

// RedisClient returns the shared client, or nil when Redis is not in use.
func (f *RepositoryFactory) RedisClient() *redis.Client {
	if f.useRedis {
		return f.redisClient
	}
	return nil
}

// UsingRedis reports whether the stores are Redis backed.
func (f *RepositoryFactory) UsingRedis() bool {
	return f.useRedis && f.redisClient != nil
}

// Close flushes batched stores and closes the Redis connection if used
func (f *RepositoryFactory) Close() error {
	for _, store := range f.batched {
		store.Close()
	}
	f.batched = nil
	return redisrepo.CloseRedisClient(f.redisClient)
}

// HealthCheck checks Redis connection health
func (f *RepositoryFactory) HealthCheck(ctx context.Context) error {
	if f.useRedis && f.redisClient != nil {
		return f.redisClient.Ping(ctx).Err()
	}
	return nil
}
