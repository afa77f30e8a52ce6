package cache

import (
	"fmt"

	"github.com/crm/backend/internal/domain/shared"
	"github.com/crm/backend/internal/infrastructure/config"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// LeaseFactory creates the goal lease table and the scheduler job lock
type LeaseFactory struct {
	redisConfig           config.RedisConfig
	leaseConfig           shared.LeaseConfig
	logger                *zap.Logger
	allowInMemoryFallback bool
}

// LeaseFactoryOption is a functional option for configuring the factory
type LeaseFactoryOption func(*LeaseFactory)

// WithLogger sets the logger for the factory
func WithLogger(logger *zap.Logger) LeaseFactoryOption {
	return func(f *LeaseFactory) {
		f.logger = logger
	}
}

// WithInMemoryFallback controls whether to fall back to in-memory leases when Redis is unavailable
// Default is true (allow fallback)
func WithInMemoryFallback(allow bool) LeaseFactoryOption {
	return func(f *LeaseFactory) {
		f.allowInMemoryFallback = allow
	}
}

// NewLeaseFactory creates a new factory
func NewLeaseFactory(cfg config.RedisConfig, leaseCfg shared.LeaseConfig, opts ...LeaseFactoryOption) *LeaseFactory {
	f := &LeaseFactory{
		redisConfig:           cfg,
		leaseConfig:           leaseCfg,
		logger:                zap.NewNop(),
		allowInMemoryFallback: true,
	}

	for _, opt := range opts {
		opt(f)
	}

	return f
}

// CreateRedis creates a lease table and job lock sharing one Redis connection.
// Closing the lease table closes the connection.
func (f *LeaseFactory) CreateRedis() (*RedisLeaseTable, *RedisJobLock, error) {
	client, err := NewRedisClient(RedisConfig{
		Host:     f.redisConfig.Host,
		Port:     f.redisConfig.Port,
		Password: f.redisConfig.Password,
		DB:       f.redisConfig.DB,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create Redis lease table: %w", err)
	}
	return f.fromClient(client), NewRedisJobLockWithClient(client, f.redisConfig.KeyPrefix+"job:", f.logger), nil
}

func (f *LeaseFactory) fromClient(client *redis.Client) *RedisLeaseTable {
	t := NewRedisLeaseTableWithClient(client, f.redisConfig.KeyPrefix+"lease:", f.leaseConfig.TTL, f.logger)
	t.ownsClient = true
	return t
}

// CreateInMemory creates process-local leases.
// WARNING: in-memory leases do not exclude other instances, so two replicas
// may recalculate the same goal at the same time
func (f *LeaseFactory) CreateInMemory() (*InMemoryLeaseTable, *InMemoryJobLock) {
	return NewInMemoryLeaseTable(f.leaseConfig.TTL), NewInMemoryJobLock()
}

// Create tries Redis first and falls back to in-memory leases when Redis is not
// reachable and fallback is allowed
func (f *LeaseFactory) Create() (shared.LeaseTable, shared.JobLock, error) {
	if f.redisConfig.Host != "" {
		table, lock, err := f.CreateRedis()
		if err == nil {
			f.logger.Info("Using Redis goal leases",
				zap.String("host", f.redisConfig.Host),
				zap.Int("port", f.redisConfig.Port),
			)
			return table, lock, nil
		}

		if !f.allowInMemoryFallback {
			return nil, nil, fmt.Errorf("redis is required for goal leases but unavailable: %w", err)
		}

		f.logger.Warn("Redis unavailable, falling back to in-memory goal leases",
			zap.Error(err),
			zap.String("warning", "in-memory leases do not coordinate multiple instances"),
		)
	} else if !f.allowInMemoryFallback {
		return nil, nil, fmt.Errorf("redis host not configured and in-memory fallback is disabled")
	}

	table, lock := f.CreateInMemory()
	return table, lock, nil
}
