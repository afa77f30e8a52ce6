package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/crm/backend/internal/domain/shared"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	defaultLeasePrefix   = "crm:lease:"
	defaultJobLockPrefix = "crm:job:"
	defaultPollInterval  = 50 * time.Millisecond
	releaseTimeout       = 2 * time.Second
)

// releaseScript deletes a key only while it still holds the caller's token,
// so a holder whose lease expired cannot free someone else's.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// RedisConfig holds Redis connection configuration
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

// NewRedisClient connects to Redis and verifies the connection
func NewRedisClient(cfg RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return client, nil
}

// RedisLeaseTable implements LeaseTable with SET NX PX keys, shared by every
// instance of the service.
type RedisLeaseTable struct {
	client       *redis.Client
	keyPrefix    string
	ttl          time.Duration
	pollInterval time.Duration
	logger       *zap.Logger
	ownsClient   bool
}

// NewRedisLeaseTable creates a lease table on its own Redis connection
func NewRedisLeaseTable(cfg RedisConfig, ttl time.Duration, logger *zap.Logger) (*RedisLeaseTable, error) {
	client, err := NewRedisClient(cfg)
	if err != nil {
		return nil, err
	}
	t := NewRedisLeaseTableWithClient(client, "", ttl, logger)
	t.ownsClient = true
	return t, nil
}

// NewRedisLeaseTableWithClient creates a lease table with an existing Redis client
// This is useful for testing or when sharing a client across components
func NewRedisLeaseTableWithClient(client *redis.Client, keyPrefix string, ttl time.Duration, logger *zap.Logger) *RedisLeaseTable {
	if keyPrefix == "" {
		keyPrefix = defaultLeasePrefix
	}
	if ttl <= 0 {
		ttl = shared.DefaultLeaseConfig().TTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisLeaseTable{
		client:       client,
		keyPrefix:    keyPrefix,
		ttl:          ttl,
		pollInterval: defaultPollInterval,
		logger:       logger,
	}
}

// Acquire polls SET NX until the lease is taken or wait expires.
// Each lease carries a random token checked on release.
func (t *RedisLeaseTable) Acquire(ctx context.Context, key string, wait time.Duration) (func(), error) {
	redisKey := t.keyPrefix + key
	token := uuid.NewString()
	deadline := time.Now().Add(wait)

	for {
		ok, err := t.client.SetNX(ctx, redisKey, token, t.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to acquire lease %s: %w", key, err)
		}
		if ok {
			return t.releaser(redisKey, token), nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, shared.ErrConcurrencyConflict
		}
		pause := min(t.pollInterval, remaining)

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(pause):
		}
	}
}

func (t *RedisLeaseTable) releaser(redisKey, token string) func() {
	released := false
	return func() {
		if released {
			return
		}
		released = true

		// The caller's context may already be cancelled; release regardless.
		ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
		defer cancel()
		if err := releaseScript.Run(ctx, t.client, []string{redisKey}, token).Err(); err != nil {
			t.logger.Warn("Failed to release lease, it will expire on its own",
				zap.String("key", redisKey),
				zap.Error(err))
		}
	}
}

// Close closes the Redis connection if the table opened it
func (t *RedisLeaseTable) Close() error {
	if t.ownsClient {
		return t.client.Close()
	}
	return nil
}

// RedisJobLock implements JobLock so a scheduled job runs on one instance only
type RedisJobLock struct {
	client    *redis.Client
	keyPrefix string
	logger    *zap.Logger
}

// NewRedisJobLockWithClient creates a job lock with an existing Redis client
func NewRedisJobLockWithClient(client *redis.Client, keyPrefix string, logger *zap.Logger) *RedisJobLock {
	if keyPrefix == "" {
		keyPrefix = defaultJobLockPrefix
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisJobLock{
		client:    client,
		keyPrefix: keyPrefix,
		logger:    logger,
	}
}

// TryLock takes the named lock for ttl without waiting
func (j *RedisJobLock) TryLock(ctx context.Context, name string, ttl time.Duration) (func(), bool, error) {
	key := j.keyPrefix + name
	token := uuid.NewString()

	ok, err := j.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("failed to take job lock %s: %w", name, err)
	}
	if !ok {
		return nil, false, nil
	}

	return func() {
		rctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
		defer cancel()
		if err := releaseScript.Run(rctx, j.client, []string{key}, token).Err(); err != nil {
			j.logger.Warn("Failed to release job lock",
				zap.String("job", name),
				zap.Error(err))
		}
	}, true, nil
}

// Ensure interface compliance
var (
	_ shared.LeaseTable = (*RedisLeaseTable)(nil)
	_ shared.JobLock    = (*RedisJobLock)(nil)
)
