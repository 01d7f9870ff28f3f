package quota

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/briefwire/accessgate/internal/retry"
)

// Prometheus metrics for Redis counter operations. Registered through
// the package Metrics struct so they show up on the served registry.
var (
	redisCounterOperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "accessgate_quota_redis_operations_total",
			Help: "Total number of Redis quota counter operations",
		},
		[]string{"operation", "status"},
	)

	redisCounterOperationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "accessgate_quota_redis_operation_duration_seconds",
			Help:    "Duration of Redis quota counter operations in seconds",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		},
		[]string{"operation"},
	)
)

// incrementBoundedScript atomically increments a counter constrained
// by a ceiling, setting the expiry when the counter is created.
// KEYS[1] = counter key
// ARGV[1] = ceiling
// ARGV[2] = ttl in seconds
// Returns {applied (0 or 1), value after the call}.
var incrementBoundedScript = redis.NewScript(`
	local current = tonumber(redis.call('GET', KEYS[1]) or '0')
	if current >= tonumber(ARGV[1]) then
		return {0, current}
	end
	current = redis.call('INCR', KEYS[1])
	if current == 1 then
		redis.call('EXPIRE', KEYS[1], ARGV[2])
	end
	return {1, current}
`)

// RedisConfig holds configuration for the Redis counter store.
type RedisConfig struct {
	Address  string
	Password string
	DB       int
	Prefix   string

	PoolSize     int
	MinIdleConns int

	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// ConnectRetry controls the startup connection retry loop.
	ConnectRetry *retry.Config

	Logger *zap.Logger
}

// DefaultRedisConfig returns a RedisConfig with default values.
func DefaultRedisConfig() *RedisConfig {
	return &RedisConfig{
		Address:      "localhost:6379",
		Prefix:       "quota:",
		PoolSize:     10,
		MinIdleConns: 2,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		ConnectRetry: &retry.Config{
			MaxRetries:     5,
			InitialBackoff: 100 * time.Millisecond,
			MaxBackoff:     10 * time.Second,
		},
	}
}

// RedisCounterStore implements CounterStore using Redis.
type RedisCounterStore struct {
	client *redis.Client
	prefix string
	logger *zap.Logger
	closed bool
	mu     sync.Mutex
}

// NewRedisCounterStore creates a Redis-backed counter store,
// retrying the initial connection with exponential backoff.
func NewRedisCounterStore(config *RedisConfig) (*RedisCounterStore, error) {
	if config == nil {
		config = DefaultRedisConfig()
	}

	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	client := redis.NewClient(&redis.Options{
		Addr:         config.Address,
		Password:     config.Password,
		DB:           config.DB,
		PoolSize:     config.PoolSize,
		MinIdleConns: config.MinIdleConns,
		DialTimeout:  config.DialTimeout,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
	})

	err := retry.Do(context.Background(), config.ConnectRetry, func() error {
		ctx, cancel := context.WithTimeout(context.Background(), config.DialTimeout)
		defer cancel()
		return client.Ping(ctx).Err()
	}, &retry.Options{
		OnRetry: func(attempt int, err error, backoff time.Duration) {
			logger.Debug("redis connection failed, retrying",
				zap.String("address", config.Address),
				zap.Int("attempt", attempt),
				zap.Duration("backoff", backoff),
				zap.Error(err),
			)
		},
	})
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisCounterStore{
		client: client,
		prefix: config.Prefix,
		logger: logger,
	}, nil
}

// NewRedisCounterStoreFromClient wraps an existing client. Used by
// tests with miniredis.
func NewRedisCounterStoreFromClient(client *redis.Client, prefix string, logger *zap.Logger) *RedisCounterStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisCounterStore{
		client: client,
		prefix: prefix,
		logger: logger,
	}
}

// prefixKey adds the prefix to the key.
func (s *RedisCounterStore) prefixKey(key string) string {
	return s.prefix + key
}

// IncrementBounded implements CounterStore using a Lua script so the
// check and increment execute as one atomic Redis operation.
func (s *RedisCounterStore) IncrementBounded(
	ctx context.Context,
	key string,
	ceiling int64,
	ttl time.Duration,
) (int64, bool, error) {
	start := time.Now()

	if err := ctx.Err(); err != nil {
		return 0, false, fmt.Errorf("context error before redis increment: %w", err)
	}

	ttlSecs := int64(ttl.Seconds())
	if ttlSecs < 1 {
		ttlSecs = 1
	}

	result, err := incrementBoundedScript.Run(ctx, s.client, []string{s.prefixKey(key)}, ceiling, ttlSecs).Result()

	redisCounterOperationDuration.WithLabelValues("increment_bounded").Observe(time.Since(start).Seconds())

	if err != nil {
		redisCounterOperationsTotal.WithLabelValues("increment_bounded", "error").Inc()
		return 0, false, fmt.Errorf("redis script error: %w", err)
	}

	values, ok := result.([]interface{})
	if !ok || len(values) != 2 {
		redisCounterOperationsTotal.WithLabelValues("increment_bounded", "error").Inc()
		return 0, false, fmt.Errorf("redis script returned unexpected shape: %T", result)
	}

	applied, ok1 := values[0].(int64)
	value, ok2 := values[1].(int64)
	if !ok1 || !ok2 {
		redisCounterOperationsTotal.WithLabelValues("increment_bounded", "error").Inc()
		return 0, false, fmt.Errorf("redis script returned unexpected types: %T, %T", values[0], values[1])
	}

	redisCounterOperationsTotal.WithLabelValues("increment_bounded", "success").Inc()
	return value, applied == 1, nil
}

// Get implements CounterStore.
func (s *RedisCounterStore) Get(ctx context.Context, key string) (int64, error) {
	start := time.Now()

	if err := ctx.Err(); err != nil {
		return 0, fmt.Errorf("context error before redis get: %w", err)
	}

	val, err := s.client.Get(ctx, s.prefixKey(key)).Int64()

	redisCounterOperationDuration.WithLabelValues("get").Observe(time.Since(start).Seconds())

	if err == redis.Nil {
		redisCounterOperationsTotal.WithLabelValues("get", "not_found").Inc()
		return 0, nil
	}
	if err != nil {
		redisCounterOperationsTotal.WithLabelValues("get", "error").Inc()
		return 0, fmt.Errorf("redis get error: %w", err)
	}

	redisCounterOperationsTotal.WithLabelValues("get", "success").Inc()
	return val, nil
}

// Ping checks connectivity. Used by health probes.
func (s *RedisCounterStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close implements CounterStore. Close is idempotent.
func (s *RedisCounterStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.client.Close()
}

// Ensure RedisCounterStore implements CounterStore.
var _ CounterStore = (*RedisCounterStore)(nil)
