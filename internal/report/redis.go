package report

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/NikhilSetiya/refinery/pkg/config"
	"github.com/NikhilSetiya/refinery/pkg/errors"
	"github.com/NikhilSetiya/refinery/pkg/resilience"
)

const (
	defaultKeyPrefix = "report:"
	defaultListKey   = "reports"
)

// NewRedisClient connects to Redis and pings it once.
func NewRedisClient(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,

		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,

		PoolTimeout:     4 * time.Second,
		ConnMaxIdleTime: 5 * time.Minute,

		MaxRetries:      3,
		MinRetryBackoff: 8 * time.Millisecond,
		MaxRetryBackoff: 512 * time.Millisecond,
	})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, errors.NewInternalError("failed to connect to Redis").WithCause(err)
	}
	return client, nil
}

// RedisSinkConfig configures a RedisSink.
type RedisSinkConfig struct {
	// TTL of each report key; zero keeps reports forever.
	TTL time.Duration
	// MaxList caps the recent-runs list.
	MaxList int64
	// Retry defaults to three quick retries.
	Retry *resilience.RetryConfig
}

// RedisSink stores each report under report:<run_id> and keeps the newest
// run IDs in a capped list.
type RedisSink struct {
	client  *redis.Client
	ttl     time.Duration
	maxList int64
	retrier *resilience.Retrier
}

// NewRedisSink creates a sink on client.
func NewRedisSink(client *redis.Client, config RedisSinkConfig) *RedisSink {
	if config.MaxList <= 0 {
		config.MaxList = 1000
	}
	retry := resilience.RetryConfig{
		MaxRetries: 3,
		BaseDelay:  50 * time.Millisecond,
		MaxDelay:   time.Second,
		Jitter:     true,
	}
	if config.Retry != nil {
		retry = *config.Retry
	}
	return &RedisSink{
		client:  client,
		ttl:     config.TTL,
		maxList: config.MaxList,
		retrier: resilience.NewRetrier(retry),
	}
}

func (s *RedisSink) Name() string { return "redis" }

// Write stores the report and records its ID in one transaction. Redis
// errors are retried.
func (s *RedisSink) Write(ctx context.Context, r *Report) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}

	return s.retrier.Execute(ctx, func(ctx context.Context) error {
		pipe := s.client.TxPipeline()
		pipe.Set(ctx, defaultKeyPrefix+r.RunID, data, s.ttl)
		pipe.LPush(ctx, defaultListKey, r.RunID)
		pipe.LTrim(ctx, defaultListKey, 0, s.maxList-1)
		if _, err := pipe.Exec(ctx); err != nil {
			return errors.NewTransientError("redis", "failed to store report").WithCause(err)
		}
		return nil
	})
}

// Load implements Loader. Redis errors are retried; a missing key is not.
func (s *RedisSink) Load(ctx context.Context, runID string) (*Report, error) {
	raw, err := s.retrier.ExecuteWithResult(ctx, func(ctx context.Context) (interface{}, error) {
		data, err := s.client.Get(ctx, defaultKeyPrefix+runID).Bytes()
		if stderrors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		if err != nil {
			return nil, errors.NewTransientError("redis", "failed to load report").WithCause(err)
		}
		return data, nil
	})
	if err != nil {
		return nil, err
	}
	var r Report
	if err := json.Unmarshal(raw.([]byte), &r); err != nil {
		return nil, fmt.Errorf("failed to decode report %s: %w", runID, err)
	}
	return &r, nil
}

// Recent returns up to n of the newest run IDs.
func (s *RedisSink) Recent(ctx context.Context, n int64) ([]string, error) {
	if n <= 0 {
		return nil, nil
	}
	raw, err := s.retrier.ExecuteWithResult(ctx, func(ctx context.Context) (interface{}, error) {
		ids, err := s.client.LRange(ctx, defaultListKey, 0, n-1).Result()
		if err != nil {
			return nil, errors.NewTransientError("redis", "failed to list reports").WithCause(err)
		}
		return ids, nil
	})
	if err != nil {
		return nil, err
	}
	return raw.([]string), nil
}
