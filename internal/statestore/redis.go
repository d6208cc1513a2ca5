package statestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/devicehub/flowengine/pkg/types"
)

// RedisStore implements Store backed by Redis. Outcomes are stored as
// JSON values, device status as plain strings under
// device:status:<id> with a TTL.
type RedisStore struct {
	client *redis.Client
	prefix string
	config *Config

	mu     sync.Mutex
	closed bool
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// URL is the Redis connection URL (redis://host:port/db).
	URL string

	// Password for Redis authentication.
	Password string

	// DB is the database number.
	DB int

	// Prefix for all keys (default: "flowengine").
	Prefix string

	// Connection pool settings.
	PoolSize     int
	MinIdleConns int

	// Timeouts.
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultRedisConfig returns sensible defaults.
func DefaultRedisConfig() *RedisConfig {
	return &RedisConfig{
		URL:          "redis://localhost:6379/0",
		Prefix:       "flowengine",
		PoolSize:     10,
		MinIdleConns: 2,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	}
}

// NewRedisStore creates a Redis-backed Store and verifies the
// connection with a ping.
func NewRedisStore(rc *RedisConfig, cfg *Config) (*RedisStore, error) {
	if rc == nil {
		rc = DefaultRedisConfig()
	}
	if cfg == nil {
		cfg = DefaultConfig()
	}

	opts := &redis.Options{
		PoolSize:     rc.PoolSize,
		MinIdleConns: rc.MinIdleConns,
		DialTimeout:  rc.DialTimeout,
		ReadTimeout:  rc.ReadTimeout,
		WriteTimeout: rc.WriteTimeout,
		Password:     rc.Password,
		DB:           rc.DB,
	}

	if rc.URL != "" {
		parsed, err := redis.ParseURL(rc.URL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		opts.Addr = parsed.Addr
		if parsed.Password != "" && rc.Password == "" {
			opts.Password = parsed.Password
		}
		if parsed.DB != 0 && rc.DB == 0 {
			opts.DB = parsed.DB
		}
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	prefix := rc.Prefix
	if prefix == "" {
		prefix = "flowengine"
	}

	return &RedisStore{client: client, prefix: prefix, config: cfg}, nil
}

// Key helpers
func (s *RedisStore) keyOutcome(runID string) string {
	return fmt.Sprintf("%s:outcome:%s", s.prefix, runID)
}

func (s *RedisStore) keyLast(flowID, deviceID string) string {
	return fmt.Sprintf("%s:outcome:last:%s:%s", s.prefix, flowID, deviceID)
}

func (s *RedisStore) keyStatus(deviceID string) string {
	return fmt.Sprintf("%s:device:status:%s", s.prefix, deviceID)
}

func (s *RedisStore) RecordOutcome(ctx context.Context, outcome *types.FlowOutcome) error {
	data, err := json.Marshal(outcome)
	if err != nil {
		return fmt.Errorf("marshal outcome: %w", err)
	}

	pipe := s.client.Pipeline()
	pipe.Set(ctx, s.keyOutcome(outcome.RunID), data, s.config.OutcomeTTL)
	pipe.Set(ctx, s.keyLast(outcome.FlowID, outcome.DeviceID), data, s.config.OutcomeTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("record outcome: %w", err)
	}
	return nil
}

func (s *RedisStore) Outcome(ctx context.Context, runID string) (*types.FlowOutcome, error) {
	return s.getOutcome(ctx, s.keyOutcome(runID))
}

func (s *RedisStore) LastOutcome(ctx context.Context, flowID, deviceID string) (*types.FlowOutcome, error) {
	return s.getOutcome(ctx, s.keyLast(flowID, deviceID))
}

func (s *RedisStore) getOutcome(ctx context.Context, key string) (*types.FlowOutcome, error) {
	data, err := s.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get outcome: %w", err)
	}
	var outcome types.FlowOutcome
	if err := json.Unmarshal(data, &outcome); err != nil {
		return nil, fmt.Errorf("unmarshal outcome: %w", err)
	}
	return &outcome, nil
}

func (s *RedisStore) SetDeviceStatus(ctx context.Context, deviceID, status string) error {
	if err := s.client.Set(ctx, s.keyStatus(deviceID), status, s.config.StatusTTL).Err(); err != nil {
		return fmt.Errorf("set device status: %w", err)
	}
	return nil
}

func (s *RedisStore) DeviceStatus(ctx context.Context, deviceID string) (string, error) {
	status, err := s.client.Get(ctx, s.keyStatus(deviceID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("get device status: %w", err)
	}
	return status, nil
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.client.Close()
}

var _ Store = (*RedisStore)(nil)
