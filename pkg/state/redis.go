package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/redis/go-redis/v9"
)

// RedisConfig holds Redis connection configuration
type RedisConfig struct {
	Host      string
	Port      int
	Password  string
	DB        int
	KeyPrefix string
}

var (
	compareAndSetScript = redis.NewScript(`
		if redis.call("get", KEYS[1]) == ARGV[1] then
			redis.call("set", KEYS[1], ARGV[2])
			return 1
		else
			return 0
		end
	`)
	compareAndDeleteScript = redis.NewScript(`
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("del", KEYS[1])
		else
			return 0
		end
	`)
)

// RedisStore shares state between hosts through Redis.
type RedisStore struct {
	rdb    *redis.Client
	prefix string
	logger ectologger.Logger
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(ctx context.Context, cfg RedisConfig, logger ectologger.Logger) (*RedisStore, error) {
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", addr, err)
	}
	logger.Infof("Connected to Redis at %s", addr)

	return &RedisStore{rdb: rdb, prefix: cfg.KeyPrefix, logger: logger}, nil
}

// Client returns the underlying Redis client for health checks.
func (s *RedisStore) Client() *redis.Client {
	return s.rdb
}

func (s *RedisStore) Close() error {
	return s.rdb.Close()
}

func (s *RedisStore) Get(ctx context.Context, key string, dest any) (bool, error) {
	b, err := s.rdb.Get(ctx, s.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, json.Unmarshal(b, dest)
}

func (s *RedisStore) Set(ctx context.Context, key string, value any) error {
	b, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, s.prefix+key, b, 0).Err()
}

func (s *RedisStore) SetNX(ctx context.Context, key string, value any) (bool, error) {
	b, err := json.Marshal(value)
	if err != nil {
		return false, err
	}
	return s.rdb.SetNX(ctx, s.prefix+key, b, 0).Result()
}

func (s *RedisStore) CompareAndSet(ctx context.Context, key string, old, value any) (bool, error) {
	want, err := json.Marshal(old)
	if err != nil {
		return false, err
	}
	b, err := json.Marshal(value)
	if err != nil {
		return false, err
	}
	n, err := compareAndSetScript.Run(ctx, s.rdb, []string{s.prefix + key}, want, b).Int64()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *RedisStore) CompareAndDelete(ctx context.Context, key string, old any) (bool, error) {
	want, err := json.Marshal(old)
	if err != nil {
		return false, err
	}
	n, err := compareAndDeleteScript.Run(ctx, s.rdb, []string{s.prefix + key}, want).Int64()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	return s.rdb.Del(ctx, s.prefix+key).Err()
}
