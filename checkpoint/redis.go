package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "docagent:checkpoint:"

// RedisStore shares checkpoints between server replicas. Keys expire after
// the configured TTL, which stands in for eviction.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisStore connects to the redis URL (redis://host:port/db) and checks
// the connection.
func NewRedisStore(ctx context.Context, url string, ttl time.Duration, logger *slog.Logger) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	if logger != nil {
		logger.Info("checkpoint store opened", "backend", "redis", "addr", opts.Addr, "ttl", ttl)
	}
	return &RedisStore{client: client, ttl: ttl}, nil
}

func redisKey(threadID string) string { return redisKeyPrefix + threadID }

func secondsToTTL(secs int) time.Duration {
	if secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

func (s *RedisStore) Load(ctx context.Context, threadID string) ([]byte, error) {
	data, err := s.client.Get(ctx, redisKey(threadID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}
	return data, nil
}

func (s *RedisStore) Save(ctx context.Context, threadID string, data []byte) error {
	if err := s.client.Set(ctx, redisKey(threadID), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, threadID string) error {
	return s.client.Del(ctx, redisKey(threadID)).Err()
}

func (s *RedisStore) Close() error { return s.client.Close() }
