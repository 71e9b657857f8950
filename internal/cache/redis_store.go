// Package cache provides short-lived storage for random selection pools and
// markers for in-flight reference rewrites.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultPrefix = "nkowa:"
	jobsKey       = "rewrite-jobs"
)

// RedisStore implements selection caching and rewrite job tracking on Redis
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore connects to redisURL and verifies the connection
func NewRedisStore(redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewRedisStoreWithClient(client), nil
}

// NewRedisStoreWithClient creates a store from an existing Redis client
func NewRedisStoreWithClient(client *redis.Client) *RedisStore {
	return &RedisStore{
		client: client,
		prefix: defaultPrefix,
	}
}

func (s *RedisStore) selectionKey(userID, shape string) string {
	return s.prefix + "selection:" + userID + ":" + shape
}

// GetSelection returns the cached candidate ids for (userID, shape).
func (s *RedisStore) GetSelection(ctx context.Context, userID, shape string) ([]string, bool, error) {
	raw, err := s.client.Get(ctx, s.selectionKey(userID, shape)).Result()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get selection: %w", err)
	}
	var ids []string
	if err := json.Unmarshal([]byte(raw), &ids); err != nil {
		return nil, false, fmt.Errorf("unmarshal selection: %w", err)
	}
	return ids, true, nil
}

// SaveSelection caches ids for ttl.
func (s *RedisStore) SaveSelection(ctx context.Context, userID, shape string, ids []string, ttl time.Duration) error {
	payload, err := json.Marshal(ids)
	if err != nil {
		return fmt.Errorf("marshal selection: %w", err)
	}
	if err := s.client.Set(ctx, s.selectionKey(userID, shape), payload, ttl).Err(); err != nil {
		return fmt.Errorf("save selection: %w", err)
	}
	return nil
}

// InvalidateUser drops every cached selection for userID.
func (s *RedisStore) InvalidateUser(ctx context.Context, userID string) error {
	iter := s.client.Scan(ctx, 0, s.selectionKey(userID, "*"), 100).Iterator()
	keys := make([]string, 0)
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("scan selections: %w", err)
	}
	if len(keys) == 0 {
		return nil
	}
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("invalidate selections: %w", err)
	}
	return nil
}

// BeginJob marks a rewrite as in flight.
func (s *RedisStore) BeginJob(ctx context.Context, id string, payload []byte) error {
	if err := s.client.HSet(ctx, s.prefix+jobsKey, id, payload).Err(); err != nil {
		return fmt.Errorf("begin job: %w", err)
	}
	return nil
}

// CompleteJob clears the in-flight marker for id.
func (s *RedisStore) CompleteJob(ctx context.Context, id string) error {
	if err := s.client.HDel(ctx, s.prefix+jobsKey, id).Err(); err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	return nil
}

// PendingJobs returns every rewrite begun but not completed.
func (s *RedisStore) PendingJobs(ctx context.Context) (map[string][]byte, error) {
	values, err := s.client.HGetAll(ctx, s.prefix+jobsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	out := make(map[string][]byte, len(values))
	for id, payload := range values {
		out[id] = []byte(payload)
	}
	return out, nil
}

// Close closes the Redis connection
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping checks if Redis is reachable
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
