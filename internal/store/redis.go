package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sevir/ramal/pkg/models"
)

const redisKeyPrefix = "ramal:tree:"

// RedisStore implements Store on a Redis backend, for deployments where
// several chat adapters share one tree store.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
	ctx    context.Context
}

// NewRedisStore connects to Redis using a URL in the form
// redis://[user:pass@]host:port/db and verifies the connection.
// A zero ttl keeps trees forever.
func NewRedisStore(ctx context.Context, url string, ttl time.Duration) (*RedisStore, error) {
	if url == "" {
		return nil, fmt.Errorf("redis url is required")
	}

	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisStore{client: client, ttl: ttl, ctx: ctx}, nil
}

// SaveTree stores or updates a tree snapshot.
func (r *RedisStore) SaveTree(snap *models.TreeSnapshot) error {
	if snap == nil || snap.ConversationID == "" {
		return fmt.Errorf("snapshot missing conversation id")
	}

	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal tree: %w", err)
	}

	return r.client.Set(r.ctx, redisKeyPrefix+snap.ConversationID, data, r.ttl).Err()
}

// GetTree retrieves a tree snapshot by conversation id.
func (r *RedisStore) GetTree(conversationID string) (*models.TreeSnapshot, error) {
	data, err := r.client.Get(r.ctx, redisKeyPrefix+conversationID).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, fmt.Errorf("conversation %s: %w", conversationID, models.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to load tree: %w", err)
	}

	var snap models.TreeSnapshot
	if err := json.Unmarshal([]byte(data), &snap); err != nil {
		return nil, fmt.Errorf("failed to unmarshal tree: %w", err)
	}
	return &snap, nil
}

// ListTrees retrieves every persisted tree snapshot.
func (r *RedisStore) ListTrees() ([]*models.TreeSnapshot, error) {
	var (
		result []*models.TreeSnapshot
		cursor uint64
	)
	for {
		keys, next, err := r.client.Scan(r.ctx, cursor, redisKeyPrefix+"*", 100).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to scan trees: %w", err)
		}
		for _, key := range keys {
			snap, err := r.GetTree(key[len(redisKeyPrefix):])
			if err != nil {
				continue
			}
			result = append(result, snap)
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return result, nil
}

// Close releases the Redis connection.
func (r *RedisStore) Close() error {
	return r.client.Close()
}

// HealthCheck pings the backend.
func (r *RedisStore) HealthCheck(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
