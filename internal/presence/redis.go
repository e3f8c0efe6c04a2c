package presence

import (
	"context"
	"strconv"

	"github.com/redis/go-redis/v9"
)

const presenceKey = "chat:presence"

// RedisRegistry shares socket counts between gateway instances through a Redis hash.
type RedisRegistry struct {
	client *redis.Client
}

// NewRedisRegistry connects to redisURL and verifies the connection.
func NewRedisRegistry(ctx context.Context, redisURL string) (*RedisRegistry, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return &RedisRegistry{client: client}, nil
}

// Close closes the Redis connection.
func (r *RedisRegistry) Close() error {
	return r.client.Close()
}

func (r *RedisRegistry) Connect(ctx context.Context, userID string) (bool, error) {
	n, err := r.client.HIncrBy(ctx, presenceKey, userID, 1).Result()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *RedisRegistry) Disconnect(ctx context.Context, userID string) (bool, error) {
	n, err := r.client.HIncrBy(ctx, presenceKey, userID, -1).Result()
	if err != nil {
		return false, err
	}
	if n > 0 {
		return false, nil
	}
	if err := r.client.HDel(ctx, presenceKey, userID).Err(); err != nil {
		return true, err
	}
	return true, nil
}

func (r *RedisRegistry) Online(ctx context.Context, userIDs []string) (map[string]bool, error) {
	out := make(map[string]bool, len(userIDs))
	if len(userIDs) == 0 {
		return out, nil
	}
	vals, err := r.client.HMGet(ctx, presenceKey, userIDs...).Result()
	if err != nil {
		return nil, err
	}
	for i, v := range vals {
		s, _ := v.(string)
		n, _ := strconv.Atoi(s)
		out[userIDs[i]] = n > 0
	}
	return out, nil
}
