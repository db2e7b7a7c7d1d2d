package chatlog

import (
	"context"
	"fmt"

	"github.com/go-redis/redis/v8"
)

// RedisBackend keeps each instance log in a Redis list. RPUSH is atomic, so
// several fleetdash processes may share one server.
type RedisBackend struct {
	client *redis.Client
	prefix string
}

func NewRedisBackend(url, prefix string) (*RedisBackend, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return &RedisBackend{client: redis.NewClient(opt), prefix: prefix}, nil
}

func (r *RedisBackend) key(instanceID string) string {
	return r.prefix + ":" + instanceID
}

func (r *RedisBackend) Shared() bool { return true }

func (r *RedisBackend) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisBackend) Close() error {
	return r.client.Close()
}

func (r *RedisBackend) Append(ctx context.Context, instanceID string, rec []byte) error {
	if err := r.client.RPush(ctx, r.key(instanceID), rec).Err(); err != nil {
		return fmt.Errorf("redis rpush: %w", err)
	}
	return nil
}

func (r *RedisBackend) Read(ctx context.Context, instanceID string) ([][]byte, error) {
	vals, err := r.client.LRange(ctx, r.key(instanceID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis lrange: %w", err)
	}
	out := make([][]byte, 0, len(vals))
	for _, v := range vals {
		out = append(out, []byte(v))
	}
	return out, nil
}

func (r *RedisBackend) Remove(ctx context.Context, instanceID string) error {
	if err := r.client.Del(ctx, r.key(instanceID)).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}
