package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

const keyPrefix = "dispatch:snapshot:"

// RedisKV mirrors view snapshots into Redis so a restart can serve the last known
// state before the first scan completes.
type RedisKV struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisKV connects to addr. The connection is verified with a ping.
func NewRedisKV(ctx context.Context, addr string, ttl time.Duration) (*RedisKV, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return &RedisKV{client: client, ttl: ttl}, nil
}

func key(view string) string { return keyPrefix + view }

// Save stores v as JSON under the view's key.
func (r *RedisKV) Save(ctx context.Context, view string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s snapshot: %w", view, err)
	}
	if err := r.client.Set(ctx, key(view), payload, r.ttl).Err(); err != nil {
		return fmt.Errorf("save %s snapshot: %w", view, err)
	}
	return nil
}

// Load decodes the view's snapshot into dst. It reports false when nothing is cached.
func (r *RedisKV) Load(ctx context.Context, view string, dst any) (bool, error) {
	payload, err := r.client.Get(ctx, key(view)).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("load %s snapshot: %w", view, err)
	}
	if err := json.Unmarshal(payload, dst); err != nil {
		return false, fmt.Errorf("decode %s snapshot: %w", view, err)
	}
	return true, nil
}

func (r *RedisKV) Health(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisKV) Close() error { return r.client.Close() }
