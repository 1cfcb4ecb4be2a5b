// Package infra provides concrete infrastructure adapters for Redis.
//
// The adapter wraps go-redis v9 and implements the minimal interfaces the
// zones and storage packages expect. If Redis is unreachable at startup the
// engine runs from memory alone; cmd/server decides the fallback.
package infra

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// GoRedisAdapter wraps go-redis v9 behind the narrow key-value and hash
// surfaces used for the zone snapshot and the live-position cache.
type GoRedisAdapter struct {
	rdb *redis.Client
}

// NewGoRedisAdapter connects and pings. The caller decides whether a
// connection error means fatal or degraded startup.
func NewGoRedisAdapter(addr, password string, db int) (*GoRedisAdapter, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
		PoolSize:     20,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed (%s): %w", addr, err)
	}

	slog.Info("Redis connected", "addr", addr, "db", db)
	return &GoRedisAdapter{rdb: rdb}, nil
}

// Close shuts down the underlying redis client.
func (a *GoRedisAdapter) Close() error {
	return a.rdb.Close()
}

func (a *GoRedisAdapter) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return a.rdb.Set(ctx, key, value, ttl).Err()
}

func (a *GoRedisAdapter) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := a.rdb.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	return val, err
}

func (a *GoRedisAdapter) Del(ctx context.Context, keys ...string) error {
	return a.rdb.Del(ctx, keys...).Err()
}

func (a *GoRedisAdapter) HSet(ctx context.Context, key, field string, value []byte) error {
	return a.rdb.HSet(ctx, key, field, value).Err()
}

func (a *GoRedisAdapter) HDel(ctx context.Context, key string, fields ...string) error {
	return a.rdb.HDel(ctx, key, fields...).Err()
}

func (a *GoRedisAdapter) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	return a.rdb.HGetAll(ctx, key).Result()
}

func (a *GoRedisAdapter) Publish(ctx context.Context, channel string, message []byte) error {
	return a.rdb.Publish(ctx, channel, message).Err()
}
