package storage

import (
	"context"
	"fmt"
	"time"

	"digichat/internal/config"

	"github.com/redis/go-redis/v9"
)

// OpenRedis 连接 redis 并做一次 PING；未启用时返回 nil
func OpenRedis(ctx context.Context, rc config.RedisConfig) (*redis.Client, error) {
	if !rc.Enabled {
		return nil, nil
	}
	dialTimeout := rc.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = 5 * time.Second
	}
	client := redis.NewClient(&redis.Options{
		Addr:         rc.Addr(),
		Password:     rc.Password,
		DB:           rc.DB,
		PoolSize:     rc.PoolSize,
		MinIdleConns: rc.MinIdleConns,
		DialTimeout:  dialTimeout,
	})

	pingCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", rc.Addr(), err)
	}
	return client, nil
}
