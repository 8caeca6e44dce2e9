// Package redis Redis Streams 事件日志实现
package redis

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store Redis 事件日志存储
type Store struct {
	client *redis.Client
	maxLen int64         // 单条流长度上限（近似裁剪）
	ttl    time.Duration // 整条流的过期时间，每次追加时刷新
}

// NewStore 基于已有客户端创建事件日志实例
func NewStore(client *redis.Client, maxLen int64, ttl time.Duration) *Store {
	return &Store{client: client, maxLen: maxLen, ttl: ttl}
}

// NewStoreFromURL 从 URL 创建事件日志实例
func NewStoreFromURL(redisURL string, maxLen int64, ttl time.Duration) (*Store, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	log.Printf("[Redis/EventLog] Connected to %s", opts.Addr)
	return NewStore(client, maxLen, ttl), nil
}

// Close 关闭连接
func (s *Store) Close() error {
	return s.client.Close()
}
