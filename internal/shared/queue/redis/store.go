// Package redis Redis Streams 任务队列实现
package redis

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store Redis 任务队列存储
type Store struct {
	client *redis.Client
}

// NewStore 基于已有客户端创建任务队列实例
func NewStore(client *redis.Client) *Store {
	return &Store{client: client}
}

// NewStoreFromURL 从 URL 创建任务队列实例
func NewStoreFromURL(redisURL string) (*Store, error) {
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

	log.Printf("[Redis/Queue] Connected to %s", opts.Addr)
	return NewStore(client), nil
}

// Close 关闭连接
func (s *Store) Close() error {
	return s.client.Close()
}
