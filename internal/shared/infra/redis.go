// Package infra Redis 基础设施初始化
package infra

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"agent-runs/internal/config"
	"agent-runs/internal/shared/cancel"
	cancelredis "agent-runs/internal/shared/cancel/redis"
	"agent-runs/internal/shared/eventlog"
	eventlogredis "agent-runs/internal/shared/eventlog/redis"
	"agent-runs/internal/shared/queue"
	queueredis "agent-runs/internal/shared/queue/redis"
)

// RedisInfra Redis 基础设施
//
// EventLog、Cancel、Queue 共用同一底层连接
type RedisInfra struct {
	eventLogStore *eventlogredis.Store
	cancelSignal  *cancelredis.Signal
	queueStore    *queueredis.Store

	client *redis.Client
}

// NewRedisInfra 从 URL 创建 Redis 基础设施
func NewRedisInfra(redisURL string, runCfg config.RunConfig) (*RedisInfra, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancelFn := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelFn()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	log.Printf("[Redis/Infra] Connected to %s", opts.Addr)

	return &RedisInfra{
		client:        client,
		eventLogStore: eventlogredis.NewStore(client, runCfg.StreamMaxLen, runCfg.EventsTTL),
		cancelSignal:  cancelredis.NewSignal(client, runCfg.CancelTTL, runCfg.CancelPollInterval),
		queueStore:    queueredis.NewStore(client),
	}, nil
}

// EventLog 返回事件日志组件接口
func (r *RedisInfra) EventLog() eventlog.Log {
	return r.eventLogStore
}

// Cancel 返回取消信号组件接口
func (r *RedisInfra) Cancel() cancel.Signal {
	return r.cancelSignal
}

// Queue 返回任务队列组件接口
func (r *RedisInfra) Queue() queue.Queue {
	return r.queueStore
}

// Client 返回底层 Redis 客户端
func (r *RedisInfra) Client() *redis.Client {
	return r.client
}

// Close 关闭 Redis 连接
func (r *RedisInfra) Close() error {
	return r.client.Close()
}
