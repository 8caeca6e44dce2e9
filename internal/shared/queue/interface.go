// Package queue Run 任务队列抽象接口
//
// 提供 Run 执行任务的分发和消费能力，当前由 Redis Streams 实现。
// 入队带去重键，保证同一 Run 不会被重复分发。
package queue

import (
	"context"
	"time"
)

// RunQueue Run 任务队列接口
type RunQueue interface {
	// Submit 将 Run 加入执行队列
	// 去重键已存在时不入队，返回 submitted=false（幂等提交）
	Submit(ctx context.Context, runID string, maxTries int) (messageID string, submitted bool, err error)

	// Retry 将失败的任务以 attempt+1 重新入队（不做去重检查）
	Retry(ctx context.Context, job *RunJob) (string, error)

	// CreateConsumerGroup 创建 Worker 消费者组（已存在时为 no-op）
	CreateConsumerGroup(ctx context.Context) error

	// Consume 以消费者组方式阻塞读取待处理任务
	Consume(ctx context.Context, consumerID string, count int64, blockTimeout time.Duration) ([]*RunJob, error)

	// ReclaimStale 接管空闲超过 minIdle 的未确认任务
	// 崩溃或被强杀的消费者遗留在 pending 的消息由存活消费者重新领取
	ReclaimStale(ctx context.Context, consumerID string, minIdle time.Duration, count int64) ([]*RunJob, error)

	// Ack 确认任务消息已处理
	Ack(ctx context.Context, messageID string) error

	// GetQueueLength 获取队列长度
	GetQueueLength(ctx context.Context) (int64, error)

	// GetPendingCount 获取已投递未确认的消息数量
	GetPendingCount(ctx context.Context) (int64, error)
}

// Queue 任务队列组合接口
type Queue interface {
	RunQueue
	Close() error
}
