// Package redis RunQueue 操作
package redis

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"agent-runs/internal/shared/queue"
)

// Submit 将 Run 加入执行队列
// 先以 SETNX 抢占去重键，失败说明该 Run 已在队列中（或正在执行）
func (s *Store) Submit(ctx context.Context, runID string, maxTries int) (string, bool, error) {
	acquired, err := s.client.SetNX(ctx, queue.KeyRunDedup+runID, "1", queue.DedupTTL).Result()
	if err != nil {
		return "", false, err
	}
	if !acquired {
		return "", false, nil
	}

	id, err := s.enqueue(ctx, runID, 1, maxTries)
	if err != nil {
		// 入队失败时释放去重键，允许重新提交
		s.client.Del(ctx, queue.KeyRunDedup+runID)
		return "", false, err
	}
	return id, true, nil
}

// Retry 将任务以 attempt+1 重新入队
// 去重键仍由首次 Submit 持有，这里不再检查
func (s *Store) Retry(ctx context.Context, job *queue.RunJob) (string, error) {
	return s.enqueue(ctx, job.RunID, job.Attempt+1, job.MaxTries)
}

func (s *Store) enqueue(ctx context.Context, runID string, attempt, maxTries int) (string, error) {
	args := &redis.XAddArgs{
		Stream: queue.KeyRunJobs,
		MaxLen: 10000,
		Approx: true,
		Values: map[string]interface{}{
			"run_id":      runID,
			"attempt":     attempt,
			"max_tries":   maxTries,
			"enqueued_at": time.Now().Format(time.RFC3339Nano),
		},
	}
	return s.client.XAdd(ctx, args).Result()
}

// CreateConsumerGroup 创建 Worker 消费者组
func (s *Store) CreateConsumerGroup(ctx context.Context) error {
	err := s.client.XGroupCreateMkStream(ctx, queue.KeyRunJobs, queue.RunWorkerConsumerGroup, "0").Err()
	if err != nil && err.Error() != "BUSYGROUP Consumer Group name already exists" {
		return err
	}
	return nil
}

// Consume 消费执行队列中的任务
func (s *Store) Consume(ctx context.Context, consumerID string, count int64, blockTimeout time.Duration) ([]*queue.RunJob, error) {
	streams, err := s.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    queue.RunWorkerConsumerGroup,
		Consumer: consumerID,
		Streams:  []string{queue.KeyRunJobs, ">"},
		Count:    count,
		Block:    blockTimeout,
	}).Result()

	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, err
	}

	var jobs []*queue.RunJob
	for _, stream := range streams {
		for _, msg := range stream.Messages {
			jobs = append(jobs, jobFromMessage(msg))
		}
	}

	return jobs, nil
}

// ReclaimStale 以 XAUTOCLAIM 接管空闲超过 minIdle 的未确认消息
// 消费者崩溃或被强杀后，遗留的消息由存活消费者在此重新领取执行
func (s *Store) ReclaimStale(ctx context.Context, consumerID string, minIdle time.Duration, count int64) ([]*queue.RunJob, error) {
	msgs, _, err := s.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   queue.KeyRunJobs,
		Group:    queue.RunWorkerConsumerGroup,
		Consumer: consumerID,
		MinIdle:  minIdle,
		Start:    "0-0",
		Count:    count,
	}).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, err
	}

	var jobs []*queue.RunJob
	for _, msg := range msgs {
		jobs = append(jobs, jobFromMessage(msg))
	}
	return jobs, nil
}

// jobFromMessage 从 Stream 消息字段还原任务
// 字段缺失或损坏时退化为单次尝试，保证消息总能被消费掉
func jobFromMessage(msg redis.XMessage) *queue.RunJob {
	j := &queue.RunJob{ID: msg.ID, Attempt: 1, MaxTries: 1}
	if runID, ok := msg.Values["run_id"].(string); ok {
		j.RunID = runID
	}
	if attempt, ok := msg.Values["attempt"].(string); ok {
		if n, err := strconv.Atoi(attempt); err == nil {
			j.Attempt = n
		}
	}
	if maxTries, ok := msg.Values["max_tries"].(string); ok {
		if n, err := strconv.Atoi(maxTries); err == nil {
			j.MaxTries = n
		}
	}
	if enqueuedAt, ok := msg.Values["enqueued_at"].(string); ok {
		if t, err := time.Parse(time.RFC3339Nano, enqueuedAt); err == nil {
			j.EnqueuedAt = t
		}
	}
	return j
}

// Ack 确认任务消息已处理
func (s *Store) Ack(ctx context.Context, messageID string) error {
	return s.client.XAck(ctx, queue.KeyRunJobs, queue.RunWorkerConsumerGroup, messageID).Err()
}

// GetQueueLength 获取队列长度
func (s *Store) GetQueueLength(ctx context.Context) (int64, error) {
	return s.client.XLen(ctx, queue.KeyRunJobs).Result()
}

// GetPendingCount 获取未确认消息数量
func (s *Store) GetPendingCount(ctx context.Context) (int64, error) {
	pending, err := s.client.XPending(ctx, queue.KeyRunJobs, queue.RunWorkerConsumerGroup).Result()
	if err != nil {
		return 0, err
	}
	return pending.Count, nil
}

// 确保 Store 实现了 Queue 接口
var _ queue.Queue = (*Store)(nil)
