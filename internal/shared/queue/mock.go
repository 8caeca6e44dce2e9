// Package queue 任务队列 mock 实现
package queue

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// ============================================================================
// MemoryQueue - 内存任务队列（用于测试和本地开发）
// ============================================================================

// MemoryQueue 基于内存的 Queue 实现
type MemoryQueue struct {
	mu      sync.Mutex
	jobs    []*RunJob
	dedup   map[string]bool
	pending map[string]*RunJob   // 已投递未确认
	claimed map[string]time.Time // 消息最近一次被领取的时刻（重领判定用）
	nextID  int
}

// NewMemoryQueue 创建内存任务队列实例
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		dedup:   make(map[string]bool),
		pending: make(map[string]*RunJob),
		claimed: make(map[string]time.Time),
	}
}

// Submit 入队（带去重）
func (q *MemoryQueue) Submit(ctx context.Context, runID string, maxTries int) (string, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.dedup[runID] {
		return "", false, nil
	}
	q.dedup[runID] = true
	id := q.enqueue(runID, 1, maxTries)
	return id, true, nil
}

// Retry 以 attempt+1 重新入队
func (q *MemoryQueue) Retry(ctx context.Context, job *RunJob) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.enqueue(job.RunID, job.Attempt+1, job.MaxTries), nil
}

func (q *MemoryQueue) enqueue(runID string, attempt, maxTries int) string {
	q.nextID++
	job := &RunJob{
		ID:         fmt.Sprintf("mem-%d", q.nextID),
		RunID:      runID,
		Attempt:    attempt,
		MaxTries:   maxTries,
		EnqueuedAt: time.Now(),
	}
	q.jobs = append(q.jobs, job)
	return job.ID
}

// CreateConsumerGroup no-op
func (q *MemoryQueue) CreateConsumerGroup(ctx context.Context) error {
	return nil
}

// Consume 取出最多 count 个任务
// 队列为空时最多阻塞 blockTimeout，模拟 XREADGROUP BLOCK 语义
func (q *MemoryQueue) Consume(ctx context.Context, consumerID string, count int64, blockTimeout time.Duration) ([]*RunJob, error) {
	q.mu.Lock()
	if len(q.jobs) == 0 && blockTimeout > 0 {
		q.mu.Unlock()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(blockTimeout):
		}
		q.mu.Lock()
	}
	defer q.mu.Unlock()

	n := int64(len(q.jobs))
	if n > count {
		n = count
	}
	out := q.jobs[:n]
	q.jobs = q.jobs[n:]
	now := time.Now()
	for _, j := range out {
		q.pending[j.ID] = j
		q.claimed[j.ID] = now
	}
	return out, nil
}

// ReclaimStale 重新领取空闲超过 minIdle 的未确认任务
func (q *MemoryQueue) ReclaimStale(ctx context.Context, consumerID string, minIdle time.Duration, count int64) ([]*RunJob, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now()
	var out []*RunJob
	for id, job := range q.pending {
		if int64(len(out)) >= count {
			break
		}
		if now.Sub(q.claimed[id]) < minIdle {
			continue
		}
		q.claimed[id] = now
		out = append(out, job)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Ack 确认任务
func (q *MemoryQueue) Ack(ctx context.Context, messageID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.pending, messageID)
	delete(q.claimed, messageID)
	return nil
}

// GetQueueLength 获取队列长度
func (q *MemoryQueue) GetQueueLength(ctx context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int64(len(q.jobs)), nil
}

// GetPendingCount 获取未确认消息数量
func (q *MemoryQueue) GetPendingCount(ctx context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int64(len(q.pending)), nil
}

// Close 关闭队列
func (q *MemoryQueue) Close() error {
	return nil
}

// 确保 MemoryQueue 实现了 Queue 接口
var _ Queue = (*MemoryQueue)(nil)
