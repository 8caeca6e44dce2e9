// Package queue 任务队列类型定义
package queue

import "time"

// RunJob Run 执行任务消息
type RunJob struct {
	ID         string // 消息 ID（Ack 用）
	RunID      string
	Attempt    int // 当前尝试次数，从 1 开始
	MaxTries   int // 最大尝试次数（含首次），入队时冻结
	EnqueuedAt time.Time
}

// Retryable 是否还有重试预算
func (j *RunJob) Retryable() bool {
	return j.Attempt < j.MaxTries
}

// ============================================================================
// Key 前缀和常量
// ============================================================================

const (
	// 执行队列 - 存放待执行的 Run
	KeyRunJobs = "runs:jobs"

	// 去重键前缀，完整 key 为 run:<run_id>
	KeyRunDedup = "run:"

	// Worker 消费者组
	RunWorkerConsumerGroup = "run-workers"

	// 去重键过期时间，防止 Run 收尾异常时键永久残留
	DedupTTL = 24 * time.Hour
)
