// Package worker 错误分类
//
// Run 执行失败分两类：
//   - 可重试：基础设施瞬时故障（数据库/Redis 不可用、网络超时），
//     在重试预算内重新入队
//   - 不可重试：业务性失败，立即置 failed
package worker

import (
	"context"
	"errors"
	"net"

	"github.com/containerd/errdefs"

	"agent-runs/internal/shared/eventlog"
	"agent-runs/internal/shared/storage"
)

// RetryableRunError 显式标记为可重试的执行错误
type RetryableRunError struct {
	Err error
}

func (e *RetryableRunError) Error() string { return "retryable run error: " + e.Err.Error() }
func (e *RetryableRunError) Unwrap() error { return e.Err }

// NonRetryableRunError 显式标记为不可重试的执行错误
// 优先级高于所有可重试判定
type NonRetryableRunError struct {
	Err error
}

func (e *NonRetryableRunError) Error() string { return "non-retryable run error: " + e.Err.Error() }
func (e *NonRetryableRunError) Unwrap() error { return e.Err }

// Retryable 包装为可重试错误
func Retryable(err error) error {
	return &RetryableRunError{Err: err}
}

// NonRetryable 包装为不可重试错误
func NonRetryable(err error) error {
	return &NonRetryableRunError{Err: err}
}

// isRetryable 判断执行错误是否可重试
func isRetryable(err error) bool {
	if err == nil {
		return false
	}

	var nonRetryable *NonRetryableRunError
	if errors.As(err, &nonRetryable) {
		return false
	}

	var retryable *RetryableRunError
	if errors.As(err, &retryable) {
		return true
	}

	// 基础设施瞬时故障
	if errors.Is(err, storage.ErrUnavailable) || errors.Is(err, eventlog.ErrUnavailable) {
		return true
	}
	if errdefs.IsUnavailable(err) {
		return true
	}

	// 网络超时
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	return false
}
