package worker

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/containerd/errdefs"

	"agent-runs/internal/shared/eventlog"
	"agent-runs/internal/shared/storage"

	"github.com/stretchr/testify/assert"
)

func TestIsRetryable(t *testing.T) {
	assert.False(t, isRetryable(nil))
	assert.False(t, isRetryable(errors.New("plain error")))

	// 显式标记
	assert.True(t, isRetryable(Retryable(errors.New("x"))))
	assert.False(t, isRetryable(NonRetryable(errors.New("x"))))

	// 包装链上的标记仍然生效
	assert.True(t, isRetryable(fmt.Errorf("wrap: %w", Retryable(errors.New("x")))))

	// NonRetryable 优先级最高
	assert.False(t, isRetryable(NonRetryable(Retryable(errors.New("x")))))

	// 基础设施瞬时故障
	assert.True(t, isRetryable(fmt.Errorf("db: %w", storage.ErrUnavailable)))
	assert.True(t, isRetryable(fmt.Errorf("redis: %w", eventlog.ErrUnavailable)))
	assert.True(t, isRetryable(errdefs.ErrUnavailable))

	// 超时
	assert.True(t, isRetryable(context.DeadlineExceeded))
	assert.False(t, isRetryable(context.Canceled))
}

func TestRetryableErrorUnwrap(t *testing.T) {
	base := errors.New("base")
	err := Retryable(base)
	assert.True(t, errors.Is(err, base))

	var re *RetryableRunError
	assert.True(t, errors.As(err, &re))
	assert.Same(t, base, re.Err)
}
