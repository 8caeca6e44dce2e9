// Package worker Run 取消上下文
package worker

import (
	"context"

	"agent-runs/internal/shared/cancel"
)

// RunContext 单个 Run 的取消观察上下文
//
// 组合订阅推送（低延迟）和标志查询（兜底）两条路径，
// 任一路径观察到取消后 Done 通道关闭。
type RunContext struct {
	runID   string
	signal  cancel.Signal
	watcher cancel.Watcher
}

// NewRunContext 创建取消上下文
func NewRunContext(runID string, signal cancel.Signal) *RunContext {
	return &RunContext{runID: runID, signal: signal}
}

// Start 启动取消监视
func (rc *RunContext) Start(ctx context.Context) error {
	w, err := rc.signal.Watch(ctx, rc.runID)
	if err != nil {
		return err
	}
	rc.watcher = w
	return nil
}

// Done 取消被观察到时关闭
func (rc *RunContext) Done() <-chan struct{} {
	if rc.watcher == nil {
		return nil
	}
	return rc.watcher.Done()
}

// Fired 监视器是否已经触发
func (rc *RunContext) Fired() bool {
	if rc.watcher == nil {
		return false
	}
	select {
	case <-rc.watcher.Done():
		return true
	default:
		return false
	}
}

// IsCancelled 查询取消状态
// 监视器未触发时再查一次标志兜底（通知可能尚未到达）
func (rc *RunContext) IsCancelled(ctx context.Context) bool {
	if rc.Fired() {
		return true
	}
	set, err := rc.signal.Has(ctx, rc.runID)
	return err == nil && set
}

// Close 停止监视
func (rc *RunContext) Close() {
	if rc.watcher != nil {
		rc.watcher.Stop()
	}
}
