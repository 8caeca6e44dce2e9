// Package cancel Run 取消信号抽象接口
//
// 取消信号由两部分组成：带 TTL 的取消标志（崩溃安全的事实来源）和
// pub/sub 通知（尽力而为的低延迟推送）。Worker 同时订阅通知并兜底
// 轮询标志，保证即使通知丢失也能在一个轮询周期内观察到取消。
package cancel

import "context"

// Signal 取消信号接口
type Signal interface {
	// Request 置位取消标志并广播通知
	// 标志带 TTL，Run 收尾后未清理也会自动过期
	Request(ctx context.Context, runID string) error

	// Has 查询取消标志是否置位
	Has(ctx context.Context, runID string) (bool, error)

	// Clear 清除取消标志
	Clear(ctx context.Context, runID string) error

	// Watch 监视 Run 的取消信号
	// 返回的 Watcher 在观察到取消后关闭 Done 通道（只触发一次）
	Watch(ctx context.Context, runID string) (Watcher, error)
}

// Watcher 取消信号监视句柄
type Watcher interface {
	// Done 取消被观察到时关闭
	Done() <-chan struct{}

	// Stop 停止监视并释放订阅资源，可安全多次调用
	Stop()
}
