// Package infra 基础设施聚合层
//
// 提供统一的基础设施初始化和依赖注入，包括：
//   - Storage：持久化存储（PostgreSQL / SQLite）
//   - EventLog：Run 事件日志（Redis Streams）
//   - Cancel：取消信号（Redis 标志 + pub/sub）
//   - Queue：Run 任务队列（Redis Streams）
package infra

import (
	"agent-runs/internal/shared/cancel"
	"agent-runs/internal/shared/eventlog"
	"agent-runs/internal/shared/queue"
	"agent-runs/internal/shared/storage"
)

// Infrastructure 基础设施聚合结构
type Infrastructure struct {
	// Storage 持久化存储（PostgreSQL / SQLite）
	Storage storage.PersistentStore

	// EventLog Run 事件日志（Redis Streams）
	EventLog eventlog.Log

	// Cancel 取消信号（Redis）
	Cancel cancel.Signal

	// Queue Run 任务队列（Redis Streams）
	Queue queue.Queue
}

// Close 关闭所有基础设施连接
func (i *Infrastructure) Close() error {
	var lastErr error

	if i.Storage != nil {
		if err := i.Storage.Close(); err != nil {
			lastErr = err
		}
	}

	if i.Queue != nil {
		if err := i.Queue.Close(); err != nil {
			lastErr = err
		}
	}

	return lastErr
}

// NewMemoryInfrastructure 创建内存基础设施（用于测试）
func NewMemoryInfrastructure() *Infrastructure {
	return &Infrastructure{
		EventLog: eventlog.NewMemoryLog(),
		Cancel:   cancel.NewMemorySignal(),
		Queue:    queue.NewMemoryQueue(),
	}
}
