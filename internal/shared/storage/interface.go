// Package storage 定义持久化存储层抽象接口
//
// 设计原则：依赖倒置 (DIP)
//   - 调用方只依赖接口，不知道具体实现
//   - 具体实现在子包中：repository/ + driver/{postgres,sqlite}
//   - 初始化时通过依赖注入传入实现
package storage

import (
	"context"

	"agent-runs/internal/shared/model"
)

// RunRegistry Run 状态机存储接口
//
// 三个变更操作（MarkRunning / RequestCancel / SetTerminal）必须：
//  1. 持有行级排他锁执行读-改-写
//  2. 目标 Run 已终止时原样返回当前状态（no-op）
type RunRegistry interface {
	// CreateRun 创建 pending 状态的 Run
	// request_id 唯一键冲突时返回 ErrDuplicate
	CreateRun(ctx context.Context, run *model.Run) error

	// GetRun 按 ID 读取，不存在时返回 nil
	GetRun(ctx context.Context, id string) (*model.Run, error)

	// GetRunByRequestID 按幂等令牌读取，不存在时返回 nil
	GetRunByRequestID(ctx context.Context, requestID string) (*model.Run, error)

	// GetRunForUser 按 ID + 归属用户读取，不存在或不归属时返回 nil
	GetRunForUser(ctx context.Context, id, userID string) (*model.Run, error)

	// GetActiveRunByThread 返回线程最近一个非终止 Run，没有时返回 nil
	GetActiveRunByThread(ctx context.Context, threadID, userID string) (*model.Run, error)

	// MarkRunning pending/cancel_requested → running（终止态 no-op）
	MarkRunning(ctx context.Context, id string) (*model.Run, error)

	// RequestCancel 非终止态 → cancel_requested（终止态 no-op）
	RequestCancel(ctx context.Context, id string) (*model.Run, error)

	// SetTerminal 进入终止状态并记录错误信息（已终止时 no-op）
	SetTerminal(ctx context.Context, id string, status model.RunStatus, errorType, errorMessage *string) (*model.Run, error)
}

// UserStore 用户存储接口
type UserStore interface {
	CreateUser(ctx context.Context, user *model.User) error
	GetUser(ctx context.Context, id string) (*model.User, error)
}

// ThreadStore 对话线程存储接口
type ThreadStore interface {
	CreateThread(ctx context.Context, thread *model.Thread) error
	GetThread(ctx context.Context, id string) (*model.Thread, error)
}

// PersistentStore 持久化存储组合接口
type PersistentStore interface {
	RunRegistry
	UserStore
	ThreadStore
	Close() error
}
