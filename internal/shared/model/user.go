// Package model 定义核心数据模型
//
// user.go 包含用户与对话线程的数据模型定义。
// 认证授权属于外部协作方，这里只保留运行编排需要的归属信息。
package model

import "time"

// User 运行归属用户
type User struct {
	ID        string    `json:"id" db:"id"`
	Username  string    `json:"username" db:"username"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// ThreadStatus 对话线程状态
type ThreadStatus string

const (
	ThreadStatusActive  ThreadStatus = "active"
	ThreadStatusDeleted ThreadStatus = "deleted"
)

// Thread 对话线程（Run 的分组单位）
//
// 创建 Run 时校验：线程必须存在、属于发起用户、且未被删除。
type Thread struct {
	ID        string       `json:"thread_id" db:"id"`
	UserID    string       `json:"user_id" db:"user_id"`
	Status    ThreadStatus `json:"status" db:"status"`
	CreatedAt time.Time    `json:"created_at" db:"created_at"`
}
