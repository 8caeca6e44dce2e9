// Package model 定义核心数据模型
//
// run.go 包含运行相关的数据模型定义：
//   - Run：一次智能体任务的执行实例
//   - RunStatus：运行状态枚举
package model

import (
	"encoding/json"
	"time"
)

// ============================================================================
// RunStatus - 运行状态
// ============================================================================

// RunStatus 表示一次运行（Run）的状态
//
// 生命周期：
//
//	pending → running → {completed, failed, cancelled, interrupted}
//	{pending, running} → cancel_requested → {cancelled, interrupted, completed, failed}
//
// 说明：
//   - cancel_requested 不是终止状态：取消请求只做标记，由 Worker 观察后收尾
//   - 终止状态是吸收态：一旦进入，任何变更操作都必须原样返回（no-op）
type RunStatus string

const (
	// RunStatusPending 等待执行：Run 已创建、Job 已入队，Worker 尚未领取
	RunStatusPending RunStatus = "pending"

	// RunStatusRunning 执行中：Worker 已领取并开始驱动执行流
	RunStatusRunning RunStatus = "running"

	// RunStatusCancelRequested 已请求取消：等待 Worker 观察取消信号并收尾
	RunStatusCancelRequested RunStatus = "cancel_requested"

	// RunStatusCompleted 已完成：执行流正常结束
	RunStatusCompleted RunStatus = "completed"

	// RunStatusFailed 已失败：执行过程出错（含重试耗尽）
	RunStatusFailed RunStatus = "failed"

	// RunStatusCancelled 已取消：取消请求被 Worker 观察并生效
	RunStatusCancelled RunStatus = "cancelled"

	// RunStatusInterrupted 已中断：执行流自身上报中断（非用户取消）
	RunStatusInterrupted RunStatus = "interrupted"
)

// IsTerminal 判断状态是否为终止状态
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunStatusCompleted, RunStatusFailed, RunStatusCancelled, RunStatusInterrupted:
		return true
	case RunStatusPending, RunStatusRunning, RunStatusCancelRequested:
		return false
	default:
		return false
	}
}

// ============================================================================
// Run - 执行实例
// ============================================================================

// Run 表示一次智能体任务的执行
//
// 字段说明：
//   - ID：运行唯一标识
//   - ThreadID：所属对话线程
//   - AgentID：执行的智能体
//   - UserID：发起用户
//   - RequestID：客户端幂等令牌（全局唯一）
//   - InputPayload：任务入参快照（创建后不可变）
//   - ErrorType / ErrorMessage：仅在失败/取消/中断时填充
type Run struct {
	ID           string          `json:"run_id" db:"id"`
	ThreadID     string          `json:"thread_id" db:"thread_id"`
	AgentID      string          `json:"agent_id" db:"agent_id"`
	UserID       string          `json:"user_id" db:"user_id"`
	RequestID    string          `json:"request_id" db:"request_id"`
	Status       RunStatus       `json:"status" db:"status"`
	InputPayload json.RawMessage `json:"input_payload,omitempty" db:"input_payload"`
	ErrorType    *string         `json:"error_type,omitempty" db:"error_type"`
	ErrorMessage *string         `json:"error_message,omitempty" db:"error_message"`
	StartedAt    *time.Time      `json:"started_at,omitempty" db:"started_at"`
	FinishedAt   *time.Time      `json:"finished_at,omitempty" db:"finished_at"`
	CreatedAt    time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at" db:"updated_at"`
}

// IsTerminal 判断 Run 是否处于终止状态
func (r *Run) IsTerminal() bool {
	return r.Status.IsTerminal()
}

// RunInput Run 的任务入参（InputPayload 的结构化形式）
type RunInput struct {
	Query        string         `json:"query"`
	Config       map[string]any `json:"config,omitempty"`
	ImageContent string         `json:"image_content,omitempty"`
	AgentID      string         `json:"agent_id"`
	ThreadID     string         `json:"thread_id"`
	UserID       string         `json:"user_id"`
	RequestID    string         `json:"request_id"`
	CreatedAt    string         `json:"created_at,omitempty"`
}

// DecodeInput 解析 InputPayload
func (r *Run) DecodeInput() (*RunInput, error) {
	in := &RunInput{}
	if len(r.InputPayload) == 0 {
		return in, nil
	}
	if err := json.Unmarshal(r.InputPayload, in); err != nil {
		return nil, err
	}
	return in, nil
}
