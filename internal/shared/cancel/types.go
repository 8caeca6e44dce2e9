// Package cancel 取消信号类型定义
package cancel

// ============================================================================
// Key 前缀和常量
// ============================================================================

const (
	// 取消标志 key 前缀，完整 key 为 run:cancel:<run_id>
	KeyRunCancel = "run:cancel:"

	// 取消通知共享频道，消息载荷为被取消的 run_id
	ChannelRunCancel = "run:cancel:ch"

	// 取消标志置位时写入的值
	FlagValue = "1"
)
