// Package eventlog 事件日志类型定义
package eventlog

import (
	"errors"
	"regexp"
	"time"
)

// Event 事件日志条目
type Event struct {
	Seq       string // 服务端分配的序号，格式 "<毫秒时间戳>-<序列号>"
	EventType string // 事件类型（如 "event"、"close"、"error"）
	Payload   []byte // JSON 载荷
	Ts        time.Time
}

// SeqBeginning 日志起点哨兵序号，ListSince 从此序号读取返回全部事件
const SeqBeginning = "0-0"

// ErrUnavailable 事件日志后端不可用
var ErrUnavailable = errors.New("event log unavailable")

// ============================================================================
// Key 前缀和常量
// ============================================================================

const (
	// 事件日志 key 前缀，完整 key 为 run:events:<run_id>
	KeyRunEvents = "run:events:"
)

// seqPattern 合法序号格式
var seqPattern = regexp.MustCompile(`^\d+-\d+$`)

// NormalizeSeq 校验客户端提供的游标
// 非法格式回退到 SeqBeginning，避免畸形游标传入后端
func NormalizeSeq(seq string) string {
	if seq == "" || !seqPattern.MatchString(seq) {
		return SeqBeginning
	}
	return seq
}
