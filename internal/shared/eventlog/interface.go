// Package eventlog Run 事件日志抽象接口
//
// 每个 Run 对应一条有序、短暂（TTL 过期）的事件日志，
// Worker 追加事件，SSE 网关按游标增量读取。当前由 Redis Streams 实现。
package eventlog

import "context"

// Log 事件日志接口
type Log interface {
	// Append 追加一个事件，返回服务端分配的序号
	// 序号在单个 Run 内严格递增
	Append(ctx context.Context, runID, eventType string, payload []byte) (string, error)

	// ListSince 返回严格大于 sinceSeq 的所有事件（按序号升序）
	// sinceSeq 为 SeqBeginning 时返回全部事件
	ListSince(ctx context.Context, runID, sinceSeq string) ([]*Event, error)

	// LastSeq 返回日志中最后一个事件的序号；日志为空时返回 SeqBeginning
	LastSeq(ctx context.Context, runID string) (string, error)

	// Delete 删除 Run 的整条事件日志
	Delete(ctx context.Context, runID string) error
}
