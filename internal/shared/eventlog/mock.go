// Package eventlog 事件日志 mock 实现
package eventlog

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// ============================================================================
// MemoryLog - 内存事件日志（用于测试和本地开发）
// ============================================================================

// MemoryLog 基于内存的 Log 实现
// 序号生成规则与 Redis Streams 一致："<毫秒时间戳>-<序列号>"
type MemoryLog struct {
	mu      sync.Mutex
	streams map[string][]*Event
	lastMs  int64
	lastSeq int64
	failErr error // 非 nil 时所有读写操作返回该错误（模拟后端不可用）
}

// NewMemoryLog 创建内存事件日志实例
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{streams: make(map[string][]*Event)}
}

// SetError 注入错误，后续操作全部失败
func (m *MemoryLog) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failErr = err
}

// Append 追加事件
func (m *MemoryLog) Append(ctx context.Context, runID, eventType string, payload []byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failErr != nil {
		return "", m.failErr
	}

	ms := time.Now().UnixMilli()
	if ms <= m.lastMs {
		ms = m.lastMs
		m.lastSeq++
	} else {
		m.lastMs = ms
		m.lastSeq = 0
	}

	e := &Event{
		Seq:       fmt.Sprintf("%d-%d", ms, m.lastSeq),
		EventType: eventType,
		Payload:   append([]byte(nil), payload...),
		Ts:        time.UnixMilli(ms).UTC(),
	}
	m.streams[runID] = append(m.streams[runID], e)
	return e.Seq, nil
}

// ListSince 返回序号严格大于 sinceSeq 的事件
func (m *MemoryLog) ListSince(ctx context.Context, runID, sinceSeq string) ([]*Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failErr != nil {
		return nil, m.failErr
	}

	since := NormalizeSeq(sinceSeq)
	var events []*Event
	for _, e := range m.streams[runID] {
		if seqLess(since, e.Seq) {
			events = append(events, e)
		}
	}
	return events, nil
}

// LastSeq 返回最后一个事件的序号
func (m *MemoryLog) LastSeq(ctx context.Context, runID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failErr != nil {
		return "", m.failErr
	}

	stream := m.streams[runID]
	if len(stream) == 0 {
		return SeqBeginning, nil
	}
	return stream[len(stream)-1].Seq, nil
}

// Delete 删除整条日志
func (m *MemoryLog) Delete(ctx context.Context, runID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failErr != nil {
		return m.failErr
	}
	delete(m.streams, runID)
	return nil
}

// seqLess 按 Redis 流序号规则比较 a < b
func seqLess(a, b string) bool {
	var aMs, aSeq, bMs, bSeq int64
	fmt.Sscanf(a, "%d-%d", &aMs, &aSeq)
	fmt.Sscanf(b, "%d-%d", &bMs, &bSeq)
	if aMs != bMs {
		return aMs < bMs
	}
	return aSeq < bSeq
}

// 确保 MemoryLog 实现了 Log 接口
var _ Log = (*MemoryLog)(nil)
