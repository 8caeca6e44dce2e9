// Package worker 分片事件缓冲
package worker

import (
	"context"
	"encoding/json"
	"time"

	"agent-runs/internal/shared/eventlog"
	"agent-runs/internal/shared/model"
)

// ChunkedEventWriter loading 分片的批量缓冲器
//
// 高频 loading 分片不逐条落事件，而是累积到缓冲区，满足任一条件时
// 整批写为一个 "loading" 事件：
//   - 距上次刷新 ≥ interval
//   - 缓冲的 response 字符数 ≥ maxChars
//
// 非 loading 事件落盘前必须先 Flush，保证事件顺序与产出顺序一致。
type ChunkedEventWriter struct {
	events      eventlog.Log
	runID       string
	interval    time.Duration
	maxChars    int
	buffer      []json.RawMessage
	bufferChars int
	lastFlush   time.Time
}

// NewChunkedEventWriter 创建缓冲器
func NewChunkedEventWriter(events eventlog.Log, runID string, interval time.Duration, maxChars int) *ChunkedEventWriter {
	return &ChunkedEventWriter{
		events:    events,
		runID:     runID,
		interval:  interval,
		maxChars:  maxChars,
		lastFlush: time.Now(),
	}
}

// Append 缓冲一个 loading 分片，按需触发刷新
func (w *ChunkedEventWriter) Append(ctx context.Context, chunk *model.StreamChunk) error {
	raw := chunk.Raw
	if raw == nil {
		data, err := json.Marshal(chunk)
		if err != nil {
			return err
		}
		raw = data
	}
	w.buffer = append(w.buffer, raw)
	w.bufferChars += len(chunk.Response)

	if time.Since(w.lastFlush) >= w.interval || w.bufferChars >= w.maxChars {
		return w.Flush(ctx)
	}
	return nil
}

// Flush 将缓冲区整批写为一个 loading 事件，空缓冲时 no-op
func (w *ChunkedEventWriter) Flush(ctx context.Context) error {
	if len(w.buffer) == 0 {
		return nil
	}

	payload, err := json.Marshal(map[string]interface{}{"items": w.buffer})
	if err != nil {
		return err
	}
	if _, err := w.events.Append(ctx, w.runID, "loading", payload); err != nil {
		return err
	}

	w.buffer = nil
	w.bufferChars = 0
	w.lastFlush = time.Now()
	return nil
}

// Buffered 当前缓冲的分片数（仅用于测试）
func (w *ChunkedEventWriter) Buffered() int {
	return len(w.buffer)
}
