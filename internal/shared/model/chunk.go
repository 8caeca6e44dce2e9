// Package model 定义核心数据模型
//
// chunk.go 包含执行流数据块的模型定义：
//   - ChunkStatus：数据块状态判别符
//   - StreamChunk：执行流产出的单个结构化数据块
package model

import (
	"encoding/json"
	"log"
	"strings"
)

// ============================================================================
// ChunkStatus - 数据块状态
// ============================================================================

// ChunkStatus 执行流数据块的状态判别符
//
// 执行流（外部协作方）按行输出 JSON 数据块，status 字段驱动 Worker 的分支：
//   - loading：进度块，缓冲后批量落事件
//   - finished：正常结束，Run → completed
//   - error：执行出错，Run → failed
//   - interrupted：执行流自行中断，Run → interrupted（若已请求取消则 → cancelled）
//   - 其他值按普通事件透传
type ChunkStatus string

const (
	ChunkStatusLoading     ChunkStatus = "loading"
	ChunkStatusFinished    ChunkStatus = "finished"
	ChunkStatusError       ChunkStatus = "error"
	ChunkStatusInterrupted ChunkStatus = "interrupted"
)

// ============================================================================
// StreamChunk - 执行流数据块
// ============================================================================

// StreamChunk 执行流输出的一个结构化数据块
//
// Raw 保留完整原始 JSON，事件落盘时整块透传，避免丢失未知字段。
type StreamChunk struct {
	Status       ChunkStatus     `json:"status"`
	Response     string          `json:"response,omitempty"`
	Message      string          `json:"message,omitempty"`
	ErrorType    string          `json:"error_type,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
	RequestID    string          `json:"request_id,omitempty"`
	Raw          json.RawMessage `json:"-"`
}

// EventType 数据块对应的事件类型标签
func (c *StreamChunk) EventType() string {
	if c.Status == "" {
		return "event"
	}
	return string(c.Status)
}

// DecodeChunks 将执行流输出的一段字节解析为零或多个数据块
//
// 输入是 NDJSON：每行一个 JSON 对象。无法解析的行记日志后跳过，
// 不中断整体消费。
func DecodeChunks(data []byte) []StreamChunk {
	var chunks []StreamChunk
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		var chunk StreamChunk
		if err := json.Unmarshal([]byte(line), &chunk); err != nil {
			preview := line
			if len(preview) > 200 {
				preview = preview[:200]
			}
			log.Printf("[chunk.decode.failed] line=%q error=%v", preview, err)
			continue
		}
		chunk.Raw = json.RawMessage(line)
		chunks = append(chunks, chunk)
	}
	return chunks
}
