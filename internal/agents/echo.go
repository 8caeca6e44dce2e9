package agents

import (
	"context"
	"encoding/json"
	"io"
	"time"

	"agent-runs/internal/shared/model"
)

// EchoAgent 本地开发用 Agent
//
// 将 query 按片回显为 loading 块，最后输出 finished 块。
// 不依赖任何上游服务，用于端到端联调事件流。
type EchoAgent struct {
	// ChunkDelay 每个分片之间的间隔，模拟真实执行流的产出节奏
	ChunkDelay time.Duration
}

// NewEchoAgent 创建回显 Agent
func NewEchoAgent() *EchoAgent {
	return &EchoAgent{ChunkDelay: 200 * time.Millisecond}
}

// Stream 按片回显 query
func (a *EchoAgent) Stream(ctx context.Context, run *model.Run) (ChunkStream, error) {
	in, err := run.DecodeInput()
	if err != nil {
		return nil, err
	}

	var lines [][]byte
	for _, part := range splitRunes(in.Query, 16) {
		line, _ := json.Marshal(&model.StreamChunk{
			Status:    model.ChunkStatusLoading,
			Response:  part,
			RequestID: in.RequestID,
		})
		lines = append(lines, line)
	}
	final, _ := json.Marshal(&model.StreamChunk{
		Status:    model.ChunkStatusFinished,
		Message:   "echo done",
		RequestID: in.RequestID,
	})
	lines = append(lines, final)

	return &echoStream{lines: lines, delay: a.ChunkDelay}, nil
}

type echoStream struct {
	lines [][]byte
	pos   int
	delay time.Duration
}

func (s *echoStream) Next(ctx context.Context) ([]byte, error) {
	if s.pos >= len(s.lines) {
		return nil, io.EOF
	}
	if s.delay > 0 && s.pos > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(s.delay):
		}
	}
	line := s.lines[s.pos]
	s.pos++
	return append(line, '\n'), nil
}

func (s *echoStream) Close() error {
	s.pos = len(s.lines)
	return nil
}

// splitRunes 按 rune 数切分字符串，避免把多字节字符切坏
func splitRunes(s string, size int) []string {
	if s == "" {
		return nil
	}
	runes := []rune(s)
	var parts []string
	for start := 0; start < len(runes); start += size {
		end := start + size
		if end > len(runes) {
			end = len(runes)
		}
		parts = append(parts, string(runes[start:end]))
	}
	return parts
}

var _ Agent = (*EchoAgent)(nil)
