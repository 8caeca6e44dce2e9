// Package agents Agent mock 实现
package agents

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"time"

	"agent-runs/internal/shared/model"
)

// ============================================================================
// ScriptedAgent - 按脚本产出分片的 Agent（用于测试）
// ============================================================================

// ScriptedStep 脚本步骤：产出一段 NDJSON 分片或一个错误
type ScriptedStep struct {
	Chunks []*model.StreamChunk // 编码为一段 NDJSON（每块一行）
	Raw    []byte               // 直接返回的原始字节，优先于 Chunks
	Err    error
	Delay  time.Duration // 产出前的延迟，用于模拟慢流
}

// ScriptedAgent 按预设脚本产出分片的 Agent
type ScriptedAgent struct {
	Steps []ScriptedStep
}

// NewScriptedAgent 创建脚本化 Agent
func NewScriptedAgent(steps ...ScriptedStep) *ScriptedAgent {
	return &ScriptedAgent{Steps: steps}
}

// Stream 返回按脚本推进的分片流
func (a *ScriptedAgent) Stream(ctx context.Context, run *model.Run) (ChunkStream, error) {
	return &scriptedStream{steps: a.Steps}, nil
}

type scriptedStream struct {
	steps []ScriptedStep
	pos   int
}

func (s *scriptedStream) Next(ctx context.Context) ([]byte, error) {
	if s.pos >= len(s.steps) {
		return nil, io.EOF
	}
	step := s.steps[s.pos]
	s.pos++

	if step.Delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(step.Delay):
		}
	}
	if step.Err != nil {
		return nil, step.Err
	}
	if step.Raw != nil {
		return step.Raw, nil
	}

	var buf bytes.Buffer
	for _, chunk := range step.Chunks {
		line, err := json.Marshal(chunk)
		if err != nil {
			return nil, err
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}
	return buf.Bytes(), nil
}

func (s *scriptedStream) Close() error {
	s.pos = len(s.steps)
	return nil
}

// 确保 ScriptedAgent 实现了接口
var _ Agent = (*ScriptedAgent)(nil)

// ============================================================================
// 测试辅助：常用分片构造
// ============================================================================

// TextChunk 构造一个 loading 状态的文本分片
func TextChunk(text string) *model.StreamChunk {
	return &model.StreamChunk{Status: model.ChunkStatusLoading, Response: text}
}

// FinishedChunk 构造一个 finished 状态的终止分片
func FinishedChunk(message string) *model.StreamChunk {
	return &model.StreamChunk{Status: model.ChunkStatusFinished, Message: message}
}

// ErrorChunk 构造一个 error 状态的终止分片
func ErrorChunk(errorType, message string) *model.StreamChunk {
	return &model.StreamChunk{Status: model.ChunkStatusError, ErrorType: errorType, ErrorMessage: message}
}

// InterruptedChunk 构造一个 interrupted 状态的终止分片
func InterruptedChunk(message string) *model.StreamChunk {
	return &model.StreamChunk{Status: model.ChunkStatusInterrupted, Message: message}
}

// Step 将若干分片打包成一个脚本步骤
func Step(chunks ...*model.StreamChunk) ScriptedStep {
	return ScriptedStep{Chunks: chunks}
}
