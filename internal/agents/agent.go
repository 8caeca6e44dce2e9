// Package agents Agent 执行器抽象
//
// Agent 负责实际执行一次 Run 并以字节分片流的形式产出结果，
// 每个分片是一段 NDJSON（每行一个 JSON 数据块），由 Worker 用
// model.DecodeChunks 解析后消费。实现方可以对接任意上游执行引擎，
// 本包只约定流式消费协议。
package agents

import (
	"context"
	"errors"
	"sync"

	"agent-runs/internal/shared/model"
)

// ErrUnknownAgent 指定的 agent 未注册
var ErrUnknownAgent = errors.New("unknown agent")

// Agent Run 执行器接口
type Agent interface {
	// Stream 启动执行并返回分片流
	// ctx 取消时流应尽快终止并在 Next 返回 ctx.Err()
	Stream(ctx context.Context, run *model.Run) (ChunkStream, error)
}

// ChunkStream 分片字节流迭代器
// Next 在流正常结束时返回 io.EOF
type ChunkStream interface {
	Next(ctx context.Context) ([]byte, error)

	// Close 释放流资源，可安全多次调用
	Close() error
}

// ============================================================================
// Registry - Agent 注册表
// ============================================================================

// Registry Agent 注册表
type Registry struct {
	mu     sync.RWMutex
	agents map[string]Agent
}

// NewRegistry 创建空注册表
func NewRegistry() *Registry {
	return &Registry{agents: make(map[string]Agent)}
}

// Register 注册 Agent，同名覆盖
func (r *Registry) Register(agentID string, agent Agent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agents[agentID] = agent
}

// Get 按 ID 查找 Agent
func (r *Registry) Get(agentID string) (Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	agent, ok := r.agents[agentID]
	if !ok {
		return nil, ErrUnknownAgent
	}
	return agent, nil
}

// IDs 返回所有已注册的 Agent ID
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.agents))
	for id := range r.agents {
		ids = append(ids, id)
	}
	return ids
}
