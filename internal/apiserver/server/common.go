// Package server 路由配置与核心基础设施
//
// 本包组装 API Server 的 HTTP 入口：
//   - common.go: Handler 定义与通用工具函数
//   - handler.go: 路由配置
//   - metrics.go: Prometheus 指标
package server

import (
	"context"
	"encoding/json"
	"net/http"

	"agent-runs/internal/agents"
	"agent-runs/internal/config"
	"agent-runs/internal/shared/infra"
	"agent-runs/internal/shared/storage"
)

// Handler API 处理器
//
// Handler 是所有 HTTP API 的入口，负责：
//   - 路由请求到各领域独立包
//   - 管理存储层与 Redis 基础设施
//   - 导出 Prometheus 指标
type Handler struct {
	store   storage.PersistentStore // 持久化存储（Run/Thread/User）
	infra   *infra.Infrastructure   // Redis 基础设施（事件日志/取消信号/任务队列）
	agents  *agents.Registry        // 已注册的 Agent
	cfg     *config.Config
	metrics *Metrics
}

// NewHandler 创建 Handler 实例
func NewHandler(store storage.PersistentStore, inf *infra.Infrastructure, registry *agents.Registry, cfg *config.Config) *Handler {
	return &Handler{
		store:   store,
		infra:   inf,
		agents:  registry,
		cfg:     cfg,
		metrics: NewMetrics("api"),
	}
}

// GetMetrics 返回指标实例
func (h *Handler) GetMetrics() *Metrics {
	return h.metrics
}

// writeJSON 将数据以 JSON 格式写入 HTTP 响应
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// Health 健康检查接口
//
// 路由: GET /health
//
// 用于负载均衡器和监控系统检查服务状态。
// 附带任务队列积压量，便于快速定位 Worker 消费停滞。
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{"status": "ok"}
	if h.infra != nil && h.infra.Queue != nil {
		ctx, cancel := context.WithTimeout(r.Context(), healthProbeTimeout)
		defer cancel()
		if length, err := h.infra.Queue.GetQueueLength(ctx); err == nil {
			resp["queue_length"] = length
		} else {
			resp["queue_length_error"] = err.Error()
		}
	}
	writeJSON(w, http.StatusOK, resp)
}
