package server

import (
	"net/http"
	"time"

	"agent-runs/internal/apiserver/run"
)

const healthProbeTimeout = 2 * time.Second

// Router 返回配置好的 HTTP 路由
//
// 路由规则：
//
// 健康检查:
//   - GET /health - 服务健康检查
//
// 执行管理 (Run):
//   - POST /api/chat/runs                      - 创建执行（幂等）
//   - GET  /api/chat/runs/{id}                 - 获取执行详情
//   - POST /api/chat/runs/{id}/cancel          - 请求取消
//   - GET  /api/chat/runs/{id}/events          - SSE 事件流
//   - GET  /api/chat/threads/{id}/active-run   - 线程活跃执行
//
// SSE 路由绕过指标中间件：长连接会让请求时长直方图失真，且
// 包装后的 ResponseWriter 不透传 http.Flusher。
func (h *Handler) Router() http.Handler {
	mux := http.NewServeMux()

	// 健康检查（/health 为兼容别名）
	mux.HandleFunc("GET /healthz", h.Health)
	mux.HandleFunc("GET /health", h.Health)

	// Prometheus 指标端点
	mux.Handle("GET /metrics", MetricsHandler())

	// Run 接口
	runHandler := run.NewHandler(
		h.store,
		h.infra.Queue,
		h.infra.Cancel,
		h.agents,
		h.infra.EventLog,
		h.cfg.Stream,
		h.cfg.Run.MaxTries,
	)
	runHandler.RegisterRoutes(mux)

	// 应用指标中间件到 REST API
	apiHandler := h.metrics.MetricsMiddleware(mux)

	// 应用 CORS 中间件
	corsHandler := corsMiddleware(apiHandler)

	// 顶层路由：SSE 直连领域 handler，其余走中间件链
	topMux := http.NewServeMux()
	topMux.HandleFunc("GET /api/chat/runs/{id}/events", h.metrics.TrackSSE(runHandler.StreamEvents))
	topMux.Handle("/", corsHandler)

	return topMux
}

// corsMiddleware 添加 CORS 头支持跨域请求
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-User-ID")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
