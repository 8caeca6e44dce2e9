package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agent-runs/internal/agents"
	"agent-runs/internal/config"
	"agent-runs/internal/shared/infra"
)

func newTestRouter(t *testing.T) http.Handler {
	t.Helper()
	registry := agents.NewRegistry()
	registry.Register("chat-agent", agents.NewScriptedAgent())
	cfg := &config.Config{
		Run:    config.RunConfig{MaxTries: 2},
		Stream: config.StreamConfig{},
	}
	h := NewHandler(nil, infra.NewMemoryInfrastructure(), registry, cfg)
	return h.Router()
}

func TestRouter(t *testing.T) {
	router := newTestRouter(t)

	// 健康检查携带队列积压量
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, float64(0), body["queue_length"])

	// 指标端点
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	// CORS 预检
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodOptions, "/api/chat/runs", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))

	// Run 路由已注册：缺身份头返回 401 而非 404
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/chat/runs", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestNormalizePath(t *testing.T) {
	cases := map[string]string{
		"/health":                          "/health",
		"/api/chat/runs":                   "/api/chat/runs",
		"/api/chat/runs/r-123":             "/api/chat/runs/{id}",
		"/api/chat/runs/r-123/cancel":      "/api/chat/runs/{id}/cancel",
		"/api/chat/runs/r-123/events":      "/api/chat/runs/{id}/events",
		"/api/chat/threads/t-9/active-run": "/api/chat/threads/{id}/active-run",
	}
	for in, want := range cases {
		assert.Equal(t, want, normalizePath(in), "path %s", in)
	}
}
