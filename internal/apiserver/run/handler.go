// Package run Run 领域 - HTTP 处理
//
// 提供 Run 的创建（幂等）、查询、取消和 SSE 事件流接口。
// 调用方身份通过 X-User-ID 头传入（认证由外层网关负责）。
package run

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"

	"agent-runs/internal/agents"
	"agent-runs/internal/config"
	"agent-runs/internal/shared/eventlog"
	"agent-runs/internal/shared/model"
	"agent-runs/internal/shared/storage"
)

// RunStore 定义 run handler 需要的存储接口（用于测试 mock）
type RunStore interface {
	CreateRun(ctx context.Context, run *model.Run) error
	GetRunByRequestID(ctx context.Context, requestID string) (*model.Run, error)
	GetRunForUser(ctx context.Context, id, userID string) (*model.Run, error)
	GetActiveRunByThread(ctx context.Context, threadID, userID string) (*model.Run, error)
	RequestCancel(ctx context.Context, id string) (*model.Run, error)
	GetThread(ctx context.Context, id string) (*model.Thread, error)
}

// RunDispatcher 定义 run handler 需要的任务队列接口
type RunDispatcher interface {
	Submit(ctx context.Context, runID string, maxTries int) (string, bool, error)
}

// CancelRequester 定义取消信号接口
type CancelRequester interface {
	Request(ctx context.Context, runID string) error
}

// AgentDirectory 定义 Agent 查找接口
type AgentDirectory interface {
	Get(agentID string) (agents.Agent, error)
}

// Handler Run 领域 HTTP 处理器
type Handler struct {
	store      RunStore
	dispatcher RunDispatcher
	cancels    CancelRequester
	agents     AgentDirectory
	events     eventlog.Log
	streamCfg  config.StreamConfig
	maxTries   int
}

// NewHandler 创建 Run 处理器
func NewHandler(store storage.PersistentStore, dispatcher RunDispatcher, cancels CancelRequester,
	directory AgentDirectory, events eventlog.Log, streamCfg config.StreamConfig, maxTries int) *Handler {
	return &Handler{
		store:      store,
		dispatcher: dispatcher,
		cancels:    cancels,
		agents:     directory,
		events:     events,
		streamCfg:  streamCfg,
		maxTries:   maxTries,
	}
}

// NewHandlerWithInterfaces 使用接口创建处理器（用于测试）
func NewHandlerWithInterfaces(store RunStore, dispatcher RunDispatcher, cancels CancelRequester,
	directory AgentDirectory, events eventlog.Log, streamCfg config.StreamConfig, maxTries int) *Handler {
	return &Handler{
		store:      store,
		dispatcher: dispatcher,
		cancels:    cancels,
		agents:     directory,
		events:     events,
		streamCfg:  streamCfg,
		maxTries:   maxTries,
	}
}

// RegisterRoutes 注册 Run 相关路由
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/chat/runs", h.Create)
	mux.HandleFunc("GET /api/chat/runs/{id}", h.Get)
	mux.HandleFunc("POST /api/chat/runs/{id}/cancel", h.Cancel)
	mux.HandleFunc("GET /api/chat/runs/{id}/events", h.StreamEvents)
	mux.HandleFunc("GET /api/chat/threads/{id}/active-run", h.ActiveRun)
}

// CreateRequest 创建 Run 的请求体
// Config 保留原始 JSON，已知字段解析后整体写入 input_payload
type CreateRequest struct {
	AgentID      string          `json:"agent_id"`
	Query        string          `json:"query"`
	Config       json.RawMessage `json:"config"`
	ImageContent string          `json:"image_content,omitempty"`
}

// runConfig Config 中 handler 关心的字段
type runConfig struct {
	ThreadID  string `json:"thread_id"`
	RequestID string `json:"request_id"`
}

// Create 创建一次 Run 并分发执行任务
// POST /api/chat/runs
//
// 幂等语义：request_id 为幂等令牌。同一用户重复提交返回已存在的
// Run（不再分发任务），不同用户撞号返回 409。
//
// 顺序约束：先提交数据库行，再分发任务，保证 Worker 读到的 Run
// 一定已落库。
func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, ok := callerID(w, r)
	if !ok {
		return
	}

	var req CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.Query == "" {
		writeError(w, http.StatusUnprocessableEntity, "query is required")
		return
	}
	if _, err := h.agents.Get(req.AgentID); err != nil {
		writeError(w, http.StatusNotFound, "agent not found: "+req.AgentID)
		return
	}

	var cfg runConfig
	if len(req.Config) > 0 {
		if err := json.Unmarshal(req.Config, &cfg); err != nil {
			writeError(w, http.StatusBadRequest, "invalid config")
			return
		}
	}
	if cfg.ThreadID == "" {
		writeError(w, http.StatusUnprocessableEntity, "config.thread_id is required")
		return
	}

	thread, err := h.store.GetThread(ctx, cfg.ThreadID)
	if err != nil {
		log.Printf("[run.create.thread.failed] thread_id=%s error=%v", cfg.ThreadID, err)
		writeError(w, http.StatusInternalServerError, "failed to load thread")
		return
	}
	if thread == nil || thread.UserID != userID || thread.Status == model.ThreadStatusDeleted {
		writeError(w, http.StatusNotFound, "thread not found")
		return
	}

	requestID := cfg.RequestID
	if requestID == "" {
		requestID = uuid.NewString()
	}

	// 幂等检查：request_id 已存在
	existing, err := h.store.GetRunByRequestID(ctx, requestID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to check request_id")
		return
	}
	if existing != nil {
		if existing.UserID == userID {
			writeJSON(w, http.StatusOK, buildRunResponse(existing))
			return
		}
		writeError(w, http.StatusConflict, "request_id conflict")
		return
	}

	runID := uuid.NewString()
	now := time.Now().UTC()
	payload, _ := json.Marshal(map[string]interface{}{
		"query":         req.Query,
		"config":        rawOrEmpty(req.Config),
		"image_content": req.ImageContent,
		"agent_id":      req.AgentID,
		"thread_id":     cfg.ThreadID,
		"user_id":       userID,
		"request_id":    requestID,
		"created_at":    now.Format(time.RFC3339Nano),
	})

	run := &model.Run{
		ID:           runID,
		ThreadID:     cfg.ThreadID,
		AgentID:      req.AgentID,
		UserID:       userID,
		RequestID:    requestID,
		Status:       model.RunStatusPending,
		InputPayload: payload,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	// Step 1: 写库（必须成功）
	if err := h.store.CreateRun(ctx, run); err != nil {
		// 并发撞号：回读后按幂等语义处理
		if errors.Is(err, storage.ErrDuplicate) {
			existing, rerr := h.store.GetRunByRequestID(ctx, requestID)
			if rerr == nil && existing != nil && existing.UserID == userID {
				writeJSON(w, http.StatusOK, buildRunResponse(existing))
				return
			}
			writeError(w, http.StatusConflict, "request_id conflict")
			return
		}
		log.Printf("[run.create.db.failed] run_id=%s error=%v", runID, err)
		writeError(w, http.StatusInternalServerError, "failed to create run")
		return
	}

	// Step 2: 分发任务（去重键保证至多一个任务）
	msgID, submitted, err := h.dispatcher.Submit(ctx, runID, h.maxTries)
	if err != nil {
		log.Printf("[run.create.dispatch.failed] run_id=%s error=%v", runID, err)
		writeError(w, http.StatusInternalServerError, "failed to dispatch run")
		return
	}
	log.Printf("[run.create.complete] run_id=%s request_id=%s submitted=%t msg_id=%s",
		runID, requestID, submitted, msgID)

	writeJSON(w, http.StatusCreated, buildRunResponse(run))
}

// Get 获取单个 Run 详情
// GET /api/chat/runs/{id}
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	userID, ok := callerID(w, r)
	if !ok {
		return
	}
	run, err := h.store.GetRunForUser(r.Context(), r.PathValue("id"), userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get run")
		return
	}
	if run == nil {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"run": run})
}

// Cancel 请求取消 Run
// POST /api/chat/runs/{id}/cancel
//
// 数据库状态转移 + 置位取消标志；Worker 观察信号后收尾。
// 终止态 Run 取消为 no-op，原样返回当前状态。
func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, ok := callerID(w, r)
	if !ok {
		return
	}
	id := r.PathValue("id")

	run, err := h.store.GetRunForUser(ctx, id, userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get run")
		return
	}
	if run == nil {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}

	run, err = h.store.RequestCancel(ctx, id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to request cancel")
		return
	}
	if err := h.cancels.Request(ctx, id); err != nil {
		// 标志写入失败不阻塞响应：数据库状态已转移，Worker 的
		// interrupted 分支仍会按 cancelled 收尾
		log.Printf("[run.cancel.signal.failed] run_id=%s error=%v", id, err)
	}
	log.Printf("[run.cancel] run_id=%s user_id=%s status=%s", id, userID, run.Status)
	writeJSON(w, http.StatusOK, map[string]interface{}{"run": run})
}

// ActiveRun 查询线程当前活跃（非终止）的 Run
// GET /api/chat/threads/{id}/active-run
func (h *Handler) ActiveRun(w http.ResponseWriter, r *http.Request) {
	userID, ok := callerID(w, r)
	if !ok {
		return
	}
	run, err := h.store.GetActiveRunByThread(r.Context(), r.PathValue("id"), userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get active run")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"run": run})
}

// ============================================================================
// 工具函数
// ============================================================================

// buildRunResponse 创建/幂等命中共用的响应体
func buildRunResponse(run *model.Run) map[string]interface{} {
	return map[string]interface{}{
		"run_id":     run.ID,
		"thread_id":  run.ThreadID,
		"status":     run.Status,
		"request_id": run.RequestID,
		"stream_url": "/api/chat/runs/" + run.ID + "/events?after_seq=0",
	}
}

// callerID 提取调用方身份，缺失时写 401
func callerID(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID := r.Header.Get("X-User-ID")
	if userID == "" {
		writeError(w, http.StatusUnauthorized, "missing X-User-ID header")
		return "", false
	}
	return userID, true
}

func rawOrEmpty(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage("{}")
	}
	return raw
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
