// Package worker Worker 语义测试
//
// 存储使用 SQLite 内存数据库（真实状态机语义），事件日志/取消信号/
// 任务队列使用内存实现，Agent 使用脚本化实现。
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"agent-runs/internal/agents"
	"agent-runs/internal/config"
	"agent-runs/internal/shared/cancel"
	"agent-runs/internal/shared/eventlog"
	"agent-runs/internal/shared/model"
	"agent-runs/internal/shared/queue"
	sqlitedriver "agent-runs/internal/shared/storage/driver/sqlite"
	"agent-runs/internal/shared/storage/repository"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type workerFixture struct {
	worker *Worker
	store  *repository.Store
	events *eventlog.MemoryLog
	signal *cancel.MemorySignal
	queue  *queue.MemoryQueue
}

func newFixture(t *testing.T, agent agents.Agent) *workerFixture {
	t.Helper()
	db, err := sqlitedriver.Open(":memory:")
	require.NoError(t, err)
	dialect := sqlitedriver.NewDialect()
	require.NoError(t, dialect.AutoMigrate(db))
	store := repository.NewStore(db, dialect)
	t.Cleanup(func() { store.Close() })

	registry := agents.NewRegistry()
	if agent != nil {
		registry.Register("chat", agent)
	}

	f := &workerFixture{
		store:  store,
		events: eventlog.NewMemoryLog(),
		signal: cancel.NewMemorySignal(),
		queue:  queue.NewMemoryQueue(),
	}
	f.worker = New(store, f.events, f.signal, f.queue, registry, config.RunConfig{
		FlushInterval:      50 * time.Millisecond,
		FlushMaxChars:      64,
		CancelPollInterval: 10 * time.Millisecond,
		MaxTries:           2,
		ConsumeBlock:       10 * time.Millisecond,
		Concurrency:        1,
		ReclaimMinIdle:     time.Minute,
	}, "worker-test")
	return f
}

func (f *workerFixture) seedRun(t *testing.T, runID string) *model.Run {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()

	_ = f.store.CreateUser(ctx, &model.User{ID: "u-1", Username: "alice", CreatedAt: now})
	_ = f.store.CreateThread(ctx, &model.Thread{ID: "t-1", UserID: "u-1", Status: model.ThreadStatusActive, CreatedAt: now})

	run := &model.Run{
		ID: runID, ThreadID: "t-1", AgentID: "chat", UserID: "u-1",
		RequestID: "req-" + runID, Status: model.RunStatusPending,
		InputPayload: json.RawMessage(`{"query":"hi"}`),
		CreatedAt:    now, UpdatedAt: now,
	}
	require.NoError(t, f.store.CreateRun(ctx, run))
	return run
}

func (f *workerFixture) job(runID string, attempt, maxTries int) *queue.RunJob {
	return &queue.RunJob{ID: "m-1", RunID: runID, Attempt: attempt, MaxTries: maxTries}
}

func (f *workerFixture) runStatus(t *testing.T, runID string) *model.Run {
	t.Helper()
	run, err := f.store.GetRun(context.Background(), runID)
	require.NoError(t, err)
	require.NotNil(t, run)
	return run
}

func (f *workerFixture) allEvents(t *testing.T, runID string) []*eventlog.Event {
	t.Helper()
	events, err := f.events.ListSince(context.Background(), runID, eventlog.SeqBeginning)
	require.NoError(t, err)
	return events
}

// ============================================================================
// 正常完成路径
// ============================================================================

func TestProcessFinishedChunk(t *testing.T) {
	agent := agents.NewScriptedAgent(
		agents.Step(agents.TextChunk("hel"), agents.TextChunk("lo")),
		agents.Step(agents.FinishedChunk("done")),
	)
	f := newFixture(t, agent)
	run := f.seedRun(t, "run-1")

	err := f.worker.Process(context.Background(), f.job(run.ID, 1, 2))
	require.NoError(t, err)

	got := f.runStatus(t, run.ID)
	assert.Equal(t, model.RunStatusCompleted, got.Status)
	require.NotNil(t, got.StartedAt)
	require.NotNil(t, got.FinishedAt)

	events := f.allEvents(t, run.ID)
	require.NotEmpty(t, events)
	// 最后一个事件是 finished，之前是缓冲的 loading 批
	last := events[len(events)-1]
	assert.Equal(t, "finished", last.EventType)
	assert.Equal(t, "loading", events[0].EventType)

	var payload struct {
		Items []json.RawMessage `json:"items"`
	}
	require.NoError(t, json.Unmarshal(events[0].Payload, &payload))
	assert.Len(t, payload.Items, 2)
}

func TestProcessSynthesizedFinish(t *testing.T) {
	// 流结束但没有终止分片：按完成收尾并补 finished 事件
	agent := agents.NewScriptedAgent(agents.Step(agents.TextChunk("only loading")))
	f := newFixture(t, agent)
	run := f.seedRun(t, "run-1")

	err := f.worker.Process(context.Background(), f.job(run.ID, 1, 2))
	require.NoError(t, err)

	assert.Equal(t, model.RunStatusCompleted, f.runStatus(t, run.ID).Status)

	events := f.allEvents(t, run.ID)
	last := events[len(events)-1]
	assert.Equal(t, "finished", last.EventType)
	var payload struct {
		Chunk map[string]interface{} `json:"chunk"`
	}
	require.NoError(t, json.Unmarshal(last.Payload, &payload))
	assert.Equal(t, "finished", payload.Chunk["status"])
	assert.Equal(t, run.RequestID, payload.Chunk["request_id"])
}

// ============================================================================
// 失败路径
// ============================================================================

func TestProcessErrorChunk(t *testing.T) {
	agent := agents.NewScriptedAgent(
		agents.Step(agents.ErrorChunk("upstream_error", "model exploded")),
	)
	f := newFixture(t, agent)
	run := f.seedRun(t, "run-1")

	err := f.worker.Process(context.Background(), f.job(run.ID, 1, 2))
	require.NoError(t, err)

	got := f.runStatus(t, run.ID)
	assert.Equal(t, model.RunStatusFailed, got.Status)
	require.NotNil(t, got.ErrorType)
	assert.Equal(t, "upstream_error", *got.ErrorType)
	assert.Equal(t, "model exploded", *got.ErrorMessage)
}

func TestProcessNonRetryableStreamError(t *testing.T) {
	agent := agents.NewScriptedAgent(
		agents.Step(agents.TextChunk("partial")),
		agents.ScriptedStep{Err: errors.New("bad input")},
	)
	f := newFixture(t, agent)
	run := f.seedRun(t, "run-1")

	err := f.worker.Process(context.Background(), f.job(run.ID, 1, 2))
	require.NoError(t, err) // 不可重试：内部收尾，不向上传播

	got := f.runStatus(t, run.ID)
	assert.Equal(t, model.RunStatusFailed, got.Status)
	assert.Equal(t, "worker_error", *got.ErrorType)

	events := f.allEvents(t, run.ID)
	last := events[len(events)-1]
	assert.Equal(t, "error", last.EventType)
	var payload struct {
		Chunk map[string]interface{} `json:"chunk"`
	}
	require.NoError(t, json.Unmarshal(last.Payload, &payload))
	assert.Equal(t, false, payload.Chunk["retryable"])
}

func TestProcessRetryableWithBudget(t *testing.T) {
	agent := agents.NewScriptedAgent(
		agents.ScriptedStep{Err: Retryable(errors.New("redis hiccup"))},
	)
	f := newFixture(t, agent)
	run := f.seedRun(t, "run-1")

	err := f.worker.Process(context.Background(), f.job(run.ID, 1, 2))
	require.Error(t, err)
	assert.True(t, isRetryable(err))

	// 预算未耗尽：不收尾，等待重试
	got := f.runStatus(t, run.ID)
	assert.Equal(t, model.RunStatusRunning, got.Status)
}

func TestProcessRetryableExhausted(t *testing.T) {
	agent := agents.NewScriptedAgent(
		agents.ScriptedStep{Err: Retryable(errors.New("redis hiccup"))},
	)
	f := newFixture(t, agent)
	run := f.seedRun(t, "run-1")

	// 最后一次尝试：收尾 failed，不再传播
	err := f.worker.Process(context.Background(), f.job(run.ID, 2, 2))
	require.NoError(t, err)

	got := f.runStatus(t, run.ID)
	assert.Equal(t, model.RunStatusFailed, got.Status)
	assert.Equal(t, "retryable_worker_error", *got.ErrorType)
}

func TestProcessUserNotFound(t *testing.T) {
	f := newFixture(t, agents.NewScriptedAgent())
	ctx := context.Background()
	now := time.Now().UTC()
	run := &model.Run{
		ID: "run-1", ThreadID: "t-x", AgentID: "chat", UserID: "u-missing",
		RequestID: "req-1", Status: model.RunStatusPending,
		CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, f.store.CreateRun(ctx, run))

	err := f.worker.Process(ctx, f.job(run.ID, 1, 2))
	require.NoError(t, err)

	got := f.runStatus(t, run.ID)
	assert.Equal(t, model.RunStatusFailed, got.Status)
	assert.Equal(t, "user_not_found", *got.ErrorType)
}

func TestProcessUnknownAgent(t *testing.T) {
	f := newFixture(t, nil) // 注册表为空
	run := f.seedRun(t, "run-1")

	err := f.worker.Process(context.Background(), f.job(run.ID, 1, 2))
	require.NoError(t, err)

	got := f.runStatus(t, run.ID)
	assert.Equal(t, model.RunStatusFailed, got.Status)
	assert.Equal(t, "unknown_agent", *got.ErrorType)
}

func TestProcessSkipsTerminalRun(t *testing.T) {
	f := newFixture(t, agents.NewScriptedAgent(agents.Step(agents.FinishedChunk("x"))))
	run := f.seedRun(t, "run-1")
	_, err := f.store.SetTerminal(context.Background(), run.ID, model.RunStatusCompleted, nil, nil)
	require.NoError(t, err)

	err = f.worker.Process(context.Background(), f.job(run.ID, 1, 2))
	require.NoError(t, err)
	assert.Empty(t, f.allEvents(t, run.ID))
}

func TestProcessRunNotFound(t *testing.T) {
	f := newFixture(t, agents.NewScriptedAgent())
	err := f.worker.Process(context.Background(), f.job("run-missing", 1, 2))
	require.NoError(t, err)
}

// ============================================================================
// 取消路径
// ============================================================================

func TestProcessCancelledBeforeStream(t *testing.T) {
	// 慢流：取消竞争必然胜出
	agent := agents.NewScriptedAgent(
		agents.ScriptedStep{Chunks: []*model.StreamChunk{agents.TextChunk("slow")}, Delay: 5 * time.Second},
	)
	f := newFixture(t, agent)
	run := f.seedRun(t, "run-1")

	ctx := context.Background()
	require.NoError(t, f.signal.Request(ctx, run.ID))

	start := time.Now()
	err := f.worker.Process(ctx, f.job(run.ID, 1, 2))
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 3*time.Second, "cancellation should abort the slow stream")

	got := f.runStatus(t, run.ID)
	assert.Equal(t, model.RunStatusCancelled, got.Status)
	assert.Equal(t, "cancelled", *got.ErrorType)

	events := f.allEvents(t, run.ID)
	require.NotEmpty(t, events)
	assert.Equal(t, "interrupted", events[len(events)-1].EventType)

	// 收尾后取消标志被清理
	set, err := f.signal.Has(ctx, run.ID)
	require.NoError(t, err)
	assert.False(t, set)
}

func TestProcessCancelDuringStream(t *testing.T) {
	agent := agents.NewScriptedAgent(
		agents.Step(agents.TextChunk("first")),
		agents.ScriptedStep{Chunks: []*model.StreamChunk{agents.TextChunk("slow")}, Delay: 5 * time.Second},
	)
	f := newFixture(t, agent)
	run := f.seedRun(t, "run-1")
	ctx := context.Background()

	done := make(chan error, 1)
	go func() { done <- f.worker.Process(ctx, f.job(run.ID, 1, 2)) }()

	// 等 Run 进入 running 后再请求取消
	require.Eventually(t, func() bool {
		r, err := f.store.GetRun(ctx, run.ID)
		return err == nil && r != nil && r.Status == model.RunStatusRunning
	}, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, f.signal.Request(ctx, run.ID))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("worker did not observe cancellation")
	}
	assert.Equal(t, model.RunStatusCancelled, f.runStatus(t, run.ID).Status)
}

func TestProcessInterruptedChunkResolution(t *testing.T) {
	// 未请求取消：interrupted 分片 → interrupted
	agent := agents.NewScriptedAgent(agents.Step(agents.InterruptedChunk("stream gave up")))
	f := newFixture(t, agent)
	run := f.seedRun(t, "run-1")

	err := f.worker.Process(context.Background(), f.job(run.ID, 1, 2))
	require.NoError(t, err)
	got := f.runStatus(t, run.ID)
	assert.Equal(t, model.RunStatusInterrupted, got.Status)
	assert.Equal(t, "interrupted", *got.ErrorType)
}

func TestProcessInterruptedChunkWithCancelRequested(t *testing.T) {
	// Run 已是 cancel_requested 时 interrupted 分片按 cancelled 记账。
	// 用慢首块制造时间窗：MarkRunning 之后、interrupted 分片产出之前
	// 把数据库状态改为 cancel_requested（不置取消标志，避免取消竞争
	// 先胜出）。
	agent := agents.NewScriptedAgent(
		agents.ScriptedStep{Chunks: []*model.StreamChunk{agents.InterruptedChunk("stream gave up")}, Delay: 200 * time.Millisecond},
	)
	f := newFixture(t, agent)
	run := f.seedRun(t, "run-1")
	ctx := context.Background()

	done := make(chan error, 1)
	go func() { done <- f.worker.Process(ctx, f.job(run.ID, 1, 2)) }()

	require.Eventually(t, func() bool {
		r, err := f.store.GetRun(ctx, run.ID)
		return err == nil && r != nil && r.Status == model.RunStatusRunning
	}, 2*time.Second, 10*time.Millisecond)
	_, err := f.store.RequestCancel(ctx, run.ID)
	require.NoError(t, err)

	require.NoError(t, <-done)
	assert.Equal(t, model.RunStatusCancelled, f.runStatus(t, run.ID).Status)
}

// ============================================================================
// handleJob：重试入队 + Ack
// ============================================================================

func TestHandleJobRetriesThenAcks(t *testing.T) {
	agent := agents.NewScriptedAgent(
		agents.ScriptedStep{Err: Retryable(errors.New("transient"))},
	)
	f := newFixture(t, agent)
	run := f.seedRun(t, "run-1")
	ctx := context.Background()

	_, submitted, err := f.queue.Submit(ctx, run.ID, 2)
	require.NoError(t, err)
	require.True(t, submitted)

	jobs, err := f.queue.Consume(ctx, "worker-test", 1, 0)
	require.NoError(t, err)
	require.Len(t, jobs, 1)

	f.worker.handleJob(ctx, jobs[0])

	// 原消息已确认，重试消息已入队
	pending, err := f.queue.GetPendingCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), pending)

	retried, err := f.queue.Consume(ctx, "worker-test", 1, 0)
	require.NoError(t, err)
	require.Len(t, retried, 1)
	assert.Equal(t, 2, retried[0].Attempt)
	assert.Equal(t, run.ID, retried[0].RunID)
}

// ============================================================================
// 消费主循环：优雅停机 + pending 重领
// ============================================================================

func TestRunDrainsInFlightJobOnShutdown(t *testing.T) {
	// 慢尾块制造停机窗口：取消 ctx 时流尚未结束
	agent := agents.NewScriptedAgent(
		agents.Step(agents.TextChunk("working")),
		agents.ScriptedStep{Chunks: []*model.StreamChunk{agents.FinishedChunk("done")}, Delay: 300 * time.Millisecond},
	)
	f := newFixture(t, agent)
	run := f.seedRun(t, "run-1")
	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	_, submitted, err := f.queue.Submit(ctx, run.ID, 2)
	require.NoError(t, err)
	require.True(t, submitted)

	done := make(chan error, 1)
	go func() { done <- f.worker.Run(ctx) }()

	require.Eventually(t, func() bool {
		r, err := f.store.GetRun(context.Background(), run.ID)
		return err == nil && r != nil && r.Status == model.RunStatusRunning
	}, 2*time.Second, 10*time.Millisecond)

	// 停机：停止领取新任务，在途任务收尾后才返回
	stop()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("worker did not stop after shutdown")
	}

	// 在途 Run 正常收尾并确认，不滞留 running / pending
	assert.Equal(t, model.RunStatusCompleted, f.runStatus(t, run.ID).Status)
	pending, err := f.queue.GetPendingCount(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(0), pending)
}

func TestRunReclaimsAbandonedJob(t *testing.T) {
	agent := agents.NewScriptedAgent(agents.Step(agents.FinishedChunk("done")))
	f := newFixture(t, agent)
	f.worker.cfg.ReclaimMinIdle = 50 * time.Millisecond
	run := f.seedRun(t, "run-1")
	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	// 消息被一个已消失的消费者领取后从未确认
	_, _, err := f.queue.Submit(ctx, run.ID, 2)
	require.NoError(t, err)
	jobs, err := f.queue.Consume(ctx, "dead-worker", 1, 0)
	require.NoError(t, err)
	require.Len(t, jobs, 1)

	done := make(chan error, 1)
	go func() { done <- f.worker.Run(ctx) }()

	// 空闲超时后消息被重领并执行完毕
	require.Eventually(t, func() bool {
		r, err := f.store.GetRun(context.Background(), run.ID)
		return err == nil && r != nil && r.Status == model.RunStatusCompleted
	}, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		pending, err := f.queue.GetPendingCount(context.Background())
		return err == nil && pending == 0
	}, 2*time.Second, 10*time.Millisecond)

	stop()
	<-done
}

func TestHandleJobNonRetryableAcksOnly(t *testing.T) {
	agent := agents.NewScriptedAgent(
		agents.ScriptedStep{Err: errors.New("permanent")},
	)
	f := newFixture(t, agent)
	run := f.seedRun(t, "run-1")
	ctx := context.Background()

	_, _, err := f.queue.Submit(ctx, run.ID, 2)
	require.NoError(t, err)
	jobs, err := f.queue.Consume(ctx, "worker-test", 1, 0)
	require.NoError(t, err)
	require.Len(t, jobs, 1)

	f.worker.handleJob(ctx, jobs[0])

	length, err := f.queue.GetQueueLength(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), length)
	assert.Equal(t, model.RunStatusFailed, f.runStatus(t, run.ID).Status)
}
