// Package worker Run 执行 Worker
//
// 从任务队列消费 Run 任务，驱动 Agent 分片流并将产出落为事件日志，
// 最终将 Run 置为终止状态。核心语义：
//
//   - 终止态 no-op：消费到已终止的 Run 直接跳过（重复投递安全）
//   - 取消竞争：监视取消信号，与流读取并发竞争，观察到取消后
//     中止流并以 cancelled 收尾
//   - 分片缓冲：loading 分片经 ChunkedEventWriter 批量落盘
//   - 错误分类：可重试错误在预算内重新入队，否则置 failed
//   - 收尾幂等：所有终止转移都经过行锁 + 终止态检查
//   - 停机收尾：ctx 取消只停止领取，在途任务在解耦的上下文中执行完；
//     崩溃消费者遗留的 pending 消息按空闲时间重领
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"agent-runs/internal/agents"
	"agent-runs/internal/config"
	"agent-runs/internal/shared/cancel"
	"agent-runs/internal/shared/eventlog"
	"agent-runs/internal/shared/model"
	"agent-runs/internal/shared/queue"
)

// cancelMessage 取消收尾时写入事件和错误信息的文案
const cancelMessage = "对话已取消"

// errRunCancelled 取消竞争胜出时的内部信号
var errRunCancelled = errors.New("run cancelled")

// RunStore Worker 需要的存储能力
type RunStore interface {
	GetRun(ctx context.Context, id string) (*model.Run, error)
	GetUser(ctx context.Context, id string) (*model.User, error)
	MarkRunning(ctx context.Context, id string) (*model.Run, error)
	SetTerminal(ctx context.Context, id string, status model.RunStatus, errorType, errorMessage *string) (*model.Run, error)
}

// Worker Run 执行 Worker
type Worker struct {
	store      RunStore
	events     eventlog.Log
	signal     cancel.Signal
	queue      queue.RunQueue
	agents     *agents.Registry
	cfg        config.RunConfig
	metrics    *Metrics
	consumerID string
}

// New 创建 Worker
func New(store RunStore, events eventlog.Log, signal cancel.Signal, q queue.RunQueue,
	registry *agents.Registry, cfg config.RunConfig, consumerID string) *Worker {
	return &Worker{
		store:      store,
		events:     events,
		signal:     signal,
		queue:      q,
		agents:     registry,
		cfg:        cfg,
		consumerID: consumerID,
	}
}

// SetMetrics 注入指标（可选）
func (w *Worker) SetMetrics(m *Metrics) {
	w.metrics = m
}

// ============================================================================
// 消费主循环
// ============================================================================

// Run 启动消费主循环，阻塞直到 ctx 取消
//
// ctx 取消只停止领取新任务：已领取的在途任务在独立于 ctx 的上下文
// 中执行完毕（收尾、Ack 不受停机影响），随后 Run 返回。未及派发的
// 消息留在 pending，由 ReclaimStale 重领接管。
func (w *Worker) Run(ctx context.Context) error {
	if err := w.queue.CreateConsumerGroup(ctx); err != nil {
		return fmt.Errorf("create consumer group: %w", err)
	}
	log.Printf("[worker.run] consumer %s started (concurrency=%d)", w.consumerID, w.cfg.Concurrency)

	sem := make(chan struct{}, w.cfg.Concurrency)
	var wg sync.WaitGroup
	// 在途任务的执行上下文与消费 ctx 解耦，停机先收尾再退出
	jobCtx := context.WithoutCancel(ctx)

	for {
		if ctx.Err() != nil {
			break
		}

		stale, err := w.queue.ReclaimStale(ctx, w.consumerID, w.cfg.ReclaimMinIdle, int64(w.cfg.Concurrency))
		if err != nil {
			log.Printf("[worker.run] reclaim failed: %v", err)
		} else if len(stale) > 0 {
			log.Printf("[worker.run] reclaimed %d stale jobs", len(stale))
			w.dispatch(ctx, jobCtx, sem, &wg, stale)
		}

		jobs, err := w.queue.Consume(ctx, w.consumerID, int64(w.cfg.Concurrency), w.cfg.ConsumeBlock)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			log.Printf("[worker.run] consume failed: %v", err)
			time.Sleep(time.Second)
			continue
		}
		w.dispatch(ctx, jobCtx, sem, &wg, jobs)
	}

	wg.Wait()
	log.Printf("[worker.run] consumer %s stopped", w.consumerID)
	return ctx.Err()
}

// dispatch 并发派发一批任务，受信号量限流
// ctx 已取消时停止派发，未派发的消息留在 pending 由重领接管
func (w *Worker) dispatch(ctx, jobCtx context.Context, sem chan struct{}, wg *sync.WaitGroup, jobs []*queue.RunJob) {
	for _, job := range jobs {
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			return
		}
		wg.Add(1)
		go func(job *queue.RunJob) {
			defer wg.Done()
			defer func() { <-sem }()
			w.handleJob(jobCtx, job)
		}(job)
	}
}

// handleJob 处理单个任务：执行 → 按需重试入队 → 始终 Ack
//
// Ack 总是执行：重试通过显式重新入队实现，不依赖 pending 重投。
func (w *Worker) handleJob(ctx context.Context, job *queue.RunJob) {
	err := w.Process(ctx, job)
	if err != nil {
		if isRetryable(err) && job.Retryable() {
			if _, rerr := w.queue.Retry(ctx, job); rerr != nil {
				log.Printf("[worker.retry] re-enqueue failed run=%s: %v", job.RunID, rerr)
			} else {
				w.metrics.RecordRetry()
				log.Printf("[worker.retry] re-enqueued run=%s attempt=%d", job.RunID, job.Attempt+1)
			}
		} else {
			log.Printf("[worker.process] job failed run=%s attempt=%d: %v", job.RunID, job.Attempt, err)
		}
	}

	if err := w.queue.Ack(ctx, job.ID); err != nil {
		log.Printf("[worker.ack] ack failed message=%s: %v", job.ID, err)
	}
}

// ============================================================================
// 单个 Run 的执行
// ============================================================================

// Process 执行单个 Run 任务
//
// 返回非 nil 错误仅表示"本次尝试失败且可能需要重试"；
// 业务性失败（用户不存在、agent 未注册、不可重试错误）在内部
// 收尾后返回 nil。
func (w *Worker) Process(ctx context.Context, job *queue.RunJob) error {
	run, err := w.store.GetRun(ctx, job.RunID)
	if err != nil {
		return Retryable(fmt.Errorf("load run: %w", err))
	}
	if run == nil {
		log.Printf("[worker.process] run not found, skip: %s", job.RunID)
		return nil
	}
	if run.IsTerminal() {
		log.Printf("[worker.process] run already terminal, skip: %s status=%s", run.ID, run.Status)
		return nil
	}

	user, err := w.store.GetUser(ctx, run.UserID)
	if err != nil {
		return Retryable(fmt.Errorf("load user: %w", err))
	}
	if user == nil {
		w.finalize(ctx, run.ID, model.RunStatusFailed, "user_not_found", fmt.Sprintf("user %s not found", run.UserID))
		return nil
	}

	agent, err := w.agents.Get(run.AgentID)
	if err != nil {
		w.finalize(ctx, run.ID, model.RunStatusFailed, "unknown_agent", fmt.Sprintf("agent %s not registered", run.AgentID))
		return nil
	}

	if _, err := w.store.MarkRunning(ctx, run.ID); err != nil {
		return Retryable(fmt.Errorf("mark running: %w", err))
	}

	runCtx := NewRunContext(run.ID, w.signal)
	if err := runCtx.Start(ctx); err != nil {
		return Retryable(fmt.Errorf("watch cancel signal: %w", err))
	}
	defer func() {
		runCtx.Close()
		if err := w.signal.Clear(context.Background(), run.ID); err != nil {
			log.Printf("[worker.cleanup] clear cancel flag failed run=%s: %v", run.ID, err)
		}
	}()

	writer := NewChunkedEventWriter(w.events, run.ID, w.cfg.FlushInterval, w.cfg.FlushMaxChars)

	w.metrics.RecordRunStart()
	started := time.Now()
	status, err := w.execute(ctx, run, agent, runCtx, writer, job)
	w.metrics.RecordRunComplete(status, time.Since(started))
	return err
}

// execute 驱动流并根据结果收尾，返回指标状态标签
func (w *Worker) execute(ctx context.Context, run *model.Run, agent agents.Agent,
	runCtx *RunContext, writer *ChunkedEventWriter, job *queue.RunJob) (string, error) {

	terminalSet, runErr := w.drive(ctx, run, agent, runCtx, writer)

	if runErr == nil {
		w.mustFlush(ctx, writer, run.ID)
		// 流正常结束但未见终止分片：按完成收尾并补一个 finished 事件
		if !terminalSet {
			w.finalize(ctx, run.ID, model.RunStatusCompleted, "", "")
			w.appendChunkEvent(ctx, run.ID, "finished", map[string]interface{}{
				"status":     "finished",
				"request_id": run.RequestID,
			})
		}
		return "completed", nil
	}

	if errors.Is(runErr, errRunCancelled) {
		w.mustFlush(ctx, writer, run.ID)
		w.appendChunkEvent(ctx, run.ID, "interrupted", map[string]interface{}{
			"status":     "interrupted",
			"message":    cancelMessage,
			"request_id": run.RequestID,
		})
		w.finalize(ctx, run.ID, model.RunStatusCancelled, "cancelled", cancelMessage)
		log.Printf("[worker.process] run cancelled: %s", run.ID)
		return "cancelled", nil
	}

	w.mustFlush(ctx, writer, run.ID)

	if isRetryable(runErr) {
		log.Printf("[worker.process] retryable failure run=%s attempt=%d: %v", run.ID, job.Attempt, runErr)
		w.appendChunkEvent(ctx, run.ID, "error", map[string]interface{}{
			"status":        "error",
			"error_type":    "retryable_worker_error",
			"error_message": runErr.Error(),
			"request_id":    run.RequestID,
			"retryable":     true,
			"attempt":       job.Attempt,
		})
		if !job.Retryable() {
			w.finalize(ctx, run.ID, model.RunStatusFailed, "retryable_worker_error", runErr.Error())
			log.Printf("[worker.process] run failed after retries exhausted: %s: %v", run.ID, runErr)
			return "failed", nil
		}
		return "retry", runErr
	}

	log.Printf("[worker.process] run failed: %s: %v", run.ID, runErr)
	w.appendChunkEvent(ctx, run.ID, "error", map[string]interface{}{
		"status":        "error",
		"error_type":    "worker_error",
		"error_message": runErr.Error(),
		"request_id":    run.RequestID,
		"retryable":     false,
	})
	w.finalize(ctx, run.ID, model.RunStatusFailed, "worker_error", runErr.Error())
	return "failed", nil
}

// drive 消费 Agent 分片流直到流结束、出错或取消胜出
//
// 返回 terminalSet 表示流内已出现终止分片并完成了状态收尾。
// 取消通过撤销 streamCtx 中止 in-flight 的流读取。
func (w *Worker) drive(ctx context.Context, run *model.Run, agent agents.Agent,
	runCtx *RunContext, writer *ChunkedEventWriter) (bool, error) {

	streamCtx, stopStream := context.WithCancel(ctx)
	defer stopStream()
	go func() {
		select {
		case <-runCtx.Done():
			stopStream()
		case <-streamCtx.Done():
		}
	}()

	stream, err := agent.Stream(streamCtx, run)
	if err != nil {
		return false, err
	}
	defer stream.Close()

	terminalSet := false
	for {
		data, err := stream.Next(streamCtx)
		if err == io.EOF {
			return terminalSet, nil
		}
		if err != nil {
			if runCtx.Fired() {
				return terminalSet, errRunCancelled
			}
			return terminalSet, err
		}

		chunks := model.DecodeChunks(data)
		for i := range chunks {
			chunk := &chunks[i]

			if chunk.Status == model.ChunkStatusLoading {
				if err := writer.Append(ctx, chunk); err != nil {
					return terminalSet, err
				}
				continue
			}

			// 非 loading 事件先清空缓冲，保证顺序
			if err := writer.Flush(ctx); err != nil {
				return terminalSet, err
			}
			if err := w.appendEvent(ctx, run.ID, chunk.EventType(), chunkEventPayload(chunk)); err != nil {
				return terminalSet, err
			}

			switch chunk.Status {
			case model.ChunkStatusFinished:
				if err := w.setTerminal(ctx, run.ID, model.RunStatusCompleted, "", ""); err != nil {
					return terminalSet, err
				}
				terminalSet = true

			case model.ChunkStatusError:
				errType := chunk.ErrorType
				if errType == "" {
					errType = "stream_error"
				}
				errMsg := chunk.ErrorMessage
				if errMsg == "" {
					errMsg = chunk.Message
				}
				if err := w.setTerminal(ctx, run.ID, model.RunStatusFailed, errType, errMsg); err != nil {
					return terminalSet, err
				}
				terminalSet = true

			case model.ChunkStatusInterrupted:
				// 已请求取消时中断按取消记账
				status := model.RunStatusInterrupted
				if w.isCancelRequested(ctx, run.ID) {
					status = model.RunStatusCancelled
				}
				if err := w.setTerminal(ctx, run.ID, status, string(status), chunk.Message); err != nil {
					return terminalSet, err
				}
				terminalSet = true
			}

			if runCtx.IsCancelled(ctx) {
				return terminalSet, errRunCancelled
			}
		}
	}
}

// ============================================================================
// 辅助方法
// ============================================================================

// setTerminal 终止转移，错误向上传播（用于流内收尾）
func (w *Worker) setTerminal(ctx context.Context, runID string, status model.RunStatus, errType, errMsg string) error {
	var et, em *string
	if errType != "" {
		et = &errType
	}
	if errMsg != "" {
		em = &errMsg
	}
	if _, err := w.store.SetTerminal(ctx, runID, status, et, em); err != nil {
		return Retryable(fmt.Errorf("set terminal %s: %w", status, err))
	}
	return nil
}

// finalize 终止转移，失败只记日志（用于收尾兜底路径）
func (w *Worker) finalize(ctx context.Context, runID string, status model.RunStatus, errType, errMsg string) {
	if err := w.setTerminal(ctx, runID, status, errType, errMsg); err != nil {
		log.Printf("[worker.finalize] set terminal failed run=%s status=%s: %v", runID, status, err)
	}
}

// isCancelRequested 查询数据库中的取消请求状态
func (w *Worker) isCancelRequested(ctx context.Context, runID string) bool {
	run, err := w.store.GetRun(ctx, runID)
	return err == nil && run != nil && run.Status == model.RunStatusCancelRequested
}

// appendEvent 写事件并记指标
func (w *Worker) appendEvent(ctx context.Context, runID, eventType string, payload []byte) error {
	if _, err := w.events.Append(ctx, runID, eventType, payload); err != nil {
		return err
	}
	w.metrics.RecordEvent(eventType)
	return nil
}

// appendChunkEvent 写一个 {"chunk": ...} 形状的事件，失败只记日志
func (w *Worker) appendChunkEvent(ctx context.Context, runID, eventType string, chunk map[string]interface{}) {
	payload, err := json.Marshal(map[string]interface{}{"chunk": chunk})
	if err != nil {
		log.Printf("[worker.event] marshal chunk event failed run=%s: %v", runID, err)
		return
	}
	if err := w.appendEvent(ctx, runID, eventType, payload); err != nil {
		log.Printf("[worker.event] append %s event failed run=%s: %v", eventType, runID, err)
	}
}

// mustFlush 收尾前清空缓冲，失败只记日志
func (w *Worker) mustFlush(ctx context.Context, writer *ChunkedEventWriter, runID string) {
	if err := writer.Flush(ctx); err != nil {
		log.Printf("[worker.flush] flush buffer failed run=%s: %v", runID, err)
	}
}

// chunkEventPayload 非 loading 分片的事件载荷：{"chunk": <原始块>}
func chunkEventPayload(chunk *model.StreamChunk) []byte {
	raw := chunk.Raw
	if raw == nil {
		raw, _ = json.Marshal(chunk)
	}
	payload, _ := json.Marshal(map[string]json.RawMessage{"chunk": raw})
	return payload
}
