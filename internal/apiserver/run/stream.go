package run

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"agent-runs/internal/shared/eventlog"
)

// SSE 事件流的三个时钟：
//   - 轮询间隔：每轮读一次数据库状态 + 事件日志增量
//   - 心跳间隔：按固定节奏向客户端报活，独立于事件帧计时
//     （携带最新游标，便于断线重连）
//   - 最大生命周期：到期主动下发 close，客户端用 last_seq 重连续读
//
// 依赖故障降级为一次性 error 帧 + close 帧后断开，不在服务端重试。
// 所有 close 帧都携带 last_seq，客户端无需区分断开原因即可续读。

const (
	streamUnavailableMessage = "运行事件流暂时不可用，请重连"
	runNotFoundMessage       = "运行任务不存在"
)

// StreamEvents Run 事件流（Server-Sent Events）
// GET /api/chat/runs/{id}/events?after_seq=<seq>
func (h *Handler) StreamEvents(w http.ResponseWriter, r *http.Request) {
	userID, ok := callerID(w, r)
	if !ok {
		return
	}
	runID := r.PathValue("id")

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	s := &sseStream{w: w, flusher: flusher, runID: runID}
	cursor := eventlog.NormalizeSeq(r.URL.Query().Get("after_seq"))

	ctx := r.Context()
	started := time.Now()
	lastHeartbeat := time.Now()
	log.Printf("[run.stream.start] run_id=%s user_id=%s after_seq=%s", runID, userID, cursor)

	for {
		select {
		case <-ctx.Done():
			// 客户端断开，静默退出
			log.Printf("[run.stream.disconnect] run_id=%s last_seq=%s", runID, cursor)
			return
		default:
		}

		if time.Since(started) >= h.streamCfg.MaxLifetime {
			s.sendClose(map[string]interface{}{
				"run_id":   runID,
				"reason":   "max_lifetime",
				"last_seq": cursor,
			})
			log.Printf("[run.stream.lifetime] run_id=%s last_seq=%s", runID, cursor)
			return
		}

		run, err := h.store.GetRunForUser(ctx, runID, userID)
		if err != nil {
			log.Printf("[run.stream.db.failed] run_id=%s error=%v", runID, err)
			s.sendDegraded("db_error", cursor)
			return
		}
		if run == nil {
			s.sendError(map[string]interface{}{
				"run_id":  runID,
				"message": runNotFoundMessage,
			})
			s.sendClose(map[string]interface{}{"run_id": runID, "last_seq": cursor})
			return
		}

		events, err := h.events.ListSince(ctx, runID, cursor)
		if err != nil {
			log.Printf("[run.stream.redis.failed] run_id=%s error=%v", runID, err)
			s.sendDegraded("redis_error", cursor)
			return
		}

		for _, ev := range events {
			if err := s.sendEvent(ev); err != nil {
				return
			}
			cursor = ev.Seq
		}

		// 终止态且本轮无增量：事件日志已读尽，下发 close 收口
		if run.IsTerminal() && len(events) == 0 {
			lastSeq := cursor
			if lastSeq == eventlog.SeqBeginning {
				if resolved, err := h.events.LastSeq(ctx, runID); err == nil {
					lastSeq = resolved
				}
			}
			s.sendClose(map[string]interface{}{
				"run_id":   runID,
				"status":   run.Status,
				"last_seq": lastSeq,
			})
			log.Printf("[run.stream.complete] run_id=%s status=%s last_seq=%s", runID, run.Status, lastSeq)
			return
		}

		// 心跳时钟独立于事件帧：事件持续推送时客户端也能定期校准游标
		if time.Since(lastHeartbeat) >= h.streamCfg.HeartbeatInterval {
			if err := s.send("heartbeat", map[string]interface{}{
				"run_id":   runID,
				"last_seq": cursor,
			}); err != nil {
				return
			}
			lastHeartbeat = time.Now()
		}

		select {
		case <-ctx.Done():
			log.Printf("[run.stream.disconnect] run_id=%s last_seq=%s", runID, cursor)
			return
		case <-time.After(h.streamCfg.PollInterval):
		}
	}
}

// ============================================================================
// SSE 帧编码
// ============================================================================

type sseStream struct {
	w       http.ResponseWriter
	flusher http.Flusher
	runID   string
}

// send 编码并下发一个 SSE 帧
func (s *sseStream) send(event string, data interface{}) error {
	body, err := json.Marshal(data)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", event, body); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// sendEvent 下发事件日志条目
// SSE 事件标签取日志内的 event_type，缺失时回退到 "message"
func (s *sseStream) sendEvent(ev *eventlog.Event) error {
	tag := ev.EventType
	if tag == "" {
		tag = "message"
	}
	return s.send(tag, map[string]interface{}{
		"run_id":     s.runID,
		"seq":        ev.Seq,
		"event_type": ev.EventType,
		"payload":    json.RawMessage(ev.Payload),
		"ts":         ev.Ts.UTC().Format(time.RFC3339Nano),
	})
}

func (s *sseStream) sendError(data map[string]interface{}) {
	_ = s.send("error", data)
}

func (s *sseStream) sendClose(data map[string]interface{}) {
	_ = s.send("close", data)
}

// sendDegraded 依赖故障的统一降级帧：告知客户端重连后断开
// close 帧携带当前游标，客户端重连时从 last_seq 续读
func (s *sseStream) sendDegraded(reason, lastSeq string) {
	s.sendError(map[string]interface{}{
		"run_id":  s.runID,
		"message": streamUnavailableMessage,
		"reason":  reason,
	})
	s.sendClose(map[string]interface{}{
		"run_id":   s.runID,
		"reason":   reason,
		"last_seq": lastSeq,
	})
}
