package run

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agent-runs/internal/shared/eventlog"
	"agent-runs/internal/shared/model"
)

// sseFrame 解析后的 SSE 帧
type sseFrame struct {
	Event string
	Data  map[string]interface{}
}

// parseSSE 解析响应体中的 SSE 帧序列
func parseSSE(t *testing.T, body string) []sseFrame {
	t.Helper()
	var frames []sseFrame
	var current sseFrame
	scanner := bufio.NewScanner(strings.NewReader(body))
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			current.Event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			payload := strings.TrimPrefix(line, "data: ")
			require.NoError(t, json.Unmarshal([]byte(payload), &current.Data))
		case line == "":
			if current.Event != "" || current.Data != nil {
				frames = append(frames, current)
				current = sseFrame{}
			}
		}
	}
	return frames
}

func (f *handlerFixture) stream(t *testing.T, path string, timeout time.Duration) *httptest.ResponseRecorder {
	t.Helper()
	ctx, cancelFn := context.WithTimeout(context.Background(), timeout)
	defer cancelFn()
	req := httptest.NewRequest(http.MethodGet, path, nil).WithContext(ctx)
	req.Header.Set("X-User-ID", "u-1")
	rec := httptest.NewRecorder()
	f.mux.ServeHTTP(rec, req)
	return rec
}

func TestStreamTerminalRunDeliversEventsThenCloses(t *testing.T) {
	f := newHandlerFixture(t)
	seedHandlerRun(f, "r-1", model.RunStatusCompleted)

	ctx := context.Background()
	_, err := f.events.Append(ctx, "r-1", "loading", []byte(`{"items":["a"]}`))
	require.NoError(t, err)
	seq2, err := f.events.Append(ctx, "r-1", "finished", []byte(`{"status":"finished"}`))
	require.NoError(t, err)

	rec := f.stream(t, "/api/chat/runs/r-1/events?after_seq=0", 2*time.Second)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Equal(t, "no", rec.Header().Get("X-Accel-Buffering"))

	frames := parseSSE(t, rec.Body.String())
	require.Len(t, frames, 3)

	assert.Equal(t, "loading", frames[0].Event)
	assert.Equal(t, "r-1", frames[0].Data["run_id"])
	assert.NotEmpty(t, frames[0].Data["seq"])
	assert.NotEmpty(t, frames[0].Data["ts"])

	assert.Equal(t, "finished", frames[1].Event)
	assert.Equal(t, seq2, frames[1].Data["seq"])

	assert.Equal(t, "close", frames[2].Event)
	assert.Equal(t, "completed", frames[2].Data["status"])
	assert.Equal(t, seq2, frames[2].Data["last_seq"])
}

func TestStreamResumesFromCursor(t *testing.T) {
	f := newHandlerFixture(t)
	seedHandlerRun(f, "r-1", model.RunStatusCompleted)

	ctx := context.Background()
	seq1, err := f.events.Append(ctx, "r-1", "loading", []byte(`{"items":["a"]}`))
	require.NoError(t, err)
	seq2, err := f.events.Append(ctx, "r-1", "finished", []byte(`{}`))
	require.NoError(t, err)

	// 游标之后只剩第二条
	rec := f.stream(t, "/api/chat/runs/r-1/events?after_seq="+seq1, 2*time.Second)
	frames := parseSSE(t, rec.Body.String())
	require.Len(t, frames, 2)
	assert.Equal(t, seq2, frames[0].Data["seq"])
	assert.Equal(t, "close", frames[1].Event)
}

func TestStreamMalformedCursorFallsBack(t *testing.T) {
	f := newHandlerFixture(t)
	seedHandlerRun(f, "r-1", model.RunStatusCompleted)
	_, err := f.events.Append(context.Background(), "r-1", "finished", []byte(`{}`))
	require.NoError(t, err)

	// 畸形游标回退到日志起点，仍能读到全部事件
	rec := f.stream(t, "/api/chat/runs/r-1/events?after_seq=garbage", 2*time.Second)
	frames := parseSSE(t, rec.Body.String())
	require.Len(t, frames, 2)
	assert.Equal(t, "finished", frames[0].Event)
}

func TestStreamEmptyLogCloseUsesSentinel(t *testing.T) {
	f := newHandlerFixture(t)
	seedHandlerRun(f, "r-1", model.RunStatusFailed)

	rec := f.stream(t, "/api/chat/runs/r-1/events?after_seq=0", 2*time.Second)
	frames := parseSSE(t, rec.Body.String())
	require.Len(t, frames, 1)
	assert.Equal(t, "close", frames[0].Event)
	assert.Equal(t, "failed", frames[0].Data["status"])
	assert.Equal(t, eventlog.SeqBeginning, frames[0].Data["last_seq"])
}

func TestStreamRunNotFound(t *testing.T) {
	f := newHandlerFixture(t)

	rec := f.stream(t, "/api/chat/runs/r-missing/events?after_seq=0", 2*time.Second)
	frames := parseSSE(t, rec.Body.String())
	require.Len(t, frames, 2)
	assert.Equal(t, "error", frames[0].Event)
	assert.Equal(t, runNotFoundMessage, frames[0].Data["message"])
	assert.Equal(t, "close", frames[1].Event)
}

func TestStreamDatabaseDegraded(t *testing.T) {
	f := newHandlerFixture(t)
	f.store.err = errors.New("connection refused")

	rec := f.stream(t, "/api/chat/runs/r-1/events?after_seq=0", 2*time.Second)
	frames := parseSSE(t, rec.Body.String())
	require.Len(t, frames, 2)
	assert.Equal(t, "error", frames[0].Event)
	assert.Equal(t, streamUnavailableMessage, frames[0].Data["message"])
	assert.Equal(t, "db_error", frames[0].Data["reason"])
	assert.Equal(t, "close", frames[1].Event)
	assert.Equal(t, "db_error", frames[1].Data["reason"])
	// 降级 close 也要带游标，客户端才能原位重连续读
	assert.Equal(t, eventlog.SeqBeginning, frames[1].Data["last_seq"])
}

func TestStreamEventLogDegraded(t *testing.T) {
	f := newHandlerFixture(t)
	seedHandlerRun(f, "r-1", model.RunStatusRunning)
	f.events.SetError(eventlog.ErrUnavailable)

	// 带游标进入：降级 close 原样回传该游标
	rec := f.stream(t, "/api/chat/runs/r-1/events?after_seq=5-0", 2*time.Second)
	frames := parseSSE(t, rec.Body.String())
	require.Len(t, frames, 2)
	assert.Equal(t, "error", frames[0].Event)
	assert.Equal(t, "redis_error", frames[0].Data["reason"])
	assert.Equal(t, "close", frames[1].Event)
	assert.Equal(t, "redis_error", frames[1].Data["reason"])
	assert.Equal(t, "5-0", frames[1].Data["last_seq"])
}

func TestStreamHeartbeatOnIdleRun(t *testing.T) {
	f := newHandlerFixture(t)
	seedHandlerRun(f, "r-1", model.RunStatusRunning)

	// 无事件的活跃 Run：客户端断开前应收到心跳
	rec := f.stream(t, "/api/chat/runs/r-1/events?after_seq=0", 200*time.Millisecond)
	frames := parseSSE(t, rec.Body.String())
	require.NotEmpty(t, frames)
	assert.Equal(t, "heartbeat", frames[0].Event)
	assert.Equal(t, "r-1", frames[0].Data["run_id"])
	assert.Equal(t, eventlog.SeqBeginning, frames[0].Data["last_seq"])
}

func TestStreamHeartbeatDuringActiveEvents(t *testing.T) {
	f := newHandlerFixture(t)
	seedHandlerRun(f, "r-1", model.RunStatusRunning)

	// 事件持续推送期间心跳仍按自身节奏发出，不被事件帧推迟
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			case <-time.After(10 * time.Millisecond):
				_, _ = f.events.Append(context.Background(), "r-1", "loading", []byte(`{"items":["x"]}`))
			}
		}
	}()

	rec := f.stream(t, "/api/chat/runs/r-1/events?after_seq=0", 250*time.Millisecond)
	close(stop)
	wg.Wait()

	frames := parseSSE(t, rec.Body.String())
	var heartbeats, events int
	for _, fr := range frames {
		switch fr.Event {
		case "heartbeat":
			heartbeats++
		case "loading":
			events++
		}
	}
	assert.Greater(t, events, 2, "stream should keep delivering events")
	assert.GreaterOrEqual(t, heartbeats, 1, "heartbeat has its own clock")
}

func TestStreamMaxLifetimeCloses(t *testing.T) {
	f := newHandlerFixture(t)
	f.handler.streamCfg.MaxLifetime = 30 * time.Millisecond
	seedHandlerRun(f, "r-1", model.RunStatusRunning)

	rec := f.stream(t, "/api/chat/runs/r-1/events?after_seq=0", 2*time.Second)
	frames := parseSSE(t, rec.Body.String())
	require.NotEmpty(t, frames)
	last := frames[len(frames)-1]
	assert.Equal(t, "close", last.Event)
	assert.Equal(t, "max_lifetime", last.Data["reason"])
}

func TestStreamMissingIdentity(t *testing.T) {
	f := newHandlerFixture(t)
	req := httptest.NewRequest(http.MethodGet, "/api/chat/runs/r-1/events", nil)
	rec := httptest.NewRecorder()
	f.mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
