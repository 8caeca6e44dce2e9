package worker

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"agent-runs/internal/shared/eventlog"
	"agent-runs/internal/shared/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func listEvents(t *testing.T, log *eventlog.MemoryLog, runID string) []*eventlog.Event {
	t.Helper()
	events, err := log.ListSince(context.Background(), runID, eventlog.SeqBeginning)
	require.NoError(t, err)
	return events
}

func TestChunkWriterFlushOnMaxChars(t *testing.T) {
	ctx := context.Background()
	log := eventlog.NewMemoryLog()
	// interval 足够大，只有字符上限能触发刷新
	w := NewChunkedEventWriter(log, "run-1", time.Hour, 10)

	require.NoError(t, w.Append(ctx, &model.StreamChunk{Status: model.ChunkStatusLoading, Response: "12345"}))
	assert.Empty(t, listEvents(t, log, "run-1"))
	assert.Equal(t, 1, w.Buffered())

	// 累计 10 字符，触发刷新
	require.NoError(t, w.Append(ctx, &model.StreamChunk{Status: model.ChunkStatusLoading, Response: "67890"}))
	events := listEvents(t, log, "run-1")
	require.Len(t, events, 1)
	assert.Equal(t, "loading", events[0].EventType)
	assert.Equal(t, 0, w.Buffered())

	var payload struct {
		Items []json.RawMessage `json:"items"`
	}
	require.NoError(t, json.Unmarshal(events[0].Payload, &payload))
	assert.Len(t, payload.Items, 2)
}

func TestChunkWriterFlushOnInterval(t *testing.T) {
	ctx := context.Background()
	log := eventlog.NewMemoryLog()
	w := NewChunkedEventWriter(log, "run-1", 20*time.Millisecond, 1<<20)

	require.NoError(t, w.Append(ctx, &model.StreamChunk{Status: model.ChunkStatusLoading, Response: "a"}))
	assert.Empty(t, listEvents(t, log, "run-1"))

	time.Sleep(30 * time.Millisecond)
	require.NoError(t, w.Append(ctx, &model.StreamChunk{Status: model.ChunkStatusLoading, Response: "b"}))
	assert.Len(t, listEvents(t, log, "run-1"), 1)
}

func TestChunkWriterExplicitFlush(t *testing.T) {
	ctx := context.Background()
	log := eventlog.NewMemoryLog()
	w := NewChunkedEventWriter(log, "run-1", time.Hour, 1<<20)

	// 空缓冲 Flush 不产生事件
	require.NoError(t, w.Flush(ctx))
	assert.Empty(t, listEvents(t, log, "run-1"))

	require.NoError(t, w.Append(ctx, &model.StreamChunk{Status: model.ChunkStatusLoading, Response: "x"}))
	require.NoError(t, w.Flush(ctx))
	assert.Len(t, listEvents(t, log, "run-1"), 1)

	// 再次 Flush 仍是 no-op
	require.NoError(t, w.Flush(ctx))
	assert.Len(t, listEvents(t, log, "run-1"), 1)
}

func TestChunkWriterPreservesRawChunk(t *testing.T) {
	ctx := context.Background()
	log := eventlog.NewMemoryLog()
	w := NewChunkedEventWriter(log, "run-1", time.Hour, 1<<20)

	// Raw 中带未知字段，落盘后完整保留
	raw := []byte(`{"status":"loading","response":"x","custom_field":42}`)
	chunks := model.DecodeChunks(raw)
	require.Len(t, chunks, 1)
	require.NoError(t, w.Append(ctx, &chunks[0]))
	require.NoError(t, w.Flush(ctx))

	events := listEvents(t, log, "run-1")
	require.Len(t, events, 1)
	var payload struct {
		Items []map[string]interface{} `json:"items"`
	}
	require.NoError(t, json.Unmarshal(events[0].Payload, &payload))
	require.Len(t, payload.Items, 1)
	assert.Equal(t, float64(42), payload.Items[0]["custom_field"])
}
