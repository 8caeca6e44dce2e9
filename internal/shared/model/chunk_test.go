package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeChunks(t *testing.T) {
	data := []byte(`{"status":"loading","response":"hel"}
{"status":"loading","response":"lo"}

not-json
{"status":"finished","request_id":"r-1"}`)

	chunks := DecodeChunks(data)
	require.Len(t, chunks, 3)

	assert.Equal(t, ChunkStatusLoading, chunks[0].Status)
	assert.Equal(t, "hel", chunks[0].Response)
	assert.Equal(t, ChunkStatusLoading, chunks[1].Status)
	assert.Equal(t, ChunkStatusFinished, chunks[2].Status)
	assert.Equal(t, "r-1", chunks[2].RequestID)

	// 原始行完整保留
	assert.JSONEq(t, `{"status":"loading","response":"hel"}`, string(chunks[0].Raw))
}

func TestDecodeChunksEmpty(t *testing.T) {
	assert.Nil(t, DecodeChunks(nil))
	assert.Nil(t, DecodeChunks([]byte("\n\n")))
}

func TestChunkEventType(t *testing.T) {
	c := &StreamChunk{Status: ChunkStatusError}
	assert.Equal(t, "error", c.EventType())

	// 无状态判别符的块按普通事件透传
	c = &StreamChunk{}
	assert.Equal(t, "event", c.EventType())
}
