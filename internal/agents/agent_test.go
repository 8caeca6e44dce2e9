package agents

import (
	"context"
	"errors"
	"io"
	"testing"

	"agent-runs/internal/shared/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	_, err := r.Get("chat")
	assert.True(t, errors.Is(err, ErrUnknownAgent))

	agent := NewScriptedAgent()
	r.Register("chat", agent)

	got, err := r.Get("chat")
	require.NoError(t, err)
	assert.Same(t, agent, got)
	assert.Equal(t, []string{"chat"}, r.IDs())
}

func TestScriptedAgentStream(t *testing.T) {
	ctx := context.Background()
	agent := NewScriptedAgent(
		Step(TextChunk("hello"), TextChunk(" world")),
		Step(FinishedChunk("done")),
	)

	stream, err := agent.Stream(ctx, &model.Run{ID: "run-1"})
	require.NoError(t, err)
	defer stream.Close()

	// 每个步骤产出一段 NDJSON
	data, err := stream.Next(ctx)
	require.NoError(t, err)
	chunks := model.DecodeChunks(data)
	require.Len(t, chunks, 2)
	assert.Equal(t, "hello", chunks[0].Response)
	assert.Equal(t, model.ChunkStatusLoading, chunks[1].Status)

	data, err = stream.Next(ctx)
	require.NoError(t, err)
	chunks = model.DecodeChunks(data)
	require.Len(t, chunks, 1)
	assert.Equal(t, model.ChunkStatusFinished, chunks[0].Status)

	_, err = stream.Next(ctx)
	assert.Equal(t, io.EOF, err)
}

func TestScriptedAgentStreamError(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("upstream gone")
	agent := NewScriptedAgent(
		Step(TextChunk("partial")),
		ScriptedStep{Err: boom},
	)

	stream, err := agent.Stream(ctx, &model.Run{ID: "run-1"})
	require.NoError(t, err)
	defer stream.Close()

	_, err = stream.Next(ctx)
	require.NoError(t, err)
	_, err = stream.Next(ctx)
	assert.Equal(t, boom, err)
}
