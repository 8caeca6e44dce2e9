package worker

import (
	"context"
	"testing"
	"time"

	"agent-runs/internal/shared/cancel"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunContextObservesCancel(t *testing.T) {
	ctx := context.Background()
	signal := cancel.NewMemorySignal()
	rc := NewRunContext("run-1", signal)
	require.NoError(t, rc.Start(ctx))
	defer rc.Close()

	assert.False(t, rc.Fired())
	assert.False(t, rc.IsCancelled(ctx))

	require.NoError(t, signal.Request(ctx, "run-1"))
	select {
	case <-rc.Done():
	case <-time.After(time.Second):
		t.Fatal("run context did not observe cancel")
	}
	assert.True(t, rc.Fired())
	assert.True(t, rc.IsCancelled(ctx))
}

func TestRunContextFlagFallback(t *testing.T) {
	// 未启动监视器时 IsCancelled 兜底查询标志
	ctx := context.Background()
	signal := cancel.NewMemorySignal()
	rc := NewRunContext("run-1", signal)

	assert.False(t, rc.IsCancelled(ctx))
	require.NoError(t, signal.Request(ctx, "run-1"))
	assert.False(t, rc.Fired())
	assert.True(t, rc.IsCancelled(ctx))
}
