// Package cancel 取消信号 mock 实现
package cancel

import (
	"context"
	"sync"
)

// ============================================================================
// MemorySignal - 内存取消信号（用于测试和本地开发）
// ============================================================================

// MemorySignal 基于内存的 Signal 实现
type MemorySignal struct {
	mu       sync.Mutex
	flags    map[string]bool
	watchers map[string][]*memoryWatcher
}

// NewMemorySignal 创建内存取消信号实例
func NewMemorySignal() *MemorySignal {
	return &MemorySignal{
		flags:    make(map[string]bool),
		watchers: make(map[string][]*memoryWatcher),
	}
}

// Request 置位标志并通知所有监视器
func (m *MemorySignal) Request(ctx context.Context, runID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.flags[runID] = true
	for _, w := range m.watchers[runID] {
		w.fire()
	}
	m.watchers[runID] = nil
	return nil
}

// Has 查询标志
func (m *MemorySignal) Has(ctx context.Context, runID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.flags[runID], nil
}

// Clear 清除标志
func (m *MemorySignal) Clear(ctx context.Context, runID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.flags, runID)
	return nil
}

// Watch 监视取消信号
func (m *MemorySignal) Watch(ctx context.Context, runID string) (Watcher, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	w := &memoryWatcher{done: make(chan struct{})}
	if m.flags[runID] {
		w.fire()
		return w, nil
	}
	m.watchers[runID] = append(m.watchers[runID], w)
	return w, nil
}

type memoryWatcher struct {
	done     chan struct{}
	fireOnce sync.Once
}

func (w *memoryWatcher) Done() <-chan struct{} { return w.done }
func (w *memoryWatcher) Stop()                 {}

func (w *memoryWatcher) fire() {
	w.fireOnce.Do(func() { close(w.done) })
}

// 确保 MemorySignal 实现了接口
var _ Signal = (*MemorySignal)(nil)
