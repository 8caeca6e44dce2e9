// Package redis Redis 取消信号实现
//
// 标志使用 SET EX 写入（TTL 兜底过期），通知通过共享频道 PUBLISH
// 广播，消息载荷为 run_id。Watch 订阅共享频道并按载荷过滤，同时按
// 固定间隔兜底轮询标志，保证通知丢失（订阅建立前已发布）时仍能
// 观察到取消。
package redis

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"agent-runs/internal/shared/cancel"
)

// Signal Redis 取消信号
type Signal struct {
	client       *redis.Client
	ttl          time.Duration // 取消标志过期时间
	pollInterval time.Duration // Watch 兜底轮询间隔
}

// NewSignal 基于已有客户端创建取消信号实例
func NewSignal(client *redis.Client, ttl, pollInterval time.Duration) *Signal {
	return &Signal{client: client, ttl: ttl, pollInterval: pollInterval}
}

// NewSignalFromURL 从 URL 创建取消信号实例
func NewSignalFromURL(redisURL string, ttl, pollInterval time.Duration) (*Signal, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancelFn := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelFn()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	log.Printf("[Redis/Cancel] Connected to %s", opts.Addr)
	return NewSignal(client, ttl, pollInterval), nil
}

// Request 置位取消标志并广播通知
// PUBLISH 失败不影响标志写入（订阅方有兜底轮询）
func (s *Signal) Request(ctx context.Context, runID string) error {
	if err := s.client.Set(ctx, cancel.KeyRunCancel+runID, cancel.FlagValue, s.ttl).Err(); err != nil {
		return fmt.Errorf("set cancel flag: %w", err)
	}
	if err := s.client.Publish(ctx, cancel.ChannelRunCancel, runID).Err(); err != nil {
		log.Printf("[cancel.request] publish notify failed for run %s: %v", runID, err)
	}
	return nil
}

// Has 查询取消标志
func (s *Signal) Has(ctx context.Context, runID string) (bool, error) {
	n, err := s.client.Exists(ctx, cancel.KeyRunCancel+runID).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Clear 清除取消标志
func (s *Signal) Clear(ctx context.Context, runID string) error {
	return s.client.Del(ctx, cancel.KeyRunCancel+runID).Err()
}

// Watch 监视取消信号
func (s *Signal) Watch(ctx context.Context, runID string) (cancel.Watcher, error) {
	pubsub := s.client.Subscribe(ctx, cancel.ChannelRunCancel)
	// 确认订阅建立，避免错过订阅前后窗口内的通知时完全依赖轮询
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("subscribe cancel channel: %w", err)
	}

	w := &watcher{
		done: make(chan struct{}),
		stop: make(chan struct{}),
	}
	go w.loop(ctx, s, pubsub, runID)
	return w, nil
}

// watcher Redis 取消信号监视器
type watcher struct {
	done     chan struct{}
	stop     chan struct{}
	stopOnce sync.Once
	fireOnce sync.Once
}

func (w *watcher) Done() <-chan struct{} { return w.done }

func (w *watcher) Stop() {
	w.stopOnce.Do(func() { close(w.stop) })
}

func (w *watcher) fire() {
	w.fireOnce.Do(func() { close(w.done) })
}

// loop 订阅通知 + 兜底轮询标志
func (w *watcher) loop(ctx context.Context, s *Signal, pubsub *redis.PubSub, runID string) {
	defer pubsub.Close()

	// 订阅建立前标志可能已置位，先查一次
	if set, err := s.Has(ctx, runID); err == nil && set {
		w.fire()
		return
	}

	w.watch(ctx, s, pubsub.Channel(), runID)
}

// watch 消费共享频道的取消通知，同时按固定间隔兜底轮询标志
// 共享频道广播所有 Run 的取消，按消息载荷中的 run_id 过滤
func (w *watcher) watch(ctx context.Context, s *Signal, ch <-chan *redis.Message, runID string) {
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			if msg.Payload != runID {
				continue
			}
			w.fire()
			return
		case <-ticker.C:
			if set, err := s.Has(ctx, runID); err == nil && set {
				w.fire()
				return
			}
		}
	}
}

// 确保 Signal 实现了接口
var _ cancel.Signal = (*Signal)(nil)
