// Package redis 事件日志操作
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"agent-runs/internal/shared/eventlog"
)

// Append 追加事件并刷新整条流的 TTL
// XADD 与 EXPIRE 通过 pipeline 一次往返提交
func (s *Store) Append(ctx context.Context, runID, eventType string, payload []byte) (string, error) {
	key := eventlog.KeyRunEvents + runID

	pipe := s.client.Pipeline()
	add := pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: key,
		MaxLen: s.maxLen,
		Approx: true,
		Values: map[string]interface{}{
			"event": eventType,
			"data":  string(payload),
		},
	})
	pipe.Expire(ctx, key, s.ttl)

	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("append run event: %w: %v", eventlog.ErrUnavailable, err)
	}
	return add.Val(), nil
}

// ListSince 返回序号严格大于 sinceSeq 的全部事件
// Redis Streams 的 "(" 前缀表示排他起点
func (s *Store) ListSince(ctx context.Context, runID, sinceSeq string) ([]*eventlog.Event, error) {
	key := eventlog.KeyRunEvents + runID

	start := "(" + eventlog.NormalizeSeq(sinceSeq)
	messages, err := s.client.XRange(ctx, key, start, "+").Result()
	if err != nil {
		return nil, fmt.Errorf("list run events: %w: %v", eventlog.ErrUnavailable, err)
	}

	events := make([]*eventlog.Event, 0, len(messages))
	for _, msg := range messages {
		events = append(events, decodeMessage(msg))
	}
	return events, nil
}

// LastSeq 返回最后一个事件的序号；流不存在或为空时返回 SeqBeginning
func (s *Store) LastSeq(ctx context.Context, runID string) (string, error) {
	key := eventlog.KeyRunEvents + runID

	messages, err := s.client.XRevRangeN(ctx, key, "+", "-", 1).Result()
	if err != nil {
		return "", fmt.Errorf("last run event seq: %w: %v", eventlog.ErrUnavailable, err)
	}
	if len(messages) == 0 {
		return eventlog.SeqBeginning, nil
	}
	return messages[0].ID, nil
}

// Delete 删除 Run 的整条事件日志
func (s *Store) Delete(ctx context.Context, runID string) error {
	return s.client.Del(ctx, eventlog.KeyRunEvents+runID).Err()
}

// decodeMessage 将流消息转换为事件
// 序号的毫秒部分即事件时间戳
func decodeMessage(msg redis.XMessage) *eventlog.Event {
	e := &eventlog.Event{Seq: msg.ID}
	if v, ok := msg.Values["event"].(string); ok {
		e.EventType = v
	}
	if v, ok := msg.Values["data"].(string); ok {
		e.Payload = []byte(v)
	}
	var ms int64
	if _, err := fmt.Sscanf(msg.ID, "%d-", &ms); err == nil {
		e.Ts = time.UnixMilli(ms).UTC()
	}
	return e
}

// 确保 Store 实现了 Log 接口
var _ eventlog.Log = (*Store)(nil)
