// Package worker Prometheus 指标导出
package worker

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics 包含所有 Worker 指标
type Metrics struct {
	// Run 处理指标
	RunsRunning prometheus.Gauge
	RunsTotal   *prometheus.CounterVec
	RunDuration *prometheus.HistogramVec

	// 重试指标
	RetriesTotal prometheus.Counter

	// 事件写入指标
	EventsAppended *prometheus.CounterVec
}

// NewMetrics 创建 Worker 指标实例
func NewMetrics(namespace, consumerID string) *Metrics {
	labels := prometheus.Labels{"consumer_id": consumerID}

	return &Metrics{
		RunsRunning: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace:   namespace,
				Name:        "runs_running",
				Help:        "Number of runs currently being processed",
				ConstLabels: labels,
			},
		),
		RunsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   namespace,
				Name:        "runs_total",
				Help:        "Total runs processed by terminal status",
				ConstLabels: labels,
			},
			[]string{"status"},
		),
		RunDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace:   namespace,
				Name:        "run_duration_seconds",
				Help:        "Run processing duration in seconds",
				Buckets:     []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300, 600},
				ConstLabels: labels,
			},
			[]string{"status"},
		),
		RetriesTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace:   namespace,
				Name:        "retries_total",
				Help:        "Total run retries re-enqueued",
				ConstLabels: labels,
			},
		),
		EventsAppended: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   namespace,
				Name:        "events_appended_total",
				Help:        "Total run events appended by type",
				ConstLabels: labels,
			},
			[]string{"type"},
		),
	}
}

// RecordRunStart 记录 Run 开始处理
func (m *Metrics) RecordRunStart() {
	if m == nil {
		return
	}
	m.RunsRunning.Inc()
}

// RecordRunComplete 记录 Run 处理结束
func (m *Metrics) RecordRunComplete(status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.RunsRunning.Dec()
	m.RunsTotal.WithLabelValues(status).Inc()
	m.RunDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// RecordRetry 记录一次重试入队
func (m *Metrics) RecordRetry() {
	if m == nil {
		return
	}
	m.RetriesTotal.Inc()
}

// RecordEvent 记录一次事件写入
func (m *Metrics) RecordEvent(eventType string) {
	if m == nil {
		return
	}
	m.EventsAppended.WithLabelValues(eventType).Inc()
}

// MetricsHandler 返回 Prometheus HTTP Handler
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
