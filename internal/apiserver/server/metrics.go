// Prometheus 指标导出
package server

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics 包含所有 API Server 指标
type Metrics struct {
	// HTTP 请求指标
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge

	// SSE 指标
	SSEConnectionsActive prometheus.Gauge
	SSEConnectionsTotal  prometheus.Counter

	// 任务队列指标
	QueueLength  prometheus.Gauge
	QueuePending prometheus.Gauge
}

// NewMetrics 创建指标实例
func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		HTTPRequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path"},
		),
		HTTPRequestsInFlight: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "http_requests_in_flight",
				Help:      "Current number of HTTP requests being processed",
			},
		),
		SSEConnectionsActive: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "sse_connections_active",
				Help:      "Active SSE event stream connections",
			},
		),
		SSEConnectionsTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sse_connections_total",
				Help:      "Total SSE event stream connections opened",
			},
		),
		QueueLength: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "run_queue_length",
				Help:      "Run job queue backlog",
			},
		),
		QueuePending: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "run_queue_pending",
				Help:      "Run jobs claimed by workers but not yet acked",
			},
		),
	}
}

// MetricsMiddleware 创建 HTTP 指标中间件
func (m *Metrics) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		m.HTTPRequestsInFlight.Inc()
		defer m.HTTPRequestsInFlight.Dec()

		// 包装 ResponseWriter 以捕获状态码
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start).Seconds()
		path := normalizePath(r.URL.Path)
		status := strconv.Itoa(wrapped.statusCode)

		m.HTTPRequestsTotal.WithLabelValues(r.Method, path, status).Inc()
		m.HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// TrackSSE 包装 SSE 处理函数，维护连接数指标
func (m *Metrics) TrackSSE(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		m.SSEConnectionsTotal.Inc()
		m.SSEConnectionsActive.Inc()
		defer m.SSEConnectionsActive.Dec()
		next(w, r)
	}
}

// QueueStats 队列积压查询接口
type QueueStats interface {
	GetQueueLength(ctx context.Context) (int64, error)
	GetPendingCount(ctx context.Context) (int64, error)
}

// StartQueueStatsLoop 周期性刷新队列积压指标，ctx 取消后退出
func (m *Metrics) StartQueueStatsLoop(ctx context.Context, stats QueueStats, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if length, err := stats.GetQueueLength(ctx); err == nil {
					m.QueueLength.Set(float64(length))
				}
				if pending, err := stats.GetPendingCount(ctx); err == nil {
					m.QueuePending.Set(float64(pending))
				}
			}
		}
	}()
}

// responseWriter 包装 http.ResponseWriter 以捕获状态码
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// normalizePath 规范化路径，将 ID 替换为占位符，避免高基数
func normalizePath(path string) string {
	switch {
	case strings.HasPrefix(path, "/api/chat/runs/"):
		rest := path[len("/api/chat/runs/"):]
		if idx := strings.IndexByte(rest, '/'); idx >= 0 {
			return "/api/chat/runs/{id}" + rest[idx:]
		}
		return "/api/chat/runs/{id}"
	case strings.HasPrefix(path, "/api/chat/threads/"):
		rest := path[len("/api/chat/threads/"):]
		if idx := strings.IndexByte(rest, '/'); idx >= 0 {
			return "/api/chat/threads/{id}" + rest[idx:]
		}
		return "/api/chat/threads/{id}"
	default:
		return path
	}
}

// MetricsHandler 返回 Prometheus HTTP Handler
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
