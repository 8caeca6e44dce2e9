// Package main Run Worker 入口
//
// 消费任务队列并驱动 Agent 执行流，一个进程一个消费者身份。
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"agent-runs/internal/agents"
	"agent-runs/internal/config"
	"agent-runs/internal/shared/infra"
	"agent-runs/internal/shared/storage"
	sqlitedriver "agent-runs/internal/shared/storage/driver/sqlite"
	"agent-runs/internal/shared/storage/postgres"
	"agent-runs/internal/shared/storage/repository"
	"agent-runs/internal/worker"
)

func main() {
	cfg := config.Load()

	consumerID := buildConsumerID()
	log.Printf("Starting Run Worker... [env=%s consumer=%s]", cfg.Env, consumerID)
	log.Printf("Config: %s", cfg.String())

	store, err := openStore(cfg)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer store.Close()
	log.Println("Connected to database")

	redisInfra, err := infra.NewRedisInfra(cfg.RedisURL, cfg.Run)
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer redisInfra.Close()

	registry, err := buildRegistry(cfg)
	if err != nil {
		log.Fatalf("Failed to build agent registry: %v", err)
	}
	log.Printf("Registered agents: %v", registry.IDs())

	w := worker.New(store, redisInfra.EventLog(), redisInfra.Cancel(), redisInfra.Queue(),
		registry, cfg.Run, consumerID)
	w.SetMetrics(worker.NewMetrics("worker", consumerID))

	// 指标与健康检查端点
	metricsPort := os.Getenv("WORKER_METRICS_PORT")
	if metricsPort == "" {
		metricsPort = "9090"
	}
	metricsMux := http.NewServeMux()
	metricsMux.Handle("GET /metrics", worker.MetricsHandler())
	metricsMux.HandleFunc("GET /health", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(http.StatusOK)
		fmt.Fprintln(rw, `{"status":"ok"}`)
	})
	metricsSrv := &http.Server{
		Addr:         ":" + metricsPort,
		Handler:      metricsMux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	go func() {
		log.Printf("Worker metrics listening on :%s", metricsPort)
		if err := metricsSrv.ListenAndServe(); err != http.ErrServerClosed {
			log.Printf("Metrics server error: %v", err)
		}
	}()

	// 消费主循环，SIGINT/SIGTERM 触发优雅退出：
	// 停止领取新任务，等待在途任务收尾
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := w.Run(ctx); err != nil {
		log.Fatalf("Worker error: %v", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	metricsSrv.Shutdown(shutdownCtx)

	fmt.Println("Worker stopped")
}

// buildConsumerID 生成本进程的消费者身份：<hostname>-<随机后缀>
//
// 同机多进程部署时后缀保证消费者互不冲突。
func buildConsumerID() string {
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "worker"
	}
	suffix := strings.Split(uuid.NewString(), "-")[0]
	return hostname + "-" + suffix
}

// openStore 按配置的数据库驱动初始化存储
func openStore(cfg *config.Config) (storage.PersistentStore, error) {
	if cfg.DatabaseDriver == "sqlite" {
		db, err := sqlitedriver.Open(cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		dialect := sqlitedriver.NewDialect()
		if err := dialect.AutoMigrate(db); err != nil {
			db.Close()
			return nil, err
		}
		return repository.NewStore(db, dialect), nil
	}
	return postgres.NewStore(cfg.DatabaseURL)
}

// buildRegistry 装配 Agent 注册表
//
// Worker 与 API Server 必须注册同一组 agent_id，否则已入队的任务
// 会以 unknown_agent 失败。
func buildRegistry(cfg *config.Config) (*agents.Registry, error) {
	registry := agents.NewRegistry()
	if err := agents.RegisterHTTPAgents(registry, os.Getenv("AGENT_ENDPOINTS")); err != nil {
		return nil, err
	}
	if cfg.Env != config.EnvProduction {
		registry.Register("echo", agents.NewEchoAgent())
	}
	return registry, nil
}
