// Package main API Server 入口
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"agent-runs/internal/agents"
	"agent-runs/internal/apiserver/server"
	"agent-runs/internal/config"
	"agent-runs/internal/shared/infra"
	"agent-runs/internal/shared/storage"
	sqlitedriver "agent-runs/internal/shared/storage/driver/sqlite"
	"agent-runs/internal/shared/storage/postgres"
	"agent-runs/internal/shared/storage/repository"
)

func main() {
	// 加载配置（自动加载 .env，按环境切换数据库和 Redis）
	cfg := config.Load()

	log.Printf("Starting API Server... [env=%s]", cfg.Env)
	log.Printf("Config: %s", cfg.String())

	// 初始化持久化存储
	store, err := openStore(cfg)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer store.Close()
	log.Println("Connected to database")

	// 初始化 Redis（事件日志、取消信号、任务队列）
	redisInfra, err := infra.NewRedisInfra(cfg.RedisURL, cfg.Run)
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer redisInfra.Close()

	inf := &infra.Infrastructure{
		Storage:  store,
		EventLog: redisInfra.EventLog(),
		Cancel:   redisInfra.Cancel(),
		Queue:    redisInfra.Queue(),
	}

	registry, err := buildRegistry(cfg)
	if err != nil {
		log.Fatalf("Failed to build agent registry: %v", err)
	}
	log.Printf("Registered agents: %v", registry.IDs())

	h := server.NewHandler(store, inf, registry, cfg)

	// 周期刷新队列积压指标
	ctx, cancelFn := context.WithCancel(context.Background())
	defer cancelFn()
	h.GetMetrics().StartQueueStatsLoop(ctx, inf.Queue, 15*time.Second)

	srv := &http.Server{
		Addr:        ":" + cfg.APIPort,
		Handler:     h.Router(),
		ReadTimeout: 15 * time.Second,
		// SSE 长连接不能设置 WriteTimeout，生命周期由流自身的
		// MaxLifetime 控制
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}

	// 优雅关闭
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Println("Shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("Server shutdown error: %v", err)
		}
	}()

	log.Printf("API Server listening on :%s", cfg.APIPort)
	if err := srv.ListenAndServe(); err != http.ErrServerClosed {
		log.Fatalf("Server error: %v", err)
	}

	fmt.Println("Server stopped")
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
// 上游执行引擎通过 AGENT_ENDPOINTS 注入（id=url,id=url）；
// 非生产环境额外注册本地回显 Agent 便于联调。
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
