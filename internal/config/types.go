// Package config 统一配置管理
//
// API Server 和 Run Worker 共用同一 YAML schema，通过章节（section）
// 区分各组件的配置。
//
// 配置加载优先级（高→低）：
//  1. 环境变量（通过 .env 文件或 shell/systemd 注入）
//  2. YAML 配置文件（{env}.yaml，如 dev.yaml、test.yaml、prod.yaml）
//  3. 代码硬编码默认值
//
// 凭据单一数据源：
//
//	密码只存在 .env 文件中（YAML 中不存储任何密码）。
//	.env 文件同时被 Docker Compose（--env-file）和 Go 应用（godotenv）
//	共用，确保单一数据源。
//
// 环境：
//   - 开发: APP_ENV=dev (默认)
//   - 测试: APP_ENV=test
//   - 生产: APP_ENV=prod
package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment 环境类型
type Environment string

const (
	EnvProduction  Environment = "prod"
	EnvTest        Environment = "test" // 测试环境（集成测试 + E2E 共用）
	EnvDevelopment Environment = "dev"
)

// YAMLConfig 统一 YAML 配置文件结构
type YAMLConfig struct {
	Server   ServerConfig   `yaml:"server"`   // API Server 监听配置
	Database DatabaseConfig `yaml:"database"` // 数据库（共享）
	Redis    RedisConfig    `yaml:"redis"`    // Redis（共享）
	Run      RunConfig      `yaml:"run"`      // Run 执行与事件流配置
	Stream   StreamConfig   `yaml:"stream"`   // SSE 流式推送配置
}

type ServerConfig struct {
	Port string `yaml:"port"`
}

type DatabaseConfig struct {
	Driver   string `yaml:"driver"` // "postgres" or "sqlite"（默认 postgres）
	Path     string `yaml:"path"`   // SQLite 文件路径
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"-"` // 只从 DB_PASSWORD 环境变量读取
	Name     string `yaml:"name"`
	SSLMode  string `yaml:"sslmode"`
}

type RedisConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	DB       int    `yaml:"db"`
	Password string `yaml:"-"`   // 只从 REDIS_PASSWORD 环境变量读取
	URL      string `yaml:"url"` // 直接指定 URL（优先于 host/port/db）
}

// RunConfig Run 执行与事件流配置
type RunConfig struct {
	// Worker 侧分片缓冲刷新
	FlushInterval time.Duration `yaml:"flush_interval"`  // 缓冲刷新间隔
	FlushMaxChars int           `yaml:"flush_max_chars"` // 缓冲字符上限

	// 取消信号
	CancelPollInterval time.Duration `yaml:"cancel_poll_interval"` // 取消标志兜底轮询间隔
	CancelTTL          time.Duration `yaml:"cancel_ttl"`           // 取消标志过期时间

	// 事件日志
	EventsTTL    time.Duration `yaml:"events_ttl"`     // 事件流过期时间
	StreamMaxLen int64         `yaml:"stream_max_len"` // 单条事件流长度上限（近似裁剪）

	// 任务队列
	MaxTries       int           `yaml:"max_tries"`        // 单个 Run 最大尝试次数（含首次）
	ConsumeBlock   time.Duration `yaml:"consume_block"`    // 消费端阻塞读取超时
	Concurrency    int           `yaml:"concurrency"`      // Worker 并发处理数
	ReclaimMinIdle time.Duration `yaml:"reclaim_min_idle"` // pending 消息重领的最小空闲时间
}

// StreamConfig SSE 流式推送配置
type StreamConfig struct {
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"` // 心跳帧间隔
	MaxLifetime       time.Duration `yaml:"max_lifetime"`       // 单连接最长存活时间
	PollInterval      time.Duration `yaml:"poll_interval"`      // 事件轮询间隔
}

// ============================================================================
// YAML 反序列化
// ============================================================================
//
// yaml.v3 不支持把 "100ms" 这类 Go duration 字面量解析成 time.Duration，
// 这里手动解码。只覆盖 YAML 中出现的字段，缺省字段保留已有值，
// 保证 common.yaml → {env}.yaml 的叠加语义。

// UnmarshalYAML 解析 run 配置段
func (r *RunConfig) UnmarshalYAML(node *yaml.Node) error {
	var raw struct {
		FlushInterval      string `yaml:"flush_interval"`
		FlushMaxChars      *int   `yaml:"flush_max_chars"`
		CancelPollInterval string `yaml:"cancel_poll_interval"`
		CancelTTL          string `yaml:"cancel_ttl"`
		EventsTTL          string `yaml:"events_ttl"`
		StreamMaxLen       *int64 `yaml:"stream_max_len"`
		MaxTries           *int   `yaml:"max_tries"`
		ConsumeBlock       string `yaml:"consume_block"`
		Concurrency        *int   `yaml:"concurrency"`
		ReclaimMinIdle     string `yaml:"reclaim_min_idle"`
	}
	if err := node.Decode(&raw); err != nil {
		return err
	}

	if err := setDuration(&r.FlushInterval, "flush_interval", raw.FlushInterval); err != nil {
		return err
	}
	if err := setDuration(&r.CancelPollInterval, "cancel_poll_interval", raw.CancelPollInterval); err != nil {
		return err
	}
	if err := setDuration(&r.CancelTTL, "cancel_ttl", raw.CancelTTL); err != nil {
		return err
	}
	if err := setDuration(&r.EventsTTL, "events_ttl", raw.EventsTTL); err != nil {
		return err
	}
	if err := setDuration(&r.ConsumeBlock, "consume_block", raw.ConsumeBlock); err != nil {
		return err
	}
	if err := setDuration(&r.ReclaimMinIdle, "reclaim_min_idle", raw.ReclaimMinIdle); err != nil {
		return err
	}
	if raw.FlushMaxChars != nil {
		r.FlushMaxChars = *raw.FlushMaxChars
	}
	if raw.StreamMaxLen != nil {
		r.StreamMaxLen = *raw.StreamMaxLen
	}
	if raw.MaxTries != nil {
		r.MaxTries = *raw.MaxTries
	}
	if raw.Concurrency != nil {
		r.Concurrency = *raw.Concurrency
	}
	return nil
}

// UnmarshalYAML 解析 stream 配置段
func (s *StreamConfig) UnmarshalYAML(node *yaml.Node) error {
	var raw struct {
		HeartbeatInterval string `yaml:"heartbeat_interval"`
		MaxLifetime       string `yaml:"max_lifetime"`
		PollInterval      string `yaml:"poll_interval"`
	}
	if err := node.Decode(&raw); err != nil {
		return err
	}

	if err := setDuration(&s.HeartbeatInterval, "heartbeat_interval", raw.HeartbeatInterval); err != nil {
		return err
	}
	if err := setDuration(&s.MaxLifetime, "max_lifetime", raw.MaxLifetime); err != nil {
		return err
	}
	return setDuration(&s.PollInterval, "poll_interval", raw.PollInterval)
}

// setDuration 解析非空的 duration 字面量并写入目标字段
func setDuration(dst *time.Duration, field, value string) error {
	if value == "" {
		return nil
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("invalid duration for %s: %q", field, value)
	}
	*dst = parsed
	return nil
}

// Config 应用配置（最终使用的配置）
type Config struct {
	Env            Environment
	DatabaseDriver string // "postgres" or "sqlite"
	DatabaseURL    string
	RedisURL       string
	APIPort        string
	Run            RunConfig
	Stream         StreamConfig
}
