// Package config 配置
package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	envconfig "github.com/exchange/saga/pkg/config"
)

// Config 服务配置
type Config struct {
	ServiceName string
	HTTPPort    int
	AppEnv      string

	// PostgreSQL
	DBHost            string
	DBPort            int
	DBUser            string
	DBPassword        string
	DBName            string
	DBSSLMode         string
	DBMaxOpenConns    int
	DBMaxIdleConns    int
	DBConnMaxLifetime time.Duration
	DBConnMaxIdleTime time.Duration

	// Redis
	RedisAddr         string
	RedisPassword     string
	RedisDB           int
	RedisPoolSize     int
	RedisMinIdleConns int

	// Streams
	RequestStream string
	EventStream   string
	OutcomeStream string
	ConsumerGroup string
	ConsumerName  string
	StreamMaxLen  int64
	NotifyChannel string

	// Definitions
	DefinitionDir string

	// Engine
	MaxCASAttempts          int
	DefaultStepTimeout      time.Duration
	MaxCompensationAttempts int
	CompensationRetryBase   time.Duration
	CompensationRetryMax    time.Duration
	ProcessedWindow         int
	DedupTTL                time.Duration

	// Timers
	TimerPollInterval time.Duration
	TimerBatchSize    int64

	// Recovery sweep
	SweepInterval   time.Duration
	StallAfter      time.Duration
	SweepBatchLimit int

	// Tracing
	TracingEnabled  bool
	JaegerEndpoint  string
	TraceSampleRate float64

	// Auth
	InternalToken string
	MetricsToken  string

	LogLevel string
	WorkerID int64
}

// Load 加载配置
func Load() *Config {
	appEnv := strings.ToLower(envconfig.GetEnv("APP_ENV", "dev"))
	return &Config{
		ServiceName: envconfig.GetEnv("SERVICE_NAME", "exchange-saga"),
		HTTPPort:    envconfig.GetEnvInt("SAGA_HTTP_PORT", envconfig.GetEnvInt("HTTP_PORT", 8087)),
		AppEnv:      appEnv,

		DBHost:            envconfig.GetEnv("DB_HOST", "localhost"),
		DBPort:            envconfig.GetEnvInt("DB_PORT", 5437), // 默认使用5437避免与其他项目冲突
		DBUser:            envconfig.GetEnv("DB_USER", "saga"),
		DBPassword:        envconfig.GetEnv("DB_PASSWORD", "saga123"),
		DBName:            envconfig.GetEnv("DB_NAME", "saga"),
		DBSSLMode:         envconfig.GetEnv("DB_SSL_MODE", "disable"),
		DBMaxOpenConns:    envconfig.GetEnvInt("DB_MAX_OPEN_CONNS", 50),
		DBMaxIdleConns:    envconfig.GetEnvInt("DB_MAX_IDLE_CONNS", 10),
		DBConnMaxLifetime: envconfig.GetEnvDuration("DB_CONN_MAX_LIFETIME", 30*time.Minute),
		DBConnMaxIdleTime: envconfig.GetEnvDuration("DB_CONN_MAX_IDLE_TIME", 5*time.Minute),

		RedisAddr:         envconfig.GetEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword:     envconfig.GetEnv("REDIS_PASSWORD", ""),
		RedisDB:           envconfig.GetEnvInt("REDIS_DB", 0),
		RedisPoolSize:     envconfig.GetEnvInt("REDIS_POOL_SIZE", 200),
		RedisMinIdleConns: envconfig.GetEnvInt("REDIS_MIN_IDLE_CONNS", 20),

		RequestStream: envconfig.GetEnv("SAGA_REQUEST_STREAM", "saga:requests"),
		EventStream:   envconfig.GetEnv("SAGA_EVENT_STREAM", "saga:events"),
		OutcomeStream: envconfig.GetEnv("SAGA_OUTCOME_STREAM", "saga:outcomes"),
		ConsumerGroup: envconfig.GetEnv("SAGA_CONSUMER_GROUP", "saga-engine"),
		ConsumerName:  envconfig.GetEnv("SAGA_CONSUMER_NAME", "saga-engine-1"),
		StreamMaxLen:  envconfig.GetEnvInt64("SAGA_STREAM_MAX_LEN", 100000),
		NotifyChannel: envconfig.GetEnv("SAGA_NOTIFY_CHANNEL", "saga:notify:{correlationId}"),

		DefinitionDir: envconfig.GetEnv("SAGA_DEFINITION_DIR", "./definitions"),

		MaxCASAttempts:          envconfig.GetEnvInt("SAGA_MAX_CAS_ATTEMPTS", 5),
		DefaultStepTimeout:      envconfig.GetEnvDuration("SAGA_DEFAULT_STEP_TIMEOUT", 30*time.Second),
		MaxCompensationAttempts: envconfig.GetEnvInt("SAGA_MAX_COMPENSATION_ATTEMPTS", 5),
		CompensationRetryBase:   envconfig.GetEnvDuration("SAGA_COMPENSATION_RETRY_BASE", time.Second),
		CompensationRetryMax:    envconfig.GetEnvDuration("SAGA_COMPENSATION_RETRY_MAX", 30*time.Second),
		ProcessedWindow:         envconfig.GetEnvInt("SAGA_PROCESSED_WINDOW", 256),
		DedupTTL:                envconfig.GetEnvDuration("SAGA_DEDUP_TTL", 24*time.Hour),

		TimerPollInterval: envconfig.GetEnvDuration("SAGA_TIMER_POLL_INTERVAL", time.Second),
		TimerBatchSize:    envconfig.GetEnvInt64("SAGA_TIMER_BATCH_SIZE", 128),

		SweepInterval:   envconfig.GetEnvDuration("SAGA_SWEEP_INTERVAL", time.Minute),
		StallAfter:      envconfig.GetEnvDuration("SAGA_STALL_AFTER", 5*time.Minute),
		SweepBatchLimit: envconfig.GetEnvInt("SAGA_SWEEP_BATCH_LIMIT", 100),

		TracingEnabled:  envconfig.GetEnvBool("TRACING_ENABLED", false),
		JaegerEndpoint:  envconfig.GetEnv("JAEGER_ENDPOINT", "http://localhost:14268/api/traces"),
		TraceSampleRate: envconfig.GetEnvFloat64("TRACE_SAMPLE_RATE", 0.1),

		InternalToken: envconfig.GetEnv("INTERNAL_TOKEN", ""),
		MetricsToken:  envconfig.GetEnv("METRICS_TOKEN", ""),

		LogLevel: envconfig.GetEnv("LOG_LEVEL", "info"),
		WorkerID: envconfig.GetEnvInt64("WORKER_ID", 5),
	}
}

func (c *Config) Validate() error {
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("SAGA_HTTP_PORT out of range: %d", c.HTTPPort)
	}
	if c.WorkerID < 0 || c.WorkerID > 1023 {
		return fmt.Errorf("WORKER_ID must be between 0 and 1023, got %d", c.WorkerID)
	}
	if c.MaxCASAttempts < 1 {
		return fmt.Errorf("SAGA_MAX_CAS_ATTEMPTS must be at least 1")
	}
	if c.MaxCompensationAttempts < 1 {
		return fmt.Errorf("SAGA_MAX_COMPENSATION_ATTEMPTS must be at least 1")
	}
	if c.TimerPollInterval <= 0 {
		return fmt.Errorf("SAGA_TIMER_POLL_INTERVAL must be positive")
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("SAGA_SWEEP_INTERVAL must be positive")
	}
	if c.DefaultStepTimeout <= 0 {
		return fmt.Errorf("SAGA_DEFAULT_STEP_TIMEOUT must be positive")
	}
	if !strings.Contains(c.NotifyChannel, "{correlationId}") {
		return fmt.Errorf("SAGA_NOTIFY_CHANNEL must contain {correlationId}")
	}
	if c.InternalToken == "" {
		return fmt.Errorf("INTERNAL_TOKEN is required")
	}
	if c.AppEnv != "dev" {
		if len(c.InternalToken) < envconfig.MinSecretLength {
			return fmt.Errorf("INTERNAL_TOKEN must be at least %d characters (APP_ENV=%s)", envconfig.MinSecretLength, c.AppEnv)
		}
		if envconfig.IsInsecureDevSecret(c.InternalToken) {
			return fmt.Errorf("INTERNAL_TOKEN must not be a dev placeholder (APP_ENV=%s)", c.AppEnv)
		}
		if c.MetricsToken == "" {
			return fmt.Errorf("METRICS_TOKEN is required (APP_ENV=%s)", c.AppEnv)
		}
		if len(c.MetricsToken) < envconfig.MinSecretLength {
			return fmt.Errorf("METRICS_TOKEN must be at least %d characters (APP_ENV=%s)", envconfig.MinSecretLength, c.AppEnv)
		}
		if envconfig.IsInsecureDevSecret(c.MetricsToken) {
			return fmt.Errorf("METRICS_TOKEN must not be a dev placeholder (APP_ENV=%s)", c.AppEnv)
		}
		if c.DBPassword == "" || c.DBPassword == "saga123" {
			return fmt.Errorf("DB_PASSWORD must be explicitly set (APP_ENV=%s)", c.AppEnv)
		}
		if strings.EqualFold(c.DBSSLMode, "disable") {
			return fmt.Errorf("DB_SSL_MODE must not be disable (APP_ENV=%s)", c.AppEnv)
		}
	}
	return nil
}

// DSN 返回数据库连接字符串
func (c *Config) DSN() string {
	return "host=" + c.DBHost +
		" port=" + strconv.Itoa(c.DBPort) +
		" user=" + c.DBUser +
		" password=" + c.DBPassword +
		" dbname=" + c.DBName +
		" sslmode=" + c.DBSSLMode
}
