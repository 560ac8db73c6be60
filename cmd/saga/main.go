package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/exchange/saga/internal/config"
	"github.com/exchange/saga/internal/definition"
	"github.com/exchange/saga/internal/engine"
	"github.com/exchange/saga/internal/metrics"
	"github.com/exchange/saga/internal/notify"
	"github.com/exchange/saga/internal/recovery"
	"github.com/exchange/saga/internal/repository"
	"github.com/exchange/saga/internal/scheduler"
	"github.com/exchange/saga/pkg/channel"
	"github.com/exchange/saga/pkg/dedup"
	sagaerrors "github.com/exchange/saga/pkg/errors"
	"github.com/exchange/saga/pkg/health"
	"github.com/exchange/saga/pkg/logger"
	"github.com/exchange/saga/pkg/response"
	"github.com/exchange/saga/pkg/snowflake"
	"github.com/exchange/saga/pkg/tracing"
)

func main() {
	cfg := config.Load()
	log.Printf("Starting %s...", cfg.ServiceName)

	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid config: %v", err)
	}

	logger.SetLevel(cfg.LogLevel)
	appLog := logger.New(cfg.ServiceName, os.Stdout)

	if err := snowflake.Init(cfg.WorkerID); err != nil {
		log.Fatalf("Failed to init snowflake: %v", err)
	}

	tracingShutdown, err := tracing.Init(tracing.Config{
		ServiceName: cfg.ServiceName,
		Endpoint:    cfg.JaegerEndpoint,
		Enabled:     cfg.TracingEnabled,
		SampleRate:  cfg.TraceSampleRate,
	})
	if err != nil {
		log.Fatalf("Failed to init tracing: %v", err)
	}

	// 连接数据库
	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(cfg.DBMaxOpenConns)
	db.SetMaxIdleConns(cfg.DBMaxIdleConns)
	db.SetConnMaxLifetime(cfg.DBConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.DBConnMaxIdleTime)

	dbPingCtx, dbPingCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer dbPingCancel()
	if err := db.PingContext(dbPingCtx); err != nil {
		log.Fatalf("Failed to ping database: %v", err)
	}
	log.Printf("Connected to PostgreSQL")

	// 连接 Redis
	redisClient := redis.NewClient(&redis.Options{
		Addr:         cfg.RedisAddr,
		Password:     cfg.RedisPassword,
		DB:           cfg.RedisDB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		PoolSize:     cfg.RedisPoolSize,
		MinIdleConns: cfg.RedisMinIdleConns,
	})
	defer redisClient.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	redisPingCtx, redisPingCancel := context.WithTimeout(ctx, 5*time.Second)
	defer redisPingCancel()
	if err := redisClient.Ping(redisPingCtx).Err(); err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	log.Printf("Connected to Redis")

	// 加载 saga 定义
	registry := definition.NewRegistry()
	loaded, err := registry.LoadDir(cfg.DefinitionDir)
	if err != nil {
		log.Fatalf("Failed to load definitions from %s: %v", cfg.DefinitionDir, err)
	}
	if loaded == 0 {
		log.Fatalf("No saga definitions found in %s", cfg.DefinitionDir)
	}
	log.Printf("Loaded %d saga definitions: %s", loaded, strings.Join(registry.Names(), ", "))

	metricsCollector := metrics.NewDefault()
	repo := repository.NewInstanceRepository(db)
	bus := channel.NewBus(redisClient, cfg.StreamMaxLen)
	guard := dedup.NewGuard(redisClient, "", cfg.DedupTTL)
	notifier := notify.NewPublisher(redisClient, cfg.NotifyChannel)

	// 调度器回调引用引擎，引擎依赖调度器做超时武装，
	// 先建调度器，回调在 Start 之后才会跑，此时引擎已就绪
	var eng *engine.Engine
	sched, err := scheduler.New(scheduler.Config{
		Client: redisClient,
		Logger: appLog,
		Handler: func(ctx context.Context, timer scheduler.Timer) error {
			switch timer.Kind {
			case scheduler.KindStepTimeout:
				return eng.HandleTimeout(ctx, timer.CorrelationID, timer.Step)
			case scheduler.KindCompensationRetry:
				return eng.HandleCompensationRetry(ctx, timer.CorrelationID, timer.Step)
			default:
				appLog.Warnf("unknown timer kind dropped", map[string]interface{}{"kind": timer.Kind})
				return nil
			}
		},
		PollInterval: cfg.TimerPollInterval,
		BatchSize:    cfg.TimerBatchSize,
	})
	if err != nil {
		log.Fatalf("Failed to create scheduler: %v", err)
	}

	eng, err = engine.New(engine.Options{
		Registry: registry,
		Store:    repo,
		Bus:      bus,
		IDGen:    snowflakeIDGen{},
		Logger:   appLog,
		Dedup:    guard,
		Timers:   sched,
		Notifier: notifier,
		Metrics:  metricsCollector,

		MaxCASAttempts:          cfg.MaxCASAttempts,
		DefaultStepTimeout:      cfg.DefaultStepTimeout,
		MaxCompensationAttempts: cfg.MaxCompensationAttempts,
		CompensationRetryBase:   cfg.CompensationRetryBase,
		CompensationRetryMax:    cfg.CompensationRetryMax,
		ProcessedWindow:         cfg.ProcessedWindow,
	})
	if err != nil {
		log.Fatalf("Failed to create engine: %v", err)
	}

	// 入站消费：启动请求流 + 参与方结果流共用一个消费组
	consumer, err := channel.NewConsumer(channel.ConsumerConfig{
		Client:   redisClient,
		Group:    cfg.ConsumerGroup,
		Consumer: cfg.ConsumerName,
		Streams:  []string{cfg.RequestStream, cfg.EventStream},
		Handler: func(ctx context.Context, d *channel.Delivery) error {
			return eng.HandleMessage(ctx, d.Msg)
		},
		Logger:  appLog,
		Metrics: metricsCollector,
	})
	if err != nil {
		log.Fatalf("Failed to create consumer: %v", err)
	}
	if err := consumer.Start(ctx); err != nil {
		log.Fatalf("Failed to start consumer: %v", err)
	}

	sched.Start(ctx)

	// 停摆对账：补发在途命令，上报挂起实例
	sweeper, err := recovery.New(recovery.Options{
		Store:      repo,
		Engine:     eng,
		Logger:     appLog,
		Gauges:     metricsCollector,
		StallAfter: cfg.StallAfter,
		BatchLimit: cfg.SweepBatchLimit,
	})
	if err != nil {
		log.Fatalf("Failed to create sweeper: %v", err)
	}
	go sweeper.Run(ctx, cfg.SweepInterval)

	// HTTP 服务
	mux := http.NewServeMux()

	healthz := health.New()
	healthz.Register(health.NewPostgresChecker(db))
	healthz.Register(health.NewRedisChecker(redisHealthClient{client: redisClient}))
	healthz.Register(health.NewLoopChecker("stream_consumer", consumer.Loop(), 45*time.Second))
	healthz.Register(health.NewLoopChecker("timer_scheduler", sched.Loop(), 45*time.Second))
	healthz.SetReady(true)

	requireInternalAuth := func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("X-Internal-Token") != cfg.InternalToken {
				response.WriteErrorCode(w, r, sagaerrors.CodeUnauthenticated, "unauthorized")
				return
			}
			next(w, r)
		}
	}

	metricsHandler := metricsCollector.Handler()
	if cfg.MetricsToken != "" {
		inner := metricsHandler
		metricsHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !metricsAuthorized(r, cfg.MetricsToken) {
				response.WriteErrorCode(w, r, sagaerrors.CodeUnauthenticated, "unauthorized")
				return
			}
			inner.ServeHTTP(w, r)
		})
	}
	mux.Handle("/metrics", metricsHandler)
	mux.HandleFunc("/live", healthz.LiveHandler())
	mux.HandleFunc("/health", healthz.HealthHandler())
	mux.HandleFunc("/ready", healthz.ReadyHandler())

	// 启动 saga
	mux.HandleFunc("/internal/saga/start", requireInternalAuth(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			response.WriteStatusError(w, r, http.StatusMethodNotAllowed, sagaerrors.CodeInvalidRequest, "method not allowed")
			return
		}
		var req startSagaRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		if req.Definition == "" {
			response.WriteErrorCode(w, r, sagaerrors.CodeInvalidRequest, "definition required")
			return
		}

		inst, err := eng.StartSaga(r.Context(), req.Definition, req.CorrelationID, req.Payload)
		if err != nil {
			writeSagaError(w, r, err)
			return
		}
		response.WriteOK(w, map[string]interface{}{
			"correlationId": inst.CorrelationID,
			"definition":    inst.Definition,
			"state":         inst.State,
			"version":       inst.Version,
		})
	}))

	// 查询实例
	mux.HandleFunc("/internal/saga/get", requireInternalAuth(func(w http.ResponseWriter, r *http.Request) {
		corr := strings.TrimSpace(r.URL.Query().Get("correlationId"))
		if corr == "" {
			response.WriteErrorCode(w, r, sagaerrors.CodeInvalidRequest, "correlationId required")
			return
		}
		inst, err := repo.Load(r.Context(), corr)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				response.WriteError(w, r, sagaerrors.ErrSagaNotFound)
				return
			}
			writeSagaError(w, r, err)
			return
		}
		view := inst.Clone()
		view.Processed = nil
		response.WriteOK(w, view)
	}))

	// 变迁审计
	mux.HandleFunc("/internal/saga/transitions", requireInternalAuth(func(w http.ResponseWriter, r *http.Request) {
		corr := strings.TrimSpace(r.URL.Query().Get("correlationId"))
		if corr == "" {
			response.WriteErrorCode(w, r, sagaerrors.CodeInvalidRequest, "correlationId required")
			return
		}
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		if limit <= 0 {
			limit = 100
		}
		if limit > 1000 {
			limit = 1000
		}
		trs, err := repo.ListTransitions(r.Context(), corr, limit)
		if err != nil {
			writeSagaError(w, r, err)
			return
		}
		response.WriteOK(w, map[string]interface{}{
			"correlationId": corr,
			"transitions":   trs,
		})
	}))

	// 挂起实例列表
	mux.HandleFunc("/internal/saga/stuck", requireInternalAuth(func(w http.ResponseWriter, r *http.Request) {
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		if limit <= 0 {
			limit = 100
		}
		stuck, err := repo.ListStuck(r.Context(), limit)
		if err != nil {
			writeSagaError(w, r, err)
			return
		}
		items := make([]map[string]interface{}, 0, len(stuck))
		for _, inst := range stuck {
			items = append(items, map[string]interface{}{
				"correlationId": inst.CorrelationID,
				"definition":    inst.Definition,
				"failedStep":    inst.FailedStep,
				"reason":        inst.Reason,
				"updatedAtMs":   inst.UpdatedAtMs,
			})
		}
		response.WriteOK(w, map[string]interface{}{"stuck": items})
	}))

	// 中止 saga
	mux.HandleFunc("/internal/saga/abort", requireInternalAuth(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			response.WriteStatusError(w, r, http.StatusMethodNotAllowed, sagaerrors.CodeInvalidRequest, "method not allowed")
			return
		}
		var req abortSagaRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		if req.CorrelationID == "" {
			response.WriteErrorCode(w, r, sagaerrors.CodeInvalidRequest, "correlationId required")
			return
		}
		if err := eng.AbortSaga(r.Context(), req.CorrelationID, req.Reason); err != nil {
			writeSagaError(w, r, err)
			return
		}
		response.WriteOK(w, map[string]interface{}{"correlationId": req.CorrelationID, "aborted": true})
	}))

	// 人工解除挂起，重新推进补偿
	mux.HandleFunc("/internal/saga/retry-compensation", requireInternalAuth(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			response.WriteStatusError(w, r, http.StatusMethodNotAllowed, sagaerrors.CodeInvalidRequest, "method not allowed")
			return
		}
		var req retryCompensationRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		if req.CorrelationID == "" {
			response.WriteErrorCode(w, r, sagaerrors.CodeInvalidRequest, "correlationId required")
			return
		}
		if err := eng.RetryCompensation(r.Context(), req.CorrelationID); err != nil {
			writeSagaError(w, r, err)
			return
		}
		response.WriteOK(w, map[string]interface{}{"correlationId": req.CorrelationID, "retrying": true})
	}))

	// 已注册的定义
	mux.HandleFunc("/internal/saga/definitions", requireInternalAuth(func(w http.ResponseWriter, r *http.Request) {
		response.WriteOK(w, map[string]interface{}{"definitions": registry.Names()})
	}))

	handler := limitBodyMiddleware(maxBodyBytes, mux)
	handler = tracing.HTTPMiddleware(handler)
	handler = response.RequestIDMiddleware(handler)
	handler = response.RecoveryMiddleware(handler)
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:           handler,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	go func() {
		log.Printf("HTTP server listening on :%d", cfg.HTTPPort)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP server error: %v", err)
		}
	}()

	// 等待退出信号
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Println("Shutting down...")
	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	server.Shutdown(shutdownCtx)
	if tracingShutdown != nil {
		tracingShutdown(shutdownCtx)
	}
	log.Println("Shutdown complete")
}

type snowflakeIDGen struct{}

func (snowflakeIDGen) Generate() (int64, error) {
	return snowflake.NextID()
}

type redisHealthClient struct {
	client *redis.Client
}

func (c redisHealthClient) Ping(ctx context.Context) health.RedisPingCmd {
	return c.client.Ping(ctx)
}

type startSagaRequest struct {
	Definition    string          `json:"definition"`
	CorrelationID string          `json:"correlationId"`
	Payload       json.RawMessage `json:"payload"`
}

type abortSagaRequest struct {
	CorrelationID string `json:"correlationId"`
	Reason        string `json:"reason"`
}

type retryCompensationRequest struct {
	CorrelationID string `json:"correlationId"`
}

func writeSagaError(w http.ResponseWriter, r *http.Request, err error) {
	var se *sagaerrors.Error
	if errors.As(err, &se) {
		response.WriteError(w, r, se)
		return
	}
	log.Printf("internal error: %v", err)
	response.WriteErrorCode(w, r, sagaerrors.CodeInternal, "internal error")
}

func metricsAuthorized(r *http.Request, token string) bool {
	if token == "" {
		return true
	}
	if strings.TrimSpace(r.Header.Get("X-Metrics-Token")) == token {
		return true
	}
	auth := strings.TrimSpace(r.Header.Get("Authorization"))
	if strings.HasPrefix(auth, "Bearer ") && strings.TrimSpace(strings.TrimPrefix(auth, "Bearer ")) == token {
		return true
	}
	return false
}

const maxBodyBytes int64 = 1 << 20

func limitBodyMiddleware(maxBytes int64, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil && maxBytes > 0 {
			r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
		}
		next.ServeHTTP(w, r)
	})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		if isRequestTooLarge(err) {
			response.WriteErrorCode(w, r, sagaerrors.CodeRequestTooLarge, "")
			return false
		}
		response.WriteErrorCode(w, r, sagaerrors.CodeInvalidRequest, "invalid request")
		return false
	}
	return true
}

func isRequestTooLarge(err error) bool {
	var maxErr *http.MaxBytesError
	return errors.As(err, &maxErr)
}
