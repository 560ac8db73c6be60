// Package scheduler 基于 Redis ZSET 的步骤超时与补偿重试调度
package scheduler

import (
	"context"
	"fmt"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/exchange/saga/pkg/health"
	"github.com/exchange/saga/pkg/logger"
)

// 定时器种类
const (
	KindStepTimeout       = "timeout"
	KindCompensationRetry = "retry"
)

const (
	defaultTimerSet     = "saga:timers"
	defaultPollInterval = time.Second
	defaultBatchSize    = 128

	// 处理失败后的重新入队延迟
	refireDelay = 5 * time.Second
)

// Timer 一次到期的唤醒
type Timer struct {
	Kind          string
	CorrelationID string
	Step          string
	FireAtMs      int64
}

// Handler 处理到期的定时器。超时对非 InFlight 步骤是空操作，重复触发安全。
type Handler func(ctx context.Context, timer Timer) error

// Config 调度器配置
type Config struct {
	Client       *redis.Client
	Handler      Handler
	Logger       *logger.Logger
	Set          string              // 可选，默认 saga:timers
	PollInterval time.Duration       // 可选
	BatchSize    int64               // 可选
	Loop         *health.LoopMonitor // 可选
}

// Scheduler 轮询到期成员并触发回调。多实例并发安全：
// 成员通过 ZREM 认领，只有移除成功的一方触发处理。
type Scheduler struct {
	client       *redis.Client
	handler      Handler
	log          *logger.Logger
	set          string
	pollInterval time.Duration
	batchSize    int64
	loop         *health.LoopMonitor
}

// New 创建调度器
func New(cfg Config) (*Scheduler, error) {
	if cfg.Client == nil {
		return nil, fmt.Errorf("scheduler: redis client required")
	}
	if cfg.Handler == nil {
		return nil, fmt.Errorf("scheduler: handler required")
	}
	if cfg.Logger == nil {
		return nil, fmt.Errorf("scheduler: logger required")
	}
	if cfg.Set == "" {
		cfg.Set = defaultTimerSet
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.Loop == nil {
		cfg.Loop = &health.LoopMonitor{}
	}
	return &Scheduler{
		client:       cfg.Client,
		handler:      cfg.Handler,
		log:          cfg.Logger,
		set:          cfg.Set,
		pollInterval: cfg.PollInterval,
		batchSize:    cfg.BatchSize,
		loop:         cfg.Loop,
	}, nil
}

// Loop 返回循环监控器
func (s *Scheduler) Loop() *health.LoopMonitor {
	return s.loop
}

// Schedule 登记一次唤醒，同一 (kind, correlationId, step) 重复登记取后一次的时间
func (s *Scheduler) Schedule(ctx context.Context, kind, correlationID, step string, at time.Time) error {
	member := formatMember(kind, correlationID, step)
	err := s.client.ZAdd(ctx, s.set, redis.Z{
		Score:  float64(at.UnixMilli()),
		Member: member,
	}).Err()
	if err != nil {
		return fmt.Errorf("schedule timer: %w", err)
	}
	return nil
}

// Cancel 撤销唤醒。尽力而为：漏撤销的定时器触发后会被判定为空操作。
func (s *Scheduler) Cancel(ctx context.Context, kind, correlationID, step string) error {
	member := formatMember(kind, correlationID, step)
	if err := s.client.ZRem(ctx, s.set, member).Err(); err != nil {
		return fmt.Errorf("cancel timer: %w", err)
	}
	return nil
}

// Start 启动轮询循环
func (s *Scheduler) Start(ctx context.Context) {
	go s.run(ctx)
}

func (s *Scheduler) run(ctx context.Context) {
	for ctx.Err() == nil {
		func() {
			defer func() {
				if r := recover(); r != nil {
					s.loop.SetError(fmt.Errorf("panic: %v", r))
					s.log.Errorf("scheduler loop panic", map[string]interface{}{
						"panic": fmt.Sprintf("%v", r),
						"stack": string(debug.Stack()),
					})
				}
			}()
			s.pollLoop(ctx)
		}()
		if ctx.Err() == nil {
			time.Sleep(time.Second)
		}
	}
}

func (s *Scheduler) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		s.loop.Tick()
		if _, err := s.pollOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			s.loop.SetError(err)
			s.log.Warnf("scheduler poll failed", map[string]interface{}{"error": err.Error()})
			continue
		}
		s.loop.ClearError()
	}
}

// pollOnce 认领并触发一批到期定时器，返回触发数量
func (s *Scheduler) pollOnce(ctx context.Context) (int, error) {
	now := time.Now().UnixMilli()
	members, err := s.client.ZRangeByScoreWithScores(ctx, s.set, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    strconv.FormatInt(now, 10),
		Offset: 0,
		Count:  s.batchSize,
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("range due timers: %w", err)
	}

	fired := 0
	for _, z := range members {
		member, ok := z.Member.(string)
		if !ok {
			continue
		}

		// 认领：只有移除成功的实例触发处理
		removed, err := s.client.ZRem(ctx, s.set, member).Result()
		if err != nil {
			return fired, fmt.Errorf("claim timer: %w", err)
		}
		if removed == 0 {
			continue
		}

		timer, ok := parseMember(member)
		if !ok {
			s.log.Warnf("dropping malformed timer", map[string]interface{}{"member": member})
			continue
		}
		timer.FireAtMs = int64(z.Score)

		if err := s.handler(ctx, timer); err != nil {
			// 处理失败重新入队，稍后重试
			s.log.Warnf("timer handler failed, requeueing", map[string]interface{}{
				"kind":          timer.Kind,
				"correlationId": timer.CorrelationID,
				"step":          timer.Step,
				"error":         err.Error(),
			})
			requeue := s.client.ZAdd(ctx, s.set, redis.Z{
				Score:  float64(now + refireDelay.Milliseconds()),
				Member: member,
			}).Err()
			if requeue != nil {
				s.log.Errorf("timer requeue failed", map[string]interface{}{
					"member": member,
					"error":  requeue.Error(),
				})
			}
			continue
		}
		fired++
	}
	return fired, nil
}

func formatMember(kind, correlationID, step string) string {
	return kind + "|" + correlationID + "|" + step
}

// parseMember 还原成员。step 作为最后一段，允许包含分隔符。
func parseMember(member string) (Timer, bool) {
	parts := strings.SplitN(member, "|", 3)
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" {
		return Timer{}, false
	}
	return Timer{Kind: parts[0], CorrelationID: parts[1], Step: parts[2]}, true
}
