// Package recovery 停摆实例对账：补发在途命令，上报挂起实例
package recovery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/exchange/saga/internal/repository"
	"github.com/exchange/saga/pkg/logger"
)

// Store 对账需要的实例查询
type Store interface {
	ListStalled(ctx context.Context, cutoffMs int64, limit int) ([]*repository.Instance, error)
	ListStuck(ctx context.Context, limit int) ([]*repository.Instance, error)
	CountByState(ctx context.Context) (map[string]int64, error)
}

// Redispatcher 补发实例的在途命令，返回补发条数
type Redispatcher interface {
	Redispatch(ctx context.Context, correlationID string) (int, error)
}

// Gauges 对账扫描维护的水位指标，可选
type Gauges interface {
	SetStuckSagas(n float64)
	SetActiveSagas(n float64)
}

// Options sweeper 依赖与策略
type Options struct {
	Store  Store
	Engine Redispatcher
	Logger *logger.Logger
	Gauges Gauges

	// 实例超过该时长没有任何写入才视为停摆
	StallAfter time.Duration
	// 单轮扫描的实例数上限
	BatchLimit int

	Now func() time.Time
}

// Sweeper 周期性找出停摆的非终态实例，通过引擎补发其在途命令。
// 消息丢失（命令未达、结果未回、唤醒未触发）最终都表现为实例停摆，
// 补发使用不变的幂等键，参与方据此去重。
type Sweeper struct {
	store  Store
	engine Redispatcher
	log    *logger.Logger
	gauges Gauges

	stallAfter time.Duration
	batchLimit int
	now        func() time.Time
}

// New 创建 sweeper
func New(opts Options) (*Sweeper, error) {
	if opts.Store == nil {
		return nil, errors.New("sweeper: store is required")
	}
	if opts.Engine == nil {
		return nil, errors.New("sweeper: engine is required")
	}
	if opts.Logger == nil {
		return nil, errors.New("sweeper: logger is required")
	}
	if opts.StallAfter <= 0 {
		opts.StallAfter = 5 * time.Minute
	}
	if opts.BatchLimit <= 0 {
		opts.BatchLimit = 100
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Sweeper{
		store:      opts.Store,
		engine:     opts.Engine,
		log:        opts.Logger,
		gauges:     opts.Gauges,
		stallAfter: opts.StallAfter,
		batchLimit: opts.BatchLimit,
		now:        opts.Now,
	}, nil
}

// StuckSaga 挂起实例摘要
type StuckSaga struct {
	CorrelationID string `json:"correlationId"`
	Definition    string `json:"definition"`
	FailedStep    string `json:"failedStep,omitempty"`
	Reason        string `json:"reason,omitempty"`
	UpdatedAtMs   int64  `json:"updatedAtMs"`
}

// Report 单轮扫描结果
type Report struct {
	StartedAt      time.Time        `json:"startedAt"`
	FinishedAt     time.Time        `json:"finishedAt"`
	CutoffMs       int64            `json:"cutoffMs"`
	Scanned        int              `json:"scanned"`
	Redispatched   int              `json:"redispatched"`
	CommandsResent int              `json:"commandsResent"`
	Skipped        int              `json:"skipped"`
	Stuck          []StuckSaga      `json:"stuck,omitempty"`
	ActiveByState  map[string]int64 `json:"activeByState,omitempty"`
	Errors         []string         `json:"errors,omitempty"`
	Healthy        bool             `json:"healthy"`
}

// Sweep 扫描一轮：补发停摆实例的在途命令，收集挂起实例并刷新水位指标
func (s *Sweeper) Sweep(ctx context.Context) (*Report, error) {
	started := s.now()
	report := &Report{
		StartedAt: started,
		CutoffMs:  started.Add(-s.stallAfter).UnixMilli(),
	}

	stalled, err := s.store.ListStalled(ctx, report.CutoffMs, s.batchLimit)
	if err != nil {
		return nil, fmt.Errorf("list stalled: %w", err)
	}
	report.Scanned = len(stalled)

	for _, inst := range stalled {
		n, err := s.engine.Redispatch(ctx, inst.CorrelationID)
		if err != nil {
			report.Errors = append(report.Errors,
				fmt.Sprintf("%s: %v", inst.CorrelationID, err))
			s.log.WithSaga(inst.CorrelationID).WithError(err).Error("redispatch failed")
			continue
		}
		if n == 0 {
			report.Skipped++
			continue
		}
		report.Redispatched++
		report.CommandsResent += n
		s.log.WithSaga(inst.CorrelationID).Warnf("stalled saga redispatched", map[string]interface{}{
			"definition": inst.Definition,
			"state":      inst.State,
			"commands":   n,
			"stalledMs":  started.UnixMilli() - inst.UpdatedAtMs,
		})
	}

	stuck, err := s.store.ListStuck(ctx, s.batchLimit)
	if err != nil {
		return nil, fmt.Errorf("list stuck: %w", err)
	}
	for _, inst := range stuck {
		report.Stuck = append(report.Stuck, StuckSaga{
			CorrelationID: inst.CorrelationID,
			Definition:    inst.Definition,
			FailedStep:    inst.FailedStep,
			Reason:        inst.Reason,
			UpdatedAtMs:   inst.UpdatedAtMs,
		})
	}

	counts, err := s.store.CountByState(ctx)
	if err != nil {
		return nil, fmt.Errorf("count by state: %w", err)
	}
	report.ActiveByState = map[string]int64{
		repository.StateRunning:      counts[repository.StateRunning],
		repository.StateCompensating: counts[repository.StateCompensating],
	}

	if s.gauges != nil {
		s.gauges.SetStuckSagas(float64(len(report.Stuck)))
		s.gauges.SetActiveSagas(float64(
			counts[repository.StateRunning] + counts[repository.StateCompensating]))
	}

	report.FinishedAt = s.now()
	report.Healthy = len(report.Errors) == 0 && len(report.Stuck) == 0
	return report, nil
}

// Run 按固定间隔循环扫描，直到 ctx 取消
func (s *Sweeper) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			report, err := s.Sweep(ctx)
			if err != nil {
				s.log.WithError(err).Error("sweep failed")
				continue
			}
			if report.Redispatched > 0 || len(report.Stuck) > 0 {
				s.log.Warnf("sweep finished", map[string]interface{}{
					"scanned":      report.Scanned,
					"redispatched": report.Redispatched,
					"stuck":        len(report.Stuck),
				})
			}
		}
	}
}
