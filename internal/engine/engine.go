// Package engine saga 编排核心：读取实例、纯函数评估、CAS 写回、写回成功后派发
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/exchange/saga/internal/definition"
	"github.com/exchange/saga/internal/repository"
	"github.com/exchange/saga/internal/scheduler"
	"github.com/exchange/saga/pkg/channel"
	"github.com/exchange/saga/pkg/dedup"
	sagaerrors "github.com/exchange/saga/pkg/errors"
	"github.com/exchange/saga/pkg/logger"
)

// 定时器类型，与调度器约定一致
const (
	timerKindStepTimeout       = scheduler.KindStepTimeout
	timerKindCompensationRetry = scheduler.KindCompensationRetry
)

// 初始请求载荷在业务数据中的键
const businessDataStartKey = "_start"

// Store 实例持久化，实现必须提供原子的版本比较写入
type Store interface {
	Create(ctx context.Context, inst *repository.Instance, tr *repository.Transition) error
	Load(ctx context.Context, correlationID string) (*repository.Instance, error)
	CompareAndSwap(ctx context.Context, inst *repository.Instance, expectedVersion int64, trs []*repository.Transition) error
}

// Bus 消息发布端
type Bus interface {
	Publish(ctx context.Context, stream string, msg *channel.Message) error
}

// Dedup 跨实例窗口的重复投递防护，可选
type Dedup interface {
	Seen(ctx context.Context, correlationID, step, deliveryID string) (bool, error)
	MarkIfNew(ctx context.Context, correlationID, step, deliveryID string) (dedup.Result, error)
}

// Timers 步骤超时与补偿重试唤醒，可选
type Timers interface {
	Schedule(ctx context.Context, kind, correlationID, step string, at time.Time) error
	Cancel(ctx context.Context, kind, correlationID, step string) error
}

// IDGen 审计记录 ID
type IDGen interface {
	Generate() (int64, error)
}

// Notifier 终态通知的额外出口，可选
type Notifier interface {
	Publish(ctx context.Context, msg *channel.Message) error
}

// Metrics 编排指标，可选
type Metrics interface {
	IncSagaStarted()
	IncSagaFinished(state string) error
	ObserveSagaDuration(d time.Duration)
	IncCommandDispatched(participant string)
	IncDuplicateDelivery()
	IncCASConflict()
	IncTimeoutFired()
	IncCompensationRetry()
}

type noopMetrics struct{}

func (noopMetrics) IncSagaStarted()                   {}
func (noopMetrics) IncSagaFinished(string) error      { return nil }
func (noopMetrics) ObserveSagaDuration(time.Duration) {}
func (noopMetrics) IncCommandDispatched(string)       {}
func (noopMetrics) IncDuplicateDelivery()             {}
func (noopMetrics) IncCASConflict()                   {}
func (noopMetrics) IncTimeoutFired()                  {}
func (noopMetrics) IncCompensationRetry()             {}

// Options 引擎依赖与策略
type Options struct {
	Registry *definition.Registry
	Store    Store
	Bus      Bus
	IDGen    IDGen
	Logger   *logger.Logger

	Dedup    Dedup
	Timers   Timers
	Notifier Notifier
	Metrics  Metrics

	// CAS 冲突时重读重算的次数上限
	MaxCASAttempts int
	// 未显式声明超时的步骤使用的超时
	DefaultStepTimeout time.Duration
	// 单步补偿失败次数上限，达到后实例挂起
	MaxCompensationAttempts int
	// 补偿重试退避基值与上限
	CompensationRetryBase time.Duration
	CompensationRetryMax  time.Duration
	// 实例内已处理投递窗口大小
	ProcessedWindow int

	// 时钟注入，零值使用 time.Now
	Now func() time.Time
}

// Engine saga 编排引擎。所有状态变更走同一条路径：
// 读取实例、在私有副本上纯函数评估、CAS 写回、写回成功后才派发命令。
// 任何输入对已了结的实例都是幂等空操作。
type Engine struct {
	registry *definition.Registry
	store    Store
	bus      Bus
	idGen    IDGen
	log      *logger.Logger

	dedup    Dedup
	timers   Timers
	notifier Notifier
	metrics  Metrics

	cfg             evalConfig
	maxCASAttempts  int
	processedWindow int
	now             func() time.Time
}

// New 创建引擎
func New(opts Options) (*Engine, error) {
	if opts.Registry == nil {
		return nil, errors.New("engine: registry is required")
	}
	if opts.Store == nil {
		return nil, errors.New("engine: store is required")
	}
	if opts.Bus == nil {
		return nil, errors.New("engine: bus is required")
	}
	if opts.IDGen == nil {
		return nil, errors.New("engine: id generator is required")
	}
	if opts.Logger == nil {
		return nil, errors.New("engine: logger is required")
	}

	if opts.MaxCASAttempts <= 0 {
		opts.MaxCASAttempts = 5
	}
	if opts.DefaultStepTimeout <= 0 {
		opts.DefaultStepTimeout = 30 * time.Second
	}
	if opts.MaxCompensationAttempts <= 0 {
		opts.MaxCompensationAttempts = 5
	}
	if opts.CompensationRetryBase <= 0 {
		opts.CompensationRetryBase = time.Second
	}
	if opts.CompensationRetryMax <= 0 {
		opts.CompensationRetryMax = 30 * time.Second
	}
	if opts.ProcessedWindow <= 0 {
		opts.ProcessedWindow = 256
	}
	if opts.Metrics == nil {
		opts.Metrics = noopMetrics{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &Engine{
		registry: opts.Registry,
		store:    opts.Store,
		bus:      opts.Bus,
		idGen:    opts.IDGen,
		log:      opts.Logger,
		dedup:    opts.Dedup,
		timers:   opts.Timers,
		notifier: opts.Notifier,
		metrics:  opts.Metrics,
		cfg: evalConfig{
			defaultStepTimeout:      opts.DefaultStepTimeout,
			maxCompensationAttempts: opts.MaxCompensationAttempts,
			compensationRetryBase:   opts.CompensationRetryBase,
			compensationRetryMax:    opts.CompensationRetryMax,
		},
		maxCASAttempts:  opts.MaxCASAttempts,
		processedWindow: opts.ProcessedWindow,
		now:             opts.Now,
	}, nil
}

// StartSaga 创建实例并同步派发第一阶段的前向命令。
// correlationID 为空时自动分配；重复的 correlationID 返回 DUPLICATE_SAGA。
func (e *Engine) StartSaga(ctx context.Context, definitionName, correlationID string, payload json.RawMessage) (*repository.Instance, error) {
	def, ok := e.registry.Get(definitionName)
	if !ok {
		return nil, sagaerrors.Newf(sagaerrors.CodeDefinitionNotFound, "definition %s not registered", definitionName)
	}
	if correlationID == "" {
		correlationID = uuid.NewString()
	}

	now := e.now()
	inst := newInstance(def, correlationID, now)

	dec, err := evaluate(def, inst, input{kind: inputStart, payload: payload}, now, e.cfg)
	if err != nil {
		return nil, err
	}
	e.fillTransitions(dec, 0)

	var tr *repository.Transition
	if len(dec.Transitions) > 0 {
		tr = dec.Transitions[0]
	}
	if err := e.store.Create(ctx, inst, tr); err != nil {
		if errors.Is(err, repository.ErrDuplicateKey) {
			return nil, sagaerrors.Newf(sagaerrors.CodeDuplicateSaga, "saga %s already exists", correlationID)
		}
		return nil, err
	}

	e.metrics.IncSagaStarted()
	log := e.log.WithSaga(correlationID)
	log.Infof("saga started", map[string]interface{}{
		"definition": definitionName,
		"steps":      len(def.Steps),
		"phases":     def.PhaseCount(),
	})
	e.dispatch(ctx, log, inst, dec)
	return inst, nil
}

// HandleMessage 处理入站流消息。返回 nil 表示消息已消化（包括幂等丢弃），
// 返回错误表示暂时失败，由通道重新投递。
func (e *Engine) HandleMessage(ctx context.Context, msg *channel.Message) error {
	if msg == nil {
		return nil
	}

	switch msg.Type {
	case channel.TypeSagaRequest:
		_, err := e.StartSaga(ctx, msg.Definition, msg.CorrelationID, msg.Payload)
		if err == nil {
			return nil
		}
		var se *sagaerrors.Error
		if errors.As(err, &se) && !se.Retryable {
			if se.Code == sagaerrors.CodeDuplicateSaga {
				// 重复投递的启动请求，实例已存在
				e.metrics.IncDuplicateDelivery()
				e.log.WithSaga(msg.CorrelationID).Debug("duplicate saga request dropped")
			} else {
				e.log.WithSaga(msg.CorrelationID).WithError(err).Warn("saga request dropped")
			}
			return nil
		}
		return err

	case channel.TypeStepResult:
		return e.handleDelivery(ctx, msg, input{
			kind:    inputStepResult,
			step:    msg.Step,
			outcome: msg.Outcome,
			event:   msg.Event,
			reason:  msg.Reason,
			payload: msg.Payload,
		})

	case channel.TypeCompensationResult:
		return e.handleDelivery(ctx, msg, input{
			kind:    inputCompResult,
			step:    msg.Step,
			outcome: msg.Outcome,
			reason:  msg.Reason,
		})

	case channel.TypeSagaAbort:
		return e.handleDelivery(ctx, msg, input{
			kind:   inputAbort,
			reason: msg.Reason,
		})

	default:
		e.log.Warnf("unknown message type dropped", map[string]interface{}{
			"type":          msg.Type,
			"correlationId": msg.CorrelationID,
		})
		return nil
	}
}

// handleDelivery 把流消息交给评估路径，未知 saga 的结果按协议违规丢弃
func (e *Engine) handleDelivery(ctx context.Context, msg *channel.Message, in input) error {
	_, err := e.process(ctx, msg.CorrelationID, in, msg.DeliveryID)
	if errors.Is(err, repository.ErrNotFound) {
		e.log.WithSaga(msg.CorrelationID).Warnf("message for unknown saga dropped", map[string]interface{}{
			"type": msg.Type,
			"step": msg.Step,
		})
		return nil
	}
	return err
}

// HandleTimeout 步骤超时唤醒。步骤不再是 InFlight 时是空操作
func (e *Engine) HandleTimeout(ctx context.Context, correlationID, step string) error {
	dec, err := e.process(ctx, correlationID, input{kind: inputTimeout, step: step}, "")
	if errors.Is(err, repository.ErrNotFound) {
		e.log.WithSaga(correlationID).Debug("timeout for unknown saga ignored")
		return nil
	}
	if err != nil {
		return err
	}
	if !dec.Noop {
		e.metrics.IncTimeoutFired()
		e.log.WithSaga(correlationID).Warnf("step timed out", map[string]interface{}{"step": step})
	}
	return nil
}

// HandleCompensationRetry 补偿重试唤醒，重发仍在途的补偿命令
func (e *Engine) HandleCompensationRetry(ctx context.Context, correlationID, step string) error {
	dec, err := e.process(ctx, correlationID, input{kind: inputCompRetry, step: step}, "")
	if errors.Is(err, repository.ErrNotFound) {
		e.log.WithSaga(correlationID).Debug("compensation retry for unknown saga ignored")
		return nil
	}
	if err != nil {
		return err
	}
	if !dec.Noop {
		e.metrics.IncCompensationRetry()
	}
	return nil
}

// AbortSaga 显式中止：把所有 InFlight 步骤按注入失败处理并回卷。
// 已了结的实例返回 SAGA_TERMINAL。
func (e *Engine) AbortSaga(ctx context.Context, correlationID, reason string) error {
	dec, err := e.process(ctx, correlationID, input{kind: inputAbort, reason: reason}, "")
	if errors.Is(err, repository.ErrNotFound) {
		return sagaerrors.ErrSagaNotFound
	}
	if err != nil {
		return err
	}
	if dec.Noop {
		return sagaerrors.ErrSagaTerminal
	}
	return nil
}

// RetryCompensation 人工解除挂起：重置补偿计数并重发在途补偿
func (e *Engine) RetryCompensation(ctx context.Context, correlationID string) error {
	dec, err := e.process(ctx, correlationID, input{kind: inputUnstick}, "")
	if errors.Is(err, repository.ErrNotFound) {
		return sagaerrors.ErrSagaNotFound
	}
	if err != nil {
		return err
	}
	if dec.Noop {
		return sagaerrors.New(sagaerrors.CodeInvalidRequest, "saga is not stuck")
	}
	return nil
}

// Redispatch 对账补发：重发在途的前向命令与补偿命令，重新武装超时。
// 返回补发的命令数，已了结或无在途步骤的实例返回 0
func (e *Engine) Redispatch(ctx context.Context, correlationID string) (int, error) {
	dec, err := e.process(ctx, correlationID, input{kind: inputRedispatch}, "")
	if err != nil {
		return 0, err
	}
	if dec.Noop {
		return 0, nil
	}
	return len(dec.Commands), nil
}

// process 统一评估路径。返回的 Decision 带 Noop 标记时表示输入被幂等丢弃。
// CAS 冲突时重读重算，超过次数上限返回可重试错误。
func (e *Engine) process(ctx context.Context, correlationID string, in input, deliveryID string) (*Decision, error) {
	log := e.log.WithSaga(correlationID)

	// 快速过滤跨窗口的重复投递，防护层不可用时放行，
	// 实例内的已处理窗口仍然兜底
	if deliveryID != "" && e.dedup != nil {
		seen, err := e.dedup.Seen(ctx, correlationID, in.step, deliveryID)
		if err != nil {
			log.WithError(err).Warn("dedup probe failed, falling through")
		} else if seen {
			e.metrics.IncDuplicateDelivery()
			log.Debugf("duplicate delivery dropped", map[string]interface{}{
				"deliveryId": deliveryID,
				"step":       in.step,
			})
			return noop("duplicate delivery"), nil
		}
	}

	var lastErr error
	for attempt := 0; attempt < e.maxCASAttempts; attempt++ {
		stored, err := e.store.Load(ctx, correlationID)
		if err != nil {
			return nil, err
		}
		def, ok := e.registry.Get(stored.Definition)
		if !ok {
			return nil, sagaerrors.Newf(sagaerrors.CodeDefinitionNotFound, "definition %s not registered", stored.Definition)
		}

		if deliveryID != "" && stored.HasProcessed(deliveryID) {
			e.metrics.IncDuplicateDelivery()
			log.Debugf("duplicate delivery dropped", map[string]interface{}{
				"deliveryId": deliveryID,
				"step":       in.step,
			})
			return noop("duplicate delivery"), nil
		}

		inst := stored.Clone()
		dec, err := evaluate(def, inst, in, e.now(), e.cfg)
		if err != nil {
			return nil, err
		}
		if dec.Noop {
			log.Debugf("input ignored", map[string]interface{}{
				"reason": dec.NoopReason,
				"step":   in.step,
			})
			return dec, nil
		}

		if deliveryID != "" {
			inst.MarkProcessed(deliveryID, e.processedWindow)
		}
		e.fillTransitions(dec, stored.Version+1)

		err = e.store.CompareAndSwap(ctx, inst, stored.Version, dec.Transitions)
		if errors.Is(err, repository.ErrVersionConflict) {
			// 并发评估撞车，重新读取后重算
			e.metrics.IncCASConflict()
			lastErr = err
			continue
		}
		if err != nil {
			return nil, err
		}

		// 写回成功后登记防护层，失败只记日志
		if deliveryID != "" && e.dedup != nil {
			if _, err := e.dedup.MarkIfNew(ctx, correlationID, in.step, deliveryID); err != nil {
				log.WithError(err).Warn("dedup mark failed")
			}
		}

		e.dispatch(ctx, log, inst, dec)
		return dec, nil
	}

	return nil, sagaerrors.Newf(sagaerrors.CodeVersionConflict,
		"version conflict persisted after %d attempts: %v", e.maxCASAttempts, lastErr)
}

// dispatch 执行评估输出的副作用。此时状态已持久化，
// 发布失败不回滚，由对账补发兜底。
func (e *Engine) dispatch(ctx context.Context, log *logger.Logger, inst *repository.Instance, dec *Decision) {
	if e.timers != nil {
		for _, t := range dec.Cancels {
			if err := e.timers.Cancel(ctx, t.Kind, inst.CorrelationID, t.Step); err != nil {
				log.WithError(err).Warnf("cancel timer failed", map[string]interface{}{
					"kind": t.Kind,
					"step": t.Step,
				})
			}
		}
	}

	for _, c := range dec.Commands {
		if err := e.bus.Publish(ctx, c.Stream, c.Msg); err != nil {
			log.WithError(err).Errorf("command publish failed", map[string]interface{}{
				"stream": c.Stream,
				"step":   c.Msg.Step,
			})
			continue
		}
		e.metrics.IncCommandDispatched(c.Participant)
	}

	if e.timers != nil {
		for _, t := range dec.Timers {
			if err := e.timers.Schedule(ctx, t.Kind, inst.CorrelationID, t.Step, t.At); err != nil {
				log.WithError(err).Warnf("schedule timer failed", map[string]interface{}{
					"kind": t.Kind,
					"step": t.Step,
				})
			}
		}
	}

	for _, out := range dec.Outcomes {
		if err := e.bus.Publish(ctx, channel.StreamOutcomes, out); err != nil {
			log.WithError(err).Errorf("outcome publish failed", map[string]interface{}{
				"type": out.Type,
			})
		}
		if e.notifier != nil {
			if err := e.notifier.Publish(ctx, out); err != nil {
				log.WithError(err).Warn("outcome notify failed")
			}
		}
		if err := e.metrics.IncSagaFinished(strings.ToLower(inst.State)); err != nil {
			log.WithError(err).Warn("record saga finished failed")
		}
		if inst.CompletedAtMs > 0 {
			e.metrics.ObserveSagaDuration(time.Duration(inst.CompletedAtMs-inst.CreatedAtMs) * time.Millisecond)
		}
		log.Infof("saga finished", map[string]interface{}{
			"state":  inst.State,
			"reason": inst.Reason,
		})
	}
}

// fillTransitions 为审计记录分配 ID 和版本号
func (e *Engine) fillTransitions(dec *Decision, version int64) {
	for _, tr := range dec.Transitions {
		id, err := e.idGen.Generate()
		if err != nil {
			// 时钟异常时退化为纳秒时间戳
			e.log.WithError(err).Warn("transition id generation failed")
			id = time.Now().UnixNano()
		}
		tr.TransitionID = id
		tr.Version = version
	}
}

// newInstance 构建全新实例，所有步骤 PENDING
func newInstance(def *definition.Definition, correlationID string, now time.Time) *repository.Instance {
	nowMs := now.UnixMilli()
	inst := &repository.Instance{
		CorrelationID: correlationID,
		Definition:    def.Name,
		State:         repository.StateRunning,
		CurrentPhase:  0,
		Steps:         make(map[string]*repository.StepState, len(def.Steps)),
		BusinessData:  make(map[string]json.RawMessage),
		Version:       0,
		CreatedAtMs:   nowMs,
		UpdatedAtMs:   nowMs,
	}
	for _, step := range def.Steps {
		inst.Steps[step.Name] = &repository.StepState{Status: repository.StepPending}
	}
	return inst
}
