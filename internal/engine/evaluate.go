package engine

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/exchange/saga/internal/definition"
	"github.com/exchange/saga/internal/repository"
	"github.com/exchange/saga/pkg/channel"
)

// 输入消息的标签化变体，单一转移函数按标签分派
type inputKind int

const (
	inputStart inputKind = iota
	inputStepResult
	inputCompResult
	inputTimeout
	inputAbort
	inputCompRetry
	inputUnstick
	inputRedispatch
)

type input struct {
	kind    inputKind
	step    string
	outcome string
	event   string
	reason  string
	cause   string
	payload json.RawMessage
}

// evalConfig 评估用的策略参数
type evalConfig struct {
	defaultStepTimeout      time.Duration
	maxCompensationAttempts int
	compensationRetryBase   time.Duration
	compensationRetryMax    time.Duration
}

// outbound 待派发的命令及其目标流
type outbound struct {
	Stream      string
	Participant string
	Msg         *channel.Message
}

// timerReq 待登记或撤销的唤醒
type timerReq struct {
	Kind string
	Step string
	At   time.Time
}

// Decision 一次评估的完整输出。新状态已写入传入的实例副本，
// 所有副作用（命令、终态通知、定时器）延迟到持久化成功后执行。
type Decision struct {
	Commands    []outbound
	Outcomes    []*channel.Message
	Timers      []timerReq
	Cancels     []timerReq
	Transitions []*repository.Transition
	Noop        bool
	NoopReason  string
}

func noop(reason string) *Decision {
	return &Decision{Noop: true, NoopReason: reason}
}

// evaluate 纯转移函数：(旧状态, 输入) -> (新状态, 输出命令)。
// 不做任何 I/O，不产生随机量；除 now 外结果只取决于入参。
// 调用方必须传入实例的私有副本并在成功持久化后才派发输出。
func evaluate(def *definition.Definition, inst *repository.Instance, in input, now time.Time, cfg evalConfig) (*Decision, error) {
	if in.kind == inputStart {
		return evaluateStart(def, inst, in, now, cfg)
	}

	// 终态实例丢弃一切输入，覆盖完成后的重复投递
	if inst.Terminal() {
		return noop("saga already terminal"), nil
	}

	switch in.kind {
	case inputStepResult:
		return evaluateStepResult(def, inst, in, now, cfg)
	case inputTimeout:
		// 超时等价于带固定原因的失败结果，仅对 InFlight 步骤生效
		timeoutIn := input{
			kind:    inputStepResult,
			step:    in.step,
			outcome: channel.OutcomeFailure,
			reason:  "timeout",
			cause:   repository.CauseTimeout,
		}
		return evaluateStepResult(def, inst, timeoutIn, now, cfg)
	case inputCompResult:
		return evaluateCompensationResult(def, inst, in, now, cfg)
	case inputAbort:
		return evaluateAbort(def, inst, in, now, cfg)
	case inputCompRetry:
		return evaluateCompensationRetry(def, inst, in, now)
	case inputUnstick:
		return evaluateUnstick(def, inst, now)
	case inputRedispatch:
		return evaluateRedispatch(def, inst, now, cfg)
	default:
		return nil, fmt.Errorf("unknown input kind %d", in.kind)
	}
}

// evaluateStart 初始相位派发。实例此时全部步骤为 PENDING、版本 0。
func evaluateStart(def *definition.Definition, inst *repository.Instance, in input, now time.Time, cfg evalConfig) (*Decision, error) {
	dec := &Decision{}
	if len(in.payload) > 0 {
		inst.BusinessData[businessDataStartKey] = append(json.RawMessage(nil), in.payload...)
	}
	dec.Transitions = append(dec.Transitions, &repository.Transition{
		CorrelationID: inst.CorrelationID,
		Version:       0,
		ToState:       repository.StateRunning,
		Event:         repository.EventStarted,
	})
	dispatchPhase(dec, def, inst, 0, now, cfg)
	return dec, nil
}

func evaluateStepResult(def *definition.Definition, inst *repository.Instance, in input, now time.Time, cfg evalConfig) (*Decision, error) {
	step, ok := def.Step(in.step)
	if !ok {
		return noop("unknown step " + in.step), nil
	}
	// 参与方声明的事件名必须与定义一致，不一致按协议违规丢弃
	if in.event != "" {
		want := step.SuccessEvent
		if in.outcome == channel.OutcomeFailure {
			want = step.FailureEvent
		}
		if in.event != want {
			return noop(fmt.Sprintf("unexpected event %s for step %s", in.event, in.step)), nil
		}
	}

	st := inst.Steps[in.step]
	if st == nil || st.Status != repository.StepInFlight {
		// 重复投递或迟到结果，步骤已了结
		return noop("step not in flight"), nil
	}

	dec := &Decision{}
	nowMs := now.UnixMilli()
	dec.Cancels = append(dec.Cancels, timerReq{Kind: timerKindStepTimeout, Step: in.step})

	if in.outcome == channel.OutcomeSuccess {
		st.Status = repository.StepCompleted
		st.ResolvedAtMs = nowMs
		if len(in.payload) > 0 {
			inst.BusinessData[in.step] = append(json.RawMessage(nil), in.payload...)
		}
		dec.Transitions = append(dec.Transitions, &repository.Transition{
			CorrelationID: inst.CorrelationID,
			FromState:     inst.State,
			ToState:       inst.State,
			Step:          in.step,
			Event:         repository.EventStepResult,
			Detail:        "completed",
		})

		if inst.State == repository.StateCompensating {
			// 宣告失败后迟到的兄弟步骤：立即驱动它的补偿
			advanceUnwind(dec, def, inst, now, cfg)
			finalize(dec, def, inst, now)
			return dec, nil
		}

		if phaseCompleted(def, inst, inst.CurrentPhase) {
			if inst.CurrentPhase+1 >= def.PhaseCount() {
				inst.State = repository.StateCompleted
				inst.CompletedAtMs = nowMs
				dec.Transitions = append(dec.Transitions, &repository.Transition{
					CorrelationID: inst.CorrelationID,
					FromState:     repository.StateRunning,
					ToState:       repository.StateCompleted,
					Event:         repository.EventStepResult,
				})
				dec.Outcomes = append(dec.Outcomes, finalOutcome(channel.TypeSagaCompleted, def, inst))
			} else {
				inst.CurrentPhase++
				dispatchPhase(dec, def, inst, inst.CurrentPhase, now, cfg)
			}
		}
		return dec, nil
	}

	// 失败结果
	st.Status = repository.StepFailed
	st.ResolvedAtMs = nowMs
	st.Reason = in.reason

	cause := repository.CauseFailure
	event := repository.EventStepResult
	if in.cause == repository.CauseTimeout {
		cause = repository.CauseTimeout
		event = repository.EventTimeout
	}

	if inst.State == repository.StateRunning {
		inst.State = repository.StateCompensating
		inst.Cause = cause
		inst.FailedStep = in.step
		inst.Reason = in.reason
		dec.Transitions = append(dec.Transitions, &repository.Transition{
			CorrelationID: inst.CorrelationID,
			FromState:     repository.StateRunning,
			ToState:       repository.StateCompensating,
			Step:          in.step,
			Event:         event,
			Detail:        in.reason,
		})
	} else {
		// 已在补偿中，迟到的失败只是了结一个兄弟步骤
		dec.Transitions = append(dec.Transitions, &repository.Transition{
			CorrelationID: inst.CorrelationID,
			FromState:     inst.State,
			ToState:       inst.State,
			Step:          in.step,
			Event:         event,
			Detail:        "failed: " + in.reason,
		})
	}

	advanceUnwind(dec, def, inst, now, cfg)
	finalize(dec, def, inst, now)
	return dec, nil
}

func evaluateCompensationResult(def *definition.Definition, inst *repository.Instance, in input, now time.Time, cfg evalConfig) (*Decision, error) {
	if _, ok := def.Step(in.step); !ok {
		return noop("unknown step " + in.step), nil
	}
	if inst.State != repository.StateCompensating {
		return noop("saga not compensating"), nil
	}
	st := inst.Steps[in.step]
	if st == nil || st.Status != repository.StepCompleted || st.CompDispatchedAtMs == 0 {
		// 补偿不在途：重复投递或从未派发
		return noop("no outstanding compensation for step"), nil
	}

	dec := &Decision{}
	nowMs := now.UnixMilli()

	if in.outcome == channel.OutcomeSuccess {
		st.Status = repository.StepCompensated
		st.ResolvedAtMs = nowMs
		st.CompDispatchedAtMs = 0
		dec.Cancels = append(dec.Cancels, timerReq{Kind: timerKindCompensationRetry, Step: in.step})
		dec.Transitions = append(dec.Transitions, &repository.Transition{
			CorrelationID: inst.CorrelationID,
			FromState:     inst.State,
			ToState:       inst.State,
			Step:          in.step,
			Event:         repository.EventCompResult,
			Detail:        "compensated",
		})
		advanceUnwind(dec, def, inst, now, cfg)
		finalize(dec, def, inst, now)
		return dec, nil
	}

	// 补偿失败：退避重试，超过上限后挂起等待人工介入
	st.CompAttempts++
	detail := fmt.Sprintf("compensation failed (attempt %d): %s", st.CompAttempts, in.reason)
	if st.CompAttempts >= cfg.maxCompensationAttempts {
		inst.Stuck = true
		dec.Transitions = append(dec.Transitions, &repository.Transition{
			CorrelationID: inst.CorrelationID,
			FromState:     inst.State,
			ToState:       inst.State,
			Step:          in.step,
			Event:         repository.EventCompResult,
			Detail:        detail + "; stuck, manual intervention required",
		})
		return dec, nil
	}

	delay := compensationBackoff(cfg, st.CompAttempts)
	dec.Timers = append(dec.Timers, timerReq{
		Kind: timerKindCompensationRetry,
		Step: in.step,
		At:   now.Add(delay),
	})
	dec.Transitions = append(dec.Transitions, &repository.Transition{
		CorrelationID: inst.CorrelationID,
		FromState:     inst.State,
		ToState:       inst.State,
		Step:          in.step,
		Event:         repository.EventCompResult,
		Detail:        detail,
	})
	return dec, nil
}

// evaluateAbort 把显式中止当作对所有 InFlight 步骤注入失败
func evaluateAbort(def *definition.Definition, inst *repository.Instance, in input, now time.Time, cfg evalConfig) (*Decision, error) {
	dec := &Decision{}
	nowMs := now.UnixMilli()
	reason := in.reason
	if reason == "" {
		reason = "aborted by request"
	}

	for _, phase := range def.Phases() {
		for _, step := range phase {
			st := inst.Steps[step.Name]
			if st == nil || st.Status != repository.StepInFlight {
				continue
			}
			st.Status = repository.StepFailed
			st.ResolvedAtMs = nowMs
			st.Reason = reason
			dec.Cancels = append(dec.Cancels, timerReq{Kind: timerKindStepTimeout, Step: step.Name})
		}
	}

	if inst.State == repository.StateRunning {
		inst.State = repository.StateCompensating
		inst.Cause = repository.CauseAbort
		inst.Reason = reason
		dec.Transitions = append(dec.Transitions, &repository.Transition{
			CorrelationID: inst.CorrelationID,
			FromState:     repository.StateRunning,
			ToState:       repository.StateCompensating,
			Event:         repository.EventAbort,
			Detail:        reason,
		})
	} else {
		// 已在补偿中：保留最初的失败原因，中止只是加速了结未完的步骤
		dec.Transitions = append(dec.Transitions, &repository.Transition{
			CorrelationID: inst.CorrelationID,
			FromState:     inst.State,
			ToState:       inst.State,
			Event:         repository.EventAbort,
			Detail:        reason,
		})
	}

	advanceUnwind(dec, def, inst, now, cfg)
	finalize(dec, def, inst, now)
	return dec, nil
}

// evaluateCompensationRetry 补偿重试唤醒：补偿仍在途且未挂起时重发补偿命令
func evaluateCompensationRetry(def *definition.Definition, inst *repository.Instance, in input, now time.Time) (*Decision, error) {
	step, ok := def.Step(in.step)
	if !ok {
		return noop("unknown step " + in.step), nil
	}
	if inst.State != repository.StateCompensating {
		return noop("saga not compensating"), nil
	}
	if inst.Stuck {
		return noop("saga stuck, waiting for manual intervention"), nil
	}
	st := inst.Steps[in.step]
	if st == nil || st.Status != repository.StepCompleted || st.CompDispatchedAtMs == 0 {
		return noop("no outstanding compensation for step"), nil
	}

	dec := &Decision{}
	st.CompDispatchedAtMs = now.UnixMilli()
	dec.Commands = append(dec.Commands, outbound{
		Stream:      channel.CommandStream(step.Participant),
		Participant: step.Participant,
		Msg:         compensateCommand(def, inst, step),
	})
	dec.Transitions = append(dec.Transitions, &repository.Transition{
		CorrelationID: inst.CorrelationID,
		FromState:     inst.State,
		ToState:       inst.State,
		Step:          in.step,
		Event:         repository.EventRedispatch,
		Detail:        fmt.Sprintf("compensation retry %d", st.CompAttempts),
	})
	return dec, nil
}

// evaluateUnstick 人工介入：清除挂起标记，重置补偿计数并重发在途补偿
func evaluateUnstick(def *definition.Definition, inst *repository.Instance, now time.Time) (*Decision, error) {
	if inst.State != repository.StateCompensating || !inst.Stuck {
		return noop("saga not stuck"), nil
	}

	dec := &Decision{}
	nowMs := now.UnixMilli()
	inst.Stuck = false
	redispatched := 0

	for _, phase := range def.Phases() {
		for _, step := range phase {
			st := inst.Steps[step.Name]
			if st == nil || st.Status != repository.StepCompleted || st.CompDispatchedAtMs == 0 {
				continue
			}
			st.CompAttempts = 0
			st.CompDispatchedAtMs = nowMs
			dec.Commands = append(dec.Commands, outbound{
				Stream:      channel.CommandStream(step.Participant),
				Participant: step.Participant,
				Msg:         compensateCommand(def, inst, step),
			})
			redispatched++
		}
	}

	dec.Transitions = append(dec.Transitions, &repository.Transition{
		CorrelationID: inst.CorrelationID,
		FromState:     inst.State,
		ToState:       inst.State,
		Event:         repository.EventRedispatch,
		Detail:        fmt.Sprintf("manual retry, %d compensations redispatched", redispatched),
	})
	return dec, nil
}

// evaluateRedispatch 对账补发：重发所有在途的前向命令与补偿命令并重新武装超时。
// 幂等键不变，参与方据此去重。
func evaluateRedispatch(def *definition.Definition, inst *repository.Instance, now time.Time, cfg evalConfig) (*Decision, error) {
	if inst.Stuck {
		return noop("saga stuck, waiting for manual intervention"), nil
	}

	dec := &Decision{}
	nowMs := now.UnixMilli()

	for _, phase := range def.Phases() {
		for _, step := range phase {
			st := inst.Steps[step.Name]
			if st == nil {
				continue
			}
			switch {
			case st.Status == repository.StepInFlight:
				st.DispatchedAtMs = nowMs
				st.Attempts++
				dec.Commands = append(dec.Commands, outbound{
					Stream:      channel.CommandStream(step.Participant),
					Participant: step.Participant,
					Msg:         executeCommand(def, inst, step),
				})
				dec.Timers = append(dec.Timers, timerReq{
					Kind: timerKindStepTimeout,
					Step: step.Name,
					At:   now.Add(step.TimeoutOrDefault(cfg.defaultStepTimeout)),
				})
			case st.Status == repository.StepCompleted && st.CompDispatchedAtMs > 0:
				st.CompDispatchedAtMs = nowMs
				dec.Commands = append(dec.Commands, outbound{
					Stream:      channel.CommandStream(step.Participant),
					Participant: step.Participant,
					Msg:         compensateCommand(def, inst, step),
				})
			}
		}
	}

	if len(dec.Commands) == 0 {
		return noop("nothing in flight"), nil
	}
	dec.Transitions = append(dec.Transitions, &repository.Transition{
		CorrelationID: inst.CorrelationID,
		FromState:     inst.State,
		ToState:       inst.State,
		Event:         repository.EventRedispatch,
		Detail:        fmt.Sprintf("%d commands redispatched", len(dec.Commands)),
	})
	return dec, nil
}

// dispatchPhase 将一个阶段的全部步骤标记为 InFlight 并产出其前向命令与超时唤醒
func dispatchPhase(dec *Decision, def *definition.Definition, inst *repository.Instance, phase int, now time.Time, cfg evalConfig) {
	nowMs := now.UnixMilli()
	for _, step := range def.Phases()[phase] {
		st := inst.Steps[step.Name]
		if st == nil {
			st = &repository.StepState{Status: repository.StepPending}
			inst.Steps[step.Name] = st
		}
		st.Status = repository.StepInFlight
		st.DispatchedAtMs = nowMs
		st.Attempts++

		dec.Commands = append(dec.Commands, outbound{
			Stream:      channel.CommandStream(step.Participant),
			Participant: step.Participant,
			Msg:         executeCommand(def, inst, step),
		})
		dec.Timers = append(dec.Timers, timerReq{
			Kind: timerKindStepTimeout,
			Step: step.Name,
			At:   now.Add(step.TimeoutOrDefault(cfg.defaultStepTimeout)),
		})
	}
}

// advanceUnwind 推进回卷：从仍有未了结步骤的最高阶段开始，
// 补偿该阶段已完成的步骤；阶段内并发，阶段间严格逆序。
// 仍有 InFlight 步骤或在途补偿的阶段会阻塞向更早阶段推进。
func advanceUnwind(dec *Decision, def *definition.Definition, inst *repository.Instance, now time.Time, cfg evalConfig) {
	nowMs := now.UnixMilli()
	phases := def.Phases()

	for phase := highestUnresolvedPhase(def, inst); phase >= 0; phase-- {
		waiting := false
		for _, step := range phases[phase] {
			st := inst.Steps[step.Name]
			if st == nil {
				continue
			}
			switch st.Status {
			case repository.StepInFlight:
				// 等待该步骤的前向结果或超时
				waiting = true
			case repository.StepCompleted:
				if st.CompDispatchedAtMs > 0 {
					waiting = true
					continue
				}
				if step.Compensable() {
					st.CompDispatchedAtMs = nowMs
					dec.Commands = append(dec.Commands, outbound{
						Stream:      channel.CommandStream(step.Participant),
						Participant: step.Participant,
						Msg:         compensateCommand(def, inst, step),
					})
					waiting = true
				} else {
					// 未声明补偿命令的步骤按策略跳过
					st.Status = repository.StepCompensated
					st.ResolvedAtMs = nowMs
					st.Reason = "compensation skipped"
				}
			}
		}
		if waiting {
			return
		}
	}
}

// finalize 回卷全部完成后落终态并产出最终通知
func finalize(dec *Decision, def *definition.Definition, inst *repository.Instance, now time.Time) {
	if inst.State != repository.StateCompensating || inst.Stuck {
		return
	}
	if highestUnresolvedPhase(def, inst) >= 0 {
		return
	}

	to := repository.StateFailed
	outcome := channel.TypeSagaFailed
	if inst.Cause == repository.CauseAbort {
		to = repository.StateAborted
		outcome = channel.TypeSagaAborted
	}
	from := inst.State
	inst.State = to
	inst.CompletedAtMs = now.UnixMilli()
	dec.Transitions = append(dec.Transitions, &repository.Transition{
		CorrelationID: inst.CorrelationID,
		FromState:     from,
		ToState:       to,
		Event:         repository.EventCompResult,
		Detail:        inst.Reason,
	})
	dec.Outcomes = append(dec.Outcomes, finalOutcome(outcome, def, inst))
}

// highestUnresolvedPhase 返回仍有未了结步骤的最高阶段索引，-1 表示全部了结。
// InFlight 与补偿在途的步骤未了结；Completed 未补偿的步骤未了结；
// Pending 步骤从未派发，无需了结。
func highestUnresolvedPhase(def *definition.Definition, inst *repository.Instance) int {
	phases := def.Phases()
	for phase := len(phases) - 1; phase >= 0; phase-- {
		for _, step := range phases[phase] {
			st := inst.Steps[step.Name]
			if st == nil {
				continue
			}
			switch st.Status {
			case repository.StepInFlight, repository.StepCompleted:
				return phase
			}
		}
	}
	return -1
}

// phaseCompleted 阶段内全部步骤都已 Completed
func phaseCompleted(def *definition.Definition, inst *repository.Instance, phase int) bool {
	for _, step := range def.Phases()[phase] {
		st := inst.Steps[step.Name]
		if st == nil || st.Status != repository.StepCompleted {
			return false
		}
	}
	return true
}

func executeCommand(def *definition.Definition, inst *repository.Instance, step *definition.Step) *channel.Message {
	return &channel.Message{
		Type:           channel.TypeExecuteStep,
		CorrelationID:  inst.CorrelationID,
		Definition:     def.Name,
		Step:           step.Name,
		Command:        step.ForwardCommand,
		Payload:        mergedBusinessData(inst),
		IdempotencyKey: inst.CorrelationID + ":" + step.Name + ":execute",
	}
}

func compensateCommand(def *definition.Definition, inst *repository.Instance, step *definition.Step) *channel.Message {
	return &channel.Message{
		Type:           channel.TypeCompensateStep,
		CorrelationID:  inst.CorrelationID,
		Definition:     def.Name,
		Step:           step.Name,
		Command:        step.CompensatingCommand,
		Payload:        mergedBusinessData(inst),
		IdempotencyKey: inst.CorrelationID + ":" + step.Name + ":compensate",
	}
}

func finalOutcome(msgType string, def *definition.Definition, inst *repository.Instance) *channel.Message {
	return &channel.Message{
		Type:          msgType,
		CorrelationID: inst.CorrelationID,
		Definition:    def.Name,
		Reason:        inst.Reason,
		Payload:       mergedBusinessData(inst),
	}
}

// mergedBusinessData 序列化累计的业务数据。map 序列化按键排序，
// 与步骤结果的到达顺序无关。
func mergedBusinessData(inst *repository.Instance) json.RawMessage {
	if len(inst.BusinessData) == 0 {
		return nil
	}
	data, err := json.Marshal(inst.BusinessData)
	if err != nil {
		return nil
	}
	return data
}

// compensationBackoff 第 attempts 次失败后的重试延迟，指数退避有上限
func compensationBackoff(cfg evalConfig, attempts int) time.Duration {
	delay := cfg.compensationRetryBase
	for i := 1; i < attempts; i++ {
		delay *= 2
		if delay >= cfg.compensationRetryMax {
			return cfg.compensationRetryMax
		}
	}
	if delay > cfg.compensationRetryMax {
		return cfg.compensationRetryMax
	}
	return delay
}
