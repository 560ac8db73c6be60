// 端到端编排流程测试：真引擎 + 真参与方工具包，内存通道和内存存储串联。
// 通道保持生产语义（至少一次、失败重投），流程靠排空队列推进。
package integration

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/exchange/saga/internal/definition"
	"github.com/exchange/saga/internal/engine"
	"github.com/exchange/saga/internal/repository"
	"github.com/exchange/saga/internal/scheduler"
	"github.com/exchange/saga/pkg/channel"
	"github.com/exchange/saga/pkg/logger"
	"github.com/exchange/saga/pkg/participant"
)

type seqIDGen struct {
	mu   sync.Mutex
	next int64
}

func (g *seqIDGen) Generate() (int64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.next++
	return g.next, nil
}

type timerEntry struct {
	op   string
	kind string
	corr string
	step string
}

type recordingTimers struct {
	mu      sync.Mutex
	entries []timerEntry
}

func (t *recordingTimers) Schedule(_ context.Context, kind, corr, step string, _ time.Time) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries = append(t.entries, timerEntry{op: "schedule", kind: kind, corr: corr, step: step})
	return nil
}

func (t *recordingTimers) Cancel(_ context.Context, kind, corr, step string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries = append(t.entries, timerEntry{op: "cancel", kind: kind, corr: corr, step: step})
	return nil
}

type sagaEnv struct {
	ctx    context.Context
	cancel context.CancelFunc

	bus    *channel.MemoryBus
	store  *repository.MemoryStore
	engine *engine.Engine
	timers *recordingTimers

	mu      sync.Mutex
	calls   map[string]int
	failN   map[string]int
	reasons map[string]string
}

// participantSpec 一个参与方通道及其负责的命令
type participantSpec struct {
	name     string
	commands map[string]string // command -> 成功事件，补偿命令事件留空
}

func fulfillmentParticipants() []participantSpec {
	return []participantSpec{
		{name: "inventory", commands: map[string]string{"ReserveStock": "StockReserved", "ReleaseStock": ""}},
		{name: "payment", commands: map[string]string{"ChargePayment": "PaymentCharged", "RefundPayment": ""}},
		{name: "shipping", commands: map[string]string{"CreateShipment": "ShipmentCreated", "CancelShipment": ""}},
		{name: "notification", commands: map[string]string{"SendReceipt": "ReceiptSent"}},
	}
}

func fulfillmentDefinition() *definition.Definition {
	return &definition.Definition{
		Name: "order-fulfillment",
		Steps: []*definition.Step{
			{
				Name: "reserve-inventory", Participant: "inventory",
				ForwardCommand: "ReserveStock", SuccessEvent: "StockReserved", FailureEvent: "StockRejected",
				CompensatingCommand: "ReleaseStock", Group: 0, Timeout: definition.Duration(5 * time.Second),
			},
			{
				Name: "charge-payment", Participant: "payment",
				ForwardCommand: "ChargePayment", SuccessEvent: "PaymentCharged", FailureEvent: "PaymentDeclined",
				CompensatingCommand: "RefundPayment", Group: 0, Timeout: definition.Duration(5 * time.Second),
			},
			{
				Name: "ship-order", Participant: "shipping",
				ForwardCommand: "CreateShipment", SuccessEvent: "ShipmentCreated", FailureEvent: "ShipmentFailed",
				CompensatingCommand: "CancelShipment", Group: 1,
			},
			{
				Name: "notify-customer", Participant: "notification",
				ForwardCommand: "SendReceipt", SuccessEvent: "ReceiptSent", FailureEvent: "ReceiptFailed",
				Group: 2,
			},
		},
	}
}

// setupSagaEnv 搭建完整环境。muted 中的参与方不接线，命令发出后石沉大海，
// 用于模拟参与方宕机触发超时。
func setupSagaEnv(t *testing.T, muted ...string) *sagaEnv {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	env := &sagaEnv{
		ctx:     ctx,
		cancel:  cancel,
		bus:     channel.NewMemoryBus(),
		store:   repository.NewMemoryStore(),
		timers:  &recordingTimers{},
		calls:   make(map[string]int),
		failN:   make(map[string]int),
		reasons: make(map[string]string),
	}

	log := logger.New("saga-flow-test", io.Discard)

	reg := definition.NewRegistry()
	if err := reg.Register(fulfillmentDefinition()); err != nil {
		t.Fatalf("register definition: %v", err)
	}

	eng, err := engine.New(engine.Options{
		Registry: reg,
		Store:    env.store,
		Bus:      env.bus,
		IDGen:    &seqIDGen{},
		Logger:   log,
		Timers:   env.timers,
	})
	if err != nil {
		t.Fatalf("engine.New: %v", err)
	}
	env.engine = eng

	routeToEngine := func(ctx context.Context, d *channel.Delivery) error {
		return eng.HandleMessage(ctx, d.Msg)
	}
	env.bus.Subscribe(channel.StreamRequests, routeToEngine)
	env.bus.Subscribe(channel.StreamEvents, routeToEngine)

	mutedSet := make(map[string]bool, len(muted))
	for _, name := range muted {
		mutedSet[name] = true
	}
	for _, spec := range fulfillmentParticipants() {
		if mutedSet[spec.name] {
			continue
		}
		p, err := participant.New(participant.Options{
			Name:   spec.name,
			Bus:    env.bus,
			Logger: log,
		})
		if err != nil {
			t.Fatalf("participant.New(%s): %v", spec.name, err)
		}
		for command, event := range spec.commands {
			if err := p.Handle(command, env.scriptedHandler(command, event)); err != nil {
				t.Fatalf("register handler %s: %v", command, err)
			}
		}
		env.bus.Subscribe(channel.CommandStream(spec.name), p.HandleMessage)
	}

	return env
}

func teardownSagaEnv(t *testing.T, env *sagaEnv) {
	t.Helper()
	if env != nil && env.cancel != nil {
		env.cancel()
	}
}

// scriptFailure 让某个命令接下来 times 次执行失败，times 为负表示一直失败
func (env *sagaEnv) scriptFailure(command string, times int, reason string) {
	env.mu.Lock()
	defer env.mu.Unlock()
	env.failN[command] = times
	env.reasons[command] = reason
}

func (env *sagaEnv) scriptedHandler(command, event string) participant.Handler {
	return func(_ context.Context, _ *participant.Command) (*participant.Result, error) {
		env.mu.Lock()
		env.calls[command]++
		n := env.failN[command]
		if n > 0 {
			env.failN[command] = n - 1
		}
		reason := env.reasons[command]
		env.mu.Unlock()

		if n != 0 {
			if reason == "" {
				reason = "scripted failure"
			}
			return nil, errors.New(reason)
		}
		return &participant.Result{
			Event:   event,
			Payload: json.RawMessage(`{"by":"` + command + `"}`),
		}, nil
	}
}

func (env *sagaEnv) callCount(command string) int {
	env.mu.Lock()
	defer env.mu.Unlock()
	return env.calls[command]
}

func (env *sagaEnv) drain(t *testing.T) {
	t.Helper()
	if _, err := env.bus.Drain(env.ctx); err != nil {
		t.Fatalf("drain: %v", err)
	}
}

func (env *sagaEnv) mustLoad(t *testing.T, corr string) *repository.Instance {
	t.Helper()
	inst, err := env.store.Load(env.ctx, corr)
	if err != nil {
		t.Fatalf("load %s: %v", corr, err)
	}
	return inst
}

func (env *sagaEnv) outcomes(t *testing.T) []*channel.Message {
	t.Helper()
	return env.bus.Published(channel.StreamOutcomes)
}

// TestSagaFlow_HappyPath 从启动请求到全部阶段完成
func TestSagaFlow_HappyPath(t *testing.T) {
	env := setupSagaEnv(t)
	t.Cleanup(func() { teardownSagaEnv(t, env) })

	req := channel.NewMessage(channel.TypeSagaRequest, "order-100")
	req.Definition = "order-fulfillment"
	req.Payload = json.RawMessage(`{"orderId":"o-100"}`)
	if err := env.bus.Publish(env.ctx, channel.StreamRequests, req); err != nil {
		t.Fatalf("publish request: %v", err)
	}

	env.drain(t)

	inst := env.mustLoad(t, "order-100")
	if inst.State != repository.StateCompleted {
		t.Fatalf("state = %s, want %s", inst.State, repository.StateCompleted)
	}
	for name, step := range inst.Steps {
		if step.Status != repository.StepCompleted {
			t.Fatalf("step %s = %s, want %s", name, step.Status, repository.StepCompleted)
		}
	}
	if inst.CompletedAtMs == 0 {
		t.Fatal("completedAtMs not set")
	}

	// 每个前向命令恰好执行一次
	for _, command := range []string{"ReserveStock", "ChargePayment", "CreateShipment", "SendReceipt"} {
		if got := env.callCount(command); got != 1 {
			t.Fatalf("%s calls = %d, want 1", command, got)
		}
	}
	for _, command := range []string{"ReleaseStock", "RefundPayment", "CancelShipment"} {
		if got := env.callCount(command); got != 0 {
			t.Fatalf("%s calls = %d, want 0", command, got)
		}
	}

	// 下游阶段的命令载荷带上游产出
	shipCommands := env.bus.Published(channel.CommandStream("shipping"))
	if len(shipCommands) != 1 {
		t.Fatalf("shipping commands = %d, want 1", len(shipCommands))
	}
	var merged map[string]json.RawMessage
	if err := json.Unmarshal(shipCommands[0].Payload, &merged); err != nil {
		t.Fatalf("unmarshal ship payload: %v", err)
	}
	for _, key := range []string{"_start", "reserve-inventory", "charge-payment"} {
		if _, ok := merged[key]; !ok {
			t.Fatalf("ship payload missing %q: %s", key, shipCommands[0].Payload)
		}
	}

	outs := env.outcomes(t)
	if len(outs) != 1 || outs[0].Type != channel.TypeSagaCompleted {
		t.Fatalf("outcomes = %+v, want one SAGA_COMPLETED", outs)
	}
	if outs[0].CorrelationID != "order-100" {
		t.Fatalf("outcome correlationId = %s", outs[0].CorrelationID)
	}
}

// TestSagaFlow_FailureCompensates 后段失败回卷已完成的前段
func TestSagaFlow_FailureCompensates(t *testing.T) {
	env := setupSagaEnv(t)
	t.Cleanup(func() { teardownSagaEnv(t, env) })

	env.scriptFailure("CreateShipment", -1, "carrier down")

	if _, err := env.engine.StartSaga(env.ctx, "order-fulfillment", "order-200", json.RawMessage(`{"orderId":"o-200"}`)); err != nil {
		t.Fatalf("StartSaga: %v", err)
	}
	env.drain(t)

	inst := env.mustLoad(t, "order-200")
	if inst.State != repository.StateFailed {
		t.Fatalf("state = %s, want %s", inst.State, repository.StateFailed)
	}
	if inst.Cause != repository.CauseFailure || inst.FailedStep != "ship-order" || inst.Reason != "carrier down" {
		t.Fatalf("failure fields = %s/%s/%q", inst.Cause, inst.FailedStep, inst.Reason)
	}
	for _, name := range []string{"reserve-inventory", "charge-payment"} {
		if inst.Steps[name].Status != repository.StepCompensated {
			t.Fatalf("step %s = %s, want %s", name, inst.Steps[name].Status, repository.StepCompensated)
		}
	}
	if inst.Steps["notify-customer"].Status != repository.StepPending {
		t.Fatalf("notify-customer = %s, want untouched", inst.Steps["notify-customer"].Status)
	}

	if got := env.callCount("ReleaseStock"); got != 1 {
		t.Fatalf("ReleaseStock calls = %d, want 1", got)
	}
	if got := env.callCount("RefundPayment"); got != 1 {
		t.Fatalf("RefundPayment calls = %d, want 1", got)
	}
	if got := env.callCount("SendReceipt"); got != 0 {
		t.Fatalf("SendReceipt calls = %d, want 0", got)
	}

	outs := env.outcomes(t)
	if len(outs) != 1 || outs[0].Type != channel.TypeSagaFailed {
		t.Fatalf("outcomes = %+v, want one SAGA_FAILED", outs)
	}
	if outs[0].Reason != "carrier down" {
		t.Fatalf("outcome reason = %q", outs[0].Reason)
	}
}

// TestSagaFlow_AbortMidFlight 中止在途实例，晚到的执行结果被丢弃
func TestSagaFlow_AbortMidFlight(t *testing.T) {
	env := setupSagaEnv(t)
	t.Cleanup(func() { teardownSagaEnv(t, env) })

	if _, err := env.engine.StartSaga(env.ctx, "order-fulfillment", "order-300", nil); err != nil {
		t.Fatalf("StartSaga: %v", err)
	}

	// 推进到第二阶段命令已发出但尚未执行：
	// 两条第一阶段命令 + 两条结果 = 四次投递
	for i := 0; i < 4; i++ {
		if ok, err := env.bus.Step(env.ctx); err != nil || !ok {
			t.Fatalf("step %d: ok=%v err=%v", i, ok, err)
		}
	}
	if inst := env.mustLoad(t, "order-300"); inst.CurrentPhase != 1 {
		t.Fatalf("currentPhase = %d, want 1", inst.CurrentPhase)
	}

	if err := env.engine.AbortSaga(env.ctx, "order-300", "user cancelled"); err != nil {
		t.Fatalf("AbortSaga: %v", err)
	}
	// 队列里还躺着发往 shipping 的命令，参与方会照常执行，
	// 晚到的结果对已回卷的步骤是幂等空操作
	env.drain(t)

	inst := env.mustLoad(t, "order-300")
	if inst.State != repository.StateAborted {
		t.Fatalf("state = %s, want %s", inst.State, repository.StateAborted)
	}
	if inst.Cause != repository.CauseAbort || inst.Reason != "user cancelled" {
		t.Fatalf("abort fields = %s/%q", inst.Cause, inst.Reason)
	}
	if got := env.callCount("CreateShipment"); got != 1 {
		t.Fatalf("CreateShipment calls = %d, want 1 (stale command still executes)", got)
	}
	for _, name := range []string{"reserve-inventory", "charge-payment"} {
		if inst.Steps[name].Status != repository.StepCompensated {
			t.Fatalf("step %s = %s, want %s", name, inst.Steps[name].Status, repository.StepCompensated)
		}
	}
	if inst.Steps["ship-order"].Status != repository.StepFailed {
		t.Fatalf("ship-order = %s, want %s", inst.Steps["ship-order"].Status, repository.StepFailed)
	}

	outs := env.outcomes(t)
	if len(outs) != 1 || outs[0].Type != channel.TypeSagaAborted {
		t.Fatalf("outcomes = %+v, want one SAGA_ABORTED", outs)
	}

	if err := env.engine.AbortSaga(env.ctx, "order-300", "again"); err == nil {
		t.Fatal("second abort should fail on terminal saga")
	}
}

// TestSagaFlow_TimeoutCompensates 参与方宕机，超时当失败处理
func TestSagaFlow_TimeoutCompensates(t *testing.T) {
	env := setupSagaEnv(t, "shipping")
	t.Cleanup(func() { teardownSagaEnv(t, env) })

	if _, err := env.engine.StartSaga(env.ctx, "order-fulfillment", "order-400", nil); err != nil {
		t.Fatalf("StartSaga: %v", err)
	}
	env.drain(t)

	// shipping 没接线，命令已发出但永远没有结果
	inst := env.mustLoad(t, "order-400")
	if inst.State != repository.StateRunning || inst.Steps["ship-order"].Status != repository.StepInFlight {
		t.Fatalf("pre-timeout: state=%s ship=%s", inst.State, inst.Steps["ship-order"].Status)
	}

	if err := env.engine.HandleTimeout(env.ctx, "order-400", "ship-order"); err != nil {
		t.Fatalf("HandleTimeout: %v", err)
	}
	env.drain(t)

	inst = env.mustLoad(t, "order-400")
	if inst.State != repository.StateFailed {
		t.Fatalf("state = %s, want %s", inst.State, repository.StateFailed)
	}
	if inst.Cause != repository.CauseTimeout || inst.Reason != "timeout" || inst.FailedStep != "ship-order" {
		t.Fatalf("timeout fields = %s/%q/%s", inst.Cause, inst.Reason, inst.FailedStep)
	}
	if got := env.callCount("ReleaseStock"); got != 1 {
		t.Fatalf("ReleaseStock calls = %d, want 1", got)
	}
	if got := env.callCount("RefundPayment"); got != 1 {
		t.Fatalf("RefundPayment calls = %d, want 1", got)
	}

	outs := env.outcomes(t)
	if len(outs) != 1 || outs[0].Type != channel.TypeSagaFailed || outs[0].Reason != "timeout" {
		t.Fatalf("outcomes = %+v, want one SAGA_FAILED with timeout reason", outs)
	}
}

// TestSagaFlow_CompensationRetry 补偿失败后按退避重试直至成功
func TestSagaFlow_CompensationRetry(t *testing.T) {
	env := setupSagaEnv(t)
	t.Cleanup(func() { teardownSagaEnv(t, env) })

	env.scriptFailure("CreateShipment", -1, "carrier down")
	env.scriptFailure("ReleaseStock", 2, "inventory busy")

	if _, err := env.engine.StartSaga(env.ctx, "order-fulfillment", "order-500", nil); err != nil {
		t.Fatalf("StartSaga: %v", err)
	}
	env.drain(t)

	// 第一次补偿失败，实例停在 COMPENSATING 等待重试唤醒
	inst := env.mustLoad(t, "order-500")
	if inst.State != repository.StateCompensating {
		t.Fatalf("state = %s, want %s", inst.State, repository.StateCompensating)
	}
	if inst.Steps["reserve-inventory"].CompAttempts != 1 {
		t.Fatalf("compAttempts = %d, want 1", inst.Steps["reserve-inventory"].CompAttempts)
	}
	if inst.Stuck {
		t.Fatal("saga stuck too early")
	}

	// 调度器到点唤醒，第二次仍失败
	if err := env.engine.HandleCompensationRetry(env.ctx, "order-500", "reserve-inventory"); err != nil {
		t.Fatalf("retry 1: %v", err)
	}
	env.drain(t)
	inst = env.mustLoad(t, "order-500")
	if inst.Steps["reserve-inventory"].CompAttempts != 2 {
		t.Fatalf("compAttempts = %d, want 2", inst.Steps["reserve-inventory"].CompAttempts)
	}

	// 第三次成功，回卷完成
	if err := env.engine.HandleCompensationRetry(env.ctx, "order-500", "reserve-inventory"); err != nil {
		t.Fatalf("retry 2: %v", err)
	}
	env.drain(t)

	inst = env.mustLoad(t, "order-500")
	if inst.State != repository.StateFailed {
		t.Fatalf("state = %s, want %s", inst.State, repository.StateFailed)
	}
	if inst.Steps["reserve-inventory"].Status != repository.StepCompensated {
		t.Fatalf("reserve-inventory = %s, want %s", inst.Steps["reserve-inventory"].Status, repository.StepCompensated)
	}
	if got := env.callCount("ReleaseStock"); got != 3 {
		t.Fatalf("ReleaseStock calls = %d, want 3", got)
	}

	// 重试唤醒确实被排过期
	env.timers.mu.Lock()
	retries := 0
	for _, e := range env.timers.entries {
		if e.op == "schedule" && e.kind == scheduler.KindCompensationRetry && e.step == "reserve-inventory" {
			retries++
		}
	}
	env.timers.mu.Unlock()
	if retries != 2 {
		t.Fatalf("compensation retry timers = %d, want 2", retries)
	}
}

// TestSagaFlow_DuplicateRequestIgnored 同一关联 ID 的启动请求只生效一次
func TestSagaFlow_DuplicateRequestIgnored(t *testing.T) {
	env := setupSagaEnv(t)
	t.Cleanup(func() { teardownSagaEnv(t, env) })

	for i := 0; i < 2; i++ {
		req := channel.NewMessage(channel.TypeSagaRequest, "order-600")
		req.Definition = "order-fulfillment"
		req.Payload = json.RawMessage(`{"orderId":"o-600"}`)
		if err := env.bus.Publish(env.ctx, channel.StreamRequests, req); err != nil {
			t.Fatalf("publish request %d: %v", i, err)
		}
	}

	env.drain(t)

	inst := env.mustLoad(t, "order-600")
	if inst.State != repository.StateCompleted {
		t.Fatalf("state = %s, want %s", inst.State, repository.StateCompleted)
	}
	if got := env.callCount("ReserveStock"); got != 1 {
		t.Fatalf("ReserveStock calls = %d, want 1", got)
	}
	if got := len(env.bus.Published(channel.CommandStream("inventory"))); got != 1 {
		t.Fatalf("inventory commands = %d, want 1", got)
	}
	if outs := env.outcomes(t); len(outs) != 1 {
		t.Fatalf("outcomes = %d, want 1", len(outs))
	}
}

// TestSagaFlow_TransitionAudit 全程留痕，版本号与审计记录一致
func TestSagaFlow_TransitionAudit(t *testing.T) {
	env := setupSagaEnv(t)
	t.Cleanup(func() { teardownSagaEnv(t, env) })

	if _, err := env.engine.StartSaga(env.ctx, "order-fulfillment", "order-700", nil); err != nil {
		t.Fatalf("StartSaga: %v", err)
	}
	env.drain(t)

	inst := env.mustLoad(t, "order-700")
	trs, err := env.store.ListTransitions(env.ctx, "order-700", 100)
	if err != nil {
		t.Fatalf("ListTransitions: %v", err)
	}
	// 启动一条，四个步骤各一条，终态一条
	if len(trs) != 6 {
		t.Fatalf("transitions = %d, want 6", len(trs))
	}
	if trs[0].Version != 0 || trs[0].Event != repository.EventStarted {
		t.Fatalf("first transition = v%d/%s", trs[0].Version, trs[0].Event)
	}
	last := trs[len(trs)-1]
	if last.Version != inst.Version || last.ToState != repository.StateCompleted {
		t.Fatalf("last transition = v%d/%s, instance v%d", last.Version, last.ToState, inst.Version)
	}
	if trs[len(trs)-2].Step != "notify-customer" {
		t.Fatalf("final step transition = %q", trs[len(trs)-2].Step)
	}
}
