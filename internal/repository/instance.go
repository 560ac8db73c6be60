// Package repository 数据访问层
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	ErrDuplicateKey    = errors.New("duplicate correlation id")
	ErrNotFound        = errors.New("saga not found")
	ErrVersionConflict = errors.New("version conflict")
)

// Saga 实例状态
const (
	StateRunning      = "RUNNING"
	StateCompensating = "COMPENSATING"
	StateCompleted    = "COMPLETED"
	StateFailed       = "FAILED"
	StateAborted      = "ABORTED"
)

// 步骤状态
const (
	StepPending     = "PENDING"
	StepInFlight    = "IN_FLIGHT"
	StepCompleted   = "COMPLETED"
	StepFailed      = "FAILED"
	StepCompensated = "COMPENSATED"
)

// 进入补偿的原因分类
const (
	CauseFailure = "FAILURE"
	CauseTimeout = "TIMEOUT"
	CauseAbort   = "ABORT"
)

// 状态变迁触发来源
const (
	EventStarted    = "STARTED"
	EventStepResult = "STEP_RESULT"
	EventTimeout    = "TIMEOUT"
	EventAbort      = "ABORT"
	EventCompResult = "COMPENSATION_RESULT"
	EventRedispatch = "REDISPATCH"
)

// StepState 单个步骤的运行时状态
type StepState struct {
	Status             string `json:"status"`
	Attempts           int    `json:"attempts,omitempty"`
	DispatchedAtMs     int64  `json:"dispatchedAtMs,omitempty"`
	ResolvedAtMs       int64  `json:"resolvedAtMs,omitempty"`
	CompDispatchedAtMs int64  `json:"compDispatchedAtMs,omitempty"`
	CompAttempts       int    `json:"compAttempts,omitempty"`
	Reason             string `json:"reason,omitempty"`
}

// Instance saga 实例，按 correlation id 唯一
type Instance struct {
	CorrelationID string                     `json:"correlationId"`
	Definition    string                     `json:"definition"`
	State         string                     `json:"state"`
	CurrentPhase  int                        `json:"currentPhase"`
	Steps         map[string]*StepState      `json:"steps"`
	BusinessData  map[string]json.RawMessage `json:"businessData"`
	Processed     []string                   `json:"processed,omitempty"`
	Cause         string                     `json:"cause,omitempty"`
	Reason        string                     `json:"reason,omitempty"`
	FailedStep    string                     `json:"failedStep,omitempty"`
	Stuck         bool                       `json:"stuck,omitempty"`
	Version       int64                      `json:"version"`
	CreatedAtMs   int64                      `json:"createdAtMs"`
	UpdatedAtMs   int64                      `json:"updatedAtMs"`
	CompletedAtMs int64                      `json:"completedAtMs,omitempty"`
}

// Terminal 是否已到达终态
func (i *Instance) Terminal() bool {
	switch i.State {
	case StateCompleted, StateFailed, StateAborted:
		return true
	}
	return false
}

// HasProcessed 报告 delivery id 是否在已处理窗口内
func (i *Instance) HasProcessed(deliveryID string) bool {
	for _, id := range i.Processed {
		if id == deliveryID {
			return true
		}
	}
	return false
}

// MarkProcessed 记录 delivery id，窗口满时淘汰最旧的
func (i *Instance) MarkProcessed(deliveryID string, window int) {
	if window <= 0 || deliveryID == "" {
		return
	}
	i.Processed = append(i.Processed, deliveryID)
	if len(i.Processed) > window {
		i.Processed = i.Processed[len(i.Processed)-window:]
	}
}

// Clone 深拷贝。每次评估都在私有副本上修改，写回通过 CAS。
func (i *Instance) Clone() *Instance {
	dup := *i
	dup.Steps = make(map[string]*StepState, len(i.Steps))
	for name, st := range i.Steps {
		s := *st
		dup.Steps[name] = &s
	}
	dup.BusinessData = make(map[string]json.RawMessage, len(i.BusinessData))
	for key, raw := range i.BusinessData {
		buf := make(json.RawMessage, len(raw))
		copy(buf, raw)
		dup.BusinessData[key] = buf
	}
	dup.Processed = append([]string(nil), i.Processed...)
	return &dup
}

// Transition 状态变迁审计记录
type Transition struct {
	TransitionID  int64  `json:"transitionId"`
	CorrelationID string `json:"correlationId"`
	Version       int64  `json:"version"`
	FromState     string `json:"fromState"`
	ToState       string `json:"toState"`
	Step          string `json:"step,omitempty"`
	Event         string `json:"event"`
	Detail        string `json:"detail,omitempty"`
	CreatedAtMs   int64  `json:"createdAtMs"`
}

// InstanceRepository saga 实例仓储
type InstanceRepository struct {
	db *sql.DB
}

// NewInstanceRepository 创建仓储
func NewInstanceRepository(db *sql.DB) *InstanceRepository {
	return &InstanceRepository{db: db}
}

// Create 创建实例，correlation id 已存在时返回 ErrDuplicateKey
func (r *InstanceRepository) Create(ctx context.Context, inst *Instance, tr *Transition) error {
	now := currentTimeMs()
	if inst.CreatedAtMs == 0 {
		inst.CreatedAtMs = now
	}
	inst.UpdatedAtMs = now

	steps, business, processed, err := marshalInstanceJSON(inst)
	if err != nil {
		return err
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	query := `
		INSERT INTO exchange_saga.saga_instances
		(correlation_id, definition, state, current_phase, steps, business_data, processed,
		 cause, reason, failed_step, stuck, version, created_at_ms, updated_at_ms, completed_at_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (correlation_id) DO NOTHING
	`
	result, err := tx.ExecContext(ctx, query,
		inst.CorrelationID, inst.Definition, inst.State, inst.CurrentPhase,
		steps, business, processed,
		inst.Cause, inst.Reason, inst.FailedStep, inst.Stuck,
		inst.Version, inst.CreatedAtMs, inst.UpdatedAtMs, inst.CompletedAtMs,
	)
	if err != nil {
		return fmt.Errorf("insert instance: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		return ErrDuplicateKey
	}

	if tr != nil {
		if err := insertTransition(ctx, tx, tr); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Load 按 correlation id 加载实例，不存在时返回 ErrNotFound
func (r *InstanceRepository) Load(ctx context.Context, correlationID string) (*Instance, error) {
	query := `
		SELECT correlation_id, definition, state, current_phase, steps, business_data, processed,
		       cause, reason, failed_step, stuck, version, created_at_ms, updated_at_ms, completed_at_ms
		FROM exchange_saga.saga_instances
		WHERE correlation_id = $1
	`
	inst, err := scanInstance(r.db.QueryRowContext(ctx, query, correlationID))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query instance: %w", err)
	}
	return inst, nil
}

// CompareAndSwap 以读取时的版本为条件整体替换实例，并在同一事务内追加变迁记录。
// 版本不匹配时返回 ErrVersionConflict，整个评估作废由调用方重读重试。
func (r *InstanceRepository) CompareAndSwap(ctx context.Context, inst *Instance, expectedVersion int64, trs []*Transition) error {
	now := currentTimeMs()
	inst.UpdatedAtMs = now

	steps, business, processed, err := marshalInstanceJSON(inst)
	if err != nil {
		return err
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	query := `
		UPDATE exchange_saga.saga_instances
		SET state = $1, current_phase = $2, steps = $3, business_data = $4, processed = $5,
		    cause = $6, reason = $7, failed_step = $8, stuck = $9,
		    version = version + 1, updated_at_ms = $10, completed_at_ms = $11
		WHERE correlation_id = $12 AND version = $13
	`
	result, err := tx.ExecContext(ctx, query,
		inst.State, inst.CurrentPhase, steps, business, processed,
		inst.Cause, inst.Reason, inst.FailedStep, inst.Stuck,
		inst.UpdatedAtMs, inst.CompletedAtMs,
		inst.CorrelationID, expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("update instance: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		// 区分不存在和版本冲突
		var one int
		err := tx.QueryRowContext(ctx,
			`SELECT 1 FROM exchange_saga.saga_instances WHERE correlation_id = $1`,
			inst.CorrelationID,
		).Scan(&one)
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("check instance exists: %w", err)
		}
		return ErrVersionConflict
	}

	for _, tr := range trs {
		if err := insertTransition(ctx, tx, tr); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	inst.Version = expectedVersion + 1
	return nil
}

// ListStuck 列出需要人工介入的实例
func (r *InstanceRepository) ListStuck(ctx context.Context, limit int) ([]*Instance, error) {
	query := `
		SELECT correlation_id, definition, state, current_phase, steps, business_data, processed,
		       cause, reason, failed_step, stuck, version, created_at_ms, updated_at_ms, completed_at_ms
		FROM exchange_saga.saga_instances
		WHERE stuck = TRUE
		ORDER BY updated_at_ms ASC
		LIMIT $1
	`
	return r.queryInstances(ctx, query, limit)
}

// ListStalled 列出更新时间早于 cutoff 的非终态实例，用于对账重派
func (r *InstanceRepository) ListStalled(ctx context.Context, cutoffMs int64, limit int) ([]*Instance, error) {
	query := `
		SELECT correlation_id, definition, state, current_phase, steps, business_data, processed,
		       cause, reason, failed_step, stuck, version, created_at_ms, updated_at_ms, completed_at_ms
		FROM exchange_saga.saga_instances
		WHERE state IN ('RUNNING', 'COMPENSATING') AND updated_at_ms < $1
		ORDER BY updated_at_ms ASC
		LIMIT $2
	`
	return r.queryInstances(ctx, query, cutoffMs, limit)
}

// CountByState 按状态统计实例数
func (r *InstanceRepository) CountByState(ctx context.Context) (map[string]int64, error) {
	query := `
		SELECT state, COUNT(*)
		FROM exchange_saga.saga_instances
		GROUP BY state
	`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("count by state: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var state string
		var n int64
		if err := rows.Scan(&state, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		counts[state] = n
	}
	return counts, rows.Err()
}

// ListTransitions 查询实例的变迁历史
func (r *InstanceRepository) ListTransitions(ctx context.Context, correlationID string, limit int) ([]*Transition, error) {
	query := `
		SELECT transition_id, correlation_id, version, from_state, to_state, step, event, detail, created_at_ms
		FROM exchange_saga.saga_transitions
		WHERE correlation_id = $1
		ORDER BY version ASC, transition_id ASC
		LIMIT $2
	`
	rows, err := r.db.QueryContext(ctx, query, correlationID, limit)
	if err != nil {
		return nil, fmt.Errorf("query transitions: %w", err)
	}
	defer rows.Close()

	var trs []*Transition
	for rows.Next() {
		var tr Transition
		if err := rows.Scan(
			&tr.TransitionID, &tr.CorrelationID, &tr.Version,
			&tr.FromState, &tr.ToState, &tr.Step, &tr.Event, &tr.Detail, &tr.CreatedAtMs,
		); err != nil {
			return nil, fmt.Errorf("scan transition: %w", err)
		}
		trs = append(trs, &tr)
	}
	return trs, rows.Err()
}

func (r *InstanceRepository) queryInstances(ctx context.Context, query string, args ...interface{}) ([]*Instance, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query instances: %w", err)
	}
	defer rows.Close()

	var instances []*Instance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("scan instance: %w", err)
		}
		instances = append(instances, inst)
	}
	return instances, rows.Err()
}

func insertTransition(ctx context.Context, tx *sql.Tx, tr *Transition) error {
	if tr.CreatedAtMs == 0 {
		tr.CreatedAtMs = currentTimeMs()
	}
	query := `
		INSERT INTO exchange_saga.saga_transitions
		(transition_id, correlation_id, version, from_state, to_state, step, event, detail, created_at_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err := tx.ExecContext(ctx, query,
		tr.TransitionID, tr.CorrelationID, tr.Version,
		tr.FromState, tr.ToState, tr.Step, tr.Event, tr.Detail, tr.CreatedAtMs,
	)
	if err != nil {
		return fmt.Errorf("insert transition: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanInstance(row rowScanner) (*Instance, error) {
	var inst Instance
	var steps, business, processed []byte
	err := row.Scan(
		&inst.CorrelationID, &inst.Definition, &inst.State, &inst.CurrentPhase,
		&steps, &business, &processed,
		&inst.Cause, &inst.Reason, &inst.FailedStep, &inst.Stuck,
		&inst.Version, &inst.CreatedAtMs, &inst.UpdatedAtMs, &inst.CompletedAtMs,
	)
	if err != nil {
		return nil, err
	}
	if err := unmarshalInstanceJSON(&inst, steps, business, processed); err != nil {
		return nil, err
	}
	return &inst, nil
}

func marshalInstanceJSON(inst *Instance) (steps, business, processed []byte, err error) {
	if inst.Steps == nil {
		inst.Steps = make(map[string]*StepState)
	}
	if inst.BusinessData == nil {
		inst.BusinessData = make(map[string]json.RawMessage)
	}
	steps, err = json.Marshal(inst.Steps)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("marshal steps: %w", err)
	}
	business, err = json.Marshal(inst.BusinessData)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("marshal business data: %w", err)
	}
	if inst.Processed == nil {
		processed = []byte("[]")
	} else if processed, err = json.Marshal(inst.Processed); err != nil {
		return nil, nil, nil, fmt.Errorf("marshal processed: %w", err)
	}
	return steps, business, processed, nil
}

func unmarshalInstanceJSON(inst *Instance, steps, business, processed []byte) error {
	inst.Steps = make(map[string]*StepState)
	if len(steps) > 0 {
		if err := json.Unmarshal(steps, &inst.Steps); err != nil {
			return fmt.Errorf("unmarshal steps: %w", err)
		}
	}
	inst.BusinessData = make(map[string]json.RawMessage)
	if len(business) > 0 {
		if err := json.Unmarshal(business, &inst.BusinessData); err != nil {
			return fmt.Errorf("unmarshal business data: %w", err)
		}
	}
	inst.Processed = nil
	if len(processed) > 0 {
		if err := json.Unmarshal(processed, &inst.Processed); err != nil {
			return fmt.Errorf("unmarshal processed: %w", err)
		}
	}
	return nil
}

func currentTimeMs() int64 {
	return time.Now().UnixMilli()
}
