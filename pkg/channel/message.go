// Package channel Redis Streams 消息通道封装
package channel

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// 消息类型
const (
	// 编排器入站
	TypeSagaRequest        = "SAGA_REQUEST"
	TypeSagaAbort          = "SAGA_ABORT"
	TypeStepResult         = "STEP_RESULT"
	TypeCompensationResult = "COMPENSATION_RESULT"

	// 编排器出站（参与方消费）
	TypeExecuteStep    = "EXECUTE_STEP"
	TypeCompensateStep = "COMPENSATE_STEP"

	// 终态通知
	TypeSagaCompleted = "SAGA_COMPLETED"
	TypeSagaFailed    = "SAGA_FAILED"
	TypeSagaAborted   = "SAGA_ABORTED"
)

// 步骤结果
const (
	OutcomeSuccess = "SUCCESS"
	OutcomeFailure = "FAILURE"
)

// 流命名
const (
	StreamRequests = "saga:requests"
	StreamEvents   = "saga:events"
	StreamOutcomes = "saga:outcomes"

	commandStreamPrefix = "saga:commands:"
	dlqSuffix           = ":dlq"
)

// CommandStream 返回参与方通道对应的命令流
func CommandStream(participant string) string {
	return commandStreamPrefix + participant
}

// DLQStream 返回流对应的死信流
func DLQStream(stream string) string {
	return stream + dlqSuffix
}

// Message 统一消息信封，所有消息类型共用，按 Type 区分
type Message struct {
	Type           string          `json:"type"`
	CorrelationID  string          `json:"correlationId"`
	Definition     string          `json:"definition,omitempty"`
	Step           string          `json:"step,omitempty"`
	Command        string          `json:"command,omitempty"`
	Event          string          `json:"event,omitempty"`
	Outcome        string          `json:"outcome,omitempty"`
	Reason         string          `json:"reason,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	IdempotencyKey string          `json:"idempotencyKey,omitempty"`
	DeliveryID     string          `json:"deliveryId"`
	Timestamp      int64           `json:"timestamp"`
}

// NewMessage 创建消息，自动分配 deliveryId 和时间戳
func NewMessage(msgType, correlationID string) *Message {
	return &Message{
		Type:          msgType,
		CorrelationID: correlationID,
		DeliveryID:    uuid.NewString(),
		Timestamp:     time.Now().UnixMilli(),
	}
}

// Validate 校验消息类型要求的字段
func (m *Message) Validate() error {
	if m == nil {
		return fmt.Errorf("nil message")
	}
	if m.Type == "" {
		return fmt.Errorf("missing type")
	}
	if m.CorrelationID == "" {
		return fmt.Errorf("missing correlationId")
	}
	if m.DeliveryID == "" {
		return fmt.Errorf("missing deliveryId")
	}

	switch m.Type {
	case TypeSagaRequest:
		if m.Definition == "" {
			return fmt.Errorf("%s: missing definition", m.Type)
		}
	case TypeSagaAbort:
		// reason 可选
	case TypeStepResult, TypeCompensationResult:
		if m.Step == "" {
			return fmt.Errorf("%s: missing step", m.Type)
		}
		if m.Outcome != OutcomeSuccess && m.Outcome != OutcomeFailure {
			return fmt.Errorf("%s: invalid outcome %q", m.Type, m.Outcome)
		}
	case TypeExecuteStep, TypeCompensateStep:
		if m.Step == "" {
			return fmt.Errorf("%s: missing step", m.Type)
		}
		if m.Command == "" {
			return fmt.Errorf("%s: missing command", m.Type)
		}
		if m.IdempotencyKey == "" {
			return fmt.Errorf("%s: missing idempotencyKey", m.Type)
		}
	case TypeSagaCompleted, TypeSagaFailed, TypeSagaAborted:
		// 终态通知无额外必填字段
	default:
		return fmt.Errorf("unknown message type %q", m.Type)
	}
	return nil
}

// Encode 序列化为流条目字段
func (m *Message) Encode() (map[string]interface{}, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"data": string(data)}, nil
}

// DecodeMessage 从流条目字段还原消息
func DecodeMessage(values map[string]interface{}) (*Message, error) {
	raw, ok := values["data"]
	if !ok || raw == nil {
		return nil, fmt.Errorf("missing data field")
	}

	var data []byte
	switch v := raw.(type) {
	case string:
		data = []byte(v)
	case []byte:
		data = v
	default:
		return nil, fmt.Errorf("unexpected data field type %T", raw)
	}

	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}
