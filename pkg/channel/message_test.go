package channel

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestNewMessageAssignsDeliveryID(t *testing.T) {
	msg := NewMessage(TypeSagaRequest, "saga-1")

	if msg.Type != TypeSagaRequest {
		t.Fatalf("type = %q, want %q", msg.Type, TypeSagaRequest)
	}
	if msg.CorrelationID != "saga-1" {
		t.Fatalf("correlationId = %q, want saga-1", msg.CorrelationID)
	}
	if msg.DeliveryID == "" {
		t.Fatal("expected deliveryId to be assigned")
	}
	if msg.Timestamp == 0 {
		t.Fatal("expected timestamp to be assigned")
	}

	other := NewMessage(TypeSagaRequest, "saga-1")
	if other.DeliveryID == msg.DeliveryID {
		t.Fatal("expected unique deliveryId per message")
	}
}

func TestMessageValidate(t *testing.T) {
	tests := []struct {
		name    string
		msg     *Message
		wantErr string
	}{
		{
			name: "valid request",
			msg: &Message{
				Type: TypeSagaRequest, CorrelationID: "c1",
				Definition: "order-fulfillment", DeliveryID: "d1",
			},
		},
		{
			name: "request without definition",
			msg: &Message{
				Type: TypeSagaRequest, CorrelationID: "c1", DeliveryID: "d1",
			},
			wantErr: "missing definition",
		},
		{
			name: "valid step result",
			msg: &Message{
				Type: TypeStepResult, CorrelationID: "c1",
				Step: "reserve-stock", Outcome: OutcomeSuccess, DeliveryID: "d1",
			},
		},
		{
			name: "step result with bad outcome",
			msg: &Message{
				Type: TypeStepResult, CorrelationID: "c1",
				Step: "reserve-stock", Outcome: "MAYBE", DeliveryID: "d1",
			},
			wantErr: "invalid outcome",
		},
		{
			name: "compensation result without step",
			msg: &Message{
				Type: TypeCompensationResult, CorrelationID: "c1",
				Outcome: OutcomeSuccess, DeliveryID: "d1",
			},
			wantErr: "missing step",
		},
		{
			name: "command without idempotency key",
			msg: &Message{
				Type: TypeExecuteStep, CorrelationID: "c1",
				Step: "reserve-stock", Command: "ReserveStock", DeliveryID: "d1",
			},
			wantErr: "missing idempotencyKey",
		},
		{
			name: "command without command name",
			msg: &Message{
				Type: TypeCompensateStep, CorrelationID: "c1",
				Step: "reserve-stock", IdempotencyKey: "c1:reserve-stock:compensate", DeliveryID: "d1",
			},
			wantErr: "missing command",
		},
		{
			name: "missing deliveryId",
			msg: &Message{
				Type: TypeSagaAbort, CorrelationID: "c1",
			},
			wantErr: "missing deliveryId",
		},
		{
			name: "missing correlationId",
			msg: &Message{
				Type: TypeSagaAbort, DeliveryID: "d1",
			},
			wantErr: "missing correlationId",
		},
		{
			name: "unknown type",
			msg: &Message{
				Type: "WHO_KNOWS", CorrelationID: "c1", DeliveryID: "d1",
			},
			wantErr: "unknown message type",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.msg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	msg := &Message{
		Type:           TypeExecuteStep,
		CorrelationID:  "saga-42",
		Definition:     "order-fulfillment",
		Step:           "charge-payment",
		Command:        "ChargePayment",
		Payload:        json.RawMessage(`{"amount":100}`),
		IdempotencyKey: "saga-42:charge-payment:execute",
		DeliveryID:     "d-1",
		Timestamp:      1756100000000,
	}

	values, err := msg.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if _, ok := values["data"].(string); !ok {
		t.Fatalf("expected data field to be a string, got %T", values["data"])
	}

	got, err := DecodeMessage(values)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Type != msg.Type || got.CorrelationID != msg.CorrelationID ||
		got.Step != msg.Step || got.Command != msg.Command ||
		got.IdempotencyKey != msg.IdempotencyKey ||
		got.DeliveryID != msg.DeliveryID || got.Timestamp != msg.Timestamp {
		t.Fatalf("round trip mismatch: %+v", got)
	}
	if string(got.Payload) != `{"amount":100}` {
		t.Fatalf("payload = %s", got.Payload)
	}
}

func TestDecodeMessageErrors(t *testing.T) {
	if _, err := DecodeMessage(map[string]interface{}{}); err == nil {
		t.Fatal("expected error for missing data field")
	}
	if _, err := DecodeMessage(map[string]interface{}{"data": 42}); err == nil {
		t.Fatal("expected error for non-string data field")
	}
	if _, err := DecodeMessage(map[string]interface{}{"data": "{"}); err == nil {
		t.Fatal("expected error for invalid json")
	}

	if _, err := DecodeMessage(map[string]interface{}{"data": []byte(`{"type":"SAGA_ABORT"}`)}); err != nil {
		t.Fatalf("expected bytes data to decode, got %v", err)
	}
}

func TestStreamNames(t *testing.T) {
	if got := CommandStream("payments"); got != "saga:commands:payments" {
		t.Fatalf("command stream = %q", got)
	}
	if got := DLQStream(StreamEvents); got != "saga:events:dlq" {
		t.Fatalf("dlq stream = %q", got)
	}
}
