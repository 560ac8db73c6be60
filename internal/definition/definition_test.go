package definition

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func orderFulfillment() *Definition {
	return &Definition{
		Name: "order-fulfillment",
		Steps: []*Step{
			{
				Name: "reserve-inventory", Participant: "inventory",
				ForwardCommand: "ReserveInventory", SuccessEvent: "InventoryReserved", FailureEvent: "InventoryRejected",
				CompensatingCommand: "ReleaseInventory", Group: 0,
			},
			{
				Name: "charge-payment", Participant: "payment",
				ForwardCommand: "ChargePayment", SuccessEvent: "PaymentCharged", FailureEvent: "PaymentDeclined",
				CompensatingCommand: "RefundPayment", Group: 0, Timeout: Duration(10 * time.Second),
			},
			{
				Name: "ship-order", Participant: "shipping",
				ForwardCommand: "ShipOrder", SuccessEvent: "OrderShipped", FailureEvent: "ShipmentFailed",
				Group: 5,
			},
			{
				Name: "notify-customer", Participant: "notification",
				ForwardCommand: "NotifyCustomer", SuccessEvent: "CustomerNotified", FailureEvent: "NotificationFailed",
				Group: 9,
			},
		},
	}
}

func TestValidateBuildsPhases(t *testing.T) {
	def := orderFulfillment()
	if err := def.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}

	phases := def.Phases()
	if len(phases) != 3 {
		t.Fatalf("expected 3 phases, got %d", len(phases))
	}
	if len(phases[0]) != 2 || phases[0][0].Name != "reserve-inventory" || phases[0][1].Name != "charge-payment" {
		t.Fatalf("unexpected phase 0: %+v", phases[0])
	}
	if len(phases[1]) != 1 || phases[1][0].Name != "ship-order" {
		t.Fatalf("unexpected phase 1: %+v", phases[1])
	}

	// 阶段索引是归一化的，与原始 group 编号无关
	if idx, ok := def.PhaseOf("ship-order"); !ok || idx != 1 {
		t.Fatalf("PhaseOf(ship-order) = %d, %v", idx, ok)
	}
	if idx, ok := def.PhaseOf("notify-customer"); !ok || idx != 2 {
		t.Fatalf("PhaseOf(notify-customer) = %d, %v", idx, ok)
	}
	if _, ok := def.PhaseOf("unknown"); ok {
		t.Fatal("expected PhaseOf to miss unknown step")
	}
	if def.PhaseCount() != 3 {
		t.Fatalf("PhaseCount = %d", def.PhaseCount())
	}

	step, ok := def.Step("charge-payment")
	if !ok || step.Participant != "payment" {
		t.Fatalf("Step(charge-payment) = %+v, %v", step, ok)
	}
}

func TestValidateErrors(t *testing.T) {
	valid := func() *Definition { return orderFulfillment() }

	tests := []struct {
		name    string
		mutate  func(*Definition)
		wantErr string
	}{
		{
			name:    "missing name",
			mutate:  func(d *Definition) { d.Name = "" },
			wantErr: "name required",
		},
		{
			name:    "no steps",
			mutate:  func(d *Definition) { d.Steps = nil },
			wantErr: "at least one step",
		},
		{
			name:    "duplicate step",
			mutate:  func(d *Definition) { d.Steps[1].Name = "reserve-inventory" },
			wantErr: "duplicate step",
		},
		{
			name:    "missing participant",
			mutate:  func(d *Definition) { d.Steps[0].Participant = "" },
			wantErr: "participant required",
		},
		{
			name:    "missing forward command",
			mutate:  func(d *Definition) { d.Steps[0].ForwardCommand = "" },
			wantErr: "forwardCommand required",
		},
		{
			name:    "missing events",
			mutate:  func(d *Definition) { d.Steps[2].FailureEvent = "" },
			wantErr: "successEvent and failureEvent required",
		},
		{
			name:    "negative group",
			mutate:  func(d *Definition) { d.Steps[0].Group = -1 },
			wantErr: "group must not be negative",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			def := valid()
			tt.mutate(def)
			err := def.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestStepHelpers(t *testing.T) {
	step := &Step{CompensatingCommand: "ReleaseInventory", Timeout: Duration(10 * time.Second)}
	if !step.Compensable() {
		t.Fatal("expected compensable step")
	}
	if got := step.TimeoutOrDefault(30 * time.Second); got != 10*time.Second {
		t.Fatalf("TimeoutOrDefault = %v, want 10s", got)
	}

	bare := &Step{}
	if bare.Compensable() {
		t.Fatal("expected step without compensating command to be skipped")
	}
	if got := bare.TimeoutOrDefault(30 * time.Second); got != 30*time.Second {
		t.Fatalf("TimeoutOrDefault = %v, want default 30s", got)
	}
}

func TestDurationJSON(t *testing.T) {
	var step Step
	if err := json.Unmarshal([]byte(`{"name":"s","timeout":"45s"}`), &step); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if time.Duration(step.Timeout) != 45*time.Second {
		t.Fatalf("timeout = %v, want 45s", time.Duration(step.Timeout))
	}

	data, err := json.Marshal(&step)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !strings.Contains(string(data), `"timeout":"45s"`) {
		t.Fatalf("marshaled = %s", data)
	}

	if err := json.Unmarshal([]byte(`{"timeout":"soon"}`), &step); err == nil {
		t.Fatal("expected error for unparseable duration")
	}
	if err := json.Unmarshal([]byte(`{"timeout":"-5s"}`), &step); err == nil {
		t.Fatal("expected error for negative duration")
	}
	if err := json.Unmarshal([]byte(`{"timeout":30}`), &step); err == nil {
		t.Fatal("expected error for numeric duration")
	}
}
