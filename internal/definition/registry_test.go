package definition

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestRegistryRegisterAndGet(t *testing.T) {
	reg := NewRegistry()

	if err := reg.Register(orderFulfillment()); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := reg.Register(orderFulfillment()); err == nil || !strings.Contains(err.Error(), "already registered") {
		t.Fatalf("expected duplicate registration error, got %v", err)
	}
	if err := reg.Register(nil); err == nil {
		t.Fatal("expected error for nil definition")
	}
	if err := reg.Register(&Definition{}); err == nil {
		t.Fatal("expected validation error for empty definition")
	}

	def, ok := reg.Get("order-fulfillment")
	if !ok || def.PhaseCount() != 3 {
		t.Fatalf("Get = %+v, %v", def, ok)
	}
	if _, ok := reg.Get("unknown"); ok {
		t.Fatal("expected miss for unknown definition")
	}
}

func TestRegistryNamesSorted(t *testing.T) {
	reg := NewRegistry()
	for _, name := range []string{"zeta", "alpha", "mid"} {
		def := orderFulfillment()
		def.Name = name
		if err := reg.Register(def); err != nil {
			t.Fatalf("register %s: %v", name, err)
		}
	}

	names := reg.Names()
	if len(names) != 3 || names[0] != "alpha" || names[1] != "mid" || names[2] != "zeta" {
		t.Fatalf("Names = %v", names)
	}
}

func TestRegistryLoadDir(t *testing.T) {
	dir := t.TempDir()

	writeFile := func(name, content string) {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}

	writeFile("order.json", `{
		"name": "order-fulfillment",
		"steps": [
			{"name": "reserve-inventory", "participant": "inventory", "forwardCommand": "ReserveInventory",
			 "successEvent": "InventoryReserved", "failureEvent": "InventoryRejected",
			 "compensatingCommand": "ReleaseInventory", "group": 0, "timeout": "30s"},
			{"name": "ship-order", "participant": "shipping", "forwardCommand": "ShipOrder",
			 "successEvent": "OrderShipped", "failureEvent": "ShipmentFailed", "group": 1}
		]
	}`)
	writeFile("refund.json", `{
		"name": "refund",
		"steps": [
			{"name": "refund-payment", "participant": "payment", "forwardCommand": "RefundPayment",
			 "successEvent": "PaymentRefunded", "failureEvent": "RefundFailed", "group": 0}
		]
	}`)
	writeFile("notes.txt", "not a definition")

	reg := NewRegistry()
	loaded, err := reg.LoadDir(dir)
	if err != nil {
		t.Fatalf("load dir: %v", err)
	}
	if loaded != 2 {
		t.Fatalf("expected 2 definitions loaded, got %d", loaded)
	}

	def, ok := reg.Get("order-fulfillment")
	if !ok {
		t.Fatal("expected order-fulfillment loaded")
	}
	step, ok := def.Step("reserve-inventory")
	if !ok || step.TimeoutOrDefault(0).Seconds() != 30 {
		t.Fatalf("unexpected step: %+v", step)
	}
	if def.PhaseCount() != 2 {
		t.Fatalf("PhaseCount = %d", def.PhaseCount())
	}
}

func TestRegistryLoadDirErrors(t *testing.T) {
	reg := NewRegistry()
	if _, err := reg.LoadDir(filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Fatal("expected error for missing dir")
	}

	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "broken.json"), []byte("{"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := reg.LoadDir(dir); err == nil || !strings.Contains(err.Error(), "parse") {
		t.Fatalf("expected parse error, got %v", err)
	}
}
