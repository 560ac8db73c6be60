package snowflake

import (
	"testing"
	"time"
)

func TestNewRejectsOutOfRangeWorkerID(t *testing.T) {
	if _, err := New(-1); err != ErrInvalidWorkerID {
		t.Fatalf("expected ErrInvalidWorkerID, got %v", err)
	}
	if _, err := New(maxWorkerID + 1); err != ErrInvalidWorkerID {
		t.Fatalf("expected ErrInvalidWorkerID, got %v", err)
	}
	if _, err := New(maxWorkerID); err != nil {
		t.Fatalf("expected worker id %d to be accepted, got %v", maxWorkerID, err)
	}
}

func TestGenerateMonotonic(t *testing.T) {
	g, err := New(7)
	if err != nil {
		t.Fatalf("failed to create generator: %v", err)
	}

	var prev int64
	for i := 0; i < 10000; i++ {
		id, err := g.Generate()
		if err != nil {
			t.Fatalf("generate failed at %d: %v", i, err)
		}
		if id <= prev {
			t.Fatalf("id %d not greater than previous %d", id, prev)
		}
		prev = id
	}
}

func TestParseRoundTrip(t *testing.T) {
	g, err := New(42)
	if err != nil {
		t.Fatalf("failed to create generator: %v", err)
	}

	before := time.Now().UnixMilli()
	id := g.MustGenerate()
	after := time.Now().UnixMilli()

	ts, workerID, seq := Parse(id)
	if workerID != 42 {
		t.Fatalf("expected worker id 42, got %d", workerID)
	}
	if seq < 0 || seq > maxSequence {
		t.Fatalf("sequence %d out of range", seq)
	}
	if ts < before || ts > after {
		t.Fatalf("timestamp %d outside [%d, %d]", ts, before, after)
	}

	if got := Time(id).UnixMilli(); got != ts {
		t.Fatalf("Time returned %d, want %d", got, ts)
	}
}

func TestGlobalGenerator(t *testing.T) {
	if _, err := NextID(); defaultGenerator == nil && err == nil {
		t.Fatal("expected error before Init")
	}

	if err := Init(3); err != nil {
		t.Fatalf("init failed: %v", err)
	}

	id, err := NextID()
	if err != nil {
		t.Fatalf("next id failed: %v", err)
	}
	if _, workerID, _ := Parse(id); workerID != 3 {
		t.Fatalf("expected worker id 3, got %d", workerID)
	}

	if MustNextID() <= id {
		t.Fatal("expected ids to increase")
	}
}
