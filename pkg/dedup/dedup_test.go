package dedup

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestGuard(t *testing.T, ttl time.Duration) (*Guard, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewGuard(client, "", ttl), mr
}

func TestMarkIfNew(t *testing.T) {
	guard, _ := newTestGuard(t, time.Hour)
	ctx := context.Background()

	res, err := guard.MarkIfNew(ctx, "saga-1", "charge-payment", "d-1")
	if err != nil {
		t.Fatalf("mark: %v", err)
	}
	if res != Fresh {
		t.Fatalf("expected Fresh, got %s", res)
	}

	res, err = guard.MarkIfNew(ctx, "saga-1", "charge-payment", "d-1")
	if err != nil {
		t.Fatalf("mark again: %v", err)
	}
	if res != Duplicate {
		t.Fatalf("expected Duplicate, got %s", res)
	}

	// 不同 delivery id 互不影响
	res, err = guard.MarkIfNew(ctx, "saga-1", "charge-payment", "d-2")
	if err != nil {
		t.Fatalf("mark other delivery: %v", err)
	}
	if res != Fresh {
		t.Fatalf("expected Fresh for new delivery, got %s", res)
	}
}

func TestSeen(t *testing.T) {
	guard, _ := newTestGuard(t, time.Hour)
	ctx := context.Background()

	seen, err := guard.Seen(ctx, "saga-1", "ship-order", "d-1")
	if err != nil {
		t.Fatalf("seen: %v", err)
	}
	if seen {
		t.Fatal("expected unseen delivery")
	}

	if _, err := guard.MarkIfNew(ctx, "saga-1", "ship-order", "d-1"); err != nil {
		t.Fatalf("mark: %v", err)
	}

	seen, err = guard.Seen(ctx, "saga-1", "ship-order", "d-1")
	if err != nil {
		t.Fatalf("seen after mark: %v", err)
	}
	if !seen {
		t.Fatal("expected delivery to be seen after mark")
	}
}

func TestRetentionWindowExpires(t *testing.T) {
	guard, mr := newTestGuard(t, time.Minute)
	ctx := context.Background()

	if _, err := guard.MarkIfNew(ctx, "saga-1", "", "d-1"); err != nil {
		t.Fatalf("mark: %v", err)
	}

	mr.FastForward(2 * time.Minute)

	res, err := guard.MarkIfNew(ctx, "saga-1", "", "d-1")
	if err != nil {
		t.Fatalf("mark after expiry: %v", err)
	}
	if res != Fresh {
		t.Fatalf("expected Fresh after retention window, got %s", res)
	}
}

func TestGuardValidation(t *testing.T) {
	guard, _ := newTestGuard(t, 0)
	ctx := context.Background()

	if _, err := guard.MarkIfNew(ctx, "", "step", "d-1"); err == nil {
		t.Fatal("expected error for missing correlation id")
	}
	if _, err := guard.MarkIfNew(ctx, "saga-1", "step", ""); err == nil {
		t.Fatal("expected error for missing delivery id")
	}
	if _, err := guard.Seen(ctx, "", "step", "d-1"); err == nil {
		t.Fatal("expected error for missing correlation id")
	}
}
