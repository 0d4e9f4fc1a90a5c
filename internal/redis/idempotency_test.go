package redis

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"go.uber.org/zap"
)

func setupTestRedis(t *testing.T) (*Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := NewFromAddr(mr.Addr(), zap.NewNop())
	t.Cleanup(func() { client.Close() })
	return client, mr
}

const caller = "5b0c3f0e-5f7c-4d8e-9a51-0c1f2a3b4c5d"

func TestIdempotencyService_NewRequestReserves(t *testing.T) {
	client, mr := setupTestRedis(t)
	svc := NewIdempotencyService(client, zap.NewNop())

	result, err := svc.CheckOrReserve(context.Background(), caller, "bulk-2026-05-01")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != nil {
		t.Fatalf("expected nil result for new request, got: %+v", result)
	}

	got, err := mr.Get("propush:idempotency:" + caller + ":bulk-2026-05-01")
	if err != nil || got != processingMarker {
		t.Fatalf("reservation = %q, %v", got, err)
	}
}

func TestIdempotencyService_InFlightDuplicate(t *testing.T) {
	client, _ := setupTestRedis(t)
	svc := NewIdempotencyService(client, zap.NewNop())
	ctx := context.Background()

	if _, err := svc.CheckOrReserve(ctx, caller, "key-1"); err != nil {
		t.Fatalf("first request failed: %v", err)
	}
	if _, err := svc.CheckOrReserve(ctx, caller, "key-1"); !errors.Is(err, ErrDuplicateRequest) {
		t.Fatalf("expected ErrDuplicateRequest, got: %v", err)
	}
}

func TestIdempotencyService_ReplaysStoredResult(t *testing.T) {
	client, mr := setupTestRedis(t)
	svc := NewIdempotencyService(client, zap.NewNop())
	ctx := context.Background()

	if ok, err := svc.Reserve(ctx, caller, "key-1"); err != nil || !ok {
		t.Fatalf("reserve: %v, %v", ok, err)
	}

	body := json.RawMessage(`{"success":true,"sent":2,"failed":0}`)
	if err := svc.Store(ctx, caller, "key-1", &IdempotencyResult{
		Action:     "send_to_user",
		StatusCode: 200,
		Body:       body,
	}, IdempotencyTTL); err != nil {
		t.Fatalf("store failed: %v", err)
	}

	cached, err := svc.CheckOrReserve(ctx, caller, "key-1")
	if err != nil {
		t.Fatalf("check failed: %v", err)
	}
	if cached == nil || cached.Action != "send_to_user" || cached.StatusCode != 200 {
		t.Fatalf("cached = %+v", cached)
	}
	if string(cached.Body) != string(body) {
		t.Fatalf("body = %s", cached.Body)
	}
	if cached.CreatedAt == 0 {
		t.Fatal("created_at should be filled")
	}
	if ttl := mr.TTL("propush:idempotency:" + caller + ":key-1"); ttl != IdempotencyTTL {
		t.Fatalf("ttl = %v, want %v", ttl, IdempotencyTTL)
	}
}

func TestIdempotencyService_ScopedByCaller(t *testing.T) {
	client, _ := setupTestRedis(t)
	svc := NewIdempotencyService(client, zap.NewNop())
	ctx := context.Background()

	if _, err := svc.CheckOrReserve(ctx, caller, "same-key"); err != nil {
		t.Fatalf("caller A failed: %v", err)
	}
	result, err := svc.CheckOrReserve(ctx, "anonymous", "same-key")
	if err != nil || result != nil {
		t.Fatalf("other caller should get a fresh reservation, got %+v, %v", result, err)
	}
}

func TestIdempotencyService_Release(t *testing.T) {
	client, _ := setupTestRedis(t)
	svc := NewIdempotencyService(client, zap.NewNop())
	ctx := context.Background()

	svc.Reserve(ctx, caller, "rejected")
	if err := svc.Release(ctx, caller, "rejected"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if ok, _ := svc.Reserve(ctx, caller, "rejected"); !ok {
		t.Fatal("released key should be reservable again")
	}

	svc.Store(ctx, caller, "done", &IdempotencyResult{Action: "send_bulk", StatusCode: 200}, IdempotencyTTL)
	if err := svc.Release(ctx, caller, "done"); err != nil {
		t.Fatalf("release completed: %v", err)
	}
	if cached, _ := svc.Check(ctx, caller, "done"); cached == nil {
		t.Fatal("release must not drop a completed result")
	}

	if err := svc.Release(ctx, caller, "never-seen"); err != nil {
		t.Fatalf("release unknown: %v", err)
	}
}

func TestIdempotencyService_CorruptValue(t *testing.T) {
	client, mr := setupTestRedis(t)
	svc := NewIdempotencyService(client, zap.NewNop())

	mr.Set("propush:idempotency:"+caller+":bad", "{not json")
	if _, err := svc.Check(context.Background(), caller, "bad"); err == nil {
		t.Fatal("expected error for corrupt cached value")
	}
}
