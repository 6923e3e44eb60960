package kvstore

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMemoryRoundTripAndRemove(t *testing.T) {
	ctx := context.Background()
	store := NewMemory(0)

	if _, err := store.Get(ctx, "flags"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := store.Set(ctx, "flags", []byte(`{"useNewTracking":true}`)); err != nil {
		t.Fatalf("set: %v", err)
	}
	got, err := store.Get(ctx, "flags")
	if err != nil || string(got) != `{"useNewTracking":true}` {
		t.Fatalf("unexpected value %q err=%v", got, err)
	}
	got[0] = 'x'
	again, _ := store.Get(ctx, "flags")
	if again[0] != '{' {
		t.Fatalf("memory store leaked its internal buffer")
	}
	if err := store.Remove(ctx, "flags"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, err := store.Get(ctx, "flags"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected key removed, got %v", err)
	}
}

func TestMemoryExpiry(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	store := NewMemory(time.Minute)
	store.now = func() time.Time { return now }

	_ = store.Set(ctx, "session_id", []byte("abc"))
	now = now.Add(2 * time.Minute)
	if _, err := store.Get(ctx, "session_id"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected expired value, got %v", err)
	}
}

func TestScopedFallsBackToNoop(t *testing.T) {
	mem := NewMemory(0)
	scoped := Scoped{Durable: mem}
	if scoped.For(ScopeDurable) != Store(mem) {
		t.Fatalf("expected durable store")
	}
	if _, ok := scoped.For(ScopeSession).(Noop); !ok {
		t.Fatalf("expected noop for missing session store")
	}
}

func TestJSONHelpers(t *testing.T) {
	ctx := context.Background()
	store := NewMemory(0)
	type doc struct {
		Count int `json:"count"`
	}
	if err := SetJSON(ctx, store, "doc", doc{Count: 3}); err != nil {
		t.Fatalf("set json: %v", err)
	}
	var out doc
	if err := GetJSON(ctx, store, "doc", &out); err != nil || out.Count != 3 {
		t.Fatalf("unexpected decode %+v err=%v", out, err)
	}
	_ = store.Set(ctx, "broken", []byte("{"))
	if err := GetJSON(ctx, store, "broken", &out); err == nil || errors.Is(err, ErrNotFound) {
		t.Fatalf("expected decode error, got %v", err)
	}
}

func TestRedisRequiresAddr(t *testing.T) {
	if _, err := NewRedis(context.Background(), RedisConfig{}); err == nil {
		t.Fatalf("expected error for empty addr")
	}
}

func TestPostgresRequiresDSN(t *testing.T) {
	if _, err := OpenPostgresPool(context.Background(), ""); err == nil {
		t.Fatalf("expected error for empty dsn")
	}
}
