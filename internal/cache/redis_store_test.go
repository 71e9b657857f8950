package cache

import (
	"context"
	"reflect"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func setupTestRedis(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	s := miniredis.RunT(t)
	store, err := NewRedisStore("redis://" + s.Addr())
	if err != nil {
		t.Fatalf("failed to create redis store: %v", err)
	}
	return store, s
}

func TestNewRedisStore(t *testing.T) {
	store, _ := setupTestRedis(t)
	defer store.Close()

	if err := store.Ping(context.Background()); err != nil {
		t.Errorf("Ping failed: %v", err)
	}
}

func TestNewRedisStoreInvalidURL(t *testing.T) {
	if _, err := NewRedisStore("not-a-url"); err == nil {
		t.Fatal("expected error for invalid url")
	}
}

func TestSelectionRoundTripAndExpiry(t *testing.T) {
	store, s := setupTestRedis(t)
	defer store.Close()
	ctx := context.Background()

	if _, ok, err := store.GetSelection(ctx, "u1", "record:10"); err != nil || ok {
		t.Fatalf("expected cache miss, got ok=%v err=%v", ok, err)
	}

	ids := []string{"ex1", "ex2"}
	if err := store.SaveSelection(ctx, "u1", "record:10", ids, 30*time.Second); err != nil {
		t.Fatalf("SaveSelection failed: %v", err)
	}
	got, ok, err := store.GetSelection(ctx, "u1", "record:10")
	if err != nil || !ok || !reflect.DeepEqual(got, ids) {
		t.Fatalf("GetSelection = %v %v %v", got, ok, err)
	}
	if !s.Exists("nkowa:selection:u1:record:10") {
		t.Fatal("expected namespaced key")
	}

	s.FastForward(31 * time.Second)
	if _, ok, _ := store.GetSelection(ctx, "u1", "record:10"); ok {
		t.Fatal("expected selection to expire")
	}
}

func TestInvalidateUser(t *testing.T) {
	store, _ := setupTestRedis(t)
	defer store.Close()
	ctx := context.Background()

	for _, shape := range []string{"record:10", "review:5"} {
		if err := store.SaveSelection(ctx, "u1", shape, []string{"a"}, time.Minute); err != nil {
			t.Fatalf("SaveSelection failed: %v", err)
		}
	}
	if err := store.SaveSelection(ctx, "u2", "record:10", []string{"b"}, time.Minute); err != nil {
		t.Fatalf("SaveSelection failed: %v", err)
	}

	if err := store.InvalidateUser(ctx, "u1"); err != nil {
		t.Fatalf("InvalidateUser failed: %v", err)
	}
	if _, ok, _ := store.GetSelection(ctx, "u1", "review:5"); ok {
		t.Fatal("expected u1 selections to be dropped")
	}
	if _, ok, _ := store.GetSelection(ctx, "u2", "record:10"); !ok {
		t.Fatal("expected u2 selection to survive")
	}
	if err := store.InvalidateUser(ctx, "nobody"); err != nil {
		t.Fatalf("InvalidateUser on empty set failed: %v", err)
	}
}

func TestJobMarkers(t *testing.T) {
	store, _ := setupTestRedis(t)
	defer store.Close()
	ctx := context.Background()

	if err := store.BeginJob(ctx, "rewrite:a:b", []byte(`{"oldId":"a"}`)); err != nil {
		t.Fatalf("BeginJob failed: %v", err)
	}
	if err := store.BeginJob(ctx, "rewrite:c:d", []byte(`{"oldId":"c"}`)); err != nil {
		t.Fatalf("BeginJob failed: %v", err)
	}
	if err := store.CompleteJob(ctx, "rewrite:a:b"); err != nil {
		t.Fatalf("CompleteJob failed: %v", err)
	}

	pending, err := store.PendingJobs(ctx)
	if err != nil {
		t.Fatalf("PendingJobs failed: %v", err)
	}
	if len(pending) != 1 || string(pending["rewrite:c:d"]) != `{"oldId":"c"}` {
		t.Fatalf("unexpected pending jobs: %v", pending)
	}
}

func TestMemoryStoreMatchesRedisBehaviour(t *testing.T) {
	store := NewMemoryStore()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return now }
	ctx := context.Background()

	if err := store.SaveSelection(ctx, "u1", "record:10", []string{"a"}, time.Minute); err != nil {
		t.Fatalf("SaveSelection failed: %v", err)
	}
	if got, ok, _ := store.GetSelection(ctx, "u1", "record:10"); !ok || !reflect.DeepEqual(got, []string{"a"}) {
		t.Fatalf("GetSelection = %v %v", got, ok)
	}
	now = now.Add(2 * time.Minute)
	if _, ok, _ := store.GetSelection(ctx, "u1", "record:10"); ok {
		t.Fatal("expected expiry")
	}

	_ = store.SaveSelection(ctx, "u1", "review:5", []string{"a"}, time.Minute)
	_ = store.InvalidateUser(ctx, "u1")
	if _, ok, _ := store.GetSelection(ctx, "u1", "review:5"); ok {
		t.Fatal("expected invalidation")
	}

	_ = store.BeginJob(ctx, "j", []byte("x"))
	pending, _ := store.PendingJobs(ctx)
	if string(pending["j"]) != "x" {
		t.Fatalf("unexpected pending %v", pending)
	}
	_ = store.CompleteJob(ctx, "j")
	pending, _ = store.PendingJobs(ctx)
	if len(pending) != 0 {
		t.Fatalf("expected no pending jobs, got %v", pending)
	}
}
