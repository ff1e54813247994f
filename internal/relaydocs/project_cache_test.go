package relaydocs

import (
	"context"
	"testing"
	"time"
)

func TestMemoryProjectCache(t *testing.T) {
	cache := NewMemoryProjectCache(time.Minute)
	now := time.Now()
	cache.now = func() time.Time { return now }
	ctx := context.Background()
	projects := []Project{{ID: "p1", Title: "Apollo", FolderID: "f1"}}

	if _, ok := cache.Get(ctx, "alice", "m1"); ok {
		t.Fatalf("empty cache must miss")
	}
	cache.Put(ctx, "alice", "m1", projects)
	got, ok := cache.Get(ctx, "alice", "m1")
	if !ok || len(got) != 1 || got[0].ID != "p1" {
		t.Fatalf("expected hit, got %v %v", got, ok)
	}

	now = now.Add(50 * time.Second)
	if _, ok := cache.Get(ctx, "alice", "m1"); !ok {
		t.Fatalf("hit before expiry")
	}
	now = now.Add(50 * time.Second)
	if _, ok := cache.Get(ctx, "alice", "m1"); !ok {
		t.Fatalf("reads must extend the lifetime")
	}
	now = now.Add(2 * time.Minute)
	if _, ok := cache.Get(ctx, "alice", "m1"); ok {
		t.Fatalf("expected expiry")
	}

	cache.Put(ctx, "alice", "m1", projects)
	if _, ok := cache.Get(ctx, "alice", "m2"); ok {
		t.Fatalf("marker change must miss")
	}
	if _, ok := cache.Get(ctx, "alice", "m1"); ok {
		t.Fatalf("stale entry must be dropped on marker change")
	}
}

func TestRedisProjectCache(t *testing.T) {
	client := newFakeRedis()
	cache := NewRedisProjectCache(client, "p:", time.Minute)
	ctx := context.Background()

	cache.Put(ctx, "alice", "m1", []Project{{ID: "p1", Title: "Apollo"}})
	got, ok := cache.Get(ctx, "alice", "m1")
	if !ok || len(got) != 1 || got[0].Title != "Apollo" {
		t.Fatalf("expected hit, got %v %v", got, ok)
	}
	if client.expires["p:alice"] != time.Minute {
		t.Fatalf("expected ttl on key, got %v", client.expires)
	}
	if _, ok := cache.Get(ctx, "alice", "m2"); ok {
		t.Fatalf("marker change must miss")
	}
	if _, ok := cache.Get(ctx, "bob", "m1"); ok {
		t.Fatalf("unknown user must miss")
	}
}
