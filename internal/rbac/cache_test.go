package rbac

import (
	"context"
	"log/slog"
	"reflect"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestCache(t *testing.T) (*SnapshotCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	cache := NewSnapshotCache(client, time.Minute, time.Second, slog.Default(), nil)
	return cache, mr
}

func countingResolver(snap Snapshot) (func(context.Context) (Snapshot, error), *int) {
	calls := 0
	return func(context.Context) (Snapshot, error) {
		calls++
		return snap, nil
	}, &calls
}

func TestCacheFetchMissThenHit(t *testing.T) {
	cache, _ := newTestCache(t)
	actor := ActorContext{UserID: 7, TenantID: int64Ptr(1)}
	want := Snapshot{RoleCodes: []string{"pos:orders:view"}, Revoked: []string{"pos:orders:void"}}
	resolve, calls := countingResolver(want)

	first, err := cache.Fetch(context.Background(), actor, resolve)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	second, err := cache.Fetch(context.Background(), actor, resolve)
	if err != nil {
		t.Fatalf("Fetch (cached): %v", err)
	}
	if *calls != 1 {
		t.Fatalf("resolver called %d times, want 1", *calls)
	}
	if !reflect.DeepEqual(first, want) || !reflect.DeepEqual(second, first) {
		t.Fatalf("cached snapshot diverged: first=%+v second=%+v", first, second)
	}
}

func TestCacheKeysAreScopedPerUserAndTenant(t *testing.T) {
	cache, _ := newTestCache(t)
	resolveA, callsA := countingResolver(Snapshot{RoleCodes: []string{"pos:orders:view"}})
	resolveB, callsB := countingResolver(Snapshot{RoleCodes: []string{"core:roles:view"}})

	if _, err := cache.Fetch(context.Background(), ActorContext{UserID: 7, TenantID: int64Ptr(1)}, resolveA); err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if _, err := cache.Fetch(context.Background(), ActorContext{UserID: 7, TenantID: int64Ptr(2)}, resolveB); err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if _, err := cache.Fetch(context.Background(), ActorContext{UserID: 7}, resolveB); err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if *callsA != 1 || *callsB != 2 {
		t.Fatalf("distinct (user, tenant) pairs must not share entries: callsA=%d callsB=%d", *callsA, *callsB)
	}
}

func TestCacheInvalidateForcesReResolve(t *testing.T) {
	cache, _ := newTestCache(t)
	actor := ActorContext{UserID: 7, TenantID: int64Ptr(1)}

	current := Snapshot{RoleCodes: []string{"pos:orders:view"}}
	resolve := func(context.Context) (Snapshot, error) { return current, nil }

	if _, err := cache.Fetch(context.Background(), actor, resolve); err != nil {
		t.Fatalf("Fetch: %v", err)
	}

	// The underlying state changes, then the key is invalidated; the next
	// read must observe the new state immediately.
	current = Snapshot{RoleCodes: []string{"pos:orders:view", "pos:orders:create"}}
	cache.Invalidate(context.Background(), actor.UserID, actor.TenantID)

	snap, err := cache.Fetch(context.Background(), actor, resolve)
	if err != nil {
		t.Fatalf("Fetch after invalidate: %v", err)
	}
	if !snap.Has("pos:orders:create") {
		t.Fatalf("stale snapshot served after invalidation: %+v", snap)
	}
}

func TestCacheBumpRolesVersionInvalidatesEveryEntry(t *testing.T) {
	cache, _ := newTestCache(t)
	actorA := ActorContext{UserID: 7, TenantID: int64Ptr(1)}
	actorB := ActorContext{UserID: 8, TenantID: int64Ptr(2)}
	resolve, calls := countingResolver(Snapshot{RoleCodes: []string{"pos:orders:view"}})

	for _, actor := range []ActorContext{actorA, actorB} {
		if _, err := cache.Fetch(context.Background(), actor, resolve); err != nil {
			t.Fatalf("Fetch: %v", err)
		}
	}

	cache.BumpRolesVersion(context.Background())

	for _, actor := range []ActorContext{actorA, actorB} {
		if _, err := cache.Fetch(context.Background(), actor, resolve); err != nil {
			t.Fatalf("Fetch after bump: %v", err)
		}
	}
	if *calls != 4 {
		t.Fatalf("resolver called %d times, want 4 (every entry re-resolved)", *calls)
	}
}

func TestCacheBackendDownFallsBackToResolver(t *testing.T) {
	cache, mr := newTestCache(t)
	actor := ActorContext{UserID: 7, TenantID: int64Ptr(1)}
	want := Snapshot{RoleCodes: []string{"pos:orders:view"}}
	resolve, calls := countingResolver(want)

	mr.Close()

	snap, err := cache.Fetch(context.Background(), actor, resolve)
	if err != nil {
		t.Fatalf("Fetch with dead backend: %v", err)
	}
	if !reflect.DeepEqual(snap, want) {
		t.Fatalf("fallback snapshot = %+v, want %+v", snap, want)
	}
	if *calls != 1 {
		t.Fatalf("resolver called %d times, want 1", *calls)
	}

	// Invalidation and version bumps against a dead backend must not panic
	// or surface errors to the caller.
	cache.Invalidate(context.Background(), actor.UserID, actor.TenantID)
	cache.BumpRolesVersion(context.Background())
}

func TestCacheCorruptPayloadTreatedAsMiss(t *testing.T) {
	cache, mr := newTestCache(t)
	actor := ActorContext{UserID: 7, TenantID: int64Ptr(1)}
	want := Snapshot{RoleCodes: []string{"pos:orders:view"}}
	resolve, _ := countingResolver(want)

	if _, err := cache.Fetch(context.Background(), actor, resolve); err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	for _, key := range mr.Keys() {
		if key != "rbac:roles:version" {
			mr.Set(key, "{not json")
		}
	}

	snap, err := cache.Fetch(context.Background(), actor, resolve)
	if err != nil {
		t.Fatalf("Fetch with corrupt entry: %v", err)
	}
	if !reflect.DeepEqual(snap, want) {
		t.Fatalf("snapshot = %+v, want %+v", snap, want)
	}
}

func TestCacheNilClientResolvesDirectly(t *testing.T) {
	cache := NewSnapshotCache(nil, 0, 0, nil, nil)
	want := Snapshot{Granted: []string{"pos:orders:view"}}
	resolve, calls := countingResolver(want)

	for i := 0; i < 2; i++ {
		snap, err := cache.Fetch(context.Background(), ActorContext{UserID: 7}, resolve)
		if err != nil {
			t.Fatalf("Fetch: %v", err)
		}
		if !reflect.DeepEqual(snap, want) {
			t.Fatalf("snapshot = %+v, want %+v", snap, want)
		}
	}
	if *calls != 2 {
		t.Fatalf("nil-client cache must resolve every call, got %d", *calls)
	}
}
