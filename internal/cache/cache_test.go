package cache

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recordedLookup struct {
	layer string
	hit   bool
}

type fakeRecorder struct {
	mu      sync.Mutex
	lookups []recordedLookup
}

func (r *fakeRecorder) ObserveCacheLookup(layer string, hit bool) {
	r.mu.Lock()
	r.lookups = append(r.lookups, recordedLookup{layer: layer, hit: hit})
	r.mu.Unlock()
}

func TestLocalCacheTTL(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		elapsed time.Duration
		wantHit bool
	}{
		{name: "hit before expiry", elapsed: 50 * time.Millisecond, wantHit: true},
		{name: "miss after expiry", elapsed: 150 * time.Millisecond, wantHit: false},
		{name: "miss at exact expiry", elapsed: 100 * time.Millisecond, wantHit: false},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
			c := New(Options{Now: clock.Now})
			ctx := context.Background()

			c.Set(ctx, "k", []byte("v"), 100*time.Millisecond)
			clock.Advance(tt.elapsed)

			value, ok := c.Get(ctx, "k")
			if ok != tt.wantHit {
				t.Fatalf("Get() hit = %v, want %v", ok, tt.wantHit)
			}
			if ok && string(value) != "v" {
				t.Fatalf("Get() value = %q, want v", value)
			}
		})
	}
}

func TestRemoteCacheTTL(t *testing.T) {
	t.Parallel()

	mr, rdb := newTestRedis(t)
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	c := New(Options{Remote: rdb, Now: clock.Now})
	ctx := context.Background()

	c.Set(ctx, "k", []byte("v"), 100*time.Millisecond)

	mr.FastForward(50 * time.Millisecond)
	clock.Advance(50 * time.Millisecond)
	if _, ok := c.Get(ctx, "k"); !ok {
		t.Fatal("expected hit at 50ms")
	}

	mr.FastForward(100 * time.Millisecond)
	clock.Advance(100 * time.Millisecond)
	if _, ok := c.Get(ctx, "k"); ok {
		t.Fatal("expected miss at 150ms")
	}
}

func TestCacheReadsRemoteFirst(t *testing.T) {
	t.Parallel()

	mr, rdb := newTestRedis(t)
	recorder := &fakeRecorder{}
	c := New(Options{Remote: rdb, Recorder: recorder})
	ctx := context.Background()

	// Another node wrote the value; this process has nothing locally.
	if err := mr.Set(keyPrefix+"shared", "from-redis"); err != nil {
		t.Fatalf("mr.Set() error = %v", err)
	}

	value, ok := c.Get(ctx, "shared")
	if !ok || string(value) != "from-redis" {
		t.Fatalf("Get() = %q, %v, want from-redis, true", value, ok)
	}

	recorder.mu.Lock()
	defer recorder.mu.Unlock()
	if len(recorder.lookups) != 1 || recorder.lookups[0] != (recordedLookup{layer: LayerRemote, hit: true}) {
		t.Fatalf("lookups = %+v, want one remote hit", recorder.lookups)
	}
}

func TestCacheDegradesToLocalWhenRemoteFails(t *testing.T) {
	t.Parallel()

	mr, rdb := newTestRedis(t)
	c := New(Options{Remote: rdb, RemoteTimeout: 50 * time.Millisecond})
	ctx := context.Background()

	c.Set(ctx, "k", []byte("v"), time.Minute)
	mr.Close()

	value, ok := c.Get(ctx, "k")
	if !ok || string(value) != "v" {
		t.Fatalf("Get() = %q, %v, want v from local layer", value, ok)
	}

	c.Set(ctx, "k2", []byte("v2"), time.Minute)
	if value, ok := c.Get(ctx, "k2"); !ok || string(value) != "v2" {
		t.Fatalf("Get(k2) = %q, %v, want local write to succeed", value, ok)
	}
}

func TestCacheClearOnlyRemovesPrefixedKeys(t *testing.T) {
	t.Parallel()

	mr, rdb := newTestRedis(t)
	c := New(Options{Remote: rdb})
	ctx := context.Background()

	c.Set(ctx, "a", []byte("1"), 0)
	c.Set(ctx, "b", []byte("2"), 0)
	if err := mr.Set("dispatch:queue:email:seq", "7"); err != nil {
		t.Fatalf("mr.Set() error = %v", err)
	}

	c.Clear(ctx)

	if _, ok := c.Get(ctx, "a"); ok {
		t.Fatal("expected a to be cleared")
	}
	if mr.Exists(keyPrefix + "b") {
		t.Fatal("expected remote b to be cleared")
	}
	if !mr.Exists("dispatch:queue:email:seq") {
		t.Fatal("clear must not touch keys outside the cache prefix")
	}
}

func TestCacheDelete(t *testing.T) {
	t.Parallel()

	_, rdb := newTestRedis(t)
	c := New(Options{Remote: rdb})
	ctx := context.Background()

	c.Set(ctx, "k", []byte("v"), time.Minute)
	c.Delete(ctx, "k")

	if _, ok := c.Get(ctx, "k"); ok {
		t.Fatal("expected miss after delete")
	}
}

func TestJSONHelpers(t *testing.T) {
	t.Parallel()

	type snapshot struct {
		Available bool  `json:"available"`
		LatencyMs int64 `json:"latencyMs"`
	}

	c := New(Options{})
	ctx := context.Background()

	if err := SetJSON(ctx, c, "system:health", snapshot{Available: true, LatencyMs: 12}, time.Second); err != nil {
		t.Fatalf("SetJSON() error = %v", err)
	}

	got, ok := GetJSON[snapshot](ctx, c, "system:health")
	if !ok {
		t.Fatal("GetJSON() miss")
	}
	if !got.Available || got.LatencyMs != 12 {
		t.Fatalf("GetJSON() = %+v", got)
	}

	c.Set(ctx, "broken", []byte("{"), time.Second)
	if _, ok := GetJSON[snapshot](ctx, c, "broken"); ok {
		t.Fatal("expected undecodable value to be a miss")
	}
}

func TestLocalSweepRemovesExpired(t *testing.T) {
	t.Parallel()

	now := time.Unix(1_700_000_000, 0)
	s := newLocalStore()
	s.set("expired", []byte("x"), now.Add(-time.Second))
	s.set("live", []byte("y"), now.Add(time.Minute))
	s.set("forever", []byte("z"), time.Time{})

	if removed := s.sweep(now); removed != 1 {
		t.Fatalf("sweep() removed = %d, want 1", removed)
	}
	if s.len() != 2 {
		t.Fatalf("len() = %d, want 2", s.len())
	}
}

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run() error = %v", err)
	}
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{
		Addr:       mr.Addr(),
		MaxRetries: -1,
	})
	t.Cleanup(func() {
		_ = rdb.Close()
	})

	return mr, rdb
}
