package lock

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

func TestLocalTryLock(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	l := NewLocal()

	a, err := l.TryLock(ctx, "post:1", time.Minute)
	if err != nil {
		t.Fatalf("TryLock: %v", err)
	}
	if _, err := l.TryLock(ctx, "post:1", time.Minute); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}
	if _, err := l.TryLock(ctx, "post:2", time.Minute); err != nil {
		t.Fatalf("other key: %v", err)
	}
	_ = a.Release(ctx)
	_ = a.Release(ctx)
	if _, err := l.TryLock(ctx, "post:1", time.Minute); err != nil {
		t.Fatalf("after release: %v", err)
	}
}

func TestLocalExpiry(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	l := NewLocal()
	now := time.Now()
	l.now = func() time.Time { return now }

	old, err := l.TryLock(ctx, "scan", time.Second)
	if err != nil {
		t.Fatal(err)
	}
	now = now.Add(2 * time.Second)
	fresh, err := l.TryLock(ctx, "scan", time.Second)
	if err != nil {
		t.Fatalf("expired lease should be taken over: %v", err)
	}
	// The stale holder must not release the new lease.
	_ = old.Release(ctx)
	if _, err := l.TryLock(ctx, "scan", time.Second); !errors.Is(err, ErrBusy) {
		t.Fatalf("stale release freed the key: %v", err)
	}
	_ = fresh.Release(ctx)
}

func TestLocalConcurrentSingleHolder(t *testing.T) {
	t.Parallel()
	l := NewLocal()
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := l.TryLock(context.Background(), "k", time.Minute); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Fatalf("wins=%d", wins)
	}
}

func TestOpenDrivers(t *testing.T) {
	t.Parallel()
	if l, err := Open(context.Background(), Config{}); err != nil || l == nil {
		t.Fatalf("default driver: %v", err)
	}
	if _, err := Open(context.Background(), Config{Driver: "zookeeper"}); err == nil {
		t.Fatalf("expected unknown driver error")
	}
}

// testRedis skips unless POSTCAST_TEST_REDIS_ADDR points at a server.
func testRedis(t *testing.T) *Redis {
	t.Helper()
	addr := os.Getenv("POSTCAST_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("POSTCAST_TEST_REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr, DB: 15})
	if err := client.Ping(context.Background()).Err(); err != nil {
		_ = client.Close()
		t.Skipf("redis not reachable: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return NewRedis(client, "postcast:test:"+t.Name()+":")
}

func TestRedisTryLock(t *testing.T) {
	r := testRedis(t)
	ctx := context.Background()

	a, err := r.TryLock(ctx, "post:1", 5*time.Second)
	if err != nil {
		t.Fatalf("TryLock: %v", err)
	}
	if _, err := r.TryLock(ctx, "post:1", 5*time.Second); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}
	if err := a.Release(ctx); err != nil {
		t.Fatalf("Release: %v", err)
	}
	b, err := r.TryLock(ctx, "post:1", 5*time.Second)
	if err != nil {
		t.Fatalf("after release: %v", err)
	}
	_ = b.Release(ctx)
}
