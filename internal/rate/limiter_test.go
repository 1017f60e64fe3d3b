package rate

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestCounter(t *testing.T) (*Counter, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = rdb.Close()
		mr.Close()
	})
	return New(rdb, "t"), mr
}

func TestCounterAllowFixedWindow(t *testing.T) {
	c, mr := newTestCounter(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := c.Allow(ctx, "k", 3, time.Minute); err != nil {
			t.Fatalf("hit %d: %v", i, err)
		}
	}
	if err := c.Allow(ctx, "k", 3, time.Minute); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
	if ttl := mr.TTL("t:k"); ttl <= 0 || ttl > time.Minute {
		t.Fatalf("unexpected ttl %v", ttl)
	}

	mr.FastForward(time.Minute + time.Second)
	if err := c.Allow(ctx, "k", 3, time.Minute); err != nil {
		t.Fatalf("expected new window, got %v", err)
	}
}

func TestCounterReset(t *testing.T) {
	c, mr := newTestCounter(t)
	ctx := context.Background()

	if n, err := c.Peek(ctx, "a"); err != nil || n != 0 {
		t.Fatalf("Peek missing = %d, %v", n, err)
	}
	_, _ = c.Hit(ctx, "a", time.Minute)
	if n, _ := c.Hit(ctx, "a", time.Minute); n != 2 {
		t.Fatalf("expected 2, got %d", n)
	}
	if n, _ := c.Peek(ctx, "a"); n != 2 {
		t.Fatalf("Peek = %d, want 2", n)
	}
	if err := c.Reset(ctx, "a"); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if mr.Exists("t:a") {
		t.Fatal("expected counter key to be deleted")
	}
	if n, _ := c.Hit(ctx, "a", time.Minute); n != 1 {
		t.Fatalf("expected fresh count after reset, got %d", n)
	}
}

func TestCounterUnavailable(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer rdb.Close()
	c := New(rdb, "t")
	mr.Close()

	if _, err := c.Hit(context.Background(), "k", time.Minute); !errors.Is(err, ErrRedisUnavailable) {
		t.Fatalf("expected ErrRedisUnavailable, got %v", err)
	}
}
