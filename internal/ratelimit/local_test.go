package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestNoopAlwaysAllows(t *testing.T) {
	limiter := NewNoop()
	for i := 0; i < 100; i++ {
		ok, err := limiter.Allow(context.Background(), "a1")
		if err != nil || !ok {
			t.Fatalf("noop rejected request %d: ok=%v err=%v", i, ok, err)
		}
	}
}

func TestLocalEnforcesLimitPerKey(t *testing.T) {
	limiter := NewLocal(5, time.Minute)
	defer limiter.Close()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		ok, err := limiter.Allow(ctx, "a1")
		if err != nil {
			t.Fatalf("allow: %v", err)
		}
		if !ok {
			t.Fatalf("request %d rejected below the limit", i)
		}
	}
	if ok, _ := limiter.Allow(ctx, "a1"); ok {
		t.Fatal("request above the limit admitted")
	}

	// 不同 key 拥有独立配额。
	if ok, _ := limiter.Allow(ctx, "a2"); !ok {
		t.Fatal("fresh key rejected")
	}
}

func TestLocalConcurrentCounting(t *testing.T) {
	limiter := NewLocal(50, time.Minute)
	defer limiter.Close()
	ctx := context.Background()

	var admitted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, _ := limiter.Allow(ctx, "shared"); ok {
				admitted.Add(1)
			}
		}()
	}
	wg.Wait()

	if got := admitted.Load(); got != 50 {
		t.Fatalf("expected exactly 50 admissions, got %d", got)
	}
}
