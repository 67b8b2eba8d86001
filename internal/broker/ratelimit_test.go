package broker

import (
	"context"
	"testing"
	"time"
)

func TestRateLimiterBurst(t *testing.T) {
	t.Parallel()
	rl := newRateLimiter(10, 3)

	for i := 0; i < 3; i++ {
		if !rl.Allow() {
			t.Fatalf("token %d should be available from the burst", i)
		}
	}
	if rl.Allow() {
		t.Fatal("bucket should be empty after draining the burst")
	}
}

func TestRateLimiterRefills(t *testing.T) {
	t.Parallel()
	rl := newRateLimiter(100, 1)

	if !rl.Allow() {
		t.Fatal("initial token missing")
	}
	if rl.Allow() {
		t.Fatal("bucket should be empty")
	}

	time.Sleep(30 * time.Millisecond) // 100/sec refills well within this
	if !rl.Allow() {
		t.Fatal("bucket did not refill")
	}
}

func TestRateLimiterWaitHonorsContext(t *testing.T) {
	t.Parallel()
	rl := newRateLimiter(0.1, 1) // 10s per token once drained
	if err := rl.Wait(context.Background()); err != nil {
		t.Fatalf("first wait: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := rl.Wait(ctx); err == nil {
		t.Fatal("wait should fail when the context expires first")
	}
}
