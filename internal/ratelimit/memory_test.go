package ratelimit

import (
	"context"
	"testing"
	"time"
)

func TestMemoryLimiter_DeniesOverLimitWithinWindow(t *testing.T) {
	limiter := NewMemory()
	base := time.Unix(1_700_000_000, 0)
	limiter.now = func() time.Time { return base }

	for i := 0; i < 5; i++ {
		decision, err := limiter.Allow(context.Background(), "user:u1", "init", 5, 60*time.Second)
		if err != nil {
			t.Fatalf("Allow failed: %v", err)
		}
		if !decision.Allowed {
			t.Fatalf("call %d within limit must be allowed", i+1)
		}
	}

	decision, err := limiter.Allow(context.Background(), "user:u1", "init", 5, 60*time.Second)
	if err != nil {
		t.Fatalf("Allow failed: %v", err)
	}
	if decision.Allowed {
		t.Fatal("6th call in the same window must be denied")
	}
	if decision.RetryAfter <= 0 || decision.RetryAfter > 60*time.Second {
		t.Fatalf("RetryAfter out of range: %s", decision.RetryAfter)
	}
}

func TestMemoryLimiter_ResetsAtWindowBoundary(t *testing.T) {
	limiter := NewMemory()
	now := time.Unix(1_700_000_000, 0)
	limiter.now = func() time.Time { return now }

	for i := 0; i < 6; i++ {
		limiter.Allow(context.Background(), "user:u1", "init", 5, 60*time.Second)
	}

	// 跨过对齐的窗口边界，计数应归零
	now = now.Add(60 * time.Second)
	decision, err := limiter.Allow(context.Background(), "user:u1", "init", 5, 60*time.Second)
	if err != nil {
		t.Fatalf("Allow failed: %v", err)
	}
	if !decision.Allowed {
		t.Fatal("first call in the next window must be allowed")
	}
}

func TestMemoryLimiter_IsolatesSubjectsAndClasses(t *testing.T) {
	limiter := NewMemory()
	base := time.Unix(1_700_000_000, 0)
	limiter.now = func() time.Time { return base }

	for i := 0; i < 3; i++ {
		limiter.Allow(context.Background(), "user:u1", "init", 2, 60*time.Second)
	}

	decision, _ := limiter.Allow(context.Background(), "user:u2", "init", 2, 60*time.Second)
	if !decision.Allowed {
		t.Fatal("another subject must have its own counter")
	}

	decision, _ = limiter.Allow(context.Background(), "user:u1", "download", 2, 60*time.Second)
	if !decision.Allowed {
		t.Fatal("another class must have its own counter")
	}
}

func TestMemoryLimiter_ZeroLimitAllows(t *testing.T) {
	limiter := NewMemory()
	decision, err := limiter.Allow(context.Background(), "user:u1", "init", 0, time.Minute)
	if err != nil || !decision.Allowed {
		t.Fatalf("unconfigured class must pass: allowed=%v err=%v", decision.Allowed, err)
	}
}

func TestMemoryLimiter_CleanupKeepsLiveLongWindow(t *testing.T) {
	limiter := NewMemory()
	now := time.Unix(1_700_000_000, 0)
	limiter.now = func() time.Time { return now }

	// 长窗口类别打满额度
	for i := 0; i < 3; i++ {
		limiter.Allow(context.Background(), "user:u1", "read", 3, time.Hour)
	}
	// 短窗口类别建立一个马上会过期的计数
	limiter.Allow(context.Background(), "user:u1", "init", 5, time.Second)

	// 过了短窗口但长窗口仍在途，回收不得动长窗口的计数
	now = now.Add(2 * time.Second)
	limiter.mu.Lock()
	limiter.cleanupLocked(now.Unix())
	limiter.mu.Unlock()

	decision, err := limiter.Allow(context.Background(), "user:u1", "read", 3, time.Hour)
	if err != nil {
		t.Fatalf("Allow failed: %v", err)
	}
	if decision.Allowed {
		t.Fatal("long-window counter was evicted early, over-admitting the 4th call")
	}
}

func TestWindowStart_Alignment(t *testing.T) {
	now := time.Unix(1_700_000_037, 0)
	if got := windowStart(now, 60*time.Second); got != 1_699_999_980 {
		t.Fatalf("windowStart = %d, want 1699999980", got)
	}
	if got := retryAfter(now, 60*time.Second); got != 3*time.Second {
		t.Fatalf("retryAfter = %s, want 3s", got)
	}
}
