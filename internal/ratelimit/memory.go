package ratelimit

import (
	"context"
	"sync"
	"time"
)

// MemoryLimiter 是单进程内存实现，窗口语义与 Redis 实现一致，
// 用于本地开发和 Redis 不可用时的降级。
type MemoryLimiter struct {
	mu       sync.Mutex
	counters map[string]*windowCounter
	// now 可注入，便于测试窗口边界
	now func() time.Time
}

type windowCounter struct {
	start  int64
	expiry int64
	count  int
}

// NewMemory 创建内存限流器。
func NewMemory() *MemoryLimiter {
	return &MemoryLimiter{
		counters: make(map[string]*windowCounter),
		now:      time.Now,
	}
}

// Allow 实现 Limiter。
func (l *MemoryLimiter) Allow(ctx context.Context, subject, class string, limit int, window time.Duration) (Decision, error) {
	if limit <= 0 || window <= 0 {
		return Decision{Allowed: true}, nil
	}

	now := l.now()
	start := windowStart(now, window)
	key := subject + ":" + class

	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.counters[key]
	if !ok || entry.start != start {
		sec := int64(window / time.Second)
		if sec <= 0 {
			sec = 1
		}
		l.counters[key] = &windowCounter{start: start, expiry: start + sec, count: 1}
		if len(l.counters) > 1024 {
			l.cleanupLocked(now.Unix())
		}
		return Decision{Allowed: true}, nil
	}

	entry.count++
	if entry.count > limit {
		return Decision{Allowed: false, RetryAfter: retryAfter(now, window)}, nil
	}
	return Decision{Allowed: true}, nil
}

// cleanupLocked 只回收已过期的窗口。不同类别的窗口长短不一，
// 以各自的到期时刻为准，长窗口的活跃计数不受短窗口触发的回收影响。
func (l *MemoryLimiter) cleanupLocked(nowUnix int64) {
	for key, entry := range l.counters {
		if entry.expiry <= nowUnix {
			delete(l.counters, key)
		}
	}
}
