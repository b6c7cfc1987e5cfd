package ratelimit

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisLimiter 把窗口计数放在 Redis，多副本共享同一份额度。
// 计数键带窗口起点，窗口结束后由过期自动清理。
type RedisLimiter struct {
	client *redis.Client
	// failOpen 决定计数存储不可用时放行还是拒绝，这是显式配置的
	// 可用性/抗滥用取舍，不允许成为隐式默认。
	failOpen bool
	logger   *log.Logger
}

// NewRedis 创建 Redis 限流器。
func NewRedis(client *redis.Client, failOpen bool, logger *log.Logger) *RedisLimiter {
	return &RedisLimiter{client: client, failOpen: failOpen, logger: logger}
}

// Allow 对窗口计数执行 INCR 并在首次写入时设置过期。
func (l *RedisLimiter) Allow(ctx context.Context, subject, class string, limit int, window time.Duration) (Decision, error) {
	if limit <= 0 || window <= 0 {
		return Decision{Allowed: true}, nil
	}

	now := time.Now()
	key := fmt.Sprintf("rl:%s:%s:%d", subject, class, windowStart(now, window))

	count, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		if l.logger != nil {
			l.logger.Printf("限流计数存储不可用 (fail_open=%v): %v", l.failOpen, err)
		}
		if l.failOpen {
			return Decision{Allowed: true}, nil
		}
		return Decision{Allowed: false, RetryAfter: retryAfter(now, window)}, nil
	}
	if count == 1 {
		// 过期稍长于窗口，保证边界上的计数能被读到
		l.client.Expire(ctx, key, window+time.Second)
	}

	if count > int64(limit) {
		return Decision{Allowed: false, RetryAfter: retryAfter(now, window)}, nil
	}
	return Decision{Allowed: true}, nil
}
