// Package ratelimit 实现按 (subject, 端点类别) 的固定窗口限流。
// 窗口在时间对齐的边界重置，跨边界最多放行两倍名义速率，
// 这是用简单性换精度的取舍。
package ratelimit

import (
	"context"
	"time"
)

// Decision 是一次准入判定。
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
}

// Limiter 判定 subject 在指定类别窗口内是否还可准入。
type Limiter interface {
	Allow(ctx context.Context, subject, class string, limit int, window time.Duration) (Decision, error)
}

// windowStart 返回当前时间对齐后的窗口起点（秒）。
func windowStart(now time.Time, window time.Duration) int64 {
	sec := int64(window / time.Second)
	if sec <= 0 {
		sec = 1
	}
	return now.Unix() / sec * sec
}

// retryAfter 返回距当前窗口结束还有多久。
func retryAfter(now time.Time, window time.Duration) time.Duration {
	sec := int64(window / time.Second)
	if sec <= 0 {
		sec = 1
	}
	elapsed := now.Unix() % sec
	return time.Duration(sec-elapsed) * time.Second
}
