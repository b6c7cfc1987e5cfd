package middleware

import (
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"filegate/internal/config"
	"filegate/internal/ratelimit"
)

// RateLimit 按端点类别限制同一主体在窗口内的请求数。
// 已鉴权请求以身份为主体，否则退化为客户端 IP。
// 限流只拒绝当前请求，不产生任何状态变化。
func RateLimit(limiter ratelimit.Limiter, class config.RateClass, className string) func(http.Handler) http.Handler {
	if limiter == nil || class.Limit <= 0 || class.Window <= 0 {
		return passthrough
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			decision, err := limiter.Allow(r.Context(), subjectKey(r), className, class.Limit, class.Window)
			if err != nil || !decision.Allowed {
				retryAfter := decision.RetryAfter
				if retryAfter <= 0 {
					retryAfter = class.Window
				}
				w.Header().Set("Retry-After", strconv.Itoa(int(retryAfter/time.Second)))
				http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func passthrough(next http.Handler) http.Handler {
	return next
}

// subjectKey 取限流主体：优先鉴权身份，其次客户端 IP。
func subjectKey(r *http.Request) string {
	if identity, ok := GetIdentity(r.Context()); ok && identity.Subject != "" {
		return "user:" + identity.Subject
	}
	return "ip:" + ClientIP(r)
}

// ClientIP 解析客户端来源 IP，优先 X-Forwarded-For。
func ClientIP(r *http.Request) string {
	xff := r.Header.Get("X-Forwarded-For")
	if xff != "" {
		parts := strings.Split(xff, ",")
		return strings.TrimSpace(parts[0])
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
