// Package middleware holds the HTTP guards in front of the session API.
package middleware

import (
	"net/http"
	"os"
	"strconv"

	"golang.org/x/time/rate"

	"propmap/internal/logger"
	"propmap/internal/metrics"
)

// Limit：令牌耗尽时直接返回 429，不排队等待
func Limit(l *rate.Limiter, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !l.Allow() {
			metrics.RateLimitedTotal.Inc()
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// 文档注释：组装入口中间件（白名单 + 全局限流）
// 背景：RATE_LIMIT_ENABLED=true 时启用限流，RATE_LIMIT_QPS 同时作为速率与突发上限（默认 200）。
// 约束：白名单在限流之前执行，被拒绝的来源不消耗令牌。
func Wrap(next http.Handler) http.Handler {
	h := AllowlistFromEnv(logger.L()).Wrap(next)
	if os.Getenv("RATE_LIMIT_ENABLED") != "true" {
		return h
	}
	qps := 200
	if s := os.Getenv("RATE_LIMIT_QPS"); s != "" {
		if n, e := strconv.Atoi(s); e == nil && n > 0 {
			qps = n
		}
	}
	logger.L().Info("rate_limit_enabled", "qps", qps)
	return Limit(rate.NewLimiter(rate.Limit(qps), qps), h)
}
