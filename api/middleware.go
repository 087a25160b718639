// SPDX-License-Identifier: Apache 2.0

package api

import (
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimitConfig configures the per-client-IP token bucket.
type RateLimitConfig struct {
	RequestsPerSecond float64
	Burst             int
}

// clientLimiters lazily creates and caches one rate.Limiter per client IP.
type clientLimiters struct {
	mu       sync.Mutex
	cfg      RateLimitConfig
	limiters map[string]*rate.Limiter
}

func (c *clientLimiters) get(ip string) *rate.Limiter {
	c.mu.Lock()
	defer c.mu.Unlock()

	l, ok := c.limiters[ip]
	if !ok {
		l = rate.NewLimiter(rate.Limit(c.cfg.RequestsPerSecond), c.cfg.Burst)
		c.limiters[ip] = l
	}
	return l
}

// RateLimitMiddleware rejects requests exceeding cfg with 429. A
// RequestsPerSecond of 0 disables rate limiting entirely.
func RateLimitMiddleware(cfg RateLimitConfig) func(http.Handler) http.Handler {
	if cfg.RequestsPerSecond <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}

	limiters := &clientLimiters{cfg: cfg, limiters: make(map[string]*rate.Limiter)}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := clientIP(r)
			if !limiters.get(ip).Allow() {
				http.Error(w, "Too many requests", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// LoggingMiddleware logs each request's method, path and outcome at DEBUG,
// never including request bodies (which may carry signatures or
// ciphertext — spec §7's logging policy).
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		slog.Debug("request handled",
			"method", r.Method,
			"path", r.URL.Path,
			"status", sw.status,
			"duration", time.Since(start),
		)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}
