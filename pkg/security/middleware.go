package security

import (
	"bufio"
	"context"
	"errors"
	"net"
	"net/http"
	"runtime"
	"slices"
	"time"

	"github.com/codeGROOVE-dev/starbar/pkg/logger"
)

// CombinedMiddleware wraps the local feed's handlers with request logging,
// panic recovery, per-IP rate limiting, security headers and an Origin
// allowlist. Browsers on other origins must not read the star feed.
func CombinedMiddleware(rl *RateLimiter, allowedOrigins []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := ClientIP(r)
			start := time.Now()
			wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			defer func() {
				if err := recover(); err != nil {
					buf := make([]byte, 4096)
					n := runtime.Stack(buf, false)
					logger.Error(r.Context(), "panic recovered", nil, logger.Fields{
						"panic": err,
						"ip":    ip,
						"path":  r.URL.Path,
						"stack": string(buf[:n]),
					})
					http.Error(wrapped, "internal server error", http.StatusInternalServerError)
				}
				logger.Debug(context.WithoutCancel(r.Context()), "feed request", logger.Fields{
					"method":   r.Method,
					"path":     r.URL.Path,
					"status":   wrapped.statusCode,
					"ip":       ip,
					"duration": time.Since(start),
				})
			}()

			if !rl.Allow(ip) {
				logger.Warn(r.Context(), "rate limit exceeded", logger.Fields{"ip": ip, "path": r.URL.Path})
				http.Error(wrapped, "rate limit exceeded", http.StatusTooManyRequests)
				return
			}

			wrapped.Header().Set("X-Content-Type-Options", "nosniff")
			wrapped.Header().Set("X-Frame-Options", "DENY")

			if origin := r.Header.Get("Origin"); origin != "" && !slices.Contains(allowedOrigins, origin) {
				logger.Warn(r.Context(), "origin rejected", logger.Fields{"origin": origin, "ip": ip})
				http.Error(wrapped, "forbidden", http.StatusForbidden)
				return
			}

			next.ServeHTTP(wrapped, r)
		})
	}
}

type responseWriter struct {
	http.ResponseWriter

	statusCode int
	written    bool
}

func (rw *responseWriter) WriteHeader(code int) {
	if !rw.written {
		rw.statusCode = code
		rw.written = true
		rw.ResponseWriter.WriteHeader(code)
	}
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	rw.written = true
	return rw.ResponseWriter.Write(b)
}

// Hijack lets the WebSocket handler take over the connection.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	rw.written = true
	rw.statusCode = http.StatusSwitchingProtocols
	return h.Hijack()
}
