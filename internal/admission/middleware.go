package admission

import (
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	xerrors "IntentArena/internal/errors"
	"IntentArena/pkg/logger"
)

// IdentityFunc 从请求中提取调用方身份。
type IdentityFunc func(r *http.Request) string

// RejectFunc 写出准入拒绝响应。
type RejectFunc func(w http.ResponseWriter, r *http.Request, err error)

// ClientIdentity 优先使用 X-Client-ID，其次使用远端 IP。
func ClientIdentity(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get("X-Client-ID")); id != "" {
		return "client:" + id
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "ip:" + host
}

// MiddlewareOption 自定义中间件。
type MiddlewareOption func(*middleware)

// WithIdentity 替换身份提取函数。
func WithIdentity(fn IdentityFunc) MiddlewareOption {
	return func(m *middleware) {
		if fn != nil {
			m.identity = fn
		}
	}
}

// WithReject 替换拒绝响应的写法。
func WithReject(fn RejectFunc) MiddlewareOption {
	return func(m *middleware) {
		if fn != nil {
			m.reject = fn
		}
	}
}

// WithRejectObserver 在每次拒绝时回调，用于指标统计。
func WithRejectObserver(fn func(route string)) MiddlewareOption {
	return func(m *middleware) {
		m.observe = fn
	}
}

type middleware struct {
	limiter  Limiter
	identity IdentityFunc
	reject   RejectFunc
	observe  func(string)
	log      *slog.Logger
}

// Middleware 对受保护的路由执行准入检查。限流器自身故障时放行请求。
func Middleware(limiter Limiter, opts ...MiddlewareOption) func(http.Handler) http.Handler {
	m := &middleware{
		limiter:  limiter,
		identity: ClientIdentity,
		reject:   writeRejection,
		log:      logger.Named("admission"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if m.limiter == nil {
				next.ServeHTTP(w, r)
				return
			}
			id := m.identity(r)
			decision, err := m.limiter.Allow(r.Context(), id)
			if err != nil {
				m.log.Warn("准入检查失败，放行请求", "identity", id, "error", err)
				next.ServeHTTP(w, r)
				return
			}
			if !decision.Allowed {
				if m.observe != nil {
					m.observe(r.URL.Path)
				}
				w.Header().Set("Retry-After", strconv.Itoa(RetryAfterSeconds(decision.RetryAfter)))
				m.reject(w, r, decision.Err(id))
				return
			}
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))
			next.ServeHTTP(w, r)
		})
	}
}

// RetryAfterSeconds 把等待时间向上取整为秒，至少为 1。
func RetryAfterSeconds(d time.Duration) int {
	secs := int((d + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}

func writeRejection(w http.ResponseWriter, _ *http.Request, err error) {
	body := map[string]any{"code": string(xerrors.CodeRateLimited), "message": err.Error()}
	if e, ok := xerrors.From(err); ok {
		if d, ok := e.RetryAfter(); ok {
			body["retry_after_ms"] = d.Milliseconds()
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": body})
}
