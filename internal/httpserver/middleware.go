package httpserver

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/al-bashkir/todoctl/internal/api"
	"github.com/al-bashkir/todoctl/internal/router"
)

type ctxKey int

const requestIDKey ctxKey = iota

// requestID returns the correlation id assigned by loggingMiddleware.
func requestID(r *http.Request) string {
	id, _ := r.Context().Value(requestIDKey).(string)
	return id
}

// statusRecorder keeps the status code written by a handler.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// loggingMiddleware tags every request with an id and logs one line per
// request once the handler returns.
func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(api.RequestIDHeader)
		if id == "" || len(id) > 64 {
			id = uuid.NewString()
		}
		w.Header().Set(api.RequestIDHeader, id)
		r = r.WithContext(context.WithValue(r.Context(), requestIDKey, id))

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		began := time.Now()
		next.ServeHTTP(rec, r)

		level := slog.LevelInfo
		if rec.status >= http.StatusInternalServerError {
			level = slog.LevelWarn
		}
		slog.Log(r.Context(), level, "http request", // #nosec G706 -- values sanitized via sanitizeLog
			"request_id", sanitizeLog(id),
			"method", sanitizeLog(r.Method),
			"path", sanitizeLog(r.URL.Path),
			"status", rec.status,
			"remote_addr", sanitizeLog(r.RemoteAddr),
			"duration_ms", time.Since(began).Milliseconds(),
		)
	})
}

// recoveryMiddleware turns a handler panic into a 500.
func recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if v := recover(); v != nil {
				slog.Error("handler panicked",
					"request_id", requestID(r),
					"panic", v,
					"stack", string(debug.Stack()),
				)
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// ipEntry is one client's token bucket.
type ipEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// IPRateLimiter hands out a token bucket per client address. Idle buckets
// are swept every minute; when maxSize is reached the least recently seen
// client loses its bucket.
type IPRateLimiter struct {
	rate    rate.Limit
	burst   int
	ttl     time.Duration
	maxSize int

	mu       sync.Mutex
	limiters map[string]*ipEntry

	stop     chan struct{}
	stopOnce sync.Once
}

func newIPRateLimiter(r rate.Limit, b int) *IPRateLimiter {
	rl := &IPRateLimiter{
		rate:     r,
		burst:    b,
		ttl:      5 * time.Minute,
		maxSize:  10000,
		limiters: make(map[string]*ipEntry),
		stop:     make(chan struct{}),
	}
	go rl.sweepLoop()
	return rl
}

// Stop ends the sweep goroutine. Safe to call more than once.
func (i *IPRateLimiter) Stop() {
	i.stopOnce.Do(func() { close(i.stop) })
}

func (i *IPRateLimiter) getLimiter(ip string) *rate.Limiter {
	now := time.Now()

	i.mu.Lock()
	defer i.mu.Unlock()

	if e, ok := i.limiters[ip]; ok {
		e.lastSeen = now
		return e.limiter
	}
	if len(i.limiters) >= i.maxSize {
		i.dropLeastRecent()
	}
	e := &ipEntry{limiter: rate.NewLimiter(i.rate, i.burst), lastSeen: now}
	i.limiters[ip] = e
	return e.limiter
}

func (i *IPRateLimiter) sweepLoop() {
	t := time.NewTicker(time.Minute)
	defer t.Stop()
	for {
		select {
		case <-i.stop:
			return
		case now := <-t.C:
			i.evictStale(now)
		}
	}
}

// evictStale drops buckets idle for longer than ttl as of now.
func (i *IPRateLimiter) evictStale(now time.Time) {
	cutoff := now.Add(-i.ttl)

	i.mu.Lock()
	defer i.mu.Unlock()
	for ip, e := range i.limiters {
		if e.lastSeen.Before(cutoff) {
			delete(i.limiters, ip)
		}
	}
}

// dropLeastRecent requires mu.
func (i *IPRateLimiter) dropLeastRecent() {
	victim, first := "", true
	var seen time.Time
	for ip, e := range i.limiters {
		if first || e.lastSeen.Before(seen) {
			victim, seen, first = ip, e.lastSeen, false
		}
	}
	if !first {
		delete(i.limiters, victim)
	}
}

// middleware rejects clients that exceed their per-IP budget.
func (i *IPRateLimiter) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := extractIP(r)
		if !i.getLimiter(ip).Allow() {
			slog.Warn("rate limit exceeded", // #nosec G706 -- values sanitized via sanitizeLog
				"ip", sanitizeLog(ip),
				"path", sanitizeLog(r.URL.Path),
			)
			http.Error(w, "Rate limit exceeded", http.StatusTooManyRequests)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// extractIP keys the limiter on the socket peer. Forwarding headers are
// ignored since the UI listens on loopback and they are client-controlled.
func extractIP(r *http.Request) string {
	ip, _, _ := net.SplitHostPort(r.RemoteAddr)
	return ip
}

// requireAuth applies the route guard: a loading page while the session
// lookup runs, a redirect to the login form without a session.
func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch router.Decide(s.deps.Store.Snapshot()) {
		case router.Loading:
			s.renderLoading(w)
		case router.Unauthenticated:
			http.Redirect(w, r, router.RouteLogin, http.StatusSeeOther)
		default:
			next.ServeHTTP(w, r)
		}
	})
}

// crossOriginMiddleware rejects state-changing requests that a browser marks
// as coming from another site. The UI holds one process-wide session and no
// cookie, so any page could otherwise post to it. Requests without
// Sec-Fetch-Site or Origin (curl, scripts) are let through.
func crossOriginMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet || r.Method == http.MethodHead || r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}
		if !sameOrigin(r) {
			slog.Warn("cross-origin request rejected", // #nosec G706 -- values sanitized via sanitizeLog
				"method", sanitizeLog(r.Method),
				"path", sanitizeLog(r.URL.Path),
				"origin", sanitizeLog(r.Header.Get("Origin")),
				"fetch_site", sanitizeLog(r.Header.Get("Sec-Fetch-Site")),
			)
			http.Error(w, "Cross-origin request rejected", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func sameOrigin(r *http.Request) bool {
	switch r.Header.Get("Sec-Fetch-Site") {
	case "same-origin", "none":
		return true
	case "":
		// Older browsers: fall back to Origin.
	default:
		return false
	}

	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil || u.Host == "" {
		return false
	}
	return strings.EqualFold(u.Host, r.Host)
}

// securityHeadersMiddleware sets browser hardening headers on every response.
func securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-XSS-Protection", "1; mode=block")
		w.Header().Set("Referrer-Policy", "no-referrer")
		w.Header().Set("Content-Security-Policy", "default-src 'self'; style-src 'self' 'unsafe-inline'")
		// Session pages carry user data
		w.Header().Set("Cache-Control", "no-store")

		next.ServeHTTP(w, r)
	})
}
