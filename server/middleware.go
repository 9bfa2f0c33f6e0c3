package server

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// AuthConfig protects the admin routes. With neither a token nor a
// username/password pair set, admin routes are open.
type AuthConfig struct {
	Token    string
	Username string
	Password string
}

func (c AuthConfig) enabled() bool {
	return c.Token != "" || (c.Username != "" && c.Password != "")
}

// adminAuth accepts an X-Admin-Token header or HTTP basic auth.
func adminAuth(next http.Handler, cfg AuthConfig) http.Handler {
	if !cfg.enabled() {
		slog.Warn("admin authentication not configured, admin endpoints are UNPROTECTED; set ADMIN_TOKEN or ADMIN_USERNAME+ADMIN_PASSWORD", slog.String("component", "http"))
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !cfg.enabled() {
			next.ServeHTTP(w, r)
			return
		}
		if cfg.Token != "" {
			token := r.Header.Get("X-Admin-Token")
			if token != "" && subtle.ConstantTimeCompare([]byte(token), []byte(cfg.Token)) == 1 {
				next.ServeHTTP(w, r)
				return
			}
		}
		if cfg.Username != "" && cfg.Password != "" {
			if user, pass, ok := r.BasicAuth(); ok {
				userOK := subtle.ConstantTimeCompare([]byte(user), []byte(cfg.Username)) == 1
				passOK := subtle.ConstantTimeCompare([]byte(pass), []byte(cfg.Password)) == 1
				if userOK && passOK {
					next.ServeHTTP(w, r)
					return
				}
			}
		}
		w.Header().Set("WWW-Authenticate", `Basic realm="bilirelay admin"`)
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		slog.Warn("admin auth failed", slog.String("path", r.URL.Path), slog.String("remote_addr", r.RemoteAddr), slog.String("component", "http"))
	})
}

// RateLimit caps admin requests per client IP in a sliding window. Max <= 0
// disables limiting.
type RateLimit struct {
	Max    int
	Window time.Duration
}

// ipRateLimiter is a sliding window limiter keyed by client IP.
type ipRateLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	cfg      RateLimit
	now      func() time.Time
}

type visitor struct {
	requests []time.Time
	seen     time.Time
}

// newIPRateLimiter starts a cleanup loop that runs until ctx is done.
func newIPRateLimiter(ctx context.Context, cfg RateLimit) *ipRateLimiter {
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	rl := &ipRateLimiter{visitors: make(map[string]*visitor), cfg: cfg, now: time.Now}
	go rl.cleanupLoop(ctx)
	return rl
}

func (rl *ipRateLimiter) cleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(rl.cfg.Window)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			rl.cleanup()
		case <-ctx.Done():
			return
		}
	}
}

// cleanup forgets visitors idle for two windows.
func (rl *ipRateLimiter) cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	now := rl.now()
	for ip, v := range rl.visitors {
		if now.Sub(v.seen) > rl.cfg.Window*2 {
			delete(rl.visitors, ip)
		}
	}
}

func (rl *ipRateLimiter) allow(ip string) bool {
	if rl.cfg.Max <= 0 {
		return true
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()
	now := rl.now()
	v, ok := rl.visitors[ip]
	if !ok {
		rl.visitors[ip] = &visitor{requests: []time.Time{now}, seen: now}
		return true
	}
	cutoff := now.Add(-rl.cfg.Window)
	kept := v.requests[:0]
	for _, t := range v.requests {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	v.requests = kept
	v.seen = now
	if len(v.requests) >= rl.cfg.Max {
		return false
	}
	v.requests = append(v.requests, now)
	return true
}

// clientIP prefers the first X-Forwarded-For hop.
func clientIP(r *http.Request) string {
	ip := r.RemoteAddr
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		ip, _, _ = strings.Cut(fwd, ",")
		ip = strings.TrimSpace(ip)
	}
	if host, _, err := net.SplitHostPort(ip); err == nil {
		ip = host
	}
	return ip
}

func rateLimitMiddleware(next http.Handler, limiter *ipRateLimiter) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		if !limiter.allow(ip) {
			w.Header().Set("Retry-After", strconv.Itoa(int(limiter.cfg.Window.Seconds())))
			http.Error(w, "Too Many Requests - rate limit exceeded", http.StatusTooManyRequests)
			slog.Warn("rate limit exceeded", slog.String("ip", ip), slog.String("path", r.URL.Path), slog.String("component", "http"))
			return
		}
		next.ServeHTTP(w, r)
	})
}
