package api

import (
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// idleEviction is how long an IP's limiter is kept after its last request.
const idleEviction = 5 * time.Minute

type ipLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter manages per-IP token buckets for job creation.
type RateLimiter struct {
	mu       sync.Mutex
	ips      map[string]*ipLimiter
	rps      rate.Limit
	burst    int
	lastScan time.Time
}

// NewRateLimiter allows rps requests/second per IP with a burst of rps.
func NewRateLimiter(rps int) *RateLimiter {
	return &RateLimiter{
		ips:      make(map[string]*ipLimiter),
		rps:      rate.Limit(rps),
		burst:    rps,
		lastScan: time.Now(),
	}
}

// reserve reports whether ip may proceed now, and otherwise how long until it may.
func (rl *RateLimiter) reserve(ip string) (bool, time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	rl.evictIdle(now)

	l, ok := rl.ips[ip]
	if !ok {
		l = &ipLimiter{limiter: rate.NewLimiter(rl.rps, rl.burst)}
		rl.ips[ip] = l
	}
	l.lastSeen = now
	if l.limiter.AllowN(now, 1) {
		return true, 0
	}
	r := l.limiter.ReserveN(now, 1)
	delay := r.DelayFrom(now)
	r.CancelAt(now)
	return false, delay
}

// evictIdle drops limiters for IPs not seen recently, at most once per eviction period.
// Callers hold rl.mu.
func (rl *RateLimiter) evictIdle(now time.Time) {
	if now.Sub(rl.lastScan) < idleEviction {
		return
	}
	rl.lastScan = now
	cutoff := now.Add(-idleEviction)
	for ip, l := range rl.ips {
		if l.lastSeen.Before(cutoff) {
			delete(rl.ips, ip)
		}
	}
}

// RateLimit returns a Middleware that limits POST /api/v1/jobs to rps req/s per IP.
// If rps is 0 the middleware is a no-op.
func RateLimit(rps int) Middleware {
	if rps <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	rl := NewRateLimiter(rps)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodPost && r.URL.Path == "/api/v1/jobs" {
				if ok, wait := rl.reserve(clientIP(r)); !ok {
					w.Header().Set("Retry-After", strconv.Itoa(max(1, int(wait.Round(time.Second)/time.Second))))
					writeError(w, http.StatusTooManyRequests, "rate limit exceeded, slow down")
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

// clientIP extracts the real client IP, respecting X-Forwarded-For when behind a proxy.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		// X-Forwarded-For may be "client, proxy1, proxy2"; take the first.
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
