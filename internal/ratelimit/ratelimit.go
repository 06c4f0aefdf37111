// Package ratelimit throttles HTTP requests per client IP, guarding the
// control API and WebSocket upgrade endpoints from a single noisy client.
package ratelimit

import (
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// staleAfter is how long an IP's limiter survives without a request
// before the eviction sweep reclaims it.
const staleAfter = 10 * time.Minute

type ipLimiter struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// Limiter enforces a sustained rate and burst size per client IP.
type Limiter struct {
	mu       sync.Mutex
	limiters map[string]*ipLimiter
	rate     rate.Limit
	burst    int
}

// New creates a per-IP rate limiter and starts its background eviction
// sweep. reqPerSec is the sustained rate, burst the allowed burst size.
func New(reqPerSec float64, burst int) *Limiter {
	l := &Limiter{
		limiters: make(map[string]*ipLimiter),
		rate:     rate.Limit(reqPerSec),
		burst:    burst,
	}
	go l.evictLoop()
	return l
}

func (l *Limiter) evictLoop() {
	for range time.Tick(5 * time.Minute) {
		l.mu.Lock()
		for ip, entry := range l.limiters {
			if time.Since(entry.lastSeen) > staleAfter {
				delete(l.limiters, ip)
			}
		}
		l.mu.Unlock()
	}
}

func (l *Limiter) getLimiter(ip string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry, ok := l.limiters[ip]
	if !ok {
		entry = &ipLimiter{lim: rate.NewLimiter(l.rate, l.burst)}
		l.limiters[ip] = entry
	}
	entry.lastSeen = time.Now()
	return entry.lim
}

// Allow reports whether a request from ip is within its rate budget.
func (l *Limiter) Allow(ip string) bool {
	return l.getLimiter(ip).Allow()
}

// Middleware wraps next, rejecting requests over the per-IP limit with 429.
func (l *Limiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !l.Allow(ClientIP(r)) {
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ClientIP extracts the originating client address, preferring a leading
// X-Forwarded-For entry (reverse-proxied deployments) over RemoteAddr.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		for i := 0; i < len(xff); i++ {
			if xff[i] == ',' {
				return xff[:i]
			}
		}
		return xff
	}
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}
