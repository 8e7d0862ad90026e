package server

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"
)

// Cleanup intervals for idle visitor state.
const (
	cleanupInterval = 1 * time.Minute
	visitorTimeout  = 3 * time.Minute
)

// visitor tracks one IP's token bucket. Each visitor carries its own mutex
// so concurrent requests from different IPs never contend.
type visitor struct {
	mu         sync.Mutex
	tokens     float64
	lastRefill time.Time
}

// RateLimiter enforces a per-IP token bucket with lazy refill.
type RateLimiter struct {
	visitors map[string]*visitor
	mu       sync.RWMutex

	rate     float64 // tokens added per second
	capacity float64 // max burst
}

// NewRateLimiter creates a limiter and starts background cleanup of idle IPs.
func NewRateLimiter(rate, capacity float64) *RateLimiter {
	rl := &RateLimiter{
		visitors: make(map[string]*visitor),
		rate:     rate,
		capacity: capacity,
	}
	go rl.cleanupVisitors()
	return rl
}

func (rl *RateLimiter) getVisitor(ip string) *visitor {
	rl.mu.RLock()
	v, exists := rl.visitors[ip]
	rl.mu.RUnlock()
	if exists {
		return v
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()
	if v, exists = rl.visitors[ip]; !exists {
		v = &visitor{tokens: rl.capacity, lastRefill: time.Now()}
		rl.visitors[ip] = v
	}
	return v
}

// Allow reports whether a request from ip may proceed, consuming a token.
func (rl *RateLimiter) Allow(ip string) bool {
	v := rl.getVisitor(ip)

	v.mu.Lock()
	defer v.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(v.lastRefill).Seconds()
	if add := elapsed * rl.rate; add > 0 {
		v.tokens += add
		if v.tokens > rl.capacity {
			v.tokens = rl.capacity
		}
		v.lastRefill = now
	}

	if v.tokens >= 1.0 {
		v.tokens--
		return true
	}
	return false
}

func (rl *RateLimiter) cleanupVisitors() {
	for {
		time.Sleep(cleanupInterval)

		rl.mu.Lock()
		for ip, v := range rl.visitors {
			v.mu.Lock()
			if time.Since(v.lastRefill) > visitorTimeout {
				delete(rl.visitors, ip)
			}
			v.mu.Unlock()
		}
		rl.mu.Unlock()
	}
}

// Middleware rejects over-limit requests with 429.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := r.RemoteAddr
		if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
			ip = fwd
		} else if idx := strings.LastIndex(ip, ":"); idx != -1 {
			ip = ip[:idx]
		}

		if !rl.Allow(ip) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			json.NewEncoder(w).Encode(map[string]string{"error": "too many requests"})
			return
		}
		next.ServeHTTP(w, r)
	})
}
