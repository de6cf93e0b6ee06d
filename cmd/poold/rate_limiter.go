// rate_limiter.go - Rate limiting for the pool daemon
package main

import (
	"encoding/json"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ClientRateLimiter keeps one token bucket per client.
type ClientRateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*clientLimiter
	limit    rate.Limit
	burst    int
	idle     time.Duration
	onLimit  func()
}

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewClientRateLimiter allows each client perSecond requests with the given burst. Buckets idle
// for longer than idle are forgotten.
func NewClientRateLimiter(perSecond float64, burst int, idle time.Duration) *ClientRateLimiter {
	return &ClientRateLimiter{
		limiters: make(map[string]*clientLimiter),
		limit:    rate.Limit(perSecond),
		burst:    burst,
		idle:     idle,
	}
}

// Allow checks if a request from client is allowed and consumes a token if so.
func (rl *ClientRateLimiter) Allow(client string) bool {
	return rl.AllowAt(client, time.Now())
}

func (rl *ClientRateLimiter) AllowAt(client string, now time.Time) bool {
	rl.mu.Lock()
	cl, ok := rl.limiters[client]
	if !ok {
		cl = &clientLimiter{limiter: rate.NewLimiter(rl.limit, rl.burst)}
		rl.limiters[client] = cl
	}
	cl.lastSeen = now
	rl.mu.Unlock()
	return cl.limiter.AllowN(now, 1)
}

// Sweep drops the buckets of clients idle since before now minus the idle period.
func (rl *ClientRateLimiter) Sweep(now time.Time) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	dropped := 0
	for client, cl := range rl.limiters {
		if now.Sub(cl.lastSeen) > rl.idle {
			delete(rl.limiters, client)
			dropped++
		}
	}
	return dropped
}

// Clients returns the number of tracked clients.
func (rl *ClientRateLimiter) Clients() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.limiters)
}

// Middleware refuses requests over the limit with 429, keyed by remote host.
func (rl *ClientRateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		if !rl.Allow(host) {
			if rl.onLimit != nil {
				rl.onLimit()
			}
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			json.NewEncoder(w).Encode(map[string]any{
				"error":     "rate limit exceeded",
				"code":      "rate_limited",
				"retryable": true,
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}
