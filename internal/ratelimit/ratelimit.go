// Package ratelimit implements the per-client token bucket in front of
// every HTTP surface. Requests carrying an Authorization header are keyed
// by the bearer token so agents behind a shared NAT do not fight over one
// IP bucket; everything else is keyed by client IP.
//
// This guard is transport-level only. Per-agent request budgets are a
// policy concern and are enforced downstream by the gateway.
package ratelimit

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// Config tunes the limiter.
type Config struct {
	// RequestsPerMinute is the sustained refill rate per client.
	RequestsPerMinute int
	// BurstSize is the bucket capacity, so short spikes above the
	// sustained rate are tolerated.
	BurstSize int
	// CleanupInterval is how often idle buckets are dropped.
	CleanupInterval time.Duration
}

// DefaultConfig is the standalone default; the server normally overrides
// RequestsPerMinute from RATE_LIMIT_RPM.
func DefaultConfig() Config {
	return Config{
		RequestsPerMinute: 60,
		BurstSize:         10,
		CleanupInterval:   time.Minute,
	}
}

// Limiter holds one token bucket per client key.
type Limiter struct {
	cfg     Config
	mu      sync.Mutex
	buckets map[string]*bucket
	stop    chan struct{}
}

type bucket struct {
	tokens float64
	last   time.Time
}

// New creates a limiter and starts its cleanup loop. Call Stop when done.
func New(cfg Config) *Limiter {
	l := &Limiter{
		cfg:     cfg,
		buckets: make(map[string]*bucket),
		stop:    make(chan struct{}),
	}
	go l.cleanup()
	return l
}

// cleanup drops buckets that have been idle long enough to be full again.
func (l *Limiter) cleanup() {
	ticker := time.NewTicker(l.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.mu.Lock()
			cutoff := time.Now().Add(-2 * time.Minute)
			for key, b := range l.buckets {
				if b.last.Before(cutoff) {
					delete(l.buckets, key)
				}
			}
			l.mu.Unlock()
		case <-l.stop:
			return
		}
	}
}

// Stop terminates the cleanup loop.
func (l *Limiter) Stop() {
	close(l.stop)
}

// Allow takes one token from the client's bucket, reporting whether the
// request may proceed.
func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	b, ok := l.buckets[key]
	if !ok {
		l.buckets[key] = &bucket{
			tokens: float64(l.cfg.BurstSize - 1),
			last:   now,
		}
		return true
	}

	refill := now.Sub(b.last).Seconds() * float64(l.cfg.RequestsPerMinute) / 60.0
	b.tokens += refill
	if b.tokens > float64(l.cfg.BurstSize) {
		b.tokens = float64(l.cfg.BurstSize)
	}
	b.last = now

	if b.tokens >= 1 {
		b.tokens--
		return true
	}
	return false
}

// Middleware rejects over-limit requests with 429 before they reach any
// handler. The bucket key prefers the bearer token over the client IP.
func (l *Limiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.ClientIP()
		if auth := c.GetHeader("Authorization"); auth != "" {
			tok := strings.TrimPrefix(auth, "Bearer ")
			key = "tok:" + tok[:min(16, len(tok))]
		}

		if !l.Allow(key) {
			c.Header("Retry-After", "1")
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error":   "rate_limited",
				"message": "Too many requests. Please slow down.",
			})
			c.Abort()
			return
		}

		c.Next()
	}
}
