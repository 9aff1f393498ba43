package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/medrex/opd-queue/pkg/interfaces"
	"golang.org/x/time/rate"
)

var _ interfaces.RateLimiter = (*RateLimiter)(nil)

// RateLimiter keeps one token bucket per caller key
type RateLimiter struct {
	buckets    map[string]*bucket
	bucketsMux sync.Mutex
	limit      rate.Limit
	burst      int
	idle       time.Duration
	now        func() time.Time
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter allows requestsPerMin per key with the given burst. Buckets
// unused for longer than idle are dropped by Cleanup.
func NewRateLimiter(requestsPerMin, burst int, idle time.Duration) *RateLimiter {
	if burst <= 0 {
		burst = requestsPerMin
	}
	return &RateLimiter{
		buckets: make(map[string]*bucket),
		limit:   rate.Limit(float64(requestsPerMin) / 60),
		burst:   burst,
		idle:    idle,
		now:     time.Now,
	}
}

// Allow reports whether a request for key may proceed now
func (rl *RateLimiter) Allow(key string) bool {
	now := rl.now()
	return rl.getBucket(key, now).AllowN(now, 1)
}

// Reset gives key a full bucket again
func (rl *RateLimiter) Reset(key string) {
	rl.bucketsMux.Lock()
	defer rl.bucketsMux.Unlock()
	delete(rl.buckets, key)
}

// Len returns the number of tracked keys
func (rl *RateLimiter) Len() int {
	rl.bucketsMux.Lock()
	defer rl.bucketsMux.Unlock()
	return len(rl.buckets)
}

func (rl *RateLimiter) getBucket(key string, now time.Time) *rate.Limiter {
	rl.bucketsMux.Lock()
	defer rl.bucketsMux.Unlock()

	b, ok := rl.buckets[key]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(rl.limit, rl.burst)}
		rl.buckets[key] = b
	}
	b.lastSeen = now
	return b.limiter
}

// Cleanup removes buckets idle for longer than the configured window
func (rl *RateLimiter) Cleanup() {
	cutoff := rl.now().Add(-rl.idle)

	rl.bucketsMux.Lock()
	defer rl.bucketsMux.Unlock()

	for key, b := range rl.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(rl.buckets, key)
		}
	}
}

// RunCleanup calls Cleanup every interval until ctx is done
func (rl *RateLimiter) RunCleanup(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rl.Cleanup()
		}
	}
}
