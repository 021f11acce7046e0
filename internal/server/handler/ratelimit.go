package handler

import (
	"context"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// RateLimitConfig configures RateLimiter.
type RateLimitConfig struct {
	RPS   int // steady-state requests per second per client
	Burst int // zero means 2×RPS

	// Idle is how long a client's bucket is kept after its last request.
	// The sweep runs every Idle/2. Zero means 10 minutes.
	Idle time.Duration

	// Now defaults to time.Now.
	Now func() time.Time
}

type clientBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// clientLimiter holds one token bucket per client address.
type clientLimiter struct {
	cfg RateLimitConfig

	mu      sync.Mutex
	buckets map[string]*clientBucket
}

func newClientLimiter(cfg RateLimitConfig) *clientLimiter {
	if cfg.Burst <= 0 {
		cfg.Burst = cfg.RPS * 2
	}
	if cfg.Idle <= 0 {
		cfg.Idle = 10 * time.Minute
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &clientLimiter{cfg: cfg, buckets: make(map[string]*clientBucket)}
}

// reserve takes a token for client. When none is available it returns the
// wait until one is.
func (l *clientLimiter) reserve(client string) (bool, time.Duration) {
	now := l.cfg.Now()

	l.mu.Lock()
	b, ok := l.buckets[client]
	if !ok {
		b = &clientBucket{limiter: rate.NewLimiter(rate.Limit(l.cfg.RPS), l.cfg.Burst)}
		l.buckets[client] = b
	}
	b.lastSeen = now
	l.mu.Unlock()

	r := b.limiter.ReserveN(now, 1)
	if !r.OK() {
		return false, time.Second
	}
	delay := r.DelayFrom(now)
	if delay == 0 {
		return true, 0
	}
	r.CancelAt(now)
	return false, delay
}

// sweep drops buckets idle longer than cfg.Idle and returns how many went.
func (l *clientLimiter) sweep() int {
	cutoff := l.cfg.Now().Add(-l.cfg.Idle)
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for client, b := range l.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(l.buckets, client)
			n++
		}
	}
	return n
}

func (l *clientLimiter) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

func (l *clientLimiter) run(ctx context.Context) {
	ticker := time.NewTicker(l.cfg.Idle / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.sweep()
		}
	}
}

func (l *clientLimiter) middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ok, wait := l.reserve(c.ClientIP())
		if !ok {
			c.Header("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": "rate limit exceeded",
			})
			return
		}
		c.Next()
	}
}

// RateLimiter returns a Gin middleware that enforces a token bucket per
// client IP. Rejected requests get 429 with Retry-After set to the seconds
// until the next token. Idle buckets are swept until ctx is cancelled.
func RateLimiter(ctx context.Context, cfg RateLimitConfig) gin.HandlerFunc {
	l := newClientLimiter(cfg)
	go l.run(ctx)
	return l.middleware()
}
