package middleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// Browser-facing connect flow paths. A client completes a handful of these
// per connection attempt, so they get a much smaller budget than the JSON
// API the app polls.
var flowPaths = map[string]struct{}{
	"/connect/start":  {},
	"/oauth/callback": {},
}

const (
	bucketIdleEviction = 10 * time.Minute
	bucketSweepEvery   = time.Minute
)

// RateLimiter throttles per client IP, with separate budgets for the OAuth
// flow endpoints and the rest of the API.
type RateLimiter struct {
	api  *ipBuckets
	flow *ipBuckets
}

// NewRateLimiter sizes both budgets from the API requests-per-minute figure;
// the flow endpoints get a tenth of it. A non-positive figure disables
// throttling.
func NewRateLimiter(requestsPerMinute int) *RateLimiter {
	if requestsPerMinute <= 0 {
		return nil
	}
	flowRPM := requestsPerMinute / 10
	if flowRPM < 1 {
		flowRPM = 1
	}
	return &RateLimiter{
		api:  newIPBuckets(requestsPerMinute),
		flow: newIPBuckets(flowRPM),
	}
}

// Handler returns the gin middleware enforcing both budgets.
func (r *RateLimiter) Handler() gin.HandlerFunc {
	if r == nil {
		return func(c *gin.Context) {
			c.Next()
		}
	}

	return func(c *gin.Context) {
		buckets := r.api
		if _, ok := flowPaths[c.Request.URL.Path]; ok {
			buckets = r.flow
		}

		if !buckets.allow(c.ClientIP(), time.Now()) {
			c.Header("Retry-After", "60")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":             "rate_limited",
				"error_description": "Too many requests. Please slow down.",
			})
			return
		}

		c.Next()
	}
}

// ipBuckets holds one token bucket per client IP. Idle buckets are swept
// opportunistically on the request path instead of from a background
// goroutine.
type ipBuckets struct {
	limit rate.Limit
	burst int

	mu        sync.Mutex
	entries   map[string]*bucketEntry
	lastSweep time.Time
}

type bucketEntry struct {
	bucket   *rate.Limiter
	lastSeen time.Time
}

func newIPBuckets(perMinute int) *ipBuckets {
	burst := perMinute / 6
	if burst < 1 {
		burst = 1
	}
	return &ipBuckets{
		limit:   rate.Limit(float64(perMinute) / 60.0),
		burst:   burst,
		entries: make(map[string]*bucketEntry),
	}
}

func (b *ipBuckets) allow(ip string, now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	entry, ok := b.entries[ip]
	if !ok {
		entry = &bucketEntry{bucket: rate.NewLimiter(b.limit, b.burst)}
		b.entries[ip] = entry
	}
	entry.lastSeen = now

	if now.Sub(b.lastSweep) > bucketSweepEvery {
		b.sweepLocked(now)
		b.lastSweep = now
	}

	return entry.bucket.Allow()
}

func (b *ipBuckets) sweepLocked(now time.Time) {
	for ip, entry := range b.entries {
		if now.Sub(entry.lastSeen) > bucketIdleEviction {
			delete(b.entries, ip)
		}
	}
}
