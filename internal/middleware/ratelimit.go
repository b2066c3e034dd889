package middleware

import (
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/freewebtopdf/history-sanitizer/internal/domain"
)

// TokenBucket implements a token bucket rate limiter
type TokenBucket struct {
	capacity   int
	tokens     float64 // Use float for precise refill
	refillRate int     // tokens per second
	lastRefill time.Time
	mutex      sync.Mutex
}

// NewTokenBucket creates a new token bucket
func NewTokenBucket(capacity, refillRate int) *TokenBucket {
	return &TokenBucket{
		capacity:   capacity,
		tokens:     float64(capacity),
		refillRate: refillRate,
		lastRefill: time.Now(),
	}
}

// Allow takes one token if available and reports the tokens left
func (tb *TokenBucket) Allow() (bool, int) {
	tb.mutex.Lock()
	defer tb.mutex.Unlock()

	now := time.Now()
	elapsed := now.Sub(tb.lastRefill).Seconds()

	tb.tokens = min(float64(tb.capacity), tb.tokens+elapsed*float64(tb.refillRate))
	tb.lastRefill = now

	if tb.tokens >= 1 {
		tb.tokens--
		return true, int(tb.tokens)
	}
	return false, 0
}

// retryAfter returns the whole seconds until one token is available
func (tb *TokenBucket) retryAfter() int {
	tb.mutex.Lock()
	defer tb.mutex.Unlock()

	if tb.refillRate <= 0 {
		return 60
	}
	missing := 1 - tb.tokens
	secs := int(missing/float64(tb.refillRate)) + 1
	return max(secs, 1)
}

type limit struct {
	capacity   int
	refillRate int
}

// Endpoint classes share one bucket per client
const (
	classEvents   = "events"
	classCommands = "commands"
	classState    = "state"
	classOps      = "ops"
)

// RateLimiter keeps one token bucket per client and endpoint class
type RateLimiter struct {
	buckets map[string]*TokenBucket
	mutex   sync.RWMutex

	defaultLimit limit
	classLimits  map[string]limit
}

// NewRateLimiter creates a new rate limiter with configurable parameters
func NewRateLimiter(rps, burst int) *RateLimiter {
	return &RateLimiter{
		buckets:      make(map[string]*TokenBucket),
		defaultLimit: limit{burst, rps},
		classLimits: map[string]limit{
			// a page load can produce a visit and a commit event per frame
			classEvents:   {burst * 4, rps * 4},
			classCommands: {max(burst/2, 1), max(rps/2, 1)},
			classState:    {burst, rps},
			classOps:      {20, 2},
		},
	}
}

// classify maps a request path onto its endpoint class
func classify(path string) string {
	switch {
	case strings.HasPrefix(path, "/v1/events/"):
		return classEvents
	case strings.HasPrefix(path, "/v1/rules"), strings.HasPrefix(path, "/v1/counters"), path == "/v1/logs":
		return classCommands
	case path == "/v1/state", path == "/v1/export":
		return classState
	case path == "/health", path == "/metrics":
		return classOps
	default:
		return path
	}
}

// getBucket gets or creates a token bucket for a client+class combination
func (rl *RateLimiter) getBucket(clientID, class string) *TokenBucket {
	key := clientID + ":" + class

	rl.mutex.RLock()
	bucket, exists := rl.buckets[key]
	rl.mutex.RUnlock()

	if exists {
		return bucket
	}

	rl.mutex.Lock()
	defer rl.mutex.Unlock()

	// Double-check after acquiring write lock
	if bucket, exists := rl.buckets[key]; exists {
		return bucket
	}

	l, exists := rl.classLimits[class]
	if !exists {
		l = rl.defaultLimit
	}

	bucket = NewTokenBucket(l.capacity, l.refillRate)
	rl.buckets[key] = bucket
	return bucket
}

// getClientID extracts the client identifier from the request
func (rl *RateLimiter) getClientID(c *fiber.Ctx) string {
	// Browser bridges identify themselves by extension origin
	if origin := c.Get("Origin"); strings.HasSuffix(strings.SplitN(origin, "://", 2)[0], "-extension") {
		return "ext:" + origin
	}
	return "ip:" + c.IP()
}

// Middleware returns a Fiber middleware for rate limiting
func (rl *RateLimiter) Middleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		clientID := rl.getClientID(c)
		class := classify(c.Path())
		bucket := rl.getBucket(clientID, class)

		allowed, remaining := bucket.Allow()
		c.Set("X-RateLimit-Limit", strconv.Itoa(bucket.capacity))
		c.Set("X-RateLimit-Remaining", strconv.Itoa(remaining))

		if !allowed {
			retry := bucket.retryAfter()
			appErr := domain.NewAppError(
				domain.ErrRateLimit,
				"Rate limit exceeded",
				429,
				map[string]any{
					"client_id":   clientID,
					"endpoint":    class,
					"retry_after": retry,
				},
			)

			c.Set("Retry-After", strconv.Itoa(retry))
			return c.Status(appErr.StatusCode).JSON(map[string]any{
				"status":  "error",
				"code":    appErr.Code,
				"message": appErr.Message,
				"details": appErr.Details,
			})
		}

		return c.Next()
	}
}

// CleanupOldBuckets removes buckets idle for more than an hour
func (rl *RateLimiter) CleanupOldBuckets() {
	rl.mutex.Lock()
	defer rl.mutex.Unlock()

	now := time.Now()
	for key, bucket := range rl.buckets {
		bucket.mutex.Lock()
		idle := now.Sub(bucket.lastRefill)
		bucket.mutex.Unlock()
		if idle > time.Hour {
			delete(rl.buckets, key)
		}
	}
}

// StartCleanupRoutine starts a background routine to clean up old buckets.
// Returns a stop function to cancel the routine.
func (rl *RateLimiter) StartCleanupRoutine() (stop func()) {
	ticker := time.NewTicker(10 * time.Minute)
	done := make(chan struct{})

	go func() {
		for {
			select {
			case <-ticker.C:
				rl.CleanupOldBuckets()
			case <-done:
				ticker.Stop()
				return
			}
		}
	}()

	var once sync.Once
	return func() { once.Do(func() { close(done) }) }
}

// GetStats returns rate limiter statistics
func (rl *RateLimiter) GetStats() map[string]any {
	rl.mutex.RLock()
	defer rl.mutex.RUnlock()

	return map[string]any{
		"active_buckets":      len(rl.buckets),
		"default_capacity":    rl.defaultLimit.capacity,
		"default_refill_rate": rl.defaultLimit.refillRate,
	}
}
