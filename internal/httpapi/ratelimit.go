package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"consultra.io/internal/auth"
	"consultra.io/internal/obs"
)

// RateLimitResult is the outcome of one admission check.
type RateLimitResult struct {
	Allowed   bool
	Current   int64
	Remaining int64
	ResetTime time.Time
}

// Strategy admits or rejects a request under a key/limit/window policy.
// Implementations must be safe for concurrent use.
type Strategy interface {
	Check(ctx context.Context, key string, limit int64, window time.Duration) (RateLimitResult, error)
	// Reset forgets the counter for a key; used by the success/failure
	// exemptions to retroactively undo an increment.
	Reset(ctx context.Context, key string) error
}

// CounterStore is the pluggable backing store for the fixed-window strategy.
// The in-memory store is per-process (effective limits multiply by worker
// count); the Redis store is shared and exact across processes.
type CounterStore interface {
	Incr(ctx context.Context, key string, window time.Duration) (count int64, reset time.Time, err error)
	Reset(ctx context.Context, key string) error
}

// Memory counter store -------------------------------------------------------

type memoryCounter struct {
	count int64
	reset time.Time
}

// MemoryCounterStore keeps fixed-window counters in process memory.
type MemoryCounterStore struct {
	mu       sync.Mutex
	counters map[string]*memoryCounter
	now      func() time.Time
}

func NewMemoryCounterStore() *MemoryCounterStore {
	return &MemoryCounterStore{
		counters: make(map[string]*memoryCounter),
		now:      time.Now,
	}
}

// SetClock overrides the time source for tests.
func (s *MemoryCounterStore) SetClock(fn func() time.Time) {
	if fn != nil {
		s.now = fn
	}
}

func (s *MemoryCounterStore) Incr(_ context.Context, key string, window time.Duration) (int64, time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	c, ok := s.counters[key]
	if !ok || now.After(c.reset) {
		c = &memoryCounter{count: 0, reset: now.Add(window)}
		s.counters[key] = c
	}
	c.count++
	return c.count, c.reset, nil
}

func (s *MemoryCounterStore) Reset(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.counters, key)
	return nil
}

// Redis counter store --------------------------------------------------------

const rateLimitKeyPrefix = "rl:"

// RedisCounterStore shares fixed-window counters across worker processes.
type RedisCounterStore struct {
	rdb *redis.Client
}

func NewRedisCounterStore(rdb *redis.Client) *RedisCounterStore {
	return &RedisCounterStore{rdb: rdb}
}

func (s *RedisCounterStore) Incr(ctx context.Context, key string, window time.Duration) (int64, time.Time, error) {
	k := rateLimitKeyPrefix + key
	count, err := s.rdb.Incr(ctx, k).Result()
	if err != nil {
		return 0, time.Time{}, err
	}
	if count == 1 {
		if err := s.rdb.Expire(ctx, k, window).Err(); err != nil {
			return 0, time.Time{}, err
		}
		return count, time.Now().Add(window), nil
	}
	ttl, err := s.rdb.TTL(ctx, k).Result()
	if err != nil || ttl < 0 {
		ttl = window
	}
	return count, time.Now().Add(ttl), nil
}

func (s *RedisCounterStore) Reset(ctx context.Context, key string) error {
	return s.rdb.Del(ctx, rateLimitKeyPrefix+key).Err()
}

// Fixed window ---------------------------------------------------------------

// FixedWindowStrategy counts requests in non-overlapping windows over a
// CounterStore.
type FixedWindowStrategy struct {
	Store CounterStore
}

func (s *FixedWindowStrategy) Check(ctx context.Context, key string, limit int64, window time.Duration) (RateLimitResult, error) {
	count, reset, err := s.Store.Incr(ctx, key, window)
	if err != nil {
		return RateLimitResult{}, err
	}
	remaining := limit - count
	if remaining < 0 {
		remaining = 0
	}
	return RateLimitResult{
		Allowed:   count <= limit,
		Current:   count,
		Remaining: remaining,
		ResetTime: reset,
	}, nil
}

func (s *FixedWindowStrategy) Reset(ctx context.Context, key string) error {
	return s.Store.Reset(ctx, key)
}

// Sliding window ---------------------------------------------------------------

// SlidingWindowStrategy keeps per-key request timestamps in process memory
// and prunes those older than the window.
type SlidingWindowStrategy struct {
	mu      sync.Mutex
	entries map[string][]time.Time
	now     func() time.Time
}

func NewSlidingWindowStrategy() *SlidingWindowStrategy {
	return &SlidingWindowStrategy{
		entries: make(map[string][]time.Time),
		now:     time.Now,
	}
}

// SetClock overrides the time source for tests.
func (s *SlidingWindowStrategy) SetClock(fn func() time.Time) {
	if fn != nil {
		s.now = fn
	}
}

func (s *SlidingWindowStrategy) Check(_ context.Context, key string, limit int64, window time.Duration) (RateLimitResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	cutoff := now.Add(-window)

	kept := s.entries[key][:0]
	for _, ts := range s.entries[key] {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}

	if int64(len(kept)) >= limit {
		s.entries[key] = kept
		// Degenerate limits can leave the window empty; reset a full window out.
		reset := now.Add(window)
		if len(kept) > 0 {
			reset = kept[0].Add(window)
		}
		return RateLimitResult{
			Allowed:   false,
			Current:   int64(len(kept)),
			Remaining: 0,
			ResetTime: reset,
		}, nil
	}

	kept = append(kept, now)
	s.entries[key] = kept
	return RateLimitResult{
		Allowed:   true,
		Current:   int64(len(kept)),
		Remaining: limit - int64(len(kept)),
		ResetTime: kept[0].Add(window),
	}, nil
}

func (s *SlidingWindowStrategy) Reset(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}

// Token bucket -----------------------------------------------------------------

// TokenBucketStrategy refills limit tokens per window with burst capacity of
// the full limit, backed by x/time/rate per key.
type TokenBucketStrategy struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func NewTokenBucketStrategy() *TokenBucketStrategy {
	return &TokenBucketStrategy{limiters: make(map[string]*rate.Limiter)}
}

func (s *TokenBucketStrategy) limiter(key string, limit int64, window time.Duration) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()
	lim, ok := s.limiters[key]
	if !ok {
		perSecond := float64(limit) / window.Seconds()
		lim = rate.NewLimiter(rate.Limit(perSecond), int(limit))
		s.limiters[key] = lim
	}
	return lim
}

func (s *TokenBucketStrategy) Check(_ context.Context, key string, limit int64, window time.Duration) (RateLimitResult, error) {
	lim := s.limiter(key, limit, window)
	now := time.Now()
	res := lim.ReserveN(now, 1)
	if !res.OK() {
		return RateLimitResult{Allowed: false, Current: limit, ResetTime: now.Add(window)}, nil
	}
	if delay := res.DelayFrom(now); delay > 0 {
		res.CancelAt(now)
		return RateLimitResult{
			Allowed:   false,
			Current:   limit,
			Remaining: 0,
			ResetTime: now.Add(delay),
		}, nil
	}
	remaining := int64(lim.TokensAt(now))
	if remaining < 0 {
		remaining = 0
	}
	return RateLimitResult{
		Allowed:   true,
		Current:   limit - remaining,
		Remaining: remaining,
		ResetTime: now.Add(window),
	}, nil
}

func (s *TokenBucketStrategy) Reset(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.limiters, key)
	return nil
}

// Key generators ---------------------------------------------------------------

// KeyFunc derives the rate-limit bucket key from the request.
type KeyFunc func(r *http.Request) string

// ClientIPKey keys by client IP; the default.
func ClientIPKey(r *http.Request) string {
	ip := clientIP(r)
	if ip == "" {
		ip = "unknown"
	}
	return "ip:" + ip
}

// UserKey keys by authenticated user, falling back to client IP.
func UserKey(r *http.Request) string {
	if principal, ok := auth.PrincipalFromContext(r.Context()); ok && principal.UserID != "" {
		return "user:" + principal.UserID
	}
	return ClientIPKey(r)
}

// TenantKey keys by resolved tenant, falling back to client IP.
func TenantKey(r *http.Request) string {
	if tenant := TenantFromContext(r.Context()); tenant != "" {
		return "tenant:" + tenant
	}
	return ClientIPKey(r)
}

// Middleware --------------------------------------------------------------------

// RateLimitConfig configures the middleware.
type RateLimitConfig struct {
	Strategy Strategy
	Limit    int64
	Window   time.Duration
	KeyFunc  KeyFunc
	// SkipSuccessful / SkipFailed retroactively reset the counter after the
	// response was observed, exempting that class of responses.
	SkipSuccessful bool
	SkipFailed     bool
}

// RateLimit guards the chain with the configured strategy. A failing backing
// store admits the request: the limiter must not take the API down with it.
func RateLimit(cfg RateLimitConfig, next http.Handler) http.Handler {
	keyFunc := cfg.KeyFunc
	if keyFunc == nil {
		keyFunc = ClientIPKey
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := keyFunc(r)
		res, err := cfg.Strategy.Check(r.Context(), key, cfg.Limit, cfg.Window)
		if err != nil {
			obs.LogRequest(map[string]any{
				"level": "warn",
				"msg":   "rate_limit_degraded",
				"err":   err.Error(),
			})
			next.ServeHTTP(w, r)
			return
		}

		setRateLimitHeaders(w, cfg.Limit, res)
		if !res.Allowed {
			obs.IncRateLimited()
			retryAfter := int64(time.Until(res.ResetTime).Seconds()) + 1
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.FormatInt(retryAfter, 10))
			writeError(w, r, http.StatusTooManyRequests, CodeRateLimitExceeded,
				"rate limit exceeded, retry later")
			return
		}

		if !cfg.SkipSuccessful && !cfg.SkipFailed {
			next.ServeHTTP(w, r)
			return
		}
		sw := &statusWriter{ResponseWriter: w, code: 200}
		next.ServeHTTP(sw, r)
		if (cfg.SkipSuccessful && sw.code < 400) || (cfg.SkipFailed && sw.code >= 400) {
			_ = cfg.Strategy.Reset(r.Context(), key)
		}
	})
}

func setRateLimitHeaders(w http.ResponseWriter, limit int64, res RateLimitResult) {
	w.Header().Set("X-RateLimit-Limit", strconv.FormatInt(limit, 10))
	w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(res.Remaining, 10))
	w.Header().Set("X-RateLimit-Reset", fmt.Sprintf("%d", res.ResetTime.Unix()))
	w.Header().Set("RateLimit-Limit", strconv.FormatInt(limit, 10))
	w.Header().Set("RateLimit-Remaining", strconv.FormatInt(res.Remaining, 10))
}
