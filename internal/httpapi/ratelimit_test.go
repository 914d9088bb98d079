package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

type rlClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *rlClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *rlClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func TestFixedWindowStrategy(t *testing.T) {
	clock := &rlClock{t: time.Now()}
	store := NewMemoryCounterStore()
	store.SetClock(clock.Now)
	strategy := &FixedWindowStrategy{Store: store}
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		res, err := strategy.Check(ctx, "k", 3, time.Minute)
		if err != nil {
			t.Fatalf("Check: %v", err)
		}
		if !res.Allowed {
			t.Fatalf("request %d within the limit must be allowed", i+1)
		}
		if res.Remaining != int64(2-i) {
			t.Fatalf("request %d: remaining = %d, want %d", i+1, res.Remaining, 2-i)
		}
	}

	res, err := strategy.Check(ctx, "k", 3, time.Minute)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if res.Allowed || res.Remaining != 0 {
		t.Fatalf("request over the limit must be denied: %+v", res)
	}

	// A fresh window admits again.
	clock.Advance(2 * time.Minute)
	res, err = strategy.Check(ctx, "k", 3, time.Minute)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if !res.Allowed {
		t.Fatalf("new window must admit: %+v", res)
	}

	// Keys are independent.
	res, _ = strategy.Check(ctx, "other", 3, time.Minute)
	if !res.Allowed || res.Current != 1 {
		t.Fatalf("independent key polluted: %+v", res)
	}
}

func TestSlidingWindowStrategy(t *testing.T) {
	clock := &rlClock{t: time.Now()}
	strategy := NewSlidingWindowStrategy()
	strategy.SetClock(clock.Now)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		res, err := strategy.Check(ctx, "k", 2, time.Minute)
		if err != nil || !res.Allowed {
			t.Fatalf("request %d must be allowed: %+v %v", i+1, res, err)
		}
	}
	res, _ := strategy.Check(ctx, "k", 2, time.Minute)
	if res.Allowed {
		t.Fatalf("third request in the window must be denied")
	}

	// Old entries slide out.
	clock.Advance(61 * time.Second)
	res, _ = strategy.Check(ctx, "k", 2, time.Minute)
	if !res.Allowed {
		t.Fatalf("request after the window slid must be allowed: %+v", res)
	}
}

func TestSlidingWindowZeroLimit(t *testing.T) {
	strategy := NewSlidingWindowStrategy()
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		res, err := strategy.Check(ctx, "k", 0, time.Minute)
		if err != nil {
			t.Fatalf("Check with zero limit: %v", err)
		}
		if res.Allowed {
			t.Fatalf("zero limit must deny everything")
		}
		if res.Remaining != 0 {
			t.Fatalf("remaining = %d, want 0", res.Remaining)
		}
		if !res.ResetTime.After(time.Now().Add(-time.Second)) {
			t.Fatalf("denied result must carry a usable reset time: %v", res.ResetTime)
		}
	}
}

func TestTokenBucketStrategy(t *testing.T) {
	strategy := NewTokenBucketStrategy()
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		res, err := strategy.Check(ctx, "k", 2, time.Minute)
		if err != nil || !res.Allowed {
			t.Fatalf("burst request %d must be allowed: %+v %v", i+1, res, err)
		}
		if res.Current != int64(i+1) {
			t.Fatalf("burst request %d: current = %d, want %d", i+1, res.Current, i+1)
		}
	}
	res, err := strategy.Check(ctx, "k", 2, time.Minute)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if res.Allowed {
		t.Fatalf("request beyond the burst must be denied")
	}
	if res.Current != 2 {
		t.Fatalf("denied request must report a full bucket, got current=%d", res.Current)
	}
	if !res.ResetTime.After(time.Now()) {
		t.Fatalf("denied result must carry a future reset time")
	}

	// A zero limit denies without panicking.
	res, err = strategy.Check(ctx, "empty", 0, time.Minute)
	if err != nil || res.Allowed {
		t.Fatalf("zero limit must deny: %+v %v", res, err)
	}
}

type errCounterStore struct{ err error }

func (s errCounterStore) Incr(context.Context, string, time.Duration) (int64, time.Time, error) {
	return 0, time.Time{}, s.err
}
func (s errCounterStore) Reset(context.Context, string) error { return s.err }

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestRateLimitMiddlewareDeniesWith429(t *testing.T) {
	handler := RateLimit(RateLimitConfig{
		Strategy: &FixedWindowStrategy{Store: NewMemoryCounterStore()},
		Limit:    1,
		Window:   time.Minute,
	}, okHandler())

	first := httptest.NewRecorder()
	handler.ServeHTTP(first, httptest.NewRequest(http.MethodGet, "/x", nil))
	if first.Code != http.StatusOK {
		t.Fatalf("first request: got %d", first.Code)
	}
	if first.Header().Get("X-RateLimit-Limit") != "1" {
		t.Fatalf("missing X-RateLimit-Limit header")
	}

	second := httptest.NewRecorder()
	handler.ServeHTTP(second, httptest.NewRequest(http.MethodGet, "/x", nil))
	if second.Code != http.StatusTooManyRequests {
		t.Fatalf("second request: got %d, want 429", second.Code)
	}
	if second.Header().Get("Retry-After") == "" {
		t.Fatalf("429 must carry Retry-After")
	}
	if second.Header().Get("X-RateLimit-Remaining") != "0" {
		t.Fatalf("expected zero remaining, got %q", second.Header().Get("X-RateLimit-Remaining"))
	}

	var env struct {
		Success bool `json:"success"`
		Error   struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(second.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if env.Success || env.Error.Code != CodeRateLimitExceeded {
		t.Fatalf("unexpected error envelope: %+v", env)
	}
}

func TestRateLimitMiddlewareFailsOpen(t *testing.T) {
	handler := RateLimit(RateLimitConfig{
		Strategy: &FixedWindowStrategy{Store: errCounterStore{err: errors.New("redis down")}},
		Limit:    1,
		Window:   time.Minute,
	}, okHandler())

	for i := 0; i < 3; i++ {
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/x", nil))
		if rr.Code != http.StatusOK {
			t.Fatalf("degraded limiter must admit, got %d", rr.Code)
		}
	}
}

func TestRateLimitSkipFailedExemptsErrors(t *testing.T) {
	failing := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	})
	handler := RateLimit(RateLimitConfig{
		Strategy:   &FixedWindowStrategy{Store: NewMemoryCounterStore()},
		Limit:      1,
		Window:     time.Minute,
		SkipFailed: true,
	}, failing)

	// Failed responses roll the counter back, so the limit never trips.
	for i := 0; i < 3; i++ {
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/x", nil))
		if rr.Code != http.StatusBadRequest {
			t.Fatalf("request %d: got %d, want 400", i+1, rr.Code)
		}
	}
}

func TestKeyFuncs(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/x", nil)
	r.RemoteAddr = "198.51.100.7:4444"
	if got := ClientIPKey(r); got != "ip:198.51.100.7" {
		t.Fatalf("ClientIPKey = %q", got)
	}

	r.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	if got := ClientIPKey(r); got != "ip:203.0.113.9" {
		t.Fatalf("ClientIPKey with XFF = %q", got)
	}

	// Without a principal or tenant both fall back to the client IP.
	if got := UserKey(r); got != "ip:203.0.113.9" {
		t.Fatalf("UserKey fallback = %q", got)
	}
	if got := TenantKey(r); got != "ip:203.0.113.9" {
		t.Fatalf("TenantKey fallback = %q", got)
	}

	ctx := context.WithValue(r.Context(), tenantContextKey{}, "acme")
	if got := TenantKey(r.WithContext(ctx)); got != "tenant:acme" {
		t.Fatalf("TenantKey = %q", got)
	}
}
