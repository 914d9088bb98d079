// Package httpapi wires the authentication service into the HTTP surface:
// tenant resolution, API versioning, rate limiting, bearer authentication and
// the /api/v1/auth handlers.
package httpapi

import (
	"net/http"
	"time"

	"consultra.io/internal/auth"
	"consultra.io/internal/obs"
)

const serviceName = "consultra-api"

// Config assembles the API dependencies.
type Config struct {
	Auth       *auth.Service
	ReadyProbe ReadyProbe
	Version    string

	Tenant     TenantOptions
	APIVersion VersionOptions

	// Chain-wide limiter. Zero Limit disables it.
	RateLimit RateLimitConfig

	// Limiter used for the per-email resend-verification budget. Defaults to
	// an in-process fixed window.
	ResendLimiter Strategy
}

// API is the HTTP layer.
type API struct {
	mux           *http.ServeMux
	auth          *auth.Service
	readyProbe    ReadyProbe
	version       string
	tenantOpts    TenantOptions
	versionOpts   VersionOptions
	rateLimit     RateLimitConfig
	resendLimiter Strategy
}

// New constructs the API and registers routes.
func New(cfg Config) *API {
	if len(cfg.APIVersion.Supported) == 0 {
		cfg.APIVersion.Supported = []string{"v1"}
	}
	if cfg.APIVersion.Default == "" {
		cfg.APIVersion.Default = "v1"
	}
	if cfg.ResendLimiter == nil {
		cfg.ResendLimiter = &FixedWindowStrategy{Store: NewMemoryCounterStore()}
	}
	a := &API{
		mux:           http.NewServeMux(),
		auth:          cfg.Auth,
		readyProbe:    cfg.ReadyProbe,
		version:       cfg.Version,
		tenantOpts:    cfg.Tenant,
		versionOpts:   cfg.APIVersion,
		rateLimit:     cfg.RateLimit,
		resendLimiter: cfg.ResendLimiter,
	}

	// health/ready/info
	a.mux.HandleFunc("/healthz", a.handleHealthz)
	a.mux.HandleFunc("/readyz", a.handleReadyz)
	a.mux.HandleFunc("/api/v1/info", a.handleInfo)

	// Prometheus metrics
	a.mux.Handle("/metrics", obs.Handler())

	// auth surface; bearer protection is applied per route
	a.mux.HandleFunc("/api/v1/auth/register", a.handleRegister)
	a.mux.HandleFunc("/api/v1/auth/login", a.handleLogin)
	a.mux.HandleFunc("/api/v1/auth/refresh", a.handleRefresh)
	a.mux.HandleFunc("/api/v1/auth/verify-email", a.handleVerifyEmail)
	a.mux.HandleFunc("/api/v1/auth/resend-verification", a.handleResendVerification)
	a.mux.Handle("/api/v1/auth/logout", a.requireAuth(http.HandlerFunc(a.handleLogout)))
	a.mux.Handle("/api/v1/auth/logout-all", a.requireAuth(http.HandlerFunc(a.handleLogoutAll)))
	a.mux.Handle("/api/v1/auth/me", a.requireAuth(http.HandlerFunc(a.handleMe)))

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, CodeNotFound, "resource not found")
	})

	return a
}

// Handler returns the full middleware chain: metrics and logging outermost,
// then tenant resolution, API versioning, rate limiting, and the routed
// handlers (with per-route bearer authentication).
func (a *API) Handler() http.Handler {
	var h http.Handler = a.mux
	if a.rateLimit.Limit > 0 && a.rateLimit.Strategy != nil {
		h = RateLimit(a.rateLimit, h)
	}
	h = ResolveVersion(a.versionOpts)(h)
	h = ResolveTenant(a.tenantOpts)(h)
	h = MaxBodyBytes(h, 1<<20)
	h = CORS(h)
	h = SecurityHeaders(h)
	h = LoggingJSON(h)
	h = RequestID(h)
	return obs.Instrument(h)
}

// DefaultRateLimit is the chain-wide limiter applied when none is configured.
func DefaultRateLimit() RateLimitConfig {
	return RateLimitConfig{
		Strategy: &FixedWindowStrategy{Store: NewMemoryCounterStore()},
		Limit:    300,
		Window:   time.Minute,
		KeyFunc:  ClientIPKey,
	}
}
