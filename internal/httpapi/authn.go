package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"consultra.io/internal/auth"
	"consultra.io/internal/obs"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "
)

// errAuthPipeline marks a panic inside the authentication pipeline itself.
// classifyAuthError maps it to a generic 500.
var errAuthPipeline = errors.New("auth pipeline failure")

// requireAuth runs the authentication pipeline and rejects the request unless
// a principal was established. A panic inside the pipeline is contained and
// rejected (deny by default); panics in route handlers are not ours to mask
// and propagate to the server's own recovery.
func (a *API) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, err := extractBearerToken(r.Header.Get(authHeader))
		if err != nil {
			writeError(w, r, http.StatusUnauthorized, CodeUnauthorized, err.Error())
			return
		}

		principal, err := a.authenticate(r.Context(), token)
		if err != nil {
			status, code, msg := classifyAuthError(err)
			writeError(w, r, status, code, msg)
			return
		}

		ctx := auth.ContextWithPrincipal(r.Context(), principal)
		ctx = auth.ContextWithToken(ctx, token)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// optionalAuth follows the same pipeline but proceeds without a principal on
// any failure instead of rejecting. The downstream handler runs exactly once
// either way.
func (a *API) optionalAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, err := extractBearerToken(r.Header.Get(authHeader))
		if err == nil {
			if principal, authErr := a.authenticate(r.Context(), token); authErr == nil {
				ctx := auth.ContextWithPrincipal(r.Context(), principal)
				ctx = auth.ContextWithToken(ctx, token)
				r = r.WithContext(ctx)
			}
		}
		next.ServeHTTP(w, r)
	})
}

// authenticate wraps the pipeline so a panic inside it surfaces as an error
// instead of escaping mid-middleware.
func (a *API) authenticate(ctx context.Context, token string) (principal auth.Principal, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			obs.LogRequest(map[string]any{
				"level":      "error",
				"msg":        "auth_panic",
				"request_id": RequestIDFromContext(ctx),
			})
			principal = auth.Principal{}
			err = errAuthPipeline
		}
	}()
	return a.auth.Authenticate(ctx, token)
}

func classifyAuthError(err error) (status int, code, msg string) {
	switch {
	case errors.Is(err, auth.ErrTokenRevoked):
		return http.StatusUnauthorized, CodeTokenRevoked, "token has been revoked"
	case errors.Is(err, auth.ErrUserNotFound):
		return http.StatusUnauthorized, CodeUserNotFound, "user no longer exists"
	case errors.Is(err, auth.ErrAccountInactive):
		return http.StatusUnauthorized, CodeAccountInactive, "account is not active"
	case errors.Is(err, auth.ErrTokenExpired):
		return http.StatusUnauthorized, CodeUnauthorized, "token expired"
	case errors.Is(err, auth.ErrTokenMalformed),
		errors.Is(err, auth.ErrInvalidToken),
		errors.Is(err, auth.ErrUnauthorized):
		return http.StatusUnauthorized, CodeUnauthorized, "invalid token"
	default:
		return http.StatusInternalServerError, CodeAuthenticationError, "authentication error"
	}
}

// RequirePermission rejects with 403 unless the principal satisfies at least
// one of the required permissions. Only the failed requirement is logged,
// never the principal's full permission set.
func RequirePermission(required ...string) func(http.Handler) http.Handler {
	return requireCheck(func(p auth.Principal) bool {
		return p.HasPermission(required...)
	}, strings.Join(required, ","))
}

// RequireRole rejects with 403 unless the principal holds the role.
func RequireRole(role string) func(http.Handler) http.Handler {
	return requireCheck(func(p auth.Principal) bool {
		return p.HasRole(role)
	}, "role:"+role)
}

// RequireMinimumRole rejects with 403 unless some held role ranks at or above
// min in the hierarchy.
func RequireMinimumRole(min string) func(http.Handler) http.Handler {
	return requireCheck(func(p auth.Principal) bool {
		return p.HasMinimumRole(min)
	}, "min_role:"+min)
}

// RequireTenantAccess rejects with 403 unless the principal belongs to the
// tenant resolved for this request.
func RequireTenantAccess() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal, ok := auth.PrincipalFromContext(r.Context())
			if !ok {
				writeError(w, r, http.StatusUnauthorized, CodeUnauthorized, "authentication required")
				return
			}
			tenant := TenantFromContext(r.Context())
			if tenant != "" && !principal.HasTenantAccess(tenant) {
				logForbidden(r, "tenant:"+tenant)
				writeError(w, r, http.StatusForbidden, CodeForbidden, "no access to tenant")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func requireCheck(check func(auth.Principal) bool, requirement string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal, ok := auth.PrincipalFromContext(r.Context())
			if !ok {
				writeError(w, r, http.StatusUnauthorized, CodeUnauthorized, "authentication required")
				return
			}
			if !check(principal) {
				logForbidden(r, requirement)
				writeError(w, r, http.StatusForbidden, CodeForbidden, "insufficient permissions")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func logForbidden(r *http.Request, requirement string) {
	obs.LogRequest(map[string]any{
		"level":       "info",
		"msg":         "authorization_denied",
		"request_id":  RequestIDFromContext(r.Context()),
		"path":        r.URL.Path,
		"requirement": requirement,
	})
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	if !strings.HasPrefix(strings.ToLower(header), strings.ToLower(bearer)) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}
