package httpapi

import (
	"context"
	"net/http"
	"regexp"
	"strings"

	"consultra.io/internal/auth"
)

const (
	tenantHeader  = "X-Tenant-ID"
	versionHeader = "X-API-Version"
)

type tenantContextKey struct{}
type versionContextKey struct{}

// TenantOptions configures tenant resolution for the middleware chain.
type TenantOptions struct {
	Header     string // defaults to X-Tenant-ID
	QueryParam string // defaults to "tenant"
	Default    string
	Required   bool
	// Validate rejects unknown tenants. A nil Validate accepts everything.
	Validate func(ctx context.Context, tenantID string) error
}

func (o TenantOptions) header() string {
	if o.Header != "" {
		return o.Header
	}
	return tenantHeader
}

func (o TenantOptions) query() string {
	if o.QueryParam != "" {
		return o.QueryParam
	}
	return "tenant"
}

// ResolveTenant resolves the tenant id for the request from, in priority
// order: header, query parameter, path segment, authenticated principal, then
// the configured default. The resolved value is echoed in the response header.
func ResolveTenant(opts TenantOptions) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tenantID, defaulted := resolveTenantID(r, opts)

			if opts.Required && (tenantID == "" || defaulted) {
				writeError(w, r, http.StatusBadRequest, CodeTenantRequired, "tenant id is required")
				return
			}
			if tenantID != "" && opts.Validate != nil {
				if err := opts.Validate(r.Context(), tenantID); err != nil {
					writeError(w, r, http.StatusBadRequest, CodeInvalidTenant, "invalid tenant id")
					return
				}
			}

			if tenantID != "" {
				w.Header().Set(opts.header(), tenantID)
			}
			ctx := context.WithValue(r.Context(), tenantContextKey{}, tenantID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func resolveTenantID(r *http.Request, opts TenantOptions) (tenantID string, defaulted bool) {
	if v := strings.TrimSpace(r.Header.Get(opts.header())); v != "" {
		return v, false
	}
	if v := strings.TrimSpace(r.URL.Query().Get(opts.query())); v != "" {
		return v, false
	}
	if v := tenantFromPath(r.URL.Path); v != "" {
		return v, false
	}
	if principal, ok := auth.PrincipalFromContext(r.Context()); ok && principal.TenantID != "" {
		return principal.TenantID, false
	}
	return opts.Default, true
}

// tenantFromPath recognizes /api/vN/tenants/{id}/... style paths.
func tenantFromPath(path string) string {
	segments := strings.Split(strings.Trim(path, "/"), "/")
	for i := 0; i < len(segments)-1; i++ {
		if segments[i] == "tenants" {
			return segments[i+1]
		}
	}
	return ""
}

// TenantFromContext returns the tenant id resolved for this request.
func TenantFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(tenantContextKey{}).(string); ok {
		return v
	}
	return ""
}

// VersionOptions configures API version resolution.
type VersionOptions struct {
	Header     string // defaults to X-API-Version
	QueryParam string // defaults to "api-version"
	Supported  []string
	Default    string
	// Strict rejects unsupported versions instead of falling back to Default.
	Strict bool
}

func (o VersionOptions) header() string {
	if o.Header != "" {
		return o.Header
	}
	return versionHeader
}

func (o VersionOptions) query() string {
	if o.QueryParam != "" {
		return o.QueryParam
	}
	return "api-version"
}

func (o VersionOptions) supported(v string) bool {
	for _, s := range o.Supported {
		if s == v {
			return true
		}
	}
	return false
}

var versionSegment = regexp.MustCompile(`^v\d+$`)

// ResolveVersion resolves the API version from header, query parameter or the
// /api/vN/ path segment, falling back to the default. Unsupported versions
// fail with 400 in strict mode, otherwise fall back to the default. The
// resolved value is echoed in the response header.
func ResolveVersion(opts VersionOptions) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			version := resolveVersionID(r, opts)
			if version == "" {
				version = opts.Default
			} else if !opts.supported(version) {
				if opts.Strict {
					writeError(w, r, http.StatusBadRequest, CodeUnsupportedVersion,
						"unsupported API version "+version)
					return
				}
				version = opts.Default
			}

			w.Header().Set(opts.header(), version)
			ctx := context.WithValue(r.Context(), versionContextKey{}, version)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func resolveVersionID(r *http.Request, opts VersionOptions) string {
	if v := strings.TrimSpace(r.Header.Get(opts.header())); v != "" {
		return v
	}
	if v := strings.TrimSpace(r.URL.Query().Get(opts.query())); v != "" {
		return v
	}
	segments := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	for _, seg := range segments {
		if versionSegment.MatchString(seg) {
			return seg
		}
	}
	return ""
}

// VersionFromContext returns the API version resolved for this request.
func VersionFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(versionContextKey{}).(string); ok {
		return v
	}
	return ""
}
