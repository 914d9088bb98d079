package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"consultra.io/internal/ids"
)

// TokenKind distinguishes the three single-purpose token families. A token of
// one kind never validates as another.
type TokenKind string

const (
	KindAccess  TokenKind = "access"
	KindRefresh TokenKind = "refresh"
	KindVerify  TokenKind = "verify"
)

const (
	defaultIssuer     = "consultra"
	defaultAccessTTL  = 15 * time.Minute
	defaultRefreshTTL = 14 * 24 * time.Hour
	defaultVerifyTTL  = 24 * time.Hour
)

// Claims are the JWT claims carried by every Consultra token.
type Claims struct {
	TenantID       string   `json:"tenant_id,omitempty"`
	OrganizationID string   `json:"org_id,omitempty"`
	Email          string   `json:"email,omitempty"`
	Username       string   `json:"username,omitempty"`
	UserType       string   `json:"user_type,omitempty"`
	ClientID       string   `json:"client_id,omitempty"`
	Roles          []string `json:"roles,omitempty"`
	Permissions    []string `json:"permissions,omitempty"`
	SessionID      string   `json:"session_id,omitempty"`
	TokenType      string   `json:"token_type"`
	jwt.RegisteredClaims
}

// TokenService signs and verifies HS256 JWTs. The secret is injected at
// construction; nothing in this package reads the environment.
type TokenService struct {
	secret     []byte
	issuer     string
	accessTTL  time.Duration
	refreshTTL time.Duration
	verifyTTL  time.Duration
	now        func() time.Time
}

// TokenOption configures TokenService behavior.
type TokenOption func(*TokenService) error

// WithIssuer overrides the token issuer claim.
func WithIssuer(issuer string) TokenOption {
	return func(s *TokenService) error {
		issuer = strings.TrimSpace(issuer)
		if issuer == "" {
			return errors.New("auth: issuer must not be empty")
		}
		s.issuer = issuer
		return nil
	}
}

// WithAccessTTL configures access token lifetime.
func WithAccessTTL(ttl time.Duration) TokenOption {
	return func(s *TokenService) error {
		if ttl > 0 {
			s.accessTTL = ttl
		}
		return nil
	}
}

// WithRefreshTTL configures refresh token lifetime.
func WithRefreshTTL(ttl time.Duration) TokenOption {
	return func(s *TokenService) error {
		if ttl > 0 {
			s.refreshTTL = ttl
		}
		return nil
	}
}

// WithVerifyTTL configures email verification token lifetime.
func WithVerifyTTL(ttl time.Duration) TokenOption {
	return func(s *TokenService) error {
		if ttl > 0 {
			s.verifyTTL = ttl
		}
		return nil
	}
}

// WithTokenClock overrides the time source (useful for tests).
func WithTokenClock(fn func() time.Time) TokenOption {
	return func(s *TokenService) error {
		if fn != nil {
			s.now = fn
		}
		return nil
	}
}

// NewTokenService constructs a TokenService signing with the given secret.
func NewTokenService(secret string, opts ...TokenOption) (*TokenService, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("auth: signing secret is required")
	}
	s := &TokenService{
		secret:     []byte(secret),
		issuer:     defaultIssuer,
		accessTTL:  defaultAccessTTL,
		refreshTTL: defaultRefreshTTL,
		verifyTTL:  defaultVerifyTTL,
		now:        time.Now,
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// TTL reports the configured lifetime for the given kind.
func (s *TokenService) TTL(kind TokenKind) time.Duration {
	switch kind {
	case KindRefresh:
		return s.refreshTTL
	case KindVerify:
		return s.verifyTTL
	default:
		return s.accessTTL
	}
}

// Issue signs a token of the given kind for the user. The returned claims are
// the exact claims embedded in the token, including the generated jti.
func (s *TokenService) Issue(u *User, sessionID string, kind TokenKind) (string, *Claims, error) {
	if u == nil || strings.TrimSpace(u.ID) == "" {
		return "", nil, fmt.Errorf("%w: user id is required", ErrInvalidInput)
	}
	now := s.now().UTC()
	claims := &Claims{
		TenantID:       u.TenantID,
		OrganizationID: u.OrganizationID,
		Email:          u.Email,
		Username:       u.Username,
		UserType:       u.UserType,
		ClientID:       u.ClientID,
		Roles:          normalizeRoles(u.Roles),
		Permissions:    dedupeStrings(u.Permissions),
		SessionID:      sessionID,
		TokenType:      string(kind),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   u.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.TTL(kind))),
			ID:        ids.New(),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", nil, fmt.Errorf("sign token: %w", err)
	}
	return signed, claims, nil
}

// ParseAndValidate verifies signature, expiry, issuer and token kind. Every
// failure maps to a typed sentinel; no library error escapes.
func (s *TokenService) ParseAndValidate(raw string, kind TokenKind) (*Claims, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, ErrTokenMalformed
	}
	parsed, err := jwt.ParseWithClaims(raw, &Claims{}, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, ErrInvalidToken
		}
		return s.secret, nil
	}, jwt.WithTimeFunc(s.now), jwt.WithIssuer(s.issuer))
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenExpired):
			return nil, ErrTokenExpired
		case errors.Is(err, jwt.ErrTokenMalformed):
			return nil, ErrTokenMalformed
		default:
			return nil, ErrInvalidToken
		}
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return nil, ErrInvalidToken
	}
	if claims.TokenType != string(kind) {
		return nil, ErrInvalidToken
	}
	claims.Roles = normalizeRoles(claims.Roles)
	claims.Permissions = dedupeStrings(claims.Permissions)
	return claims, nil
}

func normalizeRoles(roles []string) []string {
	if len(roles) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(roles))
	var out []string
	for _, role := range roles {
		role = strings.TrimSpace(strings.ToLower(role))
		if role == "" {
			continue
		}
		if _, ok := seen[role]; ok {
			continue
		}
		seen[role] = struct{}{}
		out = append(out, role)
	}
	return out
}

func dedupeStrings(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(values))
	var out []string
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
