package auth

import (
	"errors"
	"slices"
	"testing"
	"time"
)

func testUser() *User {
	return &User{
		ID:          "user-42",
		TenantID:    "acme",
		Email:       "dev@acme.test",
		Roles:       []string{"Admin", "user", "admin"},
		Permissions: []string{"projects:read", "projects:read", "reports:*"},
		Status:      StatusActive,
	}
}

func TestIssueAndParseRoundTrip(t *testing.T) {
	svc, err := NewTokenService("secret", WithIssuer("test-issuer"))
	if err != nil {
		t.Fatalf("NewTokenService: %v", err)
	}

	token, claims, err := svc.Issue(testUser(), "sess-1", KindAccess)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if claims.ID == "" {
		t.Fatalf("expected generated jti")
	}
	if time.Until(claims.ExpiresAt.Time) <= 0 {
		t.Fatalf("expected future expiry, got %v", claims.ExpiresAt.Time)
	}

	parsed, err := svc.ParseAndValidate(token, KindAccess)
	if err != nil {
		t.Fatalf("ParseAndValidate: %v", err)
	}
	if parsed.Subject != "user-42" {
		t.Fatalf("unexpected subject: %s", parsed.Subject)
	}
	if parsed.TenantID != "acme" {
		t.Fatalf("unexpected tenant: %s", parsed.TenantID)
	}
	if parsed.SessionID != "sess-1" {
		t.Fatalf("unexpected session: %s", parsed.SessionID)
	}
	if !slices.Contains(parsed.Roles, "admin") || !slices.Contains(parsed.Roles, "user") {
		t.Fatalf("roles were not preserved: %v", parsed.Roles)
	}
	if len(parsed.Roles) != 2 {
		t.Fatalf("expected deduplicated roles, got %v", parsed.Roles)
	}
	if len(parsed.Permissions) != 2 {
		t.Fatalf("expected deduplicated permissions, got %v", parsed.Permissions)
	}
}

func TestParseRejectsWrongKind(t *testing.T) {
	svc, err := NewTokenService("secret")
	if err != nil {
		t.Fatalf("NewTokenService: %v", err)
	}
	refresh, _, err := svc.Issue(testUser(), "sess-1", KindRefresh)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if _, err := svc.ParseAndValidate(refresh, KindAccess); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for kind mismatch, got %v", err)
	}
	if _, err := svc.ParseAndValidate(refresh, KindRefresh); err != nil {
		t.Fatalf("refresh token should validate as refresh: %v", err)
	}
}

func TestParseRejectsExpired(t *testing.T) {
	now := time.Now()
	clock := now
	svc, err := NewTokenService("secret",
		WithAccessTTL(time.Minute),
		WithTokenClock(func() time.Time { return clock }))
	if err != nil {
		t.Fatalf("NewTokenService: %v", err)
	}
	token, _, err := svc.Issue(testUser(), "", KindAccess)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	clock = now.Add(2 * time.Minute)
	if _, err := svc.ParseAndValidate(token, KindAccess); !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("expected ErrTokenExpired, got %v", err)
	}
}

func TestParseRejectsForeignSignature(t *testing.T) {
	issuer, _ := NewTokenService("secret-a")
	verifier, _ := NewTokenService("secret-b")
	token, _, err := issuer.Issue(testUser(), "", KindAccess)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if _, err := verifier.ParseAndValidate(token, KindAccess); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for wrong secret, got %v", err)
	}
}

func TestParseRejectsGarbage(t *testing.T) {
	svc, _ := NewTokenService("secret")
	for _, raw := range []string{"", "   ", "not.a.jwt", "a.b"} {
		if _, err := svc.ParseAndValidate(raw, KindAccess); !errors.Is(err, ErrTokenMalformed) {
			t.Fatalf("expected ErrTokenMalformed for %q, got %v", raw, err)
		}
	}
}

func TestIssueRequiresUserID(t *testing.T) {
	svc, _ := NewTokenService("secret")
	if _, _, err := svc.Issue(&User{}, "", KindAccess); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	if _, _, err := svc.Issue(nil, "", KindAccess); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for nil user, got %v", err)
	}
}

func TestNewTokenServiceRequiresSecret(t *testing.T) {
	if _, err := NewTokenService("  "); err == nil {
		t.Fatalf("expected error for empty secret")
	}
}
