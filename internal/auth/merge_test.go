package auth

import "testing"

func TestResolvePrincipalDirectoryWinsAuthorization(t *testing.T) {
	claims := &Claims{
		TenantID:    "acme",
		Email:       "stale@acme.test",
		Roles:       []string{"admin"},
		Permissions: []string{"projects:*"},
		SessionID:   "sess-1",
	}
	claims.Subject = "user-1"
	user := &User{
		ID:            "user-1",
		TenantID:      "acme",
		Email:         "fresh@acme.test",
		Roles:         []string{"user"},
		Permissions:   []string{"reports:read"},
		Status:        StatusActive,
		EmailVerified: true,
	}

	p := ResolvePrincipal(claims, user)

	if len(p.Roles) != 1 || p.Roles[0] != "user" {
		t.Fatalf("roles must come from the directory record, got %v", p.Roles)
	}
	if _, ok := p.Permissions["projects:*"]; ok {
		t.Fatalf("stale claim permissions must not survive a directory merge")
	}
	if _, ok := p.Permissions["reports:read"]; !ok {
		t.Fatalf("directory permissions missing: %v", p.PermissionList())
	}
	if p.Email != "fresh@acme.test" {
		t.Fatalf("email must come from the directory when available, got %s", p.Email)
	}
	if !p.EmailVerified {
		t.Fatalf("email verification must come from the directory")
	}
	if p.AccountStatus != StatusActive {
		t.Fatalf("unexpected account status: %s", p.AccountStatus)
	}
	if p.SessionID != "sess-1" {
		t.Fatalf("session id must come from the token, got %s", p.SessionID)
	}
}

func TestResolvePrincipalClaimsWinIdentity(t *testing.T) {
	claims := &Claims{TenantID: "acme", OrganizationID: "org-1", UserType: "consultant"}
	claims.Subject = "user-1"
	user := &User{
		ID:             "user-1",
		TenantID:       "other",
		OrganizationID: "org-9",
		UserType:       "client",
		Status:         StatusActive,
	}

	p := ResolvePrincipal(claims, user)

	if p.TenantID != "acme" {
		t.Fatalf("tenant must prefer claims, got %s", p.TenantID)
	}
	if p.OrganizationID != "org-1" {
		t.Fatalf("organization must prefer claims, got %s", p.OrganizationID)
	}
	if p.UserType != "consultant" {
		t.Fatalf("user type must prefer claims, got %s", p.UserType)
	}
}

func TestResolvePrincipalFallsBackToUserIdentity(t *testing.T) {
	claims := &Claims{}
	claims.Subject = ""
	user := &User{ID: "user-1", TenantID: "acme", Status: StatusActive}

	p := ResolvePrincipal(claims, user)

	if p.UserID != "user-1" || p.TenantID != "acme" {
		t.Fatalf("empty claim fields must fall back to the directory: %+v", p)
	}
}

func TestResolvePrincipalDegradedMode(t *testing.T) {
	claims := &Claims{
		TenantID:    "acme",
		Roles:       []string{"manager"},
		Permissions: []string{"projects:read"},
	}
	claims.Subject = "user-1"

	p := ResolvePrincipal(claims, nil)

	if len(p.Roles) != 1 || p.Roles[0] != "manager" {
		t.Fatalf("degraded mode must use claim roles, got %v", p.Roles)
	}
	if _, ok := p.Permissions["projects:read"]; !ok {
		t.Fatalf("degraded mode must use claim permissions")
	}
	if p.AccountStatus != StatusActive {
		t.Fatalf("degraded principals are presumed active, got %s", p.AccountStatus)
	}
	if p.EmailVerified {
		t.Fatalf("degraded principals must not claim a verified email")
	}
}
