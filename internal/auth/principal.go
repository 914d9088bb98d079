package auth

import "strings"

// Role hierarchy, highest first. HasMinimumRole compares ordinals; the top
// role bypasses every other check unconditionally.
const (
	RoleSuperAdmin = "super_admin"
	RoleAdmin      = "admin"
	RoleManager    = "manager"
	RoleUser       = "user"
	RoleGuest      = "guest"
)

var roleRank = map[string]int{
	RoleGuest:      1,
	RoleUser:       2,
	RoleManager:    3,
	RoleAdmin:      4,
	RoleSuperAdmin: 5,
}

// RoleRank returns the ordinal of a role in the hierarchy, 0 if unknown.
func RoleRank(role string) int {
	return roleRank[strings.TrimSpace(strings.ToLower(role))]
}

// Principal is the request-scoped identity built by Authenticate. It is
// constructed once per request, passed by value and never persisted.
type Principal struct {
	UserID         string              `json:"user_id"`
	Email          string              `json:"email,omitempty"`
	Username       string              `json:"username,omitempty"`
	TenantID       string              `json:"tenant_id,omitempty"`
	OrganizationID string              `json:"organization_id,omitempty"`
	UserType       string              `json:"user_type,omitempty"`
	ClientID       string              `json:"client_id,omitempty"`
	Roles          []string            `json:"roles"`
	Permissions    map[string]struct{} `json:"-"`
	Organizations  []OrganizationGrant `json:"organizations,omitempty"`
	EmailVerified  bool                `json:"email_verified"`
	AccountStatus  string              `json:"account_status,omitempty"`
	SessionID      string              `json:"session_id,omitempty"`
}

// PermissionList returns the permission set as a sorted-insensitive slice for
// serialization.
func (p Principal) PermissionList() []string {
	out := make([]string, 0, len(p.Permissions))
	for k := range p.Permissions {
		out = append(out, k)
	}
	return out
}

// IsSuperAdmin reports whether the principal holds the top role.
func (p Principal) IsSuperAdmin() bool {
	for _, r := range p.Roles {
		if r == RoleSuperAdmin {
			return true
		}
	}
	return false
}

// HasPermission reports whether the principal satisfies at least one of the
// required permissions. A required "res:action" is satisfied by an exact
// match, by the prefix wildcard "res:*", or by the global wildcards "*" and
// "*:*". Super admins always pass.
func (p Principal) HasPermission(required ...string) bool {
	if len(required) == 0 {
		return true
	}
	if p.IsSuperAdmin() {
		return true
	}
	for _, req := range required {
		if p.permitted(req) {
			return true
		}
	}
	return false
}

// HasAllPermissions reports whether every required permission is satisfied.
func (p Principal) HasAllPermissions(required ...string) bool {
	if p.IsSuperAdmin() {
		return true
	}
	for _, req := range required {
		if !p.permitted(req) {
			return false
		}
	}
	return true
}

func (p Principal) permitted(req string) bool {
	req = strings.TrimSpace(req)
	if req == "" {
		return false
	}
	if _, ok := p.Permissions[req]; ok {
		return true
	}
	if _, ok := p.Permissions["*"]; ok {
		return true
	}
	if _, ok := p.Permissions["*:*"]; ok {
		return true
	}
	if i := strings.IndexByte(req, ':'); i > 0 {
		if _, ok := p.Permissions[req[:i]+":*"]; ok {
			return true
		}
	}
	return false
}

// HasRole reports exact role membership. Super admins always pass.
func (p Principal) HasRole(role string) bool {
	role = strings.TrimSpace(strings.ToLower(role))
	if role == "" {
		return false
	}
	if p.IsSuperAdmin() {
		return true
	}
	for _, r := range p.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// HasMinimumRole reports whether any held role ranks at or above min in the
// fixed hierarchy.
func (p Principal) HasMinimumRole(min string) bool {
	want := RoleRank(min)
	if want == 0 {
		return false
	}
	for _, r := range p.Roles {
		if roleRank[r] >= want {
			return true
		}
	}
	return false
}

// OwnsResource reports whether the principal is the owner of a resource,
// given the resource's owner id. Super admins always pass.
func (p Principal) OwnsResource(ownerID string) bool {
	if p.IsSuperAdmin() {
		return true
	}
	return ownerID != "" && ownerID == p.UserID
}

// HasTenantAccess reports whether the principal belongs to the tenant.
func (p Principal) HasTenantAccess(tenantID string) bool {
	if p.IsSuperAdmin() {
		return true
	}
	return tenantID != "" && tenantID == p.TenantID
}

// HasOrganizationAccess reports whether the principal belongs to the
// organization, either directly or through a membership grant.
func (p Principal) HasOrganizationAccess(organizationID string) bool {
	if p.IsSuperAdmin() {
		return true
	}
	if organizationID == "" {
		return false
	}
	if organizationID == p.OrganizationID {
		return true
	}
	for _, g := range p.Organizations {
		if g.OrganizationID == organizationID {
			return true
		}
	}
	return false
}
