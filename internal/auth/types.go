package auth

import "time"

const (
	StatusActive    = "active"
	StatusInactive  = "inactive"
	StatusSuspended = "suspended"
)

// Organization represents a client company or an internal business unit that
// partitions users, roles and billable work inside a tenant.
type Organization struct {
	ID        string         `json:"id"`
	TenantID  string         `json:"tenant_id"`
	Name      string         `json:"name"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// OrganizationGrant is a per-organization permission set attached to a user.
type OrganizationGrant struct {
	OrganizationID string   `json:"organization_id"`
	Permissions    []string `json:"permissions,omitempty"`
}

// User is the directory record consulted on every authenticated request.
// Roles, permissions and status here always win over stale token claims.
type User struct {
	ID             string              `json:"id"`
	TenantID       string              `json:"tenant_id"`
	OrganizationID string              `json:"organization_id,omitempty"`
	Email          string              `json:"email"`
	Username       string              `json:"username,omitempty"`
	PasswordHash   string              `json:"-"`
	UserType       string              `json:"user_type,omitempty"`
	ClientID       string              `json:"client_id,omitempty"`
	Roles          []string            `json:"roles"`
	Permissions    []string            `json:"permissions,omitempty"`
	Organizations  []OrganizationGrant `json:"organizations,omitempty"`
	Status         string              `json:"status"`
	EmailVerified  bool                `json:"email_verified"`
	CreatedAt      time.Time           `json:"created_at"`
	UpdatedAt      time.Time           `json:"updated_at"`
}

// RefreshSession is the persisted half of an outstanding refresh token.
// The raw token is never stored; only its SHA-256 hash is kept so a leaked
// database cannot be replayed. Revocation is monotonic.
type RefreshSession struct {
	ID        string    `json:"id"` // jti of the refresh token
	UserID    string    `json:"user_id"`
	SessionID string    `json:"session_id"`
	TokenHash string    `json:"-"`
	ExpiresAt time.Time `json:"expires_at"`
	CreatedAt time.Time `json:"created_at"`
	Revoked   bool      `json:"revoked"`
}
