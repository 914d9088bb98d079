package auth

import "context"

// Store describes persistence operations required by the auth subsystem.
type Store interface {
	Users(ctx context.Context) UserStore
	Organizations(ctx context.Context) OrganizationStore
	RefreshSessions(ctx context.Context) RefreshSessionStore
}

// UserStore is the user directory. Find errors other than ErrNotFound are
// treated as transient by Authenticate.
type UserStore interface {
	Create(ctx context.Context, u *User) error
	Find(ctx context.Context, id string) (*User, error)
	// FindByEmail scopes the lookup to a tenant when tenantID is non-empty.
	FindByEmail(ctx context.Context, tenantID, email string) (*User, error)
	SetEmailVerified(ctx context.Context, userID string) error
	UpdatePassword(ctx context.Context, userID, passwordHash string) error
}

// OrganizationStore manages organizations.
type OrganizationStore interface {
	Create(ctx context.Context, org *Organization) error
	Find(ctx context.Context, id string) (*Organization, error)
}

// RefreshSessionStore manages refresh token lifecycle. Revocation is
// monotonic: a revoked session is never un-revoked.
type RefreshSessionStore interface {
	Create(ctx context.Context, sess *RefreshSession) error
	Find(ctx context.Context, id string) (*RefreshSession, error)
	MarkRevoked(ctx context.Context, id string) error
	// MarkRevokedByUser revokes every live session of the user and reports
	// how many were affected.
	MarkRevokedByUser(ctx context.Context, userID string) (int64, error)
}
