package auth

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/jackc/pgx/v5/pgconn"

	"consultra.io/internal/ids"
)

var _ Store = (*PGStore)(nil)

const pgUniqueViolation = "23505"

// PGStore implements Store using PostgreSQL through the pgx stdlib driver.
type PGStore struct {
	db *sql.DB
}

func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

func (s *PGStore) Users(context.Context) UserStore { return &pgUserStore{db: s.db} }
func (s *PGStore) Organizations(context.Context) OrganizationStore {
	return &pgOrgStore{db: s.db}
}
func (s *PGStore) RefreshSessions(context.Context) RefreshSessionStore {
	return &pgRefreshStore{db: s.db}
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

// User store ---------------------------------------------------------------

type pgUserStore struct{ db *sql.DB }

const userColumns = `id, tenant_id, organization_id, email, username, password_hash,
	user_type, client_id, roles, permissions, organizations, status, email_verified,
	created_at, updated_at`

func (s *pgUserStore) Create(ctx context.Context, u *User) error {
	if u.ID == "" {
		u.ID = ids.New()
	}
	if u.Status == "" {
		u.Status = StatusActive
	}
	roles, _ := json.Marshal(u.Roles)
	perms, _ := json.Marshal(u.Permissions)
	orgs, _ := json.Marshal(u.Organizations)
	_, err := s.db.ExecContext(ctx,
		`insert into users(id, tenant_id, organization_id, email, username, password_hash,
			user_type, client_id, roles, permissions, organizations, status, email_verified)
		 values($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		u.ID, u.TenantID, u.OrganizationID, u.Email, u.Username, u.PasswordHash,
		u.UserType, u.ClientID, roles, perms, orgs, u.Status, u.EmailVerified,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return err
	}
	return nil
}

func (s *pgUserStore) Find(ctx context.Context, id string) (*User, error) {
	row := s.db.QueryRowContext(ctx,
		`select `+userColumns+` from users where id=$1`, id)
	return scanUser(row)
}

func (s *pgUserStore) FindByEmail(ctx context.Context, tenantID, email string) (*User, error) {
	// Independent filters are combined as an explicit conjunction; the tenant
	// filter is a no-op when no tenant was resolved.
	row := s.db.QueryRowContext(ctx,
		`select `+userColumns+` from users where email=$1 and ($2 = '' or tenant_id = $2)`,
		email, tenantID)
	return scanUser(row)
}

func (s *pgUserStore) SetEmailVerified(ctx context.Context, userID string) error {
	res, err := s.db.ExecContext(ctx,
		`update users set email_verified = true, updated_at = now() where id=$1`, userID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *pgUserStore) UpdatePassword(ctx context.Context, userID, passwordHash string) error {
	res, err := s.db.ExecContext(ctx,
		`update users set password_hash=$2, updated_at = now() where id=$1`, userID, passwordHash)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (*User, error) {
	var (
		u     User
		roles []byte
		perms []byte
		orgs  []byte
	)
	err := row.Scan(&u.ID, &u.TenantID, &u.OrganizationID, &u.Email, &u.Username,
		&u.PasswordHash, &u.UserType, &u.ClientID, &roles, &perms, &orgs,
		&u.Status, &u.EmailVerified, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	_ = json.Unmarshal(roles, &u.Roles)
	_ = json.Unmarshal(perms, &u.Permissions)
	_ = json.Unmarshal(orgs, &u.Organizations)
	return &u, nil
}

// Organization store -------------------------------------------------------

type pgOrgStore struct{ db *sql.DB }

func (s *pgOrgStore) Create(ctx context.Context, org *Organization) error {
	if org.ID == "" {
		org.ID = ids.New()
	}
	meta, _ := json.Marshal(org.Metadata)
	_, err := s.db.ExecContext(ctx,
		`insert into organizations(id, tenant_id, name, metadata) values($1,$2,$3,$4)`,
		org.ID, org.TenantID, org.Name, meta,
	)
	if err != nil && isUniqueViolation(err) {
		return ErrAlreadyExists
	}
	return err
}

func (s *pgOrgStore) Find(ctx context.Context, id string) (*Organization, error) {
	row := s.db.QueryRowContext(ctx,
		`select id, tenant_id, name, metadata, created_at, updated_at from organizations where id=$1`, id)
	var (
		org  Organization
		meta []byte
	)
	if err := row.Scan(&org.ID, &org.TenantID, &org.Name, &meta, &org.CreatedAt, &org.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	_ = json.Unmarshal(meta, &org.Metadata)
	return &org, nil
}

// Refresh session store ----------------------------------------------------

type pgRefreshStore struct{ db *sql.DB }

func (s *pgRefreshStore) Create(ctx context.Context, sess *RefreshSession) error {
	_, err := s.db.ExecContext(ctx,
		`insert into refresh_sessions(id, user_id, session_id, token_hash, expires_at)
		 values($1,$2,$3,$4,$5)`,
		sess.ID, sess.UserID, sess.SessionID, sess.TokenHash, sess.ExpiresAt,
	)
	return err
}

func (s *pgRefreshStore) Find(ctx context.Context, id string) (*RefreshSession, error) {
	row := s.db.QueryRowContext(ctx,
		`select id, user_id, session_id, token_hash, expires_at, created_at, revoked
		 from refresh_sessions where id=$1`, id)
	var sess RefreshSession
	err := row.Scan(&sess.ID, &sess.UserID, &sess.SessionID, &sess.TokenHash,
		&sess.ExpiresAt, &sess.CreatedAt, &sess.Revoked)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &sess, nil
}

func (s *pgRefreshStore) MarkRevoked(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`update refresh_sessions set revoked = true where id=$1`, id)
	return err
}

func (s *pgRefreshStore) MarkRevokedByUser(ctx context.Context, userID string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`update refresh_sessions set revoked = true where user_id=$1 and not revoked`, userID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
