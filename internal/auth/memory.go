package auth

import (
	"context"
	"strings"
	"sync"
	"time"

	"consultra.io/internal/ids"
)

var _ Store = (*MemoryStore)(nil)

// MemoryStore is an in-process Store for tests and local development. Data
// does not survive a restart and is not shared across processes.
type MemoryStore struct {
	mu       sync.Mutex
	users    map[string]*User
	orgs     map[string]*Organization
	sessions map[string]*RefreshSession
	now      func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:    make(map[string]*User),
		orgs:     make(map[string]*Organization),
		sessions: make(map[string]*RefreshSession),
		now:      time.Now,
	}
}

func (s *MemoryStore) Users(context.Context) UserStore                     { return (*memUserStore)(s) }
func (s *MemoryStore) Organizations(context.Context) OrganizationStore     { return (*memOrgStore)(s) }
func (s *MemoryStore) RefreshSessions(context.Context) RefreshSessionStore { return (*memRefreshStore)(s) }

type memUserStore MemoryStore

func (s *memUserStore) Create(_ context.Context, u *User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.users {
		if existing.Email == u.Email && existing.TenantID == u.TenantID {
			return ErrAlreadyExists
		}
	}
	if u.ID == "" {
		u.ID = ids.New()
	}
	if u.Status == "" {
		u.Status = StatusActive
	}
	u.CreatedAt = s.now()
	u.UpdatedAt = u.CreatedAt
	clone := *u
	s.users[u.ID] = &clone
	return nil
}

func (s *memUserStore) Find(_ context.Context, id string) (*User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *u
	return &clone, nil
}

func (s *memUserStore) FindByEmail(_ context.Context, tenantID, email string) (*User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if u.Email == email && (tenantID == "" || u.TenantID == tenantID) {
			clone := *u
			return &clone, nil
		}
	}
	return nil, ErrNotFound
}

func (s *memUserStore) SetEmailVerified(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return ErrNotFound
	}
	u.EmailVerified = true
	u.UpdatedAt = s.now()
	return nil
}

func (s *memUserStore) UpdatePassword(_ context.Context, userID, passwordHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return ErrNotFound
	}
	u.PasswordHash = passwordHash
	u.UpdatedAt = s.now()
	return nil
}

type memOrgStore MemoryStore

func (s *memOrgStore) Create(_ context.Context, org *Organization) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if org.ID == "" {
		org.ID = ids.New()
	}
	if _, ok := s.orgs[org.ID]; ok {
		return ErrAlreadyExists
	}
	org.CreatedAt = s.now()
	org.UpdatedAt = org.CreatedAt
	clone := *org
	s.orgs[org.ID] = &clone
	return nil
}

func (s *memOrgStore) Find(_ context.Context, id string) (*Organization, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	org, ok := s.orgs[id]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *org
	return &clone, nil
}

type memRefreshStore MemoryStore

func (s *memRefreshStore) Create(_ context.Context, sess *RefreshSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if strings.TrimSpace(sess.ID) == "" {
		return ErrInvalidInput
	}
	sess.CreatedAt = s.now()
	clone := *sess
	s.sessions[sess.ID] = &clone
	return nil
}

func (s *memRefreshStore) Find(_ context.Context, id string) (*RefreshSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *sess
	return &clone, nil
}

func (s *memRefreshStore) MarkRevoked(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[id]; ok {
		sess.Revoked = true
	}
	return nil
}

func (s *memRefreshStore) MarkRevokedByUser(_ context.Context, userID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, sess := range s.sessions {
		if sess.UserID == userID && !sess.Revoked {
			sess.Revoked = true
			n++
		}
	}
	return n, nil
}
