package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"consultra.io/internal/ids"
	"consultra.io/internal/mail"
	"consultra.io/internal/obs"
)

// Service composes token issuance, revocation and the directory into the
// per-request authentication pipeline and the session lifecycle operations.
type Service struct {
	store     Store
	blacklist Blacklist
	tokens    *TokenService
	mailer    mail.Sender
	now       func() time.Time
}

// ServiceOption configures Service behavior.
type ServiceOption func(*Service)

// WithMailer sets the outbound mail sender used for verification mail.
func WithMailer(sender mail.Sender) ServiceOption {
	return func(s *Service) {
		if sender != nil {
			s.mailer = sender
		}
	}
}

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) ServiceOption {
	return func(s *Service) {
		if fn != nil {
			s.now = fn
		}
	}
}

// NewService constructs the auth service.
func NewService(store Store, blacklist Blacklist, tokens *TokenService, opts ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, errors.New("auth: store is required")
	}
	if blacklist == nil {
		return nil, errors.New("auth: blacklist is required")
	}
	if tokens == nil {
		return nil, errors.New("auth: token service is required")
	}
	s := &Service{
		store:     store,
		blacklist: blacklist,
		tokens:    tokens,
		mailer:    mail.LogSender{},
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// TokenPair is the result of login, registration and refresh.
type TokenPair struct {
	AccessToken      string    `json:"access_token"`
	RefreshToken     string    `json:"refresh_token"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
	SessionID        string    `json:"session_id"`
}

// RegisterInput carries the registration request.
type RegisterInput struct {
	TenantID       string
	OrganizationID string
	Email          string
	Username       string
	Password       string
	UserType       string
	ClientID       string
}

// Register creates a directory record, issues a token pair and dispatches the
// email verification message. New accounts start with the base role and an
// unverified email.
func (s *Service) Register(ctx context.Context, in RegisterInput) (TokenPair, Principal, error) {
	in.Email = strings.TrimSpace(strings.ToLower(in.Email))
	if in.Email == "" || !strings.Contains(in.Email, "@") {
		return TokenPair{}, Principal{}, fmt.Errorf("%w: valid email is required", ErrInvalidInput)
	}
	if strings.TrimSpace(in.Password) == "" {
		return TokenPair{}, Principal{}, fmt.Errorf("%w: password is required", ErrInvalidInput)
	}
	if strings.TrimSpace(in.TenantID) == "" {
		return TokenPair{}, Principal{}, fmt.Errorf("%w: tenant_id is required", ErrInvalidInput)
	}
	hash, err := HashPassword(in.Password)
	if err != nil {
		return TokenPair{}, Principal{}, err
	}
	user := &User{
		TenantID:       strings.TrimSpace(in.TenantID),
		OrganizationID: strings.TrimSpace(in.OrganizationID),
		Email:          in.Email,
		Username:       strings.TrimSpace(in.Username),
		PasswordHash:   hash,
		UserType:       strings.TrimSpace(in.UserType),
		ClientID:       strings.TrimSpace(in.ClientID),
		Roles:          []string{RoleUser},
		Status:         StatusActive,
	}
	if err := s.store.Users(ctx).Create(ctx, user); err != nil {
		return TokenPair{}, Principal{}, err
	}
	s.sendVerification(ctx, user)
	pair, err := s.mintPair(ctx, user, ids.New())
	if err != nil {
		return TokenPair{}, Principal{}, err
	}
	return pair, ResolvePrincipal(s.claimsFor(user, pair.SessionID), user), nil
}

// Login authenticates credentials and issues a fresh token pair under a new
// session id. Every failure collapses to ErrUnauthorized so callers cannot
// probe which part of the credentials was wrong.
func (s *Service) Login(ctx context.Context, tenantID, email, password string) (TokenPair, Principal, error) {
	email = strings.TrimSpace(strings.ToLower(email))
	if email == "" || password == "" {
		return TokenPair{}, Principal{}, ErrUnauthorized
	}
	user, err := s.store.Users(ctx).FindByEmail(ctx, strings.TrimSpace(tenantID), email)
	if err != nil {
		return TokenPair{}, Principal{}, ErrUnauthorized
	}
	if user.Status != StatusActive {
		return TokenPair{}, Principal{}, ErrAccountInactive
	}
	if err := VerifyPassword(user.PasswordHash, password); err != nil {
		return TokenPair{}, Principal{}, ErrUnauthorized
	}
	pair, err := s.mintPair(ctx, user, ids.New())
	if err != nil {
		return TokenPair{}, Principal{}, err
	}
	return pair, ResolvePrincipal(s.claimsFor(user, pair.SessionID), user), nil
}

// Refresh rotates a refresh token: the presented token is revoked and a new
// pair is issued under the same session id. A second use of the old token
// fails.
func (s *Service) Refresh(ctx context.Context, rawRefresh string) (TokenPair, Principal, error) {
	claims, err := s.tokens.ParseAndValidate(rawRefresh, KindRefresh)
	if err != nil {
		return TokenPair{}, Principal{}, err
	}
	if err := s.checkRevocation(ctx, rawRefresh, claims); err != nil {
		return TokenPair{}, Principal{}, err
	}

	sessions := s.store.RefreshSessions(ctx)
	record, err := sessions.Find(ctx, claims.ID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return TokenPair{}, Principal{}, ErrInvalidToken
		}
		return TokenPair{}, Principal{}, fmt.Errorf("refresh session lookup: %w", err)
	}
	if record.Revoked || s.now().After(record.ExpiresAt) {
		return TokenPair{}, Principal{}, ErrTokenRevoked
	}
	if record.TokenHash != tokenDigest(rawRefresh) {
		// Hash mismatch means a forged or replayed jti; kill the session.
		_ = sessions.MarkRevoked(ctx, record.ID)
		return TokenPair{}, Principal{}, ErrInvalidToken
	}

	// Refresh fails closed: a missing or inactive directory record always
	// rejects, unlike the read-path degradation in Authenticate.
	user, err := s.store.Users(ctx).Find(ctx, record.UserID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return TokenPair{}, Principal{}, ErrUserNotFound
		}
		return TokenPair{}, Principal{}, fmt.Errorf("directory lookup: %w", err)
	}
	if user.Status != StatusActive {
		return TokenPair{}, Principal{}, ErrAccountInactive
	}

	if err := sessions.MarkRevoked(ctx, record.ID); err != nil {
		return TokenPair{}, Principal{}, err
	}
	if err := s.blacklist.Revoke(ctx, rawRefresh, "rotated", s.untilExpiry(claims)); err != nil {
		return TokenPair{}, Principal{}, err
	}
	obs.IncTokenRevocations("rotated")

	pair, err := s.mintPair(ctx, user, record.SessionID)
	if err != nil {
		return TokenPair{}, Principal{}, err
	}
	return pair, ResolvePrincipal(s.claimsFor(user, record.SessionID), user), nil
}

// Logout revokes the presented access token and, when given, the paired
// refresh token. Revocation is monotonic, so repeated logout with the same
// tokens is harmless; subsequent authentication fails with ErrTokenRevoked.
func (s *Service) Logout(ctx context.Context, rawAccess, rawRefresh string) error {
	claims, err := s.tokens.ParseAndValidate(rawAccess, KindAccess)
	if err != nil {
		return err
	}
	if err := s.blacklist.Revoke(ctx, rawAccess, "logout", s.untilExpiry(claims)); err != nil {
		return err
	}
	obs.IncTokenRevocations("logout")

	if strings.TrimSpace(rawRefresh) == "" {
		return nil
	}
	refreshClaims, err := s.tokens.ParseAndValidate(rawRefresh, KindRefresh)
	if err != nil {
		// The access token is already revoked; an unusable refresh token is
		// not an error on logout.
		return nil
	}
	if err := s.blacklist.Revoke(ctx, rawRefresh, "logout", s.untilExpiry(refreshClaims)); err != nil {
		return err
	}
	return s.store.RefreshSessions(ctx).MarkRevoked(ctx, refreshClaims.ID)
}

// LogoutAll ends every session of the user: all persisted refresh sessions
// are revoked and a blacklist watermark rejects every access token issued up
// to now, across all worker processes. Returns the number of sessions ended.
func (s *Service) LogoutAll(ctx context.Context, userID string) (int64, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return 0, fmt.Errorf("%w: user_id is required", ErrInvalidInput)
	}
	count, err := s.store.RefreshSessions(ctx).MarkRevokedByUser(ctx, userID)
	if err != nil {
		return 0, err
	}
	if err := s.blacklist.RevokeAllForUser(ctx, userID, s.tokens.TTL(KindRefresh)); err != nil {
		return count, err
	}
	obs.IncTokenRevocations("logout_all")
	return count, nil
}

// Authenticate runs the per-request pipeline: verify signature and expiry,
// consult the blacklist, load the directory record and merge it with the
// token claims into a Principal.
//
// The directory lookup degrades fail-open on transient errors (the principal
// is built from token claims alone), but fails closed on explicit signals: a
// missing record rejects with ErrUserNotFound and a non-active status with
// ErrAccountInactive.
func (s *Service) Authenticate(ctx context.Context, rawToken string) (Principal, error) {
	claims, err := s.tokens.ParseAndValidate(rawToken, KindAccess)
	if err != nil {
		obs.IncAuthAttempts("rejected")
		return Principal{}, err
	}
	if err := s.checkRevocation(ctx, rawToken, claims); err != nil {
		obs.IncAuthAttempts("revoked")
		return Principal{}, err
	}

	user, err := s.store.Users(ctx).Find(ctx, claims.Subject)
	switch {
	case err == nil:
		if user.Status != StatusActive {
			obs.IncAuthAttempts("inactive")
			return Principal{}, ErrAccountInactive
		}
	case errors.Is(err, ErrNotFound):
		obs.IncAuthAttempts("not_found")
		return Principal{}, ErrUserNotFound
	default:
		// Transient directory failure: serve token-derived claims.
		obs.LogRequest(map[string]any{
			"level": "warn",
			"msg":   "directory_degraded",
			"err":   err.Error(),
		})
		user = nil
	}

	obs.IncAuthAttempts("ok")
	return ResolvePrincipal(claims, user), nil
}

// VerifyEmail consumes a single-purpose verification token and marks the
// subject's email as verified.
func (s *Service) VerifyEmail(ctx context.Context, rawToken string) error {
	claims, err := s.tokens.ParseAndValidate(rawToken, KindVerify)
	if err != nil {
		return err
	}
	if err := s.store.Users(ctx).SetEmailVerified(ctx, claims.Subject); err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrUserNotFound
		}
		return err
	}
	return nil
}

// ResendVerification issues a fresh verification token for the address.
// Unknown or already-verified addresses return success without sending, so
// the endpoint cannot be used to enumerate accounts.
func (s *Service) ResendVerification(ctx context.Context, tenantID, email string) error {
	email = strings.TrimSpace(strings.ToLower(email))
	if email == "" {
		return fmt.Errorf("%w: email is required", ErrInvalidInput)
	}
	user, err := s.store.Users(ctx).FindByEmail(ctx, strings.TrimSpace(tenantID), email)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	}
	if user.EmailVerified {
		return nil
	}
	s.sendVerification(ctx, user)
	return nil
}

// checkRevocation rejects tokens present in the blacklist or issued at or
// before the user's logout-all watermark. A blacklist outage fails closed.
func (s *Service) checkRevocation(ctx context.Context, raw string, claims *Claims) error {
	revoked, err := s.blacklist.IsRevoked(ctx, raw)
	if err != nil {
		return fmt.Errorf("blacklist lookup: %w", err)
	}
	if revoked {
		return ErrTokenRevoked
	}
	mark, ok, err := s.blacklist.UserRevokedAt(ctx, claims.Subject)
	if err != nil {
		return fmt.Errorf("blacklist lookup: %w", err)
	}
	if ok && claims.IssuedAt != nil && !claims.IssuedAt.Time.After(mark) {
		return ErrTokenRevoked
	}
	return nil
}

func (s *Service) mintPair(ctx context.Context, user *User, sessionID string) (TokenPair, error) {
	access, accessClaims, err := s.tokens.Issue(user, sessionID, KindAccess)
	if err != nil {
		return TokenPair{}, err
	}
	refresh, refreshClaims, err := s.tokens.Issue(user, sessionID, KindRefresh)
	if err != nil {
		return TokenPair{}, err
	}
	sess := &RefreshSession{
		ID:        refreshClaims.ID,
		UserID:    user.ID,
		SessionID: sessionID,
		TokenHash: tokenDigest(refresh),
		ExpiresAt: refreshClaims.ExpiresAt.Time,
	}
	if err := s.store.RefreshSessions(ctx).Create(ctx, sess); err != nil {
		return TokenPair{}, err
	}
	return TokenPair{
		AccessToken:      access,
		RefreshToken:     refresh,
		AccessExpiresAt:  accessClaims.ExpiresAt.Time,
		RefreshExpiresAt: refreshClaims.ExpiresAt.Time,
		SessionID:        sessionID,
	}, nil
}

func (s *Service) sendVerification(ctx context.Context, user *User) {
	token, _, err := s.tokens.Issue(user, "", KindVerify)
	if err != nil {
		obs.LogRequest(map[string]any{
			"level": "error",
			"msg":   "verification_token_failed",
			"err":   err.Error(),
		})
		return
	}
	err = s.mailer.Send(ctx, mail.Message{
		To:      user.Email,
		Subject: "Verify your Consultra account",
		Body:    "Use this token to verify your email: " + token,
	})
	if err != nil {
		obs.LogRequest(map[string]any{
			"level": "error",
			"msg":   "verification_mail_failed",
			"err":   err.Error(),
		})
	}
}

func (s *Service) claimsFor(user *User, sessionID string) *Claims {
	return &Claims{
		TenantID:       user.TenantID,
		OrganizationID: user.OrganizationID,
		Email:          user.Email,
		Username:       user.Username,
		UserType:       user.UserType,
		ClientID:       user.ClientID,
		Roles:          user.Roles,
		Permissions:    user.Permissions,
		SessionID:      sessionID,
	}
}

func (s *Service) untilExpiry(claims *Claims) time.Duration {
	if claims.ExpiresAt == nil {
		return s.tokens.TTL(KindAccess)
	}
	return claims.ExpiresAt.Time.Sub(s.now())
}
