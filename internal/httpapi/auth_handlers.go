package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"consultra.io/internal/audit"
	"consultra.io/internal/auth"
)

type registerRequest struct {
	Email          string `json:"email"`
	Username       string `json:"username"`
	Password       string `json:"password"`
	TenantID       string `json:"tenant_id"`
	OrganizationID string `json:"organization_id"`
	UserType       string `json:"user_type"`
	ClientID       string `json:"client_id"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type logoutRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type verifyEmailRequest struct {
	Token string `json:"token"`
}

type resendVerificationRequest struct {
	Email string `json:"email"`
}

type sessionResponse struct {
	Tokens    auth.TokenPair `json:"tokens"`
	Principal principalView  `json:"user"`
}

type principalView struct {
	UserID         string   `json:"user_id"`
	Email          string   `json:"email,omitempty"`
	Username       string   `json:"username,omitempty"`
	TenantID       string   `json:"tenant_id,omitempty"`
	OrganizationID string   `json:"organization_id,omitempty"`
	UserType       string   `json:"user_type,omitempty"`
	ClientID       string   `json:"client_id,omitempty"`
	Roles          []string `json:"roles"`
	Permissions    []string `json:"permissions"`
	EmailVerified  bool     `json:"email_verified"`
	AccountStatus  string   `json:"account_status,omitempty"`
	SessionID      string   `json:"session_id,omitempty"`
}

func viewOf(p auth.Principal) principalView {
	return principalView{
		UserID:         p.UserID,
		Email:          p.Email,
		Username:       p.Username,
		TenantID:       p.TenantID,
		OrganizationID: p.OrganizationID,
		UserType:       p.UserType,
		ClientID:       p.ClientID,
		Roles:          p.Roles,
		Permissions:    p.PermissionList(),
		EmailVerified:  p.EmailVerified,
		AccountStatus:  p.AccountStatus,
		SessionID:      p.SessionID,
	}
}

func (a *API) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req registerRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, CodeValidationError, err.Error())
		return
	}
	tenantID := req.TenantID
	if tenantID == "" {
		tenantID = TenantFromContext(r.Context())
	}
	pair, principal, err := a.auth.Register(r.Context(), auth.RegisterInput{
		TenantID:       tenantID,
		OrganizationID: req.OrganizationID,
		Email:          req.Email,
		Username:       req.Username,
		Password:       req.Password,
		UserType:       req.UserType,
		ClientID:       req.ClientID,
	})
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "auth.register", map[string]any{
		"user_id":   principal.UserID,
		"tenant_id": principal.TenantID,
	})
	writeData(w, http.StatusCreated, sessionResponse{Tokens: pair, Principal: viewOf(principal)})
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, CodeValidationError, err.Error())
		return
	}
	pair, principal, err := a.auth.Login(r.Context(), TenantFromContext(r.Context()), req.Email, req.Password)
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "auth.login", map[string]any{
		"user_id":    principal.UserID,
		"session_id": pair.SessionID,
	})
	writeData(w, http.StatusOK, sessionResponse{Tokens: pair, Principal: viewOf(principal)})
}

func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	token, ok := auth.TokenFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, CodeUnauthorized, "authentication required")
		return
	}
	// Body is optional; a missing refresh token only narrows the revocation.
	var req logoutRequest
	_ = decodeJSON(w, r, &req)

	if err := a.auth.Logout(r.Context(), token, req.RefreshToken); err != nil {
		handleAuthError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "auth.logout", nil)
	writeData(w, http.StatusOK, map[string]any{"logged_out": true})
}

func (a *API) handleLogoutAll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	principal, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, CodeUnauthorized, "authentication required")
		return
	}
	count, err := a.auth.LogoutAll(r.Context(), principal.UserID)
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "auth.logout_all", map[string]any{
		"sessions_revoked": count,
	})
	writeData(w, http.StatusOK, map[string]any{"logged_out": true, "sessions_revoked": count})
}

func (a *API) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req refreshRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, CodeValidationError, err.Error())
		return
	}
	pair, principal, err := a.auth.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "auth.refresh", map[string]any{
		"user_id":    principal.UserID,
		"session_id": pair.SessionID,
	})
	writeData(w, http.StatusOK, sessionResponse{Tokens: pair, Principal: viewOf(principal)})
}

func (a *API) handleMe(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	principal, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, CodeUnauthorized, "authentication required")
		return
	}
	writeData(w, http.StatusOK, viewOf(principal))
}

func (a *API) handleVerifyEmail(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req verifyEmailRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, CodeValidationError, err.Error())
		return
	}
	if err := a.auth.VerifyEmail(r.Context(), req.Token); err != nil {
		handleAuthError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "auth.email_verified", nil)
	writeData(w, http.StatusOK, map[string]any{"verified": true})
}

const (
	resendLimit  = 5
	resendWindow = 5 * time.Minute
)

func (a *API) handleResendVerification(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req resendVerificationRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, CodeValidationError, err.Error())
		return
	}
	if req.Email == "" {
		writeError(w, r, http.StatusBadRequest, CodeValidationError, "email is required")
		return
	}

	// Per-address limit, tighter than the chain-wide limiter.
	res, err := a.resendLimiter.Check(r.Context(), "resend:"+req.Email, resendLimit, resendWindow)
	if err == nil && !res.Allowed {
		retryAfter := int64(time.Until(res.ResetTime).Seconds()) + 1
		if retryAfter < 1 {
			retryAfter = 1
		}
		w.Header().Set("Retry-After", strconv.FormatInt(retryAfter, 10))
		writeError(w, r, http.StatusTooManyRequests, CodeRateLimitExceeded,
			"too many verification requests")
		return
	}

	if err := a.auth.ResendVerification(r.Context(), TenantFromContext(r.Context()), req.Email); err != nil {
		handleAuthError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, map[string]any{"sent": true})
}

func handleAuthError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, auth.ErrInvalidInput):
		writeError(w, r, http.StatusBadRequest, CodeValidationError, err.Error())
	case errors.Is(err, auth.ErrAlreadyExists):
		writeError(w, r, http.StatusConflict, CodeConflict, "resource already exists")
	case errors.Is(err, auth.ErrUnauthorized):
		writeError(w, r, http.StatusUnauthorized, CodeUnauthorized, "invalid credentials")
	case errors.Is(err, auth.ErrNotFound):
		writeError(w, r, http.StatusNotFound, CodeNotFound, "not found")
	default:
		status, code, msg := classifyAuthError(err)
		writeError(w, r, status, code, msg)
	}
}
