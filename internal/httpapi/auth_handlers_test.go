package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"consultra.io/internal/auth"
	"consultra.io/internal/mail"
)

type apiEnv struct {
	api    *API
	svc    *auth.Service
	mailer *captureMailer
}

type captureMailer struct {
	mu   sync.Mutex
	sent []mail.Message
}

func (m *captureMailer) Send(_ context.Context, msg mail.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, msg)
	return nil
}

func (m *captureMailer) lastToken(t *testing.T) string {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.sent) == 0 {
		t.Fatalf("no mail was sent")
	}
	body := m.sent[len(m.sent)-1].Body
	i := strings.LastIndexByte(body, ' ')
	if i < 0 {
		t.Fatalf("verification token not found in %q", body)
	}
	return body[i+1:]
}

func newAPIEnv(t *testing.T) *apiEnv {
	t.Helper()
	tokens, err := auth.NewTokenService("test-secret")
	if err != nil {
		t.Fatalf("NewTokenService: %v", err)
	}
	mailer := &captureMailer{}
	svc, err := auth.NewService(auth.NewMemoryStore(), auth.NewMemoryBlacklist(), tokens,
		auth.WithMailer(mailer))
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	api := New(Config{
		Auth:    svc,
		Version: "test",
		Tenant:  TenantOptions{Default: "acme"},
	})
	return &apiEnv{api: api, svc: svc, mailer: mailer}
}

func (e *apiEnv) register(t *testing.T, email string) auth.TokenPair {
	t.Helper()
	pair, _, err := e.svc.Register(context.Background(), auth.RegisterInput{
		TenantID: "acme",
		Email:    email,
		Password: "hunter2secret",
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	return pair
}

func assertErrorCode(t *testing.T, rr *httptest.ResponseRecorder, want string) {
	t.Helper()
	var env struct {
		Success bool `json:"success"`
		Error   struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode error envelope: %v (body %q)", err, rr.Body.String())
	}
	if env.Success {
		t.Fatalf("expected error envelope, got success")
	}
	if env.Error.Code != want {
		t.Fatalf("error code = %q, want %q", env.Error.Code, want)
	}
}

type sessionData struct {
	Tokens struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		SessionID    string `json:"session_id"`
	} `json:"tokens"`
	User struct {
		UserID        string   `json:"user_id"`
		Email         string   `json:"email"`
		Roles         []string `json:"roles"`
		EmailVerified bool     `json:"email_verified"`
	} `json:"user"`
}

func decodeSession(t *testing.T, rr *httptest.ResponseRecorder) sessionData {
	t.Helper()
	var env struct {
		Success bool        `json:"success"`
		Data    sessionData `json:"data"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode session envelope: %v (body %q)", err, rr.Body.String())
	}
	if !env.Success {
		t.Fatalf("expected success envelope: %s", rr.Body.String())
	}
	return env.Data
}

func doJSON(t *testing.T, handler http.Handler, method, path, body, bearer string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	return rr
}

func TestAuthLifecycleOverHTTP(t *testing.T) {
	env := newAPIEnv(t)
	handler := env.api.Handler()

	// Register.
	rr := doJSON(t, handler, http.MethodPost, "/api/v1/auth/register",
		`{"email":"dev@acme.test","password":"hunter2secret","username":"dev"}`, "")
	if rr.Code != http.StatusCreated {
		t.Fatalf("register: got %d: %s", rr.Code, rr.Body.String())
	}
	created := decodeSession(t, rr)
	if created.User.Email != "dev@acme.test" || created.User.EmailVerified {
		t.Fatalf("unexpected registered user: %+v", created.User)
	}
	if created.Tokens.AccessToken == "" || created.Tokens.RefreshToken == "" {
		t.Fatalf("register must return a token pair")
	}
	if rr.Header().Get("X-Request-ID") == "" {
		t.Fatalf("request id must be echoed")
	}

	// Who am I.
	rr = doJSON(t, handler, http.MethodGet, "/api/v1/auth/me", "", created.Tokens.AccessToken)
	if rr.Code != http.StatusOK {
		t.Fatalf("me: got %d: %s", rr.Code, rr.Body.String())
	}
	if strings.Contains(rr.Body.String(), `"email_verified":true`) {
		t.Fatalf("email must start unverified")
	}

	// Verify email with the mailed token.
	rr = doJSON(t, handler, http.MethodPost, "/api/v1/auth/verify-email",
		`{"token":"`+env.mailer.lastToken(t)+`"}`, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("verify-email: got %d: %s", rr.Code, rr.Body.String())
	}
	rr = doJSON(t, handler, http.MethodGet, "/api/v1/auth/me", "", created.Tokens.AccessToken)
	if !strings.Contains(rr.Body.String(), `"email_verified":true`) {
		t.Fatalf("email must be verified after the flow: %s", rr.Body.String())
	}

	// Login.
	rr = doJSON(t, handler, http.MethodPost, "/api/v1/auth/login",
		`{"email":"dev@acme.test","password":"hunter2secret"}`, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("login: got %d: %s", rr.Code, rr.Body.String())
	}
	session := decodeSession(t, rr)

	// Rotate the refresh token.
	rr = doJSON(t, handler, http.MethodPost, "/api/v1/auth/refresh",
		`{"refresh_token":"`+session.Tokens.RefreshToken+`"}`, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("refresh: got %d: %s", rr.Code, rr.Body.String())
	}
	rotated := decodeSession(t, rr)
	if rotated.Tokens.SessionID != session.Tokens.SessionID {
		t.Fatalf("rotation must keep the session id")
	}

	// The spent refresh token is rejected.
	rr = doJSON(t, handler, http.MethodPost, "/api/v1/auth/refresh",
		`{"refresh_token":"`+session.Tokens.RefreshToken+`"}`, "")
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("replayed refresh: got %d", rr.Code)
	}
	assertErrorCode(t, rr, CodeTokenRevoked)

	// Logout the rotated pair.
	rr = doJSON(t, handler, http.MethodPost, "/api/v1/auth/logout",
		`{"refresh_token":"`+rotated.Tokens.RefreshToken+`"}`, rotated.Tokens.AccessToken)
	if rr.Code != http.StatusOK {
		t.Fatalf("logout: got %d: %s", rr.Code, rr.Body.String())
	}

	// The logged-out token no longer authenticates.
	rr = doJSON(t, handler, http.MethodGet, "/api/v1/auth/me", "", rotated.Tokens.AccessToken)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("me after logout: got %d", rr.Code)
	}
	assertErrorCode(t, rr, CodeTokenRevoked)
}

func TestLogoutAllOverHTTP(t *testing.T) {
	env := newAPIEnv(t)
	handler := env.api.Handler()
	pair := env.register(t, "dev@acme.test")

	rr := doJSON(t, handler, http.MethodPost, "/api/v1/auth/logout-all", "", pair.AccessToken)
	if rr.Code != http.StatusOK {
		t.Fatalf("logout-all: got %d: %s", rr.Code, rr.Body.String())
	}
	if !strings.Contains(rr.Body.String(), `"sessions_revoked":1`) {
		t.Fatalf("expected one revoked session: %s", rr.Body.String())
	}

	rr = doJSON(t, handler, http.MethodGet, "/api/v1/auth/me", "", pair.AccessToken)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("me after logout-all: got %d", rr.Code)
	}
	assertErrorCode(t, rr, CodeTokenRevoked)
}

func TestRegisterConflictAndValidation(t *testing.T) {
	env := newAPIEnv(t)
	handler := env.api.Handler()
	env.register(t, "dev@acme.test")

	rr := doJSON(t, handler, http.MethodPost, "/api/v1/auth/register",
		`{"email":"dev@acme.test","password":"hunter2secret"}`, "")
	if rr.Code != http.StatusConflict {
		t.Fatalf("duplicate register: got %d", rr.Code)
	}
	assertErrorCode(t, rr, CodeConflict)

	rr = doJSON(t, handler, http.MethodPost, "/api/v1/auth/register",
		`{"email":"not-an-email","password":"hunter2secret"}`, "")
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("invalid register: got %d", rr.Code)
	}
	assertErrorCode(t, rr, CodeValidationError)

	rr = doJSON(t, handler, http.MethodPost, "/api/v1/auth/register",
		`{"email":"a@b.test","password":"p","bogus":1}`, "")
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("unknown field must be rejected: got %d", rr.Code)
	}
}

func TestLoginRejectsBadCredentialsUniformly(t *testing.T) {
	env := newAPIEnv(t)
	handler := env.api.Handler()
	env.register(t, "dev@acme.test")

	for _, body := range []string{
		`{"email":"dev@acme.test","password":"wrong"}`,
		`{"email":"ghost@acme.test","password":"hunter2secret"}`,
	} {
		rr := doJSON(t, handler, http.MethodPost, "/api/v1/auth/login", body, "")
		if rr.Code != http.StatusUnauthorized {
			t.Fatalf("login %s: got %d", body, rr.Code)
		}
		assertErrorCode(t, rr, CodeUnauthorized)
	}
}

func TestResendVerificationPerAddressLimit(t *testing.T) {
	env := newAPIEnv(t)
	handler := env.api.Handler()
	env.register(t, "dev@acme.test")

	body := `{"email":"dev@acme.test"}`
	for i := 0; i < resendLimit; i++ {
		rr := doJSON(t, handler, http.MethodPost, "/api/v1/auth/resend-verification", body, "")
		if rr.Code != http.StatusOK {
			t.Fatalf("resend %d: got %d: %s", i+1, rr.Code, rr.Body.String())
		}
	}
	rr := doJSON(t, handler, http.MethodPost, "/api/v1/auth/resend-verification", body, "")
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("resend over the budget: got %d", rr.Code)
	}
	if rr.Header().Get("Retry-After") == "" {
		t.Fatalf("429 must carry Retry-After")
	}
	assertErrorCode(t, rr, CodeRateLimitExceeded)
}

func TestMethodNotAllowedAndUnknownRoute(t *testing.T) {
	env := newAPIEnv(t)
	handler := env.api.Handler()

	rr := doJSON(t, handler, http.MethodGet, "/api/v1/auth/login", "", "")
	if rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("GET login: got %d", rr.Code)
	}
	if rr.Header().Get("Allow") != http.MethodPost {
		t.Fatalf("Allow header = %q", rr.Header().Get("Allow"))
	}

	rr = doJSON(t, handler, http.MethodGet, "/api/v1/nope", "", "")
	if rr.Code != http.StatusNotFound {
		t.Fatalf("unknown route: got %d", rr.Code)
	}
	assertErrorCode(t, rr, CodeNotFound)

	rr = doJSON(t, handler, http.MethodGet, "/healthz", "", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("healthz: got %d", rr.Code)
	}
}
