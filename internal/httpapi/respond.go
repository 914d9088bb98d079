package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
)

// Machine-readable error codes shared with API clients.
const (
	CodeUnauthorized        = "UNAUTHORIZED"
	CodeTokenRevoked        = "TOKEN_REVOKED"
	CodeUserNotFound        = "USER_NOT_FOUND"
	CodeAccountInactive     = "ACCOUNT_INACTIVE"
	CodeForbidden           = "FORBIDDEN"
	CodeInvalidTenant       = "INVALID_TENANT"
	CodeTenantRequired      = "TENANT_REQUIRED"
	CodeUnsupportedVersion  = "UNSUPPORTED_VERSION"
	CodeRateLimitExceeded   = "RATE_LIMIT_EXCEEDED"
	CodeAuthenticationError = "AUTHENTICATION_ERROR"
	CodeValidationError     = "VALIDATION_ERROR"
	CodeConflict            = "CONFLICT"
	CodeNotFound            = "NOT_FOUND"
	CodeInternalError       = "INTERNAL_ERROR"
)

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorEnvelope struct {
	Success   bool      `json:"success"`
	Error     errorBody `json:"error"`
	RequestID string    `json:"request_id,omitempty"`
}

type dataEnvelope struct {
	Success bool `json:"success"`
	Data    any  `json:"data"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// writeData wraps a payload in the uniform success envelope.
func writeData(w http.ResponseWriter, status int, data any) {
	writeJSON(w, status, dataEnvelope{Success: true, Data: data})
}

// writeError emits the uniform error envelope with a machine-readable code.
func writeError(w http.ResponseWriter, r *http.Request, status int, code, msg string) {
	env := errorEnvelope{
		Success: false,
		Error:   errorBody{Code: code, Message: msg},
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		env.RequestID = rid
	}
	writeJSON(w, status, env)
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, r, http.StatusMethodNotAllowed, CodeValidationError, "method not allowed")
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}
