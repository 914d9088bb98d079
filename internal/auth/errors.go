package auth

import "errors"

var (
	// Token verification failures. ErrInvalidToken is the generic case;
	// expired and malformed tokens carry their own sentinel so callers can
	// report a more precise reason without leaking verification internals.
	ErrInvalidToken   = errors.New("auth: invalid token")
	ErrTokenExpired   = errors.New("auth: token expired")
	ErrTokenMalformed = errors.New("auth: token malformed")

	// ErrTokenRevoked means the token is cryptographically valid but was
	// invalidated by logout, logout-all or refresh rotation. Clients must
	// re-authenticate rather than retry.
	ErrTokenRevoked = errors.New("auth: token revoked")

	ErrUserNotFound    = errors.New("auth: user not found")
	ErrAccountInactive = errors.New("auth: account inactive")

	ErrUnauthorized  = errors.New("auth: unauthorized")
	ErrNotFound      = errors.New("auth: not found")
	ErrAlreadyExists = errors.New("auth: already exists")
	ErrInvalidInput  = errors.New("auth: invalid input")
)
