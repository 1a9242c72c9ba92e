package auth

import "errors"

var (
	ErrNotFound      = errors.New("auth: not found")
	ErrAlreadyExists = errors.New("auth: already exists")
	ErrInvalidInput  = errors.New("auth: invalid input")

	// ErrInvalidToken indicates the token failed validation. The message is
	// deliberately uniform: callers must not learn whether the failure was
	// expiry, forgery, or malformed structure.
	ErrInvalidToken = errors.New("auth: invalid token")
)
