package auth

import "errors"

var (
	// ErrTokenExpired indicates a structurally valid token past its expiry.
	ErrTokenExpired = errors.New("auth: token expired")

	// ErrTokenInvalid indicates a malformed, tampered, or mis-signed token.
	ErrTokenInvalid = errors.New("auth: token invalid")
)
