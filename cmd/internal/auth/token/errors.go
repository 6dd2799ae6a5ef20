package token

import "errors"

var (
	// ErrMissingToken is returned when no credential was presented at all.
	ErrMissingToken = errors.New("missing token")

	// ErrMalformed is returned when the token is structurally invalid
	// (wrong segment count, bad base64, unknown jti shape, wrong purpose).
	ErrMalformed = errors.New("malformed token")

	// ErrInvalidSignature is returned when the signature does not verify.
	ErrInvalidSignature = errors.New("invalid token signature")

	// ErrExpired is returned when the token is past its expiry.
	ErrExpired = errors.New("token expired")

	// ErrConfig is returned for invalid codec configuration.
	ErrConfig = errors.New("invalid token config")
)
