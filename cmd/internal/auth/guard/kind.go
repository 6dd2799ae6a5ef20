package guard

import (
	"errors"
	"net/http"

	"craft/cmd/internal/auth/refresh"
	"craft/cmd/internal/auth/token"
)

// Kind names one way a credential check can fail. The string value is the
// wire-level error code clients switch on.
type Kind string

const (
	// KindMissingToken: no credential was presented at all.
	KindMissingToken Kind = "missing_token"
	// KindMalformed: the credential is not a structurally valid token.
	KindMalformed Kind = "malformed"
	// KindInvalidSignature: valid structure, wrong signature.
	KindInvalidSignature Kind = "invalid_signature"
	// KindExpired: authentic token past its lifetime. The only kind that
	// invites a refresh-and-retry.
	KindExpired Kind = "expired"
	// KindForbidden: authenticated, but the role gate failed.
	KindForbidden Kind = "forbidden"
	// KindRevoked: the credential's session was invalidated server-side.
	KindRevoked Kind = "revoked"
	// KindReplayed: a consumed refresh credential was presented again.
	KindReplayed Kind = "replayed"
)

// ErrForbidden reports an authenticated identity that fails a role gate.
var ErrForbidden = errors.New("insufficient permissions")

// Classify maps a credential error to its Kind. Unknown errors classify as
// malformed so that internal error text never leaks a more specific hint.
func Classify(err error) Kind {
	switch {
	case errors.Is(err, ErrForbidden):
		return KindForbidden
	case errors.Is(err, token.ErrMissingToken):
		return KindMissingToken
	case errors.Is(err, token.ErrExpired):
		return KindExpired
	case errors.Is(err, token.ErrInvalidSignature):
		return KindInvalidSignature
	case errors.Is(err, refresh.ErrReplayed):
		return KindReplayed
	case errors.Is(err, refresh.ErrRevoked):
		return KindRevoked
	default:
		return KindMalformed
	}
}

// HTTPStatus returns the status code for a failure of this kind.
func (k Kind) HTTPStatus() int {
	if k == KindForbidden {
		return http.StatusForbidden
	}
	return http.StatusUnauthorized
}

// Message returns the client-facing description for this kind.
func (k Kind) Message() string {
	switch k {
	case KindMissingToken:
		return "authentication required"
	case KindMalformed:
		return "invalid token"
	case KindInvalidSignature:
		return "invalid token signature"
	case KindExpired:
		return "token expired"
	case KindForbidden:
		return "insufficient permissions"
	case KindRevoked:
		return "session revoked"
	case KindReplayed:
		return "refresh token reuse detected"
	default:
		return "unauthorized"
	}
}
