package realtime

import (
	"context"
	"net/http"
	"strings"
	"time"

	"craft/cmd/internal/auth/guard"
	"craft/cmd/internal/auth/token"
)

// ConnectionAuthenticator validates the credential presented by a realtime
// connection, whether it arrived in the handshake or in the first message.
// Implementations return typed credential errors (guard.Classify maps them
// to wire codes).
type ConnectionAuthenticator interface {
	Authenticate(ctx context.Context, credential string, now time.Time) (token.Claims, error)
}

// CodecAuthenticator authenticates connections against the access-token
// codec, with an optional role gate (any listed role admits).
type CodecAuthenticator struct {
	Codec *token.Codec
	Roles []string
}

func (a *CodecAuthenticator) Authenticate(ctx context.Context, credential string, now time.Time) (token.Claims, error) {
	claims, err := a.Codec.Verify(strings.TrimSpace(credential), now, token.PurposeAccess)
	if err != nil {
		return token.Claims{}, err
	}
	if !claims.Identity.HasAnyRole(a.Roles...) {
		return token.Claims{}, guard.ErrForbidden
	}
	return claims, nil
}

// CredentialFromRequest extracts a handshake credential: the token query
// parameter first, then the Authorization header, then the access cookie.
// Browser websocket clients cannot set headers, hence the query fallback.
func CredentialFromRequest(r *http.Request) (string, bool) {
	if raw := strings.TrimSpace(r.URL.Query().Get("token")); raw != "" {
		return raw, true
	}

	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		if raw := strings.TrimSpace(header[len(prefix):]); raw != "" {
			return raw, true
		}
	}

	if c, err := r.Cookie(guard.AccessCookieName); err == nil && c.Value != "" {
		return c.Value, true
	}
	return "", false
}
