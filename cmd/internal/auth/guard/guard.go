package guard

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"craft/cmd/internal/auth/token"
	"craft/cmd/internal/metrics"
)

// AccessCookieName is the cookie checked when no Authorization header is
// present. Browser clients on the same origin authenticate this way.
const AccessCookieName = "craft_access"

type claimsContextKey struct{}

// ClaimsFromContext returns the verified claims attached by Require.
func ClaimsFromContext(ctx context.Context) (token.Claims, bool) {
	claims, ok := ctx.Value(claimsContextKey{}).(token.Claims)
	return claims, ok
}

// IdentityFromContext returns the authenticated identity attached by Require.
func IdentityFromContext(ctx context.Context) (token.Identity, bool) {
	claims, ok := ClaimsFromContext(ctx)
	return claims.Identity, ok
}

// Guard verifies access tokens on inbound HTTP requests.
type Guard struct {
	log   *slog.Logger
	codec *token.Codec
	now   func() time.Time
}

// New constructs a Guard. now may be nil for time.Now.
func New(log *slog.Logger, codec *token.Codec, now func() time.Time) *Guard {
	if log == nil {
		log = slog.Default()
	}
	if now == nil {
		now = time.Now
	}
	return &Guard{log: log, codec: codec, now: now}
}

// Require returns middleware that rejects requests without a valid access
// token, then gates on roles (any listed role admits; none required when
// the list is empty). Verified claims are attached to the request context.
func (g *Guard) Require(roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw, ok := requestToken(r)
			if !ok {
				g.reject(w, r, KindMissingToken)
				return
			}

			claims, err := g.codec.Verify(raw, g.now(), token.PurposeAccess)
			if err != nil {
				g.reject(w, r, Classify(err))
				return
			}
			metrics.TokenVerifications.WithLabelValues("ok").Inc()

			if !claims.Identity.HasAnyRole(roles...) {
				g.log.Warn("guard.forbidden", "sub", claims.Identity.Subject, "path", r.URL.Path)
				g.reject(w, r, KindForbidden)
				return
			}

			ctx := context.WithValue(r.Context(), claimsContextKey{}, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func (g *Guard) reject(w http.ResponseWriter, r *http.Request, kind Kind) {
	metrics.TokenVerifications.WithLabelValues(string(kind)).Inc()
	if kind != KindMissingToken && kind != KindForbidden {
		g.log.Info("guard.reject", "kind", string(kind), "path", r.URL.Path)
	}
	WriteKind(w, kind)
}

// WriteKind writes the unified JSON failure body for kind.
func WriteKind(w http.ResponseWriter, kind Kind) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(kind.HTTPStatus())
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]string{
			"code":    string(kind),
			"message": kind.Message(),
		},
	})
}

// requestToken extracts the access token: Authorization header first, then
// the access cookie.
func requestToken(r *http.Request) (string, bool) {
	if raw, ok := bearerToken(r.Header.Get("Authorization")); ok {
		return raw, true
	}
	if c, err := r.Cookie(AccessCookieName); err == nil && c.Value != "" {
		return c.Value, true
	}
	return "", false
}

func bearerToken(value string) (string, bool) {
	const prefix = "Bearer "
	if len(value) <= len(prefix) || !strings.EqualFold(value[:len(prefix)], prefix) {
		return "", false
	}
	raw := strings.TrimSpace(value[len(prefix):])
	return raw, raw != ""
}
