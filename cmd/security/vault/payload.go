package vault

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Payload is the unverified, audit-grade view of a token: enough to show
// expiry and identify the credential in logs, never enough to authorize
// anything.
type Payload struct {
	Subject   string
	JTI       string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// ErrPayload reports a token whose payload could not be read.
var ErrPayload = errors.New("vault: unreadable token payload")

// ParsePayloadUnverified decodes a token's claims without checking the
// signature. Use only for expiry scheduling and audit display.
func ParsePayloadUnverified(tokenStr string) (Payload, error) {
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(tokenStr, &claims); err != nil {
		return Payload{}, ErrPayload
	}

	p := Payload{
		Subject: claims.Subject,
		JTI:     claims.ID,
	}
	if claims.IssuedAt != nil {
		p.IssuedAt = claims.IssuedAt.Time
	}
	if claims.ExpiresAt != nil {
		p.ExpiresAt = claims.ExpiresAt.Time
	}
	return p, nil
}

// ExpiresWithin reports whether the payload expires before now+window.
// A zero ExpiresAt counts as expired.
func (p Payload) ExpiresWithin(now time.Time, window time.Duration) bool {
	if p.ExpiresAt.IsZero() {
		return true
	}
	return !p.ExpiresAt.After(now.Add(window))
}
