package token

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Purpose distinguishes the two token kinds sharing one codec.
type Purpose string

const (
	// PurposeAccess marks short-lived request-authorizing tokens.
	PurposeAccess Purpose = "access"
	// PurposeRefresh marks single-use rotation credentials.
	PurposeRefresh Purpose = "refresh"
)

// Claims is the verified content of a token.
type Claims struct {
	Identity  Identity
	JTI       string
	Purpose   Purpose
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Pair is the result of issuing tokens for one identity.
type Pair struct {
	AccessToken      string
	AccessJTI        string
	AccessExpiresAt  time.Time
	RefreshToken     string
	RefreshJTI       string
	RefreshExpiresAt time.Time
}

type wireClaims struct {
	Name    string          `json:"name,omitempty"`
	Roles   map[string]bool `json:"roles,omitempty"`
	Purpose string          `json:"purpose"`
	jwt.RegisteredClaims
}

// Codec issues and verifies signed access/refresh tokens.
//
// Issue/Verify perform no I/O and are safe for concurrent use.
type Codec struct {
	cfg Config
}

// NewCodec constructs a Codec from config. The secret must be present
// even when the config was built manually rather than from env.
func NewCodec(cfg Config) (*Codec, error) {
	if len(cfg.Secret) < minSecretBytes {
		return nil, ErrConfig
	}
	if cfg.AccessTTL <= 0 || cfg.RefreshTTL <= 0 || cfg.ClockSkew < 0 {
		return nil, ErrConfig
	}
	return &Codec{cfg: cfg}, nil
}

// Issue produces a fresh access+refresh pair for an identity.
//
// Both tokens share the subject and role set; jti is random per token.
func (c *Codec) Issue(id Identity, now time.Time) (Pair, error) {
	access, accessJTI, accessExp, err := c.issueOne(id, now, PurposeAccess, c.cfg.AccessTTL)
	if err != nil {
		return Pair{}, err
	}
	refresh, refreshJTI, refreshExp, err := c.issueOne(id, now, PurposeRefresh, c.cfg.RefreshTTL)
	if err != nil {
		return Pair{}, err
	}
	return Pair{
		AccessToken:      access,
		AccessJTI:        accessJTI,
		AccessExpiresAt:  accessExp,
		RefreshToken:     refresh,
		RefreshJTI:       refreshJTI,
		RefreshExpiresAt: refreshExp,
	}, nil
}

func (c *Codec) issueOne(id Identity, now time.Time, purpose Purpose, ttl time.Duration) (signed, jti string, exp time.Time, err error) {
	jti = uuid.NewString()
	exp = now.Add(ttl)

	claims := wireClaims{
		Name:    id.DisplayName,
		Roles:   id.CloneRoles(),
		Purpose: string(purpose),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.Subject,
			ID:        jti,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	if c.cfg.Issuer != "" {
		claims.Issuer = c.cfg.Issuer
	}
	if c.cfg.Audience != "" {
		claims.Audience = jwt.ClaimStrings{c.cfg.Audience}
	}

	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err = tok.SignedString(c.cfg.Secret)
	if err != nil {
		return "", "", time.Time{}, err
	}
	return signed, jti, exp, nil
}

// Verify checks signature, expiry, issuer/audience binding, purpose tag,
// and jti shape, and returns the embedded claims.
//
// Failures are always one of the package's typed errors.
func (c *Codec) Verify(tokenStr string, now time.Time, purpose Purpose) (Claims, error) {
	if tokenStr == "" {
		return Claims{}, ErrMissingToken
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(func() time.Time { return now }),
		jwt.WithLeeway(c.cfg.ClockSkew),
		jwt.WithExpirationRequired(),
	}
	if c.cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(c.cfg.Issuer))
	}
	if c.cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(c.cfg.Audience))
	}

	var claims wireClaims
	_, err := jwt.ParseWithClaims(tokenStr, &claims, func(*jwt.Token) (any, error) {
		return c.cfg.Secret, nil
	}, opts...)
	if err != nil {
		return Claims{}, classifyParseErr(err)
	}

	if claims.Purpose != string(purpose) {
		return Claims{}, ErrMalformed
	}
	if claims.Subject == "" {
		return Claims{}, ErrMalformed
	}
	// jti must be a UUID; anything else is treated as forged structure.
	if _, err := uuid.Parse(claims.ID); err != nil {
		return Claims{}, ErrMalformed
	}

	out := Claims{
		Identity: Identity{
			Subject:     claims.Subject,
			DisplayName: claims.Name,
			Roles:       claims.Roles,
		},
		JTI:     claims.ID,
		Purpose: purpose,
	}
	if claims.IssuedAt != nil {
		out.IssuedAt = claims.IssuedAt.Time
	}
	if claims.ExpiresAt != nil {
		out.ExpiresAt = claims.ExpiresAt.Time
	}
	return out, nil
}

func classifyParseErr(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return ErrExpired
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return ErrInvalidSignature
	default:
		return ErrMalformed
	}
}
