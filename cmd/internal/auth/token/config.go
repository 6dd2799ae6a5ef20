package token

import (
	"os"
	"strings"
	"time"
)

const minSecretBytes = 32

// Config defines runtime configuration for the token codec.
//
// It is environment-driven so deployments can tune token lifetimes and
// issuer/audience binding without code changes.
type Config struct {
	// Issuer is the value set in the "iss" claim. Optional.
	Issuer string

	// Audience is the value set in the "aud" claim. Optional.
	Audience string

	// AccessTTL is the lifetime of access tokens.
	AccessTTL time.Duration

	// RefreshTTL is the lifetime of refresh tokens.
	RefreshTTL time.Duration

	// ClockSkew is the allowed time skew during verification.
	ClockSkew time.Duration

	// Secret is the HMAC signing secret (min 32 bytes).
	Secret []byte
}

// DefaultConfig returns defaults suitable for development.
// The signing secret must still be provided by the caller or environment.
func DefaultConfig() Config {
	return Config{
		Issuer:     "craft",
		AccessTTL:  15 * time.Minute,
		RefreshTTL: 7 * 24 * time.Hour,
		ClockSkew:  30 * time.Second,
	}
}

// LoadConfigFromEnv loads codec configuration from environment variables.
//
// Required:
//   - CRAFT_AUTH_SECRET (min 32 bytes)
//
// Optional:
//   - CRAFT_AUTH_ISSUER
//   - CRAFT_AUTH_AUDIENCE
//   - CRAFT_AUTH_ACCESS_TTL
//   - CRAFT_AUTH_REFRESH_TTL
//   - CRAFT_AUTH_CLOCK_SKEW
//
// Returns ErrConfig if configuration is invalid.
func LoadConfigFromEnv() (Config, error) {
	cfg := DefaultConfig()

	if v := strings.TrimSpace(os.Getenv("CRAFT_AUTH_ISSUER")); v != "" {
		cfg.Issuer = v
	}
	if v := strings.TrimSpace(os.Getenv("CRAFT_AUTH_AUDIENCE")); v != "" {
		cfg.Audience = v
	}

	if v := os.Getenv("CRAFT_AUTH_ACCESS_TTL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return Config{}, ErrConfig
		}
		cfg.AccessTTL = d
	}
	if v := os.Getenv("CRAFT_AUTH_REFRESH_TTL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return Config{}, ErrConfig
		}
		cfg.RefreshTTL = d
	}
	if v := os.Getenv("CRAFT_AUTH_CLOCK_SKEW"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			return Config{}, ErrConfig
		}
		cfg.ClockSkew = d
	}

	secret := strings.TrimSpace(os.Getenv("CRAFT_AUTH_SECRET"))
	if len(secret) < minSecretBytes {
		return Config{}, ErrConfig
	}
	cfg.Secret = []byte(secret)

	// Invariant: a refresh token must outlive the access token it pairs with.
	if cfg.RefreshTTL <= cfg.AccessTTL {
		return Config{}, ErrConfig
	}

	return cfg, nil
}
