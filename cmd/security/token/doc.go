// Package token provides refresh-credential hashing primitives for Craft.
//
// Rotation state never stores presented refresh tokens verbatim; records keep
// a 64-char hex digest and compare it in constant time. Two modes:
//   - HMAC-SHA256(token, key) when CRAFT_TOKEN_HMAC_KEY is configured.
//   - SHA-256(token) as a dev fallback when no key is present.
//
// Deployments that set CRAFT_REQUIRE_TOKEN_HMAC must enforce a minimum key
// size (>= 32 bytes) and refuse the SHA fallback; see app.ValidateSecurityConfig.
package token
