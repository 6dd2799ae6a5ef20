// Package token implements the Craft access/refresh token codec.
//
// Tokens are signed JWTs (HS256) carrying the subject, display name, and
// role grants. Access and refresh tokens share the subject but differ in
// purpose tag, jti, and lifetime. Verification is a pure function of the
// signing secret and the token bytes; replay detection belongs to the
// refresh rotation protocol, not to this package.
package token
