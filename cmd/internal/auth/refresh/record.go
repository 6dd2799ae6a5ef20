package refresh

import "time"

// Record is one still-valid (or consumed-and-retained) refresh credential.
//
// Consumed records are retained until their natural expiry so that replay
// of a rotated token remains detectable.
type Record struct {
	// JTI is the token identifier, the primary key.
	JTI string

	// Subject is the identity the credential belongs to.
	Subject string

	// TokenHash is the hex digest of the presented token string
	// (cmd/security/token). Binds the record to the exact credential even
	// if the signing secret leaks.
	TokenHash string

	// ParentJTI links a rotated record to its predecessor ("" for the
	// login-issued root).
	ParentJTI string

	IssuedAt  time.Time
	ExpiresAt time.Time

	// Consumed flips to true exactly once, at rotation.
	Consumed   bool
	ConsumedAt *time.Time
}
