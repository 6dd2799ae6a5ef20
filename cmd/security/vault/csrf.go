package vault

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
)

const csrfTokenBytes = 32

// NewCSRFToken generates a random CSRF token, stores it, and returns it
// for use in request headers.
func (v *Vault) NewCSRFToken() (string, error) {
	buf := make([]byte, csrfTokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	tok := hex.EncodeToString(buf)
	if err := v.Store(SlotCSRF, tok); err != nil {
		return "", err
	}
	return tok, nil
}

// CSRFToken returns the stored CSRF token, or "" when none exists.
func (v *Vault) CSRFToken() string {
	return v.Load(SlotCSRF)
}

// VerifyCSRFToken compares presented against the stored token in constant
// time. Empty stored or presented tokens never verify.
func (v *Vault) VerifyCSRFToken(presented string) bool {
	stored := v.Load(SlotCSRF)
	if stored == "" || presented == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(stored), []byte(presented)) == 1
}
