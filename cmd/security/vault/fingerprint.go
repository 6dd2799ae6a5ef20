package vault

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Environment is the set of client attributes folded into a fingerprint.
type Environment struct {
	UserAgent string
	Screen    string
	Timezone  string
	Language  string
}

// Fingerprint digests the environment into a stable hex identifier.
func (e Environment) Fingerprint() string {
	joined := strings.Join([]string{e.UserAgent, e.Screen, e.Timezone, e.Language}, "|")
	sum := sha256.Sum256([]byte(joined))
	return hex.EncodeToString(sum[:])
}

// StoreFingerprint records the current environment's fingerprint.
func (v *Vault) StoreFingerprint(env Environment) error {
	return v.Store(SlotFingerprint, env.Fingerprint())
}

// VerifyFingerprint reports whether env matches the stored fingerprint.
// A missing stored fingerprint verifies as false; callers decide whether
// that means "first run" or "wiped state".
func (v *Vault) VerifyFingerprint(env Environment) bool {
	stored := v.Load(SlotFingerprint)
	return stored != "" && stored == env.Fingerprint()
}
