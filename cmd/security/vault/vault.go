package vault

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"
)

// Slot names one stored credential. Keys in Storage are slotPrefix + slot.
type Slot string

const (
	// SlotAccess holds the current access token.
	SlotAccess Slot = "access"
	// SlotRefresh holds the current refresh token.
	SlotRefresh Slot = "refresh"
	// SlotCSRF holds the CSRF token (stored unsealed; it is not a secret
	// from the party that holds the vault).
	SlotCSRF Slot = "csrf"
	// SlotFingerprint holds the environment fingerprint digest.
	SlotFingerprint Slot = "fingerprint"

	slotPrefix = "cf_auth_"
)

// KeySize is the required vault key length in bytes.
const KeySize = chacha20poly1305.KeySize

// ErrKeySize reports a vault key of the wrong length.
var ErrKeySize = errors.New("vault: key must be 32 bytes")

// Storage persists named string values. Implementations need not be safe
// for concurrent use; Vault serializes access.
type Storage interface {
	Set(name, value string)
	Get(name string) string
	Delete(name string)
}

// MemoryStorage is the in-process Storage.
type MemoryStorage struct {
	values map[string]string
}

// NewMemoryStorage constructs an empty MemoryStorage.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{values: make(map[string]string)}
}

func (m *MemoryStorage) Set(name, value string) { m.values[name] = value }
func (m *MemoryStorage) Get(name string) string { return m.values[name] }
func (m *MemoryStorage) Delete(name string)     { delete(m.values, name) }

// Vault seals token material into a Storage with an AEAD cipher.
type Vault struct {
	mu      sync.Mutex
	aead    cipher.AEAD
	nonceSz int
	storage Storage
}

// New constructs a Vault over storage with a 32-byte key.
func New(key []byte, storage Storage) (*Vault, error) {
	if len(key) != KeySize {
		return nil, ErrKeySize
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	if storage == nil {
		storage = NewMemoryStorage()
	}
	return &Vault{aead: aead, nonceSz: chacha20poly1305.NonceSizeX, storage: storage}, nil
}

// Store seals value into slot. Empty values clear the slot.
func (v *Vault) Store(slot Slot, value string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if value == "" {
		v.storage.Delete(storageKey(slot))
		return nil
	}

	nonce := make([]byte, v.nonceSz)
	if _, err := rand.Read(nonce); err != nil {
		return err
	}
	sealed := v.aead.Seal(nonce, nonce, []byte(value), []byte(slot))
	v.storage.Set(storageKey(slot), base64.RawURLEncoding.EncodeToString(sealed))
	return nil
}

// Load opens the value in slot. Absent, corrupted, or tampered values all
// load as the empty string.
func (v *Vault) Load(slot Slot) string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.loadLocked(slot)
}

func (v *Vault) loadLocked(slot Slot) string {
	encoded := v.storage.Get(storageKey(slot))
	if encoded == "" {
		return ""
	}
	sealed, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil || len(sealed) <= v.nonceSz {
		return ""
	}
	plain, err := v.aead.Open(nil, sealed[:v.nonceSz], sealed[v.nonceSz:], []byte(slot))
	if err != nil {
		return ""
	}
	return string(plain)
}

// Clear wipes every slot the vault manages.
func (v *Vault) Clear() {
	v.mu.Lock()
	defer v.mu.Unlock()
	for _, slot := range []Slot{SlotAccess, SlotRefresh, SlotCSRF, SlotFingerprint} {
		v.storage.Delete(storageKey(slot))
	}
}

func storageKey(slot Slot) string { return slotPrefix + string(slot) }
