package authclient

import (
	"sync"

	"craft/cmd/security/vault"
)

// TokenSource holds the client's credential pair between requests.
type TokenSource interface {
	// AccessToken returns the current access token, or "" when absent.
	AccessToken() string

	// RefreshToken returns the current refresh token, or "" when absent.
	RefreshToken() string

	// SetPair replaces both credentials after a successful rotation.
	SetPair(access, refresh string) error

	// Clear drops both credentials (terminal session failure).
	Clear()
}

// VaultSource keeps the pair sealed in the security vault.
type VaultSource struct {
	vault *vault.Vault
}

// NewVaultSource wraps a vault as a TokenSource.
func NewVaultSource(v *vault.Vault) *VaultSource {
	return &VaultSource{vault: v}
}

func (s *VaultSource) AccessToken() string  { return s.vault.Load(vault.SlotAccess) }
func (s *VaultSource) RefreshToken() string { return s.vault.Load(vault.SlotRefresh) }

func (s *VaultSource) SetPair(access, refresh string) error {
	if err := s.vault.Store(vault.SlotAccess, access); err != nil {
		return err
	}
	return s.vault.Store(vault.SlotRefresh, refresh)
}

func (s *VaultSource) Clear() { s.vault.Clear() }

// MemorySource is a plain in-process TokenSource for tests and tools.
type MemorySource struct {
	mu      sync.Mutex
	access  string
	refresh string
}

func (s *MemorySource) AccessToken() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.access
}

func (s *MemorySource) RefreshToken() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refresh
}

func (s *MemorySource) SetPair(access, refresh string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.access, s.refresh = access, refresh
	return nil
}

func (s *MemorySource) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.access, s.refresh = "", ""
}
