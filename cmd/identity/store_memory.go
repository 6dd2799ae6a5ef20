package identity

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is the in-memory Store used for tests and DB-less dev mode.
type MemoryStore struct {
	mu      sync.RWMutex
	byID    map[string]Profile
	byLogin map[string]string // normalized username/email -> id
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:    make(map[string]Profile),
		byLogin: make(map[string]string),
	}
}

// Close is a no-op for the in-memory backend.
func (s *MemoryStore) Close() error { return nil }

// CreateProfile registers a new principal.
func (s *MemoryStore) CreateProfile(ctx context.Context, in CreateProfileInput) (Profile, error) {
	const op = "identity.CreateProfile"

	if err := ctx.Err(); err != nil {
		return Profile{}, err
	}
	if in.Username == "" && in.Email == "" {
		return Profile{}, OpError{Op: op, Kind: ErrInvalidInput, Msg: "username or email required"}
	}
	if in.Password == "" {
		return Profile{}, OpError{Op: op, Kind: ErrInvalidInput, Msg: "password hash required"}
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	usernameNorm := NormalizeLogin(in.Username)
	emailNorm := NormalizeLogin(in.Email)
	if usernameNorm != "" {
		if _, taken := s.byLogin[usernameNorm]; taken {
			return Profile{}, ConflictError{Op: op, Field: "username"}
		}
	}
	if emailNorm != "" {
		if _, taken := s.byLogin[emailNorm]; taken {
			return Profile{}, ConflictError{Op: op, Field: "email"}
		}
	}

	id, err := NewULID(now)
	if err != nil {
		return Profile{}, err
	}

	profile := Profile{
		ID:           id,
		Username:     in.Username,
		Email:        in.Email,
		DisplayName:  in.DisplayName,
		PasswordHash: in.Password,
		Roles:        cloneRoles(in.Roles),
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	s.byID[id] = profile
	if usernameNorm != "" {
		s.byLogin[usernameNorm] = id
	}
	if emailNorm != "" {
		s.byLogin[emailNorm] = id
	}
	return profile, nil
}

// GetByID loads a profile by subject id.
func (s *MemoryStore) GetByID(ctx context.Context, id string) (Profile, error) {
	if err := ctx.Err(); err != nil {
		return Profile{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	profile, ok := s.byID[id]
	if !ok {
		return Profile{}, OpError{Op: "identity.GetByID", Kind: ErrNotFound}
	}
	return profile, nil
}

// GetByLogin loads a profile by normalized username or email.
func (s *MemoryStore) GetByLogin(ctx context.Context, login string) (Profile, error) {
	if err := ctx.Err(); err != nil {
		return Profile{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byLogin[NormalizeLogin(login)]
	if !ok {
		return Profile{}, OpError{Op: "identity.GetByLogin", Kind: ErrNotFound}
	}
	return s.byID[id], nil
}

// UpdateRoles replaces the role set of a profile.
func (s *MemoryStore) UpdateRoles(ctx context.Context, id string, roles map[string]bool, now time.Time) (Profile, error) {
	if err := ctx.Err(); err != nil {
		return Profile{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	profile, ok := s.byID[id]
	if !ok {
		return Profile{}, OpError{Op: "identity.UpdateRoles", Kind: ErrNotFound}
	}
	profile.Roles = cloneRoles(roles)
	profile.UpdatedAt = now
	s.byID[id] = profile
	return profile, nil
}

// SetDisabled flips the disabled flag.
func (s *MemoryStore) SetDisabled(ctx context.Context, id string, disabled bool, now time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	profile, ok := s.byID[id]
	if !ok {
		return OpError{Op: "identity.SetDisabled", Kind: ErrNotFound}
	}
	profile.Disabled = disabled
	profile.UpdatedAt = now
	s.byID[id] = profile
	return nil
}
