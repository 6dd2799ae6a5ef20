package identity

import (
	"context"
	"time"
)

// CreateProfileInput describes a registration request. At least one of
// Username or Email must be provided; Password must already satisfy policy.
type CreateProfileInput struct {
	Username    string
	Email       string
	DisplayName string
	Password    string
	Roles       map[string]bool
	Now         time.Time
}

// Store is the identity persistence boundary.
type Store interface {
	// CreateProfile registers a new principal. Username/email conflicts
	// return a ConflictError.
	CreateProfile(ctx context.Context, in CreateProfileInput) (Profile, error)

	// GetByID loads a profile by its subject id. ErrNotFound when absent.
	GetByID(ctx context.Context, id string) (Profile, error)

	// GetByLogin loads a profile by normalized username or email.
	// ErrNotFound when absent.
	GetByLogin(ctx context.Context, login string) (Profile, error)

	// UpdateRoles replaces the role set of a profile.
	UpdateRoles(ctx context.Context, id string, roles map[string]bool, now time.Time) (Profile, error)

	// SetDisabled flips the account's disabled flag.
	SetDisabled(ctx context.Context, id string, disabled bool, now time.Time) error

	// Close releases backend resources (no-op where there are none).
	Close() error
}
