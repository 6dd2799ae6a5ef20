package identity

import (
	"time"

	"craft/cmd/internal/auth/token"
)

// Profile is the canonical security principal.
//
// PasswordHash is the PHC-encoded Argon2id string; the plain password is
// never stored.
type Profile struct {
	ID          string
	Username    string
	Email       string
	DisplayName string

	PasswordHash string

	Roles    map[string]bool
	Disabled bool

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Identity projects the profile into the claims embedded in tokens.
func (p Profile) Identity() token.Identity {
	return token.Identity{
		Subject:     p.ID,
		DisplayName: p.DisplayName,
		Roles:       cloneRoles(p.Roles),
	}
}

// RoleList returns the enabled roles in no particular order.
func (p Profile) RoleList() []string {
	out := make([]string, 0, len(p.Roles))
	for role, on := range p.Roles {
		if on {
			out = append(out, role)
		}
	}
	return out
}

func cloneRoles(roles map[string]bool) map[string]bool {
	if roles == nil {
		return nil
	}
	out := make(map[string]bool, len(roles))
	for k, v := range roles {
		out[k] = v
	}
	return out
}
