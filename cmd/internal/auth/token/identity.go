package token

// Identity is the minimal identity envelope propagated across HTTP/WS.
//
// Roles is a grant map: a role string maps to true when granted. Duplicate
// grants collapse by construction; a false value is equivalent to absence.
type Identity struct {
	Subject     string
	DisplayName string
	Roles       map[string]bool
}

// HasAnyRole reports whether the identity holds at least one of the
// required roles (OR semantics). An empty requirement always passes.
func (id Identity) HasAnyRole(required ...string) bool {
	if len(required) == 0 {
		return true
	}
	for _, r := range required {
		if id.Roles[r] {
			return true
		}
	}
	return false
}

// CloneRoles returns a defensive copy of the grant map.
// Callers that attach identities to long-lived state should not share maps.
func (id Identity) CloneRoles() map[string]bool {
	if id.Roles == nil {
		return nil
	}
	out := make(map[string]bool, len(id.Roles))
	for k, v := range id.Roles {
		if v {
			out[k] = true
		}
	}
	return out
}
