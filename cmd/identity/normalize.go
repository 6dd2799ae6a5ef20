package identity

import "strings"

// NormalizeLogin performs case-insensitive canonicalization for usernames
// and emails. Additional rules (unicode confusables) can be added later
// behind a versioned policy.
func NormalizeLogin(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
