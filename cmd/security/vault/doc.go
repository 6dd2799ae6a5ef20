// Package vault keeps client-side token material sealed at rest.
//
// Tokens are encrypted before they touch the backing Storage and decrypted
// on load; a value that fails authentication decrypts to the empty string,
// so a tampered slot behaves exactly like an absent credential. The package
// also carries the credential-adjacent client utilities: unverified payload
// inspection for audit/expiry display, CSRF token lifecycle, and the
// environment fingerprint used to spot session theft across devices.
package vault
