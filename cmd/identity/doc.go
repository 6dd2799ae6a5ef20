// Package identity implements Craft's identity foundation.
//
// It owns the user principal (profile, credentials, roles), the store
// boundary used by the auth API, and the login verification path. Token
// issuance lives elsewhere; this package only decides who somebody is.
package identity
