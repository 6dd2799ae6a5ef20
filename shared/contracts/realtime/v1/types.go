// Package v1 defines the Craft realtime auth protocol v1 contract.
//
// This package is intentionally stable and dependency-light.
// It is shared between server and clients to keep the wire protocol authoritative.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is the protocol version identifier embedded into every envelope.
const Version = "v1"

// Type constants (wire-stable).
const (
	// TypeAuthenticate presents a credential (client -> server). It must be
	// the first message on a connection that did not authenticate during
	// the handshake.
	TypeAuthenticate = "authenticate"
	// TypeAuthenticated acknowledges a successful authentication
	// (server -> client).
	TypeAuthenticated = "authenticated"
	// TypeUnauthenticated reports a rejected credential or a pre-auth
	// message (server -> client). The connection closes after it.
	TypeUnauthenticated = "unauthenticated"

	// TypeForceLogout orders the client to drop its session immediately
	// (server -> client). The connection closes after it.
	TypeForceLogout = "force_logout"
	// TypePermissionsUpdated tells the client its role set changed and
	// tokens should be refreshed (server -> client).
	TypePermissionsUpdated = "permissions_updated"
	// TypeSessionExpired tells the client its access credential aged out
	// (server -> client). The connection closes after it.
	TypeSessionExpired = "session_expired"

	// TypeError is a generic error envelope (server -> client).
	TypeError = "error"
)

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	TS      time.Time       `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate performs strict structural validation for an Envelope.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}

	switch e.Type {
	case TypeAuthenticate,
		TypeAuthenticated,
		TypeUnauthenticated,
		TypeForceLogout,
		TypePermissionsUpdated,
		TypeSessionExpired,
		TypeError:
		return nil
	default:
		return fmt.Errorf("unknown type: %q", e.Type)
	}
}

// ---- Payloads ----

// AuthenticatePayload carries the access credential.
type AuthenticatePayload struct {
	Token string `json:"token"`
}

// AuthenticatedPayload acknowledges authentication with the sanitized
// identity the server bound to the connection.
type AuthenticatedPayload struct {
	SessionID   string   `json:"session_id"`
	Subject     string   `json:"subject"`
	DisplayName string   `json:"display_name,omitempty"`
	Roles       []string `json:"roles,omitempty"`
}

// UnauthenticatedPayload explains why a connection was rejected. Code uses
// the server-wide credential failure taxonomy.
type UnauthenticatedPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ForceLogoutPayload carries the operator-facing reason for the logout.
type ForceLogoutPayload struct {
	Message string `json:"message"`
}

// PermissionsUpdatedPayload marks when the role change took effect.
type PermissionsUpdatedPayload struct {
	Timestamp time.Time `json:"timestamp"`
}

// SessionExpiredPayload is intentionally empty; the envelope type carries
// the whole signal.
type SessionExpiredPayload struct{}

// ErrorPayload is a generic error report.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
