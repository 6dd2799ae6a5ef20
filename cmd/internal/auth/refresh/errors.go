package refresh

import "errors"

var (
	// ErrRevoked is returned when the presented refresh token has no
	// active record (revoked, unknown, or hash-mismatched).
	ErrRevoked = errors.New("refresh token revoked")

	// ErrReplayed is returned when an already-consumed refresh token is
	// presented again. The caller's whole refresh lineage has been revoked
	// by the time this error surfaces.
	ErrReplayed = errors.New("refresh token replayed")
)
