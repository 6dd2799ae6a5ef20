package realtime

import (
	"time"

	"craft/cmd/identity/ids"
)

// NewSessionID returns a ULID used as websocket session id.
// ULIDs sort by creation time, which keeps session logs scannable.
func NewSessionID(now time.Time) (string, error) {
	return ids.NewULID(now)
}

// NewEnvelopeID returns a ULID used as envelope id.
func NewEnvelopeID(now time.Time) (string, error) {
	return ids.NewULID(now)
}
