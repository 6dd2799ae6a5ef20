package refresh

import (
	"context"
	"time"
)

// ConsumeStatus is the state a Consume call observed under its lock.
type ConsumeStatus int

const (
	// ConsumeOK: the record was live; it is now consumed and the successor exists.
	ConsumeOK ConsumeStatus = iota
	// ConsumeNotFound: no record for this jti (revoked or never issued).
	ConsumeNotFound
	// ConsumeHashMismatch: record exists but was created for a different
	// token string. Treated like a revoked credential by the service.
	ConsumeHashMismatch
	// ConsumeExpired: the record is past its expiry.
	ConsumeExpired
	// ConsumeReplayed: the record was already consumed.
	ConsumeReplayed
)

// Store abstracts persistence for refresh records.
//
// Consume is the rotation linearization point: implementations must
// guarantee that concurrent calls for one jti observe it in some serial
// order, so at most one returns ConsumeOK.
type Store interface {
	// Create inserts a fresh record (login path).
	Create(ctx context.Context, rec Record) error

	// Get loads a record by jti. ok=false when absent.
	Get(ctx context.Context, jti string) (rec Record, ok bool, err error)

	// Consume atomically checks the record identified by jti against
	// tokenHash and now; on success marks it consumed and inserts
	// successor in the same atomic step. The returned Record is the old
	// record when one exists (any status except ConsumeNotFound).
	Consume(ctx context.Context, now time.Time, jti, tokenHash string, successor Record) (ConsumeStatus, Record, error)

	// Delete removes a single record by jti (single-session logout).
	// Deleting an absent record is not an error.
	Delete(ctx context.Context, jti string) error

	// RevokeSubject deletes every record belonging to subject,
	// consumed or not. Used for replay response and forced logout.
	RevokeSubject(ctx context.Context, subject string) error

	// Close releases backend resources (no-op where there are none).
	Close() error
}
