package refresh

import (
	"context"
	"errors"
	"time"

	sectoken "craft/cmd/security/token"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore implements Store using PostgreSQL (craft.refresh_tokens).
//
// Rotation safety comes from SELECT ... FOR UPDATE on the record row
// inside a single transaction.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a Postgres-backed refresh store.
// The pool lifecycle is owned by the caller; Close is a no-op.
func NewPostgresStore(pool *pgxpool.Pool) (*PostgresStore, error) {
	if pool == nil {
		return nil, errors.New("refresh: nil db pool")
	}
	return &PostgresStore{pool: pool}, nil
}

// Close is a no-op; the pool is owned by the app.
func (s *PostgresStore) Close() error { return nil }

// Create inserts a fresh record.
func (s *PostgresStore) Create(ctx context.Context, rec Record) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO craft.refresh_tokens (
			jti, subject, token_hash, parent_jti,
			issued_at, expires_at, consumed, consumed_at
		) VALUES ($1, $2, $3, $4, $5, $6, FALSE, NULL)
	`, rec.JTI, rec.Subject, rec.TokenHash, nullIfEmpty(rec.ParentJTI), rec.IssuedAt, rec.ExpiresAt)
	return err
}

// Get loads a record by jti.
func (s *PostgresStore) Get(ctx context.Context, jti string) (Record, bool, error) {
	rec, err := scanRecord(s.pool.QueryRow(ctx, selectRecordSQL+` WHERE jti = $1`, jti))
	if errors.Is(err, pgx.ErrNoRows) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, err
	}
	return rec, true, nil
}

// Consume locks the record row, validates it, then marks it consumed and
// inserts the successor in the same transaction.
func (s *PostgresStore) Consume(ctx context.Context, now time.Time, jti, tokenHash string, successor Record) (ConsumeStatus, Record, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return ConsumeNotFound, Record{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rec, err := scanRecord(tx.QueryRow(ctx, selectRecordSQL+` WHERE jti = $1 FOR UPDATE`, jti))
	if errors.Is(err, pgx.ErrNoRows) {
		return ConsumeNotFound, Record{}, nil
	}
	if err != nil {
		return ConsumeNotFound, Record{}, err
	}

	if !sectoken.HashesEqual(rec.TokenHash, tokenHash) {
		return ConsumeHashMismatch, rec, nil
	}
	if rec.Consumed {
		return ConsumeReplayed, rec, nil
	}
	if !rec.ExpiresAt.After(now) {
		return ConsumeExpired, rec, nil
	}

	if _, err := tx.Exec(ctx, `
		UPDATE craft.refresh_tokens
		SET consumed = TRUE, consumed_at = $2
		WHERE jti = $1
	`, jti, now); err != nil {
		return ConsumeNotFound, Record{}, err
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO craft.refresh_tokens (
			jti, subject, token_hash, parent_jti,
			issued_at, expires_at, consumed, consumed_at
		) VALUES ($1, $2, $3, $4, $5, $6, FALSE, NULL)
	`, successor.JTI, successor.Subject, successor.TokenHash, nullIfEmpty(successor.ParentJTI),
		successor.IssuedAt, successor.ExpiresAt); err != nil {
		return ConsumeNotFound, Record{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return ConsumeNotFound, Record{}, err
	}

	consumedAt := now
	rec.Consumed = true
	rec.ConsumedAt = &consumedAt
	return ConsumeOK, rec, nil
}

// Delete removes a single record by jti.
func (s *PostgresStore) Delete(ctx context.Context, jti string) error {
	_, err := s.pool.Exec(ctx, `
		DELETE FROM craft.refresh_tokens
		WHERE jti = $1
	`, jti)
	return err
}

// RevokeSubject deletes every record for subject.
func (s *PostgresStore) RevokeSubject(ctx context.Context, subject string) error {
	_, err := s.pool.Exec(ctx, `
		DELETE FROM craft.refresh_tokens
		WHERE subject = $1
	`, subject)
	return err
}

const selectRecordSQL = `
	SELECT jti, subject, token_hash, parent_jti,
	       issued_at, expires_at, consumed, consumed_at
	FROM craft.refresh_tokens`

func scanRecord(row pgx.Row) (Record, error) {
	var (
		rec       Record
		parentJTI *string
	)
	err := row.Scan(
		&rec.JTI,
		&rec.Subject,
		&rec.TokenHash,
		&parentJTI,
		&rec.IssuedAt,
		&rec.ExpiresAt,
		&rec.Consumed,
		&rec.ConsumedAt,
	)
	if err != nil {
		return Record{}, err
	}
	if parentJTI != nil {
		rec.ParentJTI = *parentJTI
	}
	return rec, nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
