package identity

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore implements identity persistence over PostgreSQL
// (craft.users).
//
// The pgx pool is owned by the caller; this store must NOT close it.
// Roles are stored as a text[] of enabled role names.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore constructs a PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) (*PostgresStore, error) {
	if pool == nil {
		return nil, errors.New("identity: nil db pool")
	}
	return &PostgresStore{pool: pool}, nil
}

// Close is a no-op; the pool is owned by the app.
func (s *PostgresStore) Close() error { return nil }

// CreateProfile registers a new principal.
func (s *PostgresStore) CreateProfile(ctx context.Context, in CreateProfileInput) (Profile, error) {
	const op = "identity.CreateProfile"

	if in.Username == "" && in.Email == "" {
		return Profile{}, OpError{Op: op, Kind: ErrInvalidInput, Msg: "username or email required"}
	}
	if in.Password == "" {
		return Profile{}, OpError{Op: op, Kind: ErrInvalidInput, Msg: "password hash required"}
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	id, err := NewULID(now)
	if err != nil {
		return Profile{}, err
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO craft.users (
			id, username, username_norm, email, email_norm,
			display_name, password_hash, roles, disabled,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, FALSE, $9, $9)
	`, id,
		nullIfEmpty(in.Username), nullIfEmpty(NormalizeLogin(in.Username)),
		nullIfEmpty(in.Email), nullIfEmpty(NormalizeLogin(in.Email)),
		in.DisplayName, in.Password, roleArray(in.Roles), now)
	if err != nil {
		if field, ok := pgUniqueViolationField(err); ok {
			return Profile{}, ConflictError{Op: op, Field: field}
		}
		return Profile{}, err
	}

	return s.GetByID(ctx, id)
}

// GetByID loads a profile by subject id.
func (s *PostgresStore) GetByID(ctx context.Context, id string) (Profile, error) {
	profile, err := scanProfile(s.pool.QueryRow(ctx, selectProfileSQL+` WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Profile{}, OpError{Op: "identity.GetByID", Kind: ErrNotFound}
	}
	return profile, err
}

// GetByLogin loads a profile by normalized username or email.
func (s *PostgresStore) GetByLogin(ctx context.Context, login string) (Profile, error) {
	norm := NormalizeLogin(login)
	profile, err := scanProfile(s.pool.QueryRow(ctx,
		selectProfileSQL+` WHERE username_norm = $1 OR email_norm = $1`, norm))
	if errors.Is(err, pgx.ErrNoRows) {
		return Profile{}, OpError{Op: "identity.GetByLogin", Kind: ErrNotFound}
	}
	return profile, err
}

// UpdateRoles replaces the role set of a profile.
func (s *PostgresStore) UpdateRoles(ctx context.Context, id string, roles map[string]bool, now time.Time) (Profile, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE craft.users
		SET roles = $2, updated_at = $3
		WHERE id = $1
	`, id, roleArray(roles), now)
	if err != nil {
		return Profile{}, err
	}
	if tag.RowsAffected() == 0 {
		return Profile{}, OpError{Op: "identity.UpdateRoles", Kind: ErrNotFound}
	}
	return s.GetByID(ctx, id)
}

// SetDisabled flips the disabled flag.
func (s *PostgresStore) SetDisabled(ctx context.Context, id string, disabled bool, now time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE craft.users
		SET disabled = $2, updated_at = $3
		WHERE id = $1
	`, id, disabled, now)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return OpError{Op: "identity.SetDisabled", Kind: ErrNotFound}
	}
	return nil
}

const selectProfileSQL = `
	SELECT id, username, email, display_name, password_hash,
	       roles, disabled, created_at, updated_at
	FROM craft.users`

func scanProfile(row pgx.Row) (Profile, error) {
	var (
		p        Profile
		username *string
		email    *string
		roles    []string
	)
	err := row.Scan(
		&p.ID,
		&username,
		&email,
		&p.DisplayName,
		&p.PasswordHash,
		&roles,
		&p.Disabled,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		return Profile{}, err
	}
	if username != nil {
		p.Username = *username
	}
	if email != nil {
		p.Email = *email
	}
	if len(roles) > 0 {
		p.Roles = make(map[string]bool, len(roles))
		for _, r := range roles {
			p.Roles[r] = true
		}
	}
	return p, nil
}

func roleArray(roles map[string]bool) []string {
	out := make([]string, 0, len(roles))
	for role, on := range roles {
		if on {
			out = append(out, role)
		}
	}
	return out
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// pgUniqueViolationField maps a unique_violation to the logical field name
// based on the constraint's index name.
func pgUniqueViolationField(err error) (string, bool) {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != "23505" {
		return "", false
	}
	switch {
	case strings.Contains(pgErr.ConstraintName, "email"):
		return "email", true
	case strings.Contains(pgErr.ConstraintName, "username"):
		return "username", true
	default:
		return "unique", true
	}
}
