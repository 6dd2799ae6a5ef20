package refresh

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Integration tests are enabled when CRAFT_DATABASE_URL is set.

func integrationPool(ctx context.Context, t *testing.T) *pgxpool.Pool {
	t.Helper()

	dbURL := os.Getenv("CRAFT_DATABASE_URL")
	if dbURL == "" {
		t.Skip("CRAFT_DATABASE_URL is not set; skipping Postgres integration test")
	}

	pool, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		t.Fatalf("pgxpool.New: %v", err)
	}
	t.Cleanup(pool.Close)

	if err := pool.Ping(ctx); err != nil {
		t.Fatalf("ping: %v", err)
	}

	mustApplyRefreshSchema(ctx, t, pool)
	return pool
}

func mustApplyRefreshSchema(ctx context.Context, t *testing.T, pool *pgxpool.Pool) {
	t.Helper()

	const schemaSQL = `
CREATE SCHEMA IF NOT EXISTS craft;

CREATE TABLE IF NOT EXISTS craft.refresh_tokens (
  jti TEXT PRIMARY KEY,
  subject TEXT NOT NULL,
  token_hash TEXT NOT NULL,
  parent_jti TEXT NULL,
  issued_at TIMESTAMPTZ NOT NULL,
  expires_at TIMESTAMPTZ NOT NULL,
  consumed BOOLEAN NOT NULL DEFAULT FALSE,
  consumed_at TIMESTAMPTZ NULL,

  CONSTRAINT chk_refresh_expires_after_issued CHECK (expires_at > issued_at)
);

CREATE INDEX IF NOT EXISTS idx_refresh_tokens_subject
  ON craft.refresh_tokens (subject);

CREATE INDEX IF NOT EXISTS idx_refresh_tokens_expires_at
  ON craft.refresh_tokens (expires_at);
`
	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		t.Fatalf("apply schema: %v", err)
	}
}

func cleanupSubject(ctx context.Context, t *testing.T, pool *pgxpool.Pool, subject string) {
	t.Helper()
	if _, err := pool.Exec(ctx, `DELETE FROM craft.refresh_tokens WHERE subject = $1`, subject); err != nil {
		t.Fatalf("cleanup: %v", err)
	}
}

func TestPostgresStore_ConsumeLifecycle(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	pool := integrationPool(ctx, t)

	store, err := NewPostgresStore(pool)
	if err != nil {
		t.Fatalf("NewPostgresStore: %v", err)
	}

	subject := "it-" + uuid.NewString()
	t.Cleanup(func() { cleanupSubject(ctx, t, pool, subject) })

	now := time.Now().UTC().Truncate(time.Microsecond)
	rec := Record{
		JTI:       uuid.NewString(),
		Subject:   subject,
		TokenHash: "hash-root",
		IssuedAt:  now,
		ExpiresAt: now.Add(time.Hour),
	}
	if err := store.Create(ctx, rec); err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, ok, err := store.Get(ctx, rec.JTI)
	if err != nil || !ok {
		t.Fatalf("Get: ok=%v err=%v", ok, err)
	}
	if got.Subject != subject || got.Consumed {
		t.Fatalf("got %+v", got)
	}

	successor := Record{
		JTI:       uuid.NewString(),
		Subject:   subject,
		TokenHash: "hash-child",
		ParentJTI: rec.JTI,
		IssuedAt:  now,
		ExpiresAt: now.Add(time.Hour),
	}
	status, old, err := store.Consume(ctx, now.Add(time.Minute), rec.JTI, rec.TokenHash, successor)
	if err != nil {
		t.Fatalf("Consume: %v", err)
	}
	if status != ConsumeOK {
		t.Fatalf("status = %v, want ConsumeOK", status)
	}
	if old.JTI != rec.JTI {
		t.Fatalf("old jti = %q, want %q", old.JTI, rec.JTI)
	}

	// Replay of the same jti.
	status, _, err = store.Consume(ctx, now.Add(2*time.Minute), rec.JTI, rec.TokenHash, Record{
		JTI:       uuid.NewString(),
		Subject:   subject,
		TokenHash: "hash-other",
		IssuedAt:  now,
		ExpiresAt: now.Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("replay Consume: %v", err)
	}
	if status != ConsumeReplayed {
		t.Fatalf("replay status = %v, want ConsumeReplayed", status)
	}

	succ, ok, err := store.Get(ctx, successor.JTI)
	if err != nil || !ok {
		t.Fatalf("Get successor: ok=%v err=%v", ok, err)
	}
	if succ.ParentJTI != rec.JTI {
		t.Fatalf("successor parent = %q", succ.ParentJTI)
	}

	if err := store.RevokeSubject(ctx, subject); err != nil {
		t.Fatalf("RevokeSubject: %v", err)
	}
	if _, ok, _ := store.Get(ctx, successor.JTI); ok {
		t.Fatal("record survived subject revocation")
	}
}

func TestPostgresStore_ConcurrentConsumeExactlyOnce(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	pool := integrationPool(ctx, t)

	store, err := NewPostgresStore(pool)
	if err != nil {
		t.Fatalf("NewPostgresStore: %v", err)
	}

	subject := "it-" + uuid.NewString()
	t.Cleanup(func() { cleanupSubject(ctx, t, pool, subject) })

	now := time.Now().UTC().Truncate(time.Microsecond)
	rec := Record{
		JTI:       uuid.NewString(),
		Subject:   subject,
		TokenHash: "hash-root",
		IssuedAt:  now,
		ExpiresAt: now.Add(time.Hour),
	}
	if err := store.Create(ctx, rec); err != nil {
		t.Fatalf("Create: %v", err)
	}

	const n = 8
	results := make(chan ConsumeStatus, n)
	for i := 0; i < n; i++ {
		go func() {
			successor := Record{
				JTI:       uuid.NewString(),
				Subject:   subject,
				TokenHash: "hash-" + uuid.NewString(),
				ParentJTI: rec.JTI,
				IssuedAt:  now,
				ExpiresAt: now.Add(time.Hour),
			}
			status, _, err := store.Consume(ctx, now.Add(time.Minute), rec.JTI, rec.TokenHash, successor)
			if err != nil {
				t.Errorf("Consume: %v", err)
			}
			results <- status
		}()
	}

	var oks, replays int
	for i := 0; i < n; i++ {
		switch <-results {
		case ConsumeOK:
			oks++
		case ConsumeReplayed:
			replays++
		}
	}
	if oks != 1 {
		t.Fatalf("got %d ConsumeOK, want exactly 1", oks)
	}
	if replays != n-1 {
		t.Fatalf("got %d ConsumeReplayed, want %d", replays, n-1)
	}
}
