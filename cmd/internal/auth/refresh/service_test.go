package refresh

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"craft/cmd/internal/auth/token"
)

func newTestService(t *testing.T) (*Service, *MemoryStore, *token.Codec) {
	t.Helper()

	cfg := token.DefaultConfig()
	cfg.Secret = []byte("0123456789abcdef0123456789abcdef")
	codec, err := token.NewCodec(cfg)
	if err != nil {
		t.Fatalf("NewCodec: %v", err)
	}

	store := NewMemoryStore()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewService(log, codec, store), store, codec
}

func testIdentity() token.Identity {
	return token.Identity{
		Subject:     "user-1",
		DisplayName: "Test User",
		Roles:       map[string]bool{"member": true},
	}
}

func TestIssueCreatesRecord(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()
	now := time.Now()

	pair, err := svc.Issue(ctx, testIdentity(), now)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if pair.AccessToken == "" || pair.RefreshToken == "" {
		t.Fatal("issued pair has empty tokens")
	}

	rec, ok, err := store.Get(ctx, pair.RefreshJTI)
	if err != nil || !ok {
		t.Fatalf("Get(%s): ok=%v err=%v", pair.RefreshJTI, ok, err)
	}
	if rec.Subject != "user-1" {
		t.Fatalf("record subject = %q, want user-1", rec.Subject)
	}
	if rec.Consumed {
		t.Fatal("fresh record marked consumed")
	}
	if rec.ParentJTI != "" {
		t.Fatalf("login-issued record has parent %q", rec.ParentJTI)
	}
}

func TestRotateChainsRecords(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()
	now := time.Now()

	pair0, err := svc.Issue(ctx, testIdentity(), now)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	pair1, err := svc.Rotate(ctx, pair0.RefreshToken, now.Add(time.Minute))
	if err != nil {
		t.Fatalf("Rotate: %v", err)
	}
	if pair1.RefreshToken == pair0.RefreshToken {
		t.Fatal("rotation returned the same refresh token")
	}

	old, ok, err := store.Get(ctx, pair0.RefreshJTI)
	if err != nil || !ok {
		t.Fatalf("Get old: ok=%v err=%v", ok, err)
	}
	if !old.Consumed {
		t.Fatal("rotated-from record not marked consumed")
	}

	succ, ok, err := store.Get(ctx, pair1.RefreshJTI)
	if err != nil || !ok {
		t.Fatalf("Get successor: ok=%v err=%v", ok, err)
	}
	if succ.ParentJTI != pair0.RefreshJTI {
		t.Fatalf("successor parent = %q, want %q", succ.ParentJTI, pair0.RefreshJTI)
	}
}

func TestRotateReplayRevokesLineage(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()
	now := time.Now()

	pair0, err := svc.Issue(ctx, testIdentity(), now)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	pair1, err := svc.Rotate(ctx, pair0.RefreshToken, now.Add(time.Minute))
	if err != nil {
		t.Fatalf("first Rotate: %v", err)
	}
	pair2, err := svc.Rotate(ctx, pair1.RefreshToken, now.Add(2*time.Minute))
	if err != nil {
		t.Fatalf("second Rotate: %v", err)
	}

	// Replaying the original token must fail and take the whole lineage
	// down with it.
	if _, err := svc.Rotate(ctx, pair0.RefreshToken, now.Add(3*time.Minute)); !errors.Is(err, ErrReplayed) {
		t.Fatalf("replay err = %v, want ErrReplayed", err)
	}

	if _, ok, _ := store.Get(ctx, pair2.RefreshJTI); ok {
		t.Fatal("newest record survived replay revocation")
	}
	if _, err := svc.Rotate(ctx, pair2.RefreshToken, now.Add(4*time.Minute)); !errors.Is(err, ErrRevoked) {
		t.Fatalf("post-cascade rotate err = %v, want ErrRevoked", err)
	}
}

func TestRotateConcurrentExactlyOnce(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	now := time.Now()

	pair, err := svc.Issue(ctx, testIdentity(), now)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	const n = 16
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	errs := make([]error, 0, n)

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Rotate(ctx, pair.RefreshToken, now.Add(time.Minute))
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				wins++
			} else {
				errs = append(errs, err)
			}
		}()
	}
	wg.Wait()

	if wins != 1 {
		t.Fatalf("got %d successful rotations, want exactly 1", wins)
	}
	for _, err := range errs {
		if !errors.Is(err, ErrReplayed) && !errors.Is(err, ErrRevoked) {
			t.Fatalf("loser err = %v, want ErrReplayed or ErrRevoked", err)
		}
	}
}

func TestRotateExpired(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	now := time.Now()

	pair, err := svc.Issue(ctx, testIdentity(), now)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	cfg := token.DefaultConfig()

	// Well past the refresh TTL plus skew: rejected at verification.
	late := now.Add(cfg.RefreshTTL + time.Hour)
	if _, err := svc.Rotate(ctx, pair.RefreshToken, late); !errors.Is(err, token.ErrExpired) {
		t.Fatalf("late rotate err = %v, want ErrExpired", err)
	}

	// Just past the TTL, inside skew leeway: the signature check passes
	// but the stored record is expired.
	edge := now.Add(cfg.RefreshTTL + 10*time.Second)
	if _, err := svc.Rotate(ctx, pair.RefreshToken, edge); !errors.Is(err, token.ErrExpired) {
		t.Fatalf("edge rotate err = %v, want ErrExpired", err)
	}
}

func TestRotateRejectsBadTokens(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	now := time.Now()

	if _, err := svc.Rotate(ctx, "", now); !errors.Is(err, ErrRevoked) {
		t.Fatalf("empty token err = %v, want ErrRevoked", err)
	}
	if _, err := svc.Rotate(ctx, "not.a.token", now); !errors.Is(err, token.ErrMalformed) {
		t.Fatalf("garbage token err = %v, want ErrMalformed", err)
	}

	// An access token must not rotate.
	pair, err := svc.Issue(ctx, testIdentity(), now)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if _, err := svc.Rotate(ctx, pair.AccessToken, now); !errors.Is(err, token.ErrMalformed) {
		t.Fatalf("access-as-refresh err = %v, want ErrMalformed", err)
	}
}

func TestRevokeSingleSession(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()
	now := time.Now()

	pairA, err := svc.Issue(ctx, testIdentity(), now)
	if err != nil {
		t.Fatalf("Issue A: %v", err)
	}
	pairB, err := svc.Issue(ctx, testIdentity(), now)
	if err != nil {
		t.Fatalf("Issue B: %v", err)
	}

	if err := svc.Revoke(ctx, pairA.RefreshToken, now); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	if _, ok, _ := store.Get(ctx, pairA.RefreshJTI); ok {
		t.Fatal("revoked record survived")
	}

	// The sibling session is untouched and still rotates.
	if _, err := svc.Rotate(ctx, pairB.RefreshToken, now.Add(time.Second)); err != nil {
		t.Fatalf("sibling Rotate: %v", err)
	}

	// The revoked token cannot rotate, and its revocation was not a
	// replay: no lineage cascade happened.
	if _, err := svc.Rotate(ctx, pairA.RefreshToken, now.Add(time.Second)); !errors.Is(err, ErrRevoked) {
		t.Fatalf("revoked Rotate err = %v, want ErrRevoked", err)
	}

	// Revoking twice and revoking garbage are handled.
	if err := svc.Revoke(ctx, pairA.RefreshToken, now); err != nil {
		t.Fatalf("double Revoke: %v", err)
	}
	if err := svc.Revoke(ctx, "not-a-token", now); err == nil {
		t.Fatal("garbage Revoke should error")
	}
}

func TestRevokeSubject(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()
	now := time.Now()

	pairA, err := svc.Issue(ctx, testIdentity(), now)
	if err != nil {
		t.Fatalf("Issue A: %v", err)
	}
	pairB, err := svc.Issue(ctx, testIdentity(), now)
	if err != nil {
		t.Fatalf("Issue B: %v", err)
	}

	other := testIdentity()
	other.Subject = "user-2"
	pairOther, err := svc.Issue(ctx, other, now)
	if err != nil {
		t.Fatalf("Issue other: %v", err)
	}

	if err := svc.RevokeSubject(ctx, "user-1"); err != nil {
		t.Fatalf("RevokeSubject: %v", err)
	}

	for _, jti := range []string{pairA.RefreshJTI, pairB.RefreshJTI} {
		if _, ok, _ := store.Get(ctx, jti); ok {
			t.Fatalf("record %s survived revocation", jti)
		}
	}
	if _, ok, _ := store.Get(ctx, pairOther.RefreshJTI); !ok {
		t.Fatal("unrelated subject's record was revoked")
	}

	if _, err := svc.Rotate(ctx, pairA.RefreshToken, now.Add(time.Minute)); !errors.Is(err, ErrRevoked) {
		t.Fatalf("rotate after revoke err = %v, want ErrRevoked", err)
	}
}

func TestMemoryStoreConsumeHashMismatch(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	now := time.Now()

	rec := Record{
		JTI:       "11111111-1111-1111-1111-111111111111",
		Subject:   "user-1",
		TokenHash: "aaaa",
		IssuedAt:  now,
		ExpiresAt: now.Add(time.Hour),
	}
	if err := store.Create(ctx, rec); err != nil {
		t.Fatalf("Create: %v", err)
	}

	successor := rec
	successor.JTI = "22222222-2222-2222-2222-222222222222"
	successor.ParentJTI = rec.JTI

	status, _, err := store.Consume(ctx, now, rec.JTI, "bbbb", successor)
	if err != nil {
		t.Fatalf("Consume: %v", err)
	}
	if status != ConsumeHashMismatch {
		t.Fatalf("status = %v, want ConsumeHashMismatch", status)
	}

	// The record must still be live after a mismatch.
	got, ok, _ := store.Get(ctx, rec.JTI)
	if !ok || got.Consumed {
		t.Fatalf("record after mismatch: ok=%v consumed=%v", ok, got.Consumed)
	}
	if _, ok, _ := store.Get(ctx, successor.JTI); ok {
		t.Fatal("successor was inserted on a failed consume")
	}
}
