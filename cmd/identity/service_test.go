package identity

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"
)

const testPassword = "correct horse battery staple 9"

func newTestService(t *testing.T) (*Service, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewService(log, store), store
}

func registerUser(t *testing.T, svc *Service, username string, roles map[string]bool) Profile {
	t.Helper()
	profile, err := svc.Register(context.Background(), CreateProfileInput{
		Username:    username,
		Email:       username + "@example.com",
		DisplayName: "User " + username,
		Password:    testPassword,
		Roles:       roles,
		Now:         time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("Register(%s): %v", username, err)
	}
	return profile
}

func TestRegisterHashesPassword(t *testing.T) {
	svc, store := newTestService(t)
	profile := registerUser(t, svc, "alice", map[string]bool{"member": true})

	stored, err := store.GetByID(context.Background(), profile.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if stored.PasswordHash == testPassword || stored.PasswordHash == "" {
		t.Fatal("password stored without hashing")
	}
}

func TestRegisterRejectsShortPassword(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.Register(context.Background(), CreateProfileInput{
		Username: "bob",
		Password: "short",
	})
	if !IsInvalidInput(err) {
		t.Fatalf("err = %v, want invalid input", err)
	}
}

func TestRegisterConflicts(t *testing.T) {
	svc, _ := newTestService(t)
	registerUser(t, svc, "alice", nil)

	_, err := svc.Register(context.Background(), CreateProfileInput{
		Username: "ALICE", // normalization collides
		Password: testPassword,
	})
	if !IsConflict(err) {
		t.Fatalf("err = %v, want conflict", err)
	}
}

func TestAuthenticate(t *testing.T) {
	svc, _ := newTestService(t)
	profile := registerUser(t, svc, "alice", map[string]bool{"member": true, "admin": true})
	ctx := context.Background()
	now := time.Now()

	id, err := svc.Authenticate(ctx, "Alice", testPassword, now)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if id.Subject != profile.ID {
		t.Fatalf("subject = %q, want %q", id.Subject, profile.ID)
	}
	if !id.Roles["admin"] || !id.Roles["member"] {
		t.Fatalf("roles = %v", id.Roles)
	}

	// Email also works as login.
	if _, err := svc.Authenticate(ctx, "alice@example.com", testPassword, now); err != nil {
		t.Fatalf("Authenticate by email: %v", err)
	}
}

func TestAuthenticateFailuresAreUniform(t *testing.T) {
	svc, _ := newTestService(t)
	profile := registerUser(t, svc, "alice", nil)
	ctx := context.Background()
	now := time.Now()

	if _, err := svc.Authenticate(ctx, "nobody", testPassword, now); !errors.Is(err, ErrBadCredentials) {
		t.Fatalf("unknown login err = %v, want ErrBadCredentials", err)
	}
	if _, err := svc.Authenticate(ctx, "alice", "wrong password entirely", now); !errors.Is(err, ErrBadCredentials) {
		t.Fatalf("wrong password err = %v, want ErrBadCredentials", err)
	}

	if err := svc.Disable(ctx, profile.ID, now); err != nil {
		t.Fatalf("Disable: %v", err)
	}
	if _, err := svc.Authenticate(ctx, "alice", testPassword, now); !errors.Is(err, ErrBadCredentials) {
		t.Fatalf("disabled err = %v, want ErrBadCredentials", err)
	}
}

func TestAuthenticateUnknownLoginBurnsVerify(t *testing.T) {
	svc, _ := newTestService(t)
	registerUser(t, svc, "alice", nil)
	ctx := context.Background()
	now := time.Now()

	if svc.dummyHash == "" {
		t.Fatal("dummy hash not initialized")
	}

	var calls int
	var hashes []string
	base := svc.verify
	svc.verify = func(hash, plain string) (bool, error) {
		calls++
		hashes = append(hashes, hash)
		return base(hash, plain)
	}

	// Unknown login pays for a full verify against the dummy hash.
	if _, err := svc.Authenticate(ctx, "nobody", testPassword, now); !errors.Is(err, ErrBadCredentials) {
		t.Fatalf("unknown login err = %v, want ErrBadCredentials", err)
	}
	if calls != 1 {
		t.Fatalf("verify calls for unknown login = %d, want 1", calls)
	}
	if hashes[0] != svc.dummyHash {
		t.Fatal("unknown login did not verify against the dummy hash")
	}

	// Known login pays the same single verify against the real hash.
	if _, err := svc.Authenticate(ctx, "alice", "wrong password entirely", now); !errors.Is(err, ErrBadCredentials) {
		t.Fatalf("wrong password err = %v, want ErrBadCredentials", err)
	}
	if calls != 2 {
		t.Fatalf("verify calls after known login = %d, want 2", calls)
	}
	if hashes[1] == svc.dummyHash {
		t.Fatal("known login verified against the dummy hash")
	}
}

func TestResolveAndUpdateRoles(t *testing.T) {
	svc, _ := newTestService(t)
	profile := registerUser(t, svc, "alice", map[string]bool{"member": true})
	ctx := context.Background()

	got, err := svc.Resolve(ctx, profile.ID)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got.Username != "alice" {
		t.Fatalf("username = %q", got.Username)
	}

	updated, err := svc.UpdateRoles(ctx, profile.ID, map[string]bool{"member": true, "moderator": true}, time.Now())
	if err != nil {
		t.Fatalf("UpdateRoles: %v", err)
	}
	if !updated.Roles["moderator"] {
		t.Fatalf("roles = %v", updated.Roles)
	}

	if _, err := svc.Resolve(ctx, "01ZZZZZZZZZZZZZZZZZZZZZZZZ"); !IsNotFound(err) {
		t.Fatalf("missing resolve err = %v, want not found", err)
	}
}

func TestProfileIdentityProjection(t *testing.T) {
	p := Profile{
		ID:          "sub-1",
		DisplayName: "Alice",
		Roles:       map[string]bool{"member": true, "audit": false},
	}

	id := p.Identity()
	if id.Subject != "sub-1" || id.DisplayName != "Alice" {
		t.Fatalf("identity = %+v", id)
	}

	// The projection must be a copy, not a shared map.
	id.Roles["member"] = false
	if !p.Roles["member"] {
		t.Fatal("identity projection aliased the profile role map")
	}

	list := p.RoleList()
	if len(list) != 1 || list[0] != "member" {
		t.Fatalf("RoleList = %v", list)
	}
}
