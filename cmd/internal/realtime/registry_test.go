package realtime

import (
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	v1 "craft/shared/contracts/realtime/v1"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func registeredClient(t *testing.T, r *Registry, subject string, queue int) *Client {
	t.Helper()
	id, err := NewSessionID(time.Now())
	if err != nil {
		t.Fatalf("NewSessionID: %v", err)
	}
	c := NewClient(id, queue)
	c.Subject = subject
	r.Register(c)
	return c
}

func mustReceive(t *testing.T, c *Client, wantType string) v1.Envelope {
	t.Helper()
	select {
	case env := <-c.Send:
		if env.Type != wantType {
			t.Fatalf("got envelope type %q, want %q", env.Type, wantType)
		}
		return env
	default:
		t.Fatalf("no %q envelope queued", wantType)
		return v1.Envelope{}
	}
}

func TestRegistryRegisterUnregister(t *testing.T) {
	r := NewRegistry(testLogger())

	a1 := registeredClient(t, r, "user-a", 8)
	a2 := registeredClient(t, r, "user-a", 8)
	b := registeredClient(t, r, "user-b", 8)

	if got := r.Count(); got != 3 {
		t.Fatalf("Count = %d, want 3", got)
	}
	if got := r.Sessions("user-a"); got != 2 {
		t.Fatalf("Sessions(user-a) = %d, want 2", got)
	}

	r.Unregister(a1.SessionID)
	r.Unregister(a1.SessionID) // idempotent
	if got := r.Sessions("user-a"); got != 1 {
		t.Fatalf("Sessions(user-a) after unregister = %d, want 1", got)
	}

	r.Unregister(a2.SessionID)
	r.Unregister(b.SessionID)
	if got := r.Count(); got != 0 {
		t.Fatalf("Count after full unregister = %d, want 0", got)
	}
}

func TestRegistrySendToSubject(t *testing.T) {
	r := NewRegistry(testLogger())

	a1 := registeredClient(t, r, "user-a", 8)
	a2 := registeredClient(t, r, "user-a", 8)
	b := registeredClient(t, r, "user-b", 8)

	env := serverEnvelope(v1.TypeError, json.RawMessage(`{"code":"x","message":"y"}`), time.Now())
	if sent := r.SendToSubject("user-a", env); sent != 2 {
		t.Fatalf("sent = %d, want 2", sent)
	}

	mustReceive(t, a1, v1.TypeError)
	mustReceive(t, a2, v1.TypeError)
	select {
	case env := <-b.Send:
		t.Fatalf("unrelated subject received %q", env.Type)
	default:
	}
}

func TestRegistrySendDropsOnFullQueue(t *testing.T) {
	r := NewRegistry(testLogger())
	c := registeredClient(t, r, "user-a", 1)

	env := serverEnvelope(v1.TypeError, json.RawMessage(`{}`), time.Now())
	if sent := r.SendToSubject("user-a", env); sent != 1 {
		t.Fatalf("first send = %d, want 1", sent)
	}
	if sent := r.SendToSubject("user-a", env); sent != 0 {
		t.Fatalf("send to full queue = %d, want 0", sent)
	}

	mustReceive(t, c, v1.TypeError)
}

func TestRegistryBroadcast(t *testing.T) {
	r := NewRegistry(testLogger())
	a := registeredClient(t, r, "user-a", 8)
	b := registeredClient(t, r, "user-b", 8)

	env := serverEnvelope(v1.TypePermissionsUpdated, json.RawMessage(`{}`), time.Now())
	if sent := r.Broadcast(env); sent != 2 {
		t.Fatalf("broadcast sent = %d, want 2", sent)
	}
	mustReceive(t, a, v1.TypePermissionsUpdated)
	mustReceive(t, b, v1.TypePermissionsUpdated)
}

func TestRegistryForceLogout(t *testing.T) {
	r := NewRegistry(testLogger())
	a1 := registeredClient(t, r, "user-a", 8)
	a2 := registeredClient(t, r, "user-a", 8)
	b := registeredClient(t, r, "user-b", 8)

	now := time.Now()
	if n := r.ForceLogout("user-a", "account disabled", now); n != 2 {
		t.Fatalf("ForceLogout = %d, want 2", n)
	}

	for _, c := range []*Client{a1, a2} {
		env := mustReceive(t, c, v1.TypeForceLogout)

		var p v1.ForceLogoutPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			t.Fatalf("payload: %v", err)
		}
		if p.Message != "account disabled" {
			t.Fatalf("message = %q", p.Message)
		}

		select {
		case <-c.Done():
		default:
			t.Fatal("client not closed by ForceLogout")
		}
	}

	select {
	case <-b.Done():
		t.Fatal("unrelated subject closed")
	default:
	}
}

func TestRegistryNotifyPermissionsUpdated(t *testing.T) {
	r := NewRegistry(testLogger())
	c := registeredClient(t, r, "user-a", 8)

	now := time.Now().UTC().Truncate(time.Second)
	if n := r.NotifyPermissionsUpdated("user-a", now); n != 1 {
		t.Fatalf("notified = %d, want 1", n)
	}

	env := mustReceive(t, c, v1.TypePermissionsUpdated)
	var p v1.PermissionsUpdatedPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if !p.Timestamp.Equal(now) {
		t.Fatalf("timestamp = %v, want %v", p.Timestamp, now)
	}

	// Sessions stay connected on a permissions change.
	select {
	case <-c.Done():
		t.Fatal("client closed by NotifyPermissionsUpdated")
	default:
	}
}

func TestRegistryNotifySessionExpired(t *testing.T) {
	r := NewRegistry(testLogger())
	c := registeredClient(t, r, "user-a", 8)

	if n := r.NotifySessionExpired("user-a", time.Now()); n != 1 {
		t.Fatalf("notified = %d, want 1", n)
	}
	mustReceive(t, c, v1.TypeSessionExpired)
	select {
	case <-c.Done():
	default:
		t.Fatal("client not closed by NotifySessionExpired")
	}
}
