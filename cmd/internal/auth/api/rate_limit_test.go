package authapi

import (
	"net/http/httptest"
	"testing"
	"time"
)

func TestLoginThrottleWindow(t *testing.T) {
	throttle := newLoginThrottle(3, time.Minute)
	now := time.Now()

	for i := 0; i < 3; i++ {
		if blocked, _ := throttle.Blocked("alice", now); blocked {
			t.Fatalf("blocked after %d failures", i)
		}
		throttle.Fail("alice", now)
	}

	blocked, retryAfter := throttle.Blocked("alice", now)
	if !blocked {
		t.Fatal("not blocked after exhausting the budget")
	}
	if retryAfter <= 0 || retryAfter > time.Minute {
		t.Fatalf("retryAfter = %v", retryAfter)
	}

	// Other keys are unaffected.
	if blocked, _ := throttle.Blocked("bob", now); blocked {
		t.Fatal("unrelated key blocked")
	}

	// Failures age out of the window.
	if blocked, _ := throttle.Blocked("alice", now.Add(2*time.Minute)); blocked {
		t.Fatal("still blocked after the window passed")
	}

	// Reset clears immediately.
	throttle.Fail("alice", now)
	throttle.Fail("alice", now)
	throttle.Fail("alice", now)
	throttle.Reset("alice")
	if blocked, _ := throttle.Blocked("alice", now); blocked {
		t.Fatal("blocked after reset")
	}
}

func TestClientIP(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	r.RemoteAddr = "203.0.113.7:4242"
	r.Header.Set("X-Forwarded-For", "198.51.100.9, 10.0.0.1")

	if got := clientIP(r, false); got != "203.0.113.7" {
		t.Fatalf("untrusted proxy ip = %q", got)
	}
	if got := clientIP(r, true); got != "198.51.100.9" {
		t.Fatalf("trusted proxy ip = %q", got)
	}

	r.Header.Set("X-Forwarded-For", "not-an-ip")
	if got := clientIP(r, true); got != "203.0.113.7" {
		t.Fatalf("garbage forwarded ip = %q", got)
	}
}
