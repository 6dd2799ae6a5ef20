package authclient

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"craft/cmd/identity"
	authapi "craft/cmd/internal/auth/api"
	"craft/cmd/internal/auth/guard"
	"craft/cmd/internal/auth/refresh"
	"craft/cmd/internal/auth/token"
)

const testSecret = "0123456789abcdef0123456789abcdef"

type stubRotator struct {
	mu    sync.Mutex
	calls int
	fail  error
	next  func(call int) (string, string)
}

func (r *stubRotator) Rotate(ctx context.Context, refreshToken string) (string, string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.fail != nil {
		return "", "", r.fail
	}
	access, refresh := r.next(r.calls)
	return access, refresh, nil
}

func (r *stubRotator) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

func discardLog() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// expiredOnceServer returns 401 expired for any access token except the
// accepted one.
func expiredOnceServer(t *testing.T, accepted func() string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") == "Bearer "+accepted() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(`{"ok":true}`))
			return
		}
		guard.WriteKind(w, guard.KindExpired)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestRoundTripRetriesOnceAfterRotation(t *testing.T) {
	rotator := &stubRotator{next: func(int) (string, string) { return "access-2", "refresh-2" }}
	source := &MemorySource{}
	_ = source.SetPair("access-1", "refresh-1")

	srv := expiredOnceServer(t, func() string { return "access-2" })

	transport, err := NewTransport(discardLog(), source, rotator, nil)
	if err != nil {
		t.Fatalf("NewTransport: %v", err)
	}
	client := &http.Client{Transport: transport}

	resp, err := client.Get(srv.URL)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if rotator.callCount() != 1 {
		t.Fatalf("rotations = %d, want 1", rotator.callCount())
	}
	if source.AccessToken() != "access-2" || source.RefreshToken() != "refresh-2" {
		t.Fatal("source not updated after rotation")
	}
}

func TestRoundTripSharesOneRotationAcrossConcurrentRequests(t *testing.T) {
	var gate sync.WaitGroup
	gate.Add(1)

	rotator := &stubRotator{next: func(int) (string, string) {
		gate.Wait() // hold the rotation open until every request is in flight
		return "access-2", "refresh-2"
	}}
	source := &MemorySource{}
	_ = source.SetPair("access-1", "refresh-1")

	srv := expiredOnceServer(t, func() string { return "access-2" })

	transport, err := NewTransport(discardLog(), source, rotator, nil)
	if err != nil {
		t.Fatalf("NewTransport: %v", err)
	}
	client := &http.Client{Transport: transport}

	const workers = 10
	var started, failures atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if started.Add(1) == workers {
				gate.Done()
			}
			resp, err := client.Get(srv.URL)
			if err != nil {
				failures.Add(1)
				return
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				failures.Add(1)
			}
		}()
	}
	wg.Wait()

	if failures.Load() != 0 {
		t.Fatalf("%d requests failed", failures.Load())
	}
	// Late arrivals may start a second flight after the first completes,
	// but they must find the fresh token and skip the rotator.
	if rotator.callCount() != 1 {
		t.Fatalf("rotations = %d, want 1", rotator.callCount())
	}
}

func TestRoundTripClearsSourceOnRotationFailure(t *testing.T) {
	rotator := &stubRotator{fail: errors.New("refresh rejected: replayed")}
	source := &MemorySource{}
	_ = source.SetPair("access-1", "refresh-1")

	srv := expiredOnceServer(t, func() string { return "never" })

	transport, err := NewTransport(discardLog(), source, rotator, nil)
	if err != nil {
		t.Fatalf("NewTransport: %v", err)
	}
	client := &http.Client{Transport: transport}

	_, err = client.Get(srv.URL)
	if err == nil || !errors.Is(err, ErrSessionExpired) {
		t.Fatalf("err = %v, want ErrSessionExpired", err)
	}
	if source.AccessToken() != "" || source.RefreshToken() != "" {
		t.Fatal("source not cleared after terminal rotation failure")
	}
}

func TestRoundTripPassesThroughNonExpiredFailures(t *testing.T) {
	rotator := &stubRotator{next: func(int) (string, string) { return "x", "y" }}
	source := &MemorySource{}
	_ = source.SetPair("access-1", "refresh-1")

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		guard.WriteKind(w, guard.KindInvalidSignature)
	}))
	t.Cleanup(srv.Close)

	transport, err := NewTransport(discardLog(), source, rotator, nil)
	if err != nil {
		t.Fatalf("NewTransport: %v", err)
	}
	client := &http.Client{Transport: transport}

	resp, err := client.Get(srv.URL)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if rotator.callCount() != 0 {
		t.Fatalf("rotations = %d, want 0", rotator.callCount())
	}
	// The rejection body must still be readable downstream.
	raw, _ := io.ReadAll(resp.Body)
	if len(raw) == 0 {
		t.Fatal("pass-through body was consumed")
	}
}

// End to end against the real auth surface: an expired access token on a
// guarded endpoint triggers one rotation through /auth/refresh and the
// retried request succeeds.
func TestTransportAgainstAuthAPI(t *testing.T) {
	log := discardLog()

	tokCfg := token.DefaultConfig()
	tokCfg.Secret = []byte(testSecret)
	tokCfg.AccessTTL = time.Minute
	codec, err := token.NewCodec(tokCfg)
	if err != nil {
		t.Fatalf("NewCodec: %v", err)
	}

	sessions := refresh.NewService(log, codec, refresh.NewMemoryStore())
	g := guard.New(log, codec, nil)

	// The identity layer is irrelevant here; issue the pair directly with
	// an access token that is already past its TTL.
	issuedAt := time.Now().Add(-10 * time.Minute)
	pair, err := sessions.Issue(context.Background(), token.Identity{
		Subject: "user-1",
		Roles:   map[string]bool{"member": true},
	}, issuedAt)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	var refreshCalls atomic.Int32
	authRoutes := authMux(t, log, codec, sessions)
	mux := http.NewServeMux()
	mux.Handle("/api/data", g.Require()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, _ := guard.IdentityFromContext(r.Context())
		_, _ = w.Write([]byte(`{"subject":"` + id.Subject + `"}`))
	})))
	mux.HandleFunc("/auth/refresh", func(w http.ResponseWriter, r *http.Request) {
		refreshCalls.Add(1)
		authRoutes.ServeHTTP(w, r)
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	source := &MemorySource{}
	_ = source.SetPair(pair.AccessToken, pair.RefreshToken)

	transport, err := NewTransport(log, source, &RefreshEndpoint{URL: srv.URL + "/auth/refresh"}, nil)
	if err != nil {
		t.Fatalf("NewTransport: %v", err)
	}
	client := &http.Client{Transport: transport}

	resp, err := client.Get(srv.URL + "/api/data")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		t.Fatalf("status = %d, body %s", resp.StatusCode, raw)
	}
	if refreshCalls.Load() != 1 {
		t.Fatalf("refresh calls = %d, want 1", refreshCalls.Load())
	}
	if source.AccessToken() == pair.AccessToken {
		t.Fatal("access token was not rotated")
	}
}

func authMux(t *testing.T, log *slog.Logger, codec *token.Codec, sessions *refresh.Service) *http.ServeMux {
	t.Helper()

	cfg := authapi.LoadConfigFromEnv()
	cfg.WebCookiesEnabled = false

	users := identity.NewService(log, identity.NewMemoryStore())
	h, err := authapi.NewHandler(log, cfg, users, sessions, guard.New(log, codec, nil))
	if err != nil {
		t.Fatalf("NewHandler: %v", err)
	}
	mux := http.NewServeMux()
	h.Register(mux)
	return mux
}
