package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"craft/cmd/internal/auth/guard"
	"craft/cmd/internal/auth/token"
	v1 "craft/shared/contracts/realtime/v1"

	"github.com/coder/websocket"
)

const (
	wsSubprotocolV1 = "craft.auth.v1"

	wsDefaultSendQueueSize = 256
	wsMinSendQueueSize     = 32

	wsDefaultWriteTimeout = 5 * time.Second
	wsDefaultReadIdle     = 2 * time.Minute
	wsCloseGrace          = 1 * time.Second

	wsMaxPingFailures = 3

	// Security defaults:
	// - Origin is required by default.
	// - Only localhost is allowed by default (secure-by-default for dev).
	wsDefaultOriginRequired = true
	wsDefaultAllowedOrigins = "http://localhost,http://127.0.0.1"
)

// WSGateway is the WebSocket entrypoint for Craft realtime session pushes.
//
// A connection starts in a pending state and must authenticate, either via
// the handshake request (token query parameter / Authorization header /
// access cookie) or with an authenticate envelope as its first message
// within the auth deadline. Authenticated connections land in the Registry
// and receive server pushes until the access credential expires or the
// session is revoked.
type WSGateway struct {
	log      *slog.Logger
	auth     ConnectionAuthenticator
	registry *Registry

	devInsecure    bool
	originRequired bool
	allowedOrigins []string

	// Derived for websocket.Accept origin checks.
	// Accept() authorizes same-host origins by default, but for cross-origin it requires OriginPatterns.
	originPatterns []string

	writeTimeout    time.Duration
	readIdleTimeout time.Duration
	authDeadline    time.Duration
	sendQueueSize   int

	heartbeatEvery   time.Duration
	heartbeatTimeout time.Duration

	rateEvents int
	rateWindow time.Duration

	now func() time.Time
}

// NewWSGateway constructs a gateway with secure defaults.
// When registry is nil, a private in-memory one is created.
func NewWSGateway(log *slog.Logger, auth ConnectionAuthenticator, registry *Registry) *WSGateway {
	if log == nil {
		log = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	if registry == nil {
		registry = NewRegistry(log)
	}

	g := &WSGateway{log: log, auth: auth, registry: registry, now: time.Now}

	// NOTE: InsecureSkipVerify is a dev-only knob (TLS verification). It is not an origin policy.
	g.devInsecure = envBoolWS("CRAFT_WS_DEV_INSECURE", false)

	g.originRequired = envBoolWS("CRAFT_WS_ORIGIN_REQUIRED", wsDefaultOriginRequired)
	g.allowedOrigins = envCSVWS("CRAFT_WS_ALLOWED_ORIGINS", wsDefaultAllowedOrigins)

	// websocket.Accept enforces its own origin policy:
	// - same-host is ok
	// - cross-origin requires OriginPatterns (host patterns)
	// We derive these patterns from allowed origins so the two layers agree.
	g.originPatterns = deriveOriginPatternsFromAllowedOrigins(g.allowedOrigins)

	g.writeTimeout = envDurationWS("CRAFT_WS_WRITE_TIMEOUT", wsDefaultWriteTimeout)
	g.readIdleTimeout = envDurationWS("CRAFT_WS_READ_IDLE_TIMEOUT", wsDefaultReadIdle)
	g.authDeadline = envDurationWS("CRAFT_WS_AUTH_TIMEOUT", authTimeout)

	g.sendQueueSize = envIntWS("CRAFT_WS_SEND_QUEUE", wsDefaultSendQueueSize)
	if g.sendQueueSize < wsMinSendQueueSize {
		g.sendQueueSize = wsMinSendQueueSize
	}

	g.heartbeatEvery = envDurationWS("CRAFT_WS_HEARTBEAT_INTERVAL", heartbeatInterval)
	g.heartbeatTimeout = envDurationWS("CRAFT_WS_HEARTBEAT_TIMEOUT", heartbeatTimeout)

	g.rateEvents = envIntWS("CRAFT_WS_RATE_EVENTS", rateLimitEvents)
	g.rateWindow = envDurationWS("CRAFT_WS_RATE_WINDOW", rateLimitWindow)

	return g
}

// Registry exposes the gateway's registry for server-side pushes.
func (g *WSGateway) Registry() *Registry { return g.registry }

// ServeHTTP adapter so it can be mounted as http.Handler.
func (g *WSGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.HandleWS(w, r)
}

// HandleWS upgrades an HTTP request to a WebSocket session and runs the
// authenticate-then-push loop.
func (g *WSGateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	if err := g.enforceOrigin(r); err != nil {
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:       []string{wsSubprotocolV1},
		OriginPatterns:     g.originPatterns,
		InsecureSkipVerify: g.devInsecure,
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	if sp := conn.Subprotocol(); sp != wsSubprotocolV1 {
		g.log.Info("ws.reject.subprotocol", "got", sp, "want", wsSubprotocolV1)
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}

	conn.SetReadLimit(maxFrameBytes)

	sessionID, err := NewSessionID(g.now())
	if err != nil {
		g.log.Error("ws.session_id.fail", "err", err)
		_ = conn.Close(websocket.StatusInternalError, "session id")
		return
	}
	client := NewClient(sessionID, g.sendQueueSize)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var closeOnce sync.Once

	// shutdown is idempotent. It does NOT close client.Send.
	// Registry removal happens before client.Close so broadcasts stay safe.
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			g.registry.Unregister(sessionID)
			client.Close()
			_ = conn.Close(code, reason)
			cancel()
		})
	}

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)

		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				// Flush already-queued notices (force_logout and friends)
				// before the connection drops.
				for {
					select {
					case env := <-client.Send:
						_ = writeEnvelope(context.Background(), conn, env, g.writeTimeout)
					default:
						return
					}
				}
			case env := <-client.Send:
				if err := writeEnvelope(ctx, conn, env, g.writeTimeout); err != nil {
					g.log.Info("ws.write.fail", "session_id", sessionID, "close_status", websocket.CloseStatus(err), "err", err)
					shutdown(websocket.StatusAbnormalClosure, "write failed")
					return
				}
			}
		}
	}()

	// The registry closes clients on force_logout / session_expired; fold
	// that signal into this connection's shutdown path once the writer has
	// flushed the final notices.
	go func() {
		select {
		case <-ctx.Done():
		case <-client.Done():
			<-writerDone
			shutdown(websocket.StatusNormalClosure, "session closed")
		}
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)

		t := time.NewTicker(g.heartbeatEvery)
		defer t.Stop()

		failures := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case <-t.C:
				hbCtx, hbCancel := context.WithTimeout(ctx, g.heartbeatTimeout)
				err := conn.Ping(hbCtx)
				hbCancel()

				if err != nil {
					failures++
					g.log.Info("ws.ping.fail", "session_id", sessionID, "failures", failures, "err", err)
					if failures >= wsMaxPingFailures {
						shutdown(websocket.StatusGoingAway, "heartbeat failed")
						return
					}
					continue
				}
				failures = 0
			}
		}
	}()

	claims, ok := g.authenticatePhase(ctx, r, conn, client, shutdown)
	if !ok {
		<-writerDone
		return
	}

	client.Subject = claims.Identity.Subject
	g.registry.Register(client)

	roles := make([]string, 0, len(claims.Identity.Roles))
	for role, on := range claims.Identity.Roles {
		if on {
			roles = append(roles, role)
		}
	}
	ackPayload, _ := json.Marshal(v1.AuthenticatedPayload{
		SessionID:   sessionID,
		Subject:     claims.Identity.Subject,
		DisplayName: claims.Identity.DisplayName,
		Roles:       roles,
	})
	if !g.enqueue(ctx, client, serverEnvelope(v1.TypeAuthenticated, ackPayload, g.now())) {
		shutdown(websocket.StatusAbnormalClosure, "backpressure: authenticated")
		<-writerDone
		return
	}

	// The connection is only as good as its credential: push
	// session_expired and close when the access token ages out.
	if !claims.ExpiresAt.IsZero() {
		expireIn := claims.ExpiresAt.Sub(g.now())
		expiry := time.AfterFunc(expireIn, func() {
			payload, _ := json.Marshal(v1.SessionExpiredPayload{})
			g.enqueue(context.Background(), client, serverEnvelope(v1.TypeSessionExpired, payload, g.now()))
			// Close via the client so the writer flushes the notice first.
			client.Close()
		})
		defer expiry.Stop()
	}

	g.readLoop(ctx, conn, client, sessionID, shutdown)

	shutdown(websocket.StatusNormalClosure, "bye")
	<-writerDone

	select {
	case <-heartbeatDone:
	case <-time.After(wsCloseGrace):
	}
}

// authenticatePhase resolves the connection's credential: handshake first,
// then an authenticate envelope within the auth deadline. On failure it
// sends an unauthenticated notice and closes the connection.
func (g *WSGateway) authenticatePhase(ctx context.Context, r *http.Request, conn *websocket.Conn, client *Client, shutdown func(websocket.StatusCode, string)) (token.Claims, bool) {
	if cred, found := CredentialFromRequest(r); found {
		return g.finishAuth(ctx, conn, client, cred, shutdown)
	}

	deadline := time.Now().Add(g.authDeadline)
	for {
		readCtx, readCancel := context.WithDeadline(ctx, deadline)
		env, err := readEnvelope(readCtx, conn)
		readCancel()

		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				g.rejectUnauthenticated(ctx, conn, client, guard.KindMissingToken, shutdown)
				return token.Claims{}, false
			}
			shutdown(websocket.StatusNormalClosure, "closed before auth")
			return token.Claims{}, false
		}

		if err := env.Validate(); err != nil || env.Type != v1.TypeAuthenticate {
			g.rejectUnauthenticated(ctx, conn, client, guard.KindMissingToken, shutdown)
			return token.Claims{}, false
		}

		var p v1.AuthenticatePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			g.rejectUnauthenticated(ctx, conn, client, guard.KindMalformed, shutdown)
			return token.Claims{}, false
		}
		return g.finishAuth(ctx, conn, client, p.Token, shutdown)
	}
}

func (g *WSGateway) finishAuth(ctx context.Context, conn *websocket.Conn, client *Client, credential string, shutdown func(websocket.StatusCode, string)) (token.Claims, bool) {
	claims, err := g.auth.Authenticate(ctx, credential, g.now())
	if err != nil {
		kind := guard.Classify(err)
		g.log.Info("ws.auth.reject", "kind", string(kind), "session_id", client.SessionID)
		g.rejectUnauthenticated(ctx, conn, client, kind, shutdown)
		return token.Claims{}, false
	}
	g.log.Info("ws.auth.ok", "sub", claims.Identity.Subject, "session_id", client.SessionID)
	return claims, true
}

func (g *WSGateway) rejectUnauthenticated(ctx context.Context, conn *websocket.Conn, client *Client, kind guard.Kind, shutdown func(websocket.StatusCode, string)) {
	payload, _ := json.Marshal(v1.UnauthenticatedPayload{
		Code:    string(kind),
		Message: kind.Message(),
	})
	// Written directly: the writer is racing the shutdown below and the
	// rejection must reach the wire first.
	_ = writeEnvelope(ctx, conn, serverEnvelope(v1.TypeUnauthenticated, payload, g.now()), g.writeTimeout)
	shutdown(websocket.StatusPolicyViolation, "authentication failed")
}

// readLoop drains post-auth client traffic. The v1 protocol defines no
// client-to-server messages after authenticate, so anything read here is
// either protocol noise (answered with an error envelope) or a close.
func (g *WSGateway) readLoop(ctx context.Context, conn *websocket.Conn, client *Client, sessionID string, shutdown func(websocket.StatusCode, string)) {
	rl := NewRateLimiter(g.rateEvents, g.rateWindow)

	for {
		readCtx, readCancel := context.WithTimeout(ctx, g.readIdleTimeout)
		env, err := readEnvelope(readCtx, conn)
		readCancel()

		if err != nil {
			switch classifyReadErr(err) {
			case readErrClose:
				shutdown(websocket.StatusNormalClosure, "peer closed")
				return
			case readErrCtxDone:
				shutdown(websocket.StatusNormalClosure, "context done")
				return
			case readErrConnClosed:
				shutdown(websocket.StatusAbnormalClosure, "conn closed")
				return
			case readErrBadJSON:
				g.trySendError(ctx, client, "bad_json", "invalid JSON")
				continue
			default:
				g.log.Info("ws.read.fail", "session_id", sessionID, "err", err)
				shutdown(websocket.StatusAbnormalClosure, "read failed")
				return
			}
		}

		if !rl.Allow(g.now()) {
			g.trySendError(ctx, client, "rate_limited", "too many events")
			shutdown(websocket.StatusPolicyViolation, "rate limited")
			return
		}

		if err := env.Validate(); err != nil {
			g.trySendError(ctx, client, "bad_envelope", err.Error())
			continue
		}

		switch env.Type {
		case v1.TypeAuthenticate:
			g.trySendError(ctx, client, "already_authenticated", "connection is already authenticated")
		default:
			g.trySendError(ctx, client, "unsupported", fmt.Sprintf("unsupported type: %s", env.Type))
		}
	}
}

// ---- send helpers ----

func (g *WSGateway) trySendError(ctx context.Context, client *Client, code, msg string) {
	p, _ := json.Marshal(v1.ErrorPayload{Code: code, Message: msg})
	env := serverEnvelope(v1.TypeError, p, g.now())
	_ = g.enqueue(ctx, client, env)
}

func (g *WSGateway) enqueue(ctx context.Context, client *Client, env v1.Envelope) bool {
	select {
	case <-ctx.Done():
		return false
	case <-client.Done():
		return false
	case client.Send <- env:
		return true
	default:
		return false
	}
}

// ---- envelope IO ----

func readEnvelope(ctx context.Context, conn *websocket.Conn) (v1.Envelope, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return v1.Envelope{}, fmt.Errorf("unsupported message type: %v", mt)
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return v1.Envelope{}, err
	}
	return env, nil
}

func writeEnvelope(parent context.Context, conn *websocket.Conn, env v1.Envelope, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

// ---- read error classification ----

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
	readErrBadJSON
)

func classifyReadErr(err error) readErrKind {
	if websocket.CloseStatus(err) != -1 {
		return readErrClose
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return readErrCtxDone
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return readErrConnClosed
	}

	// JSON decode errors are typically returned by json.Unmarshal, not conn.Read.
	// This fallback exists for robustness when error strings are propagated.
	s := err.Error()
	if strings.Contains(s, "unexpected end of JSON input") || strings.Contains(s, "invalid character") {
		return readErrBadJSON
	}
	return readErrUnknown
}

// ---- origin policy ----

func (g *WSGateway) enforceOrigin(r *http.Request) error {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		if g.originRequired {
			return errors.New("missing origin")
		}
		return nil
	}

	if len(g.allowedOrigins) == 0 {
		return errors.New("origin not allowed (no allowlist)")
	}

	originHost := originHostOnly(origin)

	for _, a := range g.allowedOrigins {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		if a == "*" {
			// Strongly discouraged, but honored if explicitly configured.
			return nil
		}

		// Full origin match (scheme + host + optional port).
		if origin == a {
			return nil
		}

		// Host match fallback (ignores port/scheme).
		if originHost != "" && originHost == originHostOnly(a) {
			return nil
		}
	}

	return fmt.Errorf("origin not allowed: %s", origin)
}

func originHostOnly(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}

	// URL form.
	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		h := strings.TrimSpace(u.Host)
		if h == "" {
			return ""
		}
		if host, _, err := net.SplitHostPort(h); err == nil {
			return strings.ToLower(host)
		}
		return strings.ToLower(h)
	}

	// host[:port] form.
	if host, _, err := net.SplitHostPort(s); err == nil {
		return strings.ToLower(host)
	}
	return strings.ToLower(s)
}

func deriveOriginPatternsFromAllowedOrigins(allowed []string) []string {
	// websocket.Accept matches OriginPatterns against the origin host using filepath.Match patterns.
	// Keep this strict: only hosts extracted from the allowlist are accepted.
	seen := make(map[string]struct{}, len(allowed))

	for _, a := range allowed {
		h := originHostOnly(a)
		if h == "" || h == "*" {
			continue
		}
		seen[h] = struct{}{}
	}

	out := make([]string, 0, len(seen))
	for h := range seen {
		out = append(out, h)
	}

	// Stable in-file sort (avoid importing sort just for this).
	for i := 0; i < len(out); i++ {
		for j := i + 1; j < len(out); j++ {
			if out[j] < out[i] {
				out[i], out[j] = out[j], out[i]
			}
		}
	}

	return out
}

// ---- env helpers ----

func envBoolWS(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envIntWS(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func envDurationWS(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func envCSVWS(key string, def string) []string {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		raw = def
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}

	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		s := strings.TrimSpace(p)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
