// Package main provides a CI-friendly smoke test for the Craft auth server.
//
// It validates:
//   - register + login over HTTP (native transport)
//   - handshake + subprotocol selection
//   - authenticate envelope -> authenticated session establishment
//   - handshake query-token authentication
//   - refresh rotation over HTTP
//   - replay detection and lineage cascade
//   - logout_all -> force_logout fanout to connected sessions
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	v1 "craft/shared/contracts/realtime/v1"

	"github.com/coder/websocket"
)

const (
	subprotocol  = "craft.auth.v1"
	maxReadBytes = 1 << 20 // 1MiB
)

type smokeClient struct {
	name      string
	conn      *websocket.Conn
	sessionID string
	subject   string

	inbox chan v1.Envelope
	errCh chan error
}

type sessionPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

func main() {
	var (
		baseURL  = flag.String("base", "http://127.0.0.1:8080", "HTTP base URL of the auth server")
		origin   = flag.String("origin", "http://localhost", "Origin header to send (browser-like WS handshake)")
		username = flag.String("user", fmt.Sprintf("smoke-%d", time.Now().UnixNano()), "Username to register and log in with")
		password = flag.String("password", "smoke test passphrase 42", "Password for the smoke account")
		timeout  = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose  = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	if err := validateBaseURL(*baseURL); err != nil {
		fatalf("invalid -base: %v", err)
	}
	if err := validateOrigin(*origin); err != nil {
		fatalf("invalid -origin: %v", err)
	}

	root := context.Background()
	hc := &http.Client{Timeout: *timeout}

	mustRegister(hc, *baseURL, *username, *password)
	pair := mustLogin(hc, *baseURL, *username, *password)

	wsURL := wsEndpoint(*baseURL)

	a := mustConnectEnvelope(root, "A", wsURL, *origin, pair.AccessToken, *timeout)
	defer closeWS(a.conn)

	b := mustConnectQueryToken(root, "B", wsURL, *origin, pair.AccessToken, *timeout)
	defer closeWS(b.conn)

	if a.subject != b.subject {
		fatalf("subject mismatch: A=%q B=%q", a.subject, b.subject)
	}
	if *verbose {
		fmt.Printf("connected: A=%s B=%s subject=%s origin=%q\n", a.sessionID, b.sessionID, a.subject, *origin)
	}

	rotated := mustRefresh(hc, *baseURL, pair.RefreshToken)

	mustRefreshRejected(hc, *baseURL, pair.RefreshToken, "replayed")
	mustRefreshRejected(hc, *baseURL, rotated.RefreshToken, "revoked")

	fresh := mustLogin(hc, *baseURL, *username, *password)
	closed := mustLogoutAll(hc, *baseURL, fresh.AccessToken)
	if closed < 2 {
		fatalf("logout_all closed %d sessions, want >= 2", closed)
	}

	msgA := mustAssertForceLogout(root, a, *timeout)
	msgB := mustAssertForceLogout(root, b, *timeout)
	if msgA == "" || msgA != msgB {
		fatalf("force_logout message mismatch: A=%q B=%q", msgA, msgB)
	}

	mustRefreshRejected(hc, *baseURL, fresh.RefreshToken, "revoked")

	fmt.Printf("OK: A=%s B=%s subject=%s sessions_closed=%d\n", a.sessionID, b.sessionID, a.subject, closed)
}

func validateBaseURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	return nil
}

func validateOrigin(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("origin must be http/https, got: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("origin missing host")
	}
	return nil
}

func wsEndpoint(base string) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://") + "/ws"
	default:
		return "ws://" + strings.TrimPrefix(base, "http://") + "/ws"
	}
}

// ---- HTTP steps ----

func mustRegister(hc *http.Client, base, username, password string) {
	status, body := postJSON(hc, base+"/auth/register", map[string]string{
		"username": username,
		"password": password,
	})
	// A rerun against a persistent store hits the existing account.
	if status != http.StatusCreated && status != http.StatusConflict {
		fatalf("register: status=%d body=%s", status, body)
	}
}

func mustLogin(hc *http.Client, base, username, password string) sessionPair {
	status, body := postJSON(hc, base+"/auth/login", map[string]string{
		"login":    username,
		"password": password,
		"client":   "native",
	})
	if status != http.StatusOK {
		fatalf("login: status=%d body=%s", status, body)
	}

	var resp struct {
		Session sessionPair `json:"session"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		fatalf("login: bad response: %v", err)
	}
	if resp.Session.AccessToken == "" || resp.Session.RefreshToken == "" {
		fatalf("login: response missing tokens")
	}
	return resp.Session
}

func mustRefresh(hc *http.Client, base, refreshToken string) sessionPair {
	status, body := postJSON(hc, base+"/auth/refresh", map[string]string{
		"refresh_token": refreshToken,
	})
	if status != http.StatusOK {
		fatalf("refresh: status=%d body=%s", status, body)
	}

	var resp struct {
		Session sessionPair `json:"session"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		fatalf("refresh: bad response: %v", err)
	}
	if resp.Session.AccessToken == "" || resp.Session.RefreshToken == "" {
		fatalf("refresh: response missing tokens")
	}
	return resp.Session
}

func mustRefreshRejected(hc *http.Client, base, refreshToken, wantCode string) {
	status, body := postJSON(hc, base+"/auth/refresh", map[string]string{
		"refresh_token": refreshToken,
	})
	if status != http.StatusUnauthorized {
		fatalf("refresh (%s): status=%d want=401 body=%s", wantCode, status, body)
	}
	if code := errorCode(body); code != wantCode {
		fatalf("refresh rejection code: got=%q want=%q", code, wantCode)
	}
}

func mustLogoutAll(hc *http.Client, base, accessToken string) int {
	req, err := http.NewRequest(http.MethodPost, base+"/auth/logout_all", nil)
	if err != nil {
		fatalf("logout_all: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := hc.Do(req)
	if err != nil {
		fatalf("logout_all: %v", err)
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxReadBytes))
	_ = resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		fatalf("logout_all: status=%d body=%s", resp.StatusCode, body)
	}

	var out struct {
		SessionsClosed int `json:"sessions_closed"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		fatalf("logout_all: bad response: %v", err)
	}
	return out.SessionsClosed
}

func postJSON(hc *http.Client, endpoint string, payload any) (int, []byte) {
	b, err := json.Marshal(payload)
	if err != nil {
		fatalf("marshal request: %v", err)
	}
	resp, err := hc.Post(endpoint, "application/json", bytes.NewReader(b))
	if err != nil {
		fatalf("POST %s: %v", endpoint, err)
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxReadBytes))
	_ = resp.Body.Close()
	return resp.StatusCode, body
}

func errorCode(body []byte) string {
	var out struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	_ = json.Unmarshal(body, &out)
	return out.Error.Code
}

// ---- WebSocket steps ----

// mustConnectEnvelope authenticates with a first-message authenticate
// envelope, the path browser clients take when the token is in memory.
func mustConnectEnvelope(parent context.Context, name, wsURL, origin, accessToken string, stepTimeout time.Duration) *smokeClient {
	c := dial(parent, name, wsURL, origin, stepTimeout)

	env := v1.Envelope{
		V:       v1.Version,
		Type:    v1.TypeAuthenticate,
		ID:      fmt.Sprintf("%s-auth", name),
		TS:      time.Now().UTC(),
		Payload: mustJSON(v1.AuthenticatePayload{Token: accessToken}),
	}
	mustWriteWithTimeout(parent, c.conn, env, stepTimeout)

	c.awaitAuthenticated(parent, stepTimeout)
	return c
}

// mustConnectQueryToken authenticates during the handshake via the token
// query parameter.
func mustConnectQueryToken(parent context.Context, name, wsURL, origin, accessToken string, stepTimeout time.Duration) *smokeClient {
	c := dial(parent, name, wsURL+"?token="+url.QueryEscape(accessToken), origin, stepTimeout)
	c.awaitAuthenticated(parent, stepTimeout)
	return c
}

func dial(parent context.Context, name, wsURL, origin string, stepTimeout time.Duration) *smokeClient {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	h := http.Header{}
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{subprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		fatalf("connect %s: %v", name, err)
	}

	assertSubprotocol(resp, subprotocol)
	conn.SetReadLimit(maxReadBytes)

	c := &smokeClient{
		name:  name,
		conn:  conn,
		inbox: make(chan v1.Envelope, 64),
		errCh: make(chan error, 1),
	}
	c.startReadLoop()
	return c
}

func (c *smokeClient) awaitAuthenticated(parent context.Context, stepTimeout time.Duration) {
	ack := c.mustReadUntilType(parent, v1.TypeAuthenticated, stepTimeout)

	var p v1.AuthenticatedPayload
	if err := json.Unmarshal(ack.Payload, &p); err != nil {
		fatalf("unmarshal authenticated payload (%s): %v", c.name, err)
	}
	if strings.TrimSpace(p.SessionID) == "" {
		fatalf("authenticated missing session_id (%s)", c.name)
	}
	if strings.TrimSpace(p.Subject) == "" {
		fatalf("authenticated missing subject (%s)", c.name)
	}
	c.sessionID = p.SessionID
	c.subject = p.Subject
}

func assertSubprotocol(resp *http.Response, want string) {
	if resp == nil {
		return
	}
	got := strings.TrimSpace(resp.Header.Get("Sec-WebSocket-Protocol"))
	if got == "" {
		return
	}
	if got != want {
		fatalf("subprotocol mismatch: got=%q want=%q", got, want)
	}
}

func (c *smokeClient) startReadLoop() {
	go func() {
		defer close(c.inbox)

		for {
			mt, data, err := c.conn.Read(context.Background())
			if err != nil {
				select {
				case c.errCh <- err:
				default:
				}
				return
			}

			if mt != websocket.MessageText && mt != websocket.MessageBinary {
				select {
				case c.errCh <- fmt.Errorf("unsupported message type: %v", mt):
				default:
				}
				return
			}

			var env v1.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				select {
				case c.errCh <- fmt.Errorf("bad json: %w", err):
				default:
				}
				return
			}
			if err := env.Validate(); err != nil {
				select {
				case c.errCh <- fmt.Errorf("bad envelope: %w", err):
				default:
				}
				return
			}

			select {
			case c.inbox <- env:
			default:
				select {
				case c.errCh <- errors.New("inbox overflow: consumer too slow"):
				default:
				}
				return
			}
		}
	}()
}

// mustAssertForceLogout waits for the force_logout notice and then the
// server-initiated close that follows it.
func mustAssertForceLogout(parent context.Context, c *smokeClient, stepTimeout time.Duration) string {
	env := c.mustReadUntilType(parent, v1.TypeForceLogout, stepTimeout)

	var p v1.ForceLogoutPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		fatalf("unmarshal force_logout payload (%s): %v", c.name, err)
	}
	if strings.TrimSpace(p.Message) == "" {
		fatalf("force_logout missing message (%s)", c.name)
	}

	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			fatalf("connection still open after force_logout (%s)", c.name)
		case <-c.errCh:
			return p.Message
		case _, ok := <-c.inbox:
			if !ok {
				return p.Message
			}
		}
	}
}

func (c *smokeClient) mustReadUntilType(parent context.Context, wantType string, stepTimeout time.Duration) v1.Envelope {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			fatalf("timeout waiting for %q (%s): %v", wantType, c.name, ctx.Err())
		case err := <-c.errCh:
			if err == nil {
				fatalf("connection closed while waiting for %q (%s)", wantType, c.name)
			}
			fatalf("connection error while waiting for %q (%s): %v", wantType, c.name, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed while waiting for %q (%s)", wantType, c.name)
			}
			if env.Type == wantType {
				return env
			}
			if env.Type == v1.TypeError || env.Type == v1.TypeUnauthenticated {
				var ep v1.ErrorPayload
				_ = json.Unmarshal(env.Payload, &ep)
				fatalf("server rejection (%s): type=%q code=%q msg=%q", c.name, env.Type, ep.Code, ep.Message)
			}
			fatalf("unexpected envelope type (%s): got=%q want=%q", c.name, env.Type, wantType)
		}
	}
}

func mustWriteWithTimeout(parent context.Context, conn *websocket.Conn, env v1.Envelope, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		fatalf("marshal envelope: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		fatalf("write failed: %v", err)
	}
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

func closeWS(conn *websocket.Conn) {
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
