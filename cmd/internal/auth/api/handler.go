package authapi

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"craft/cmd/identity"
	"craft/cmd/internal/auth/guard"
	"craft/cmd/internal/auth/refresh"
	"craft/cmd/internal/auth/token"
	"craft/cmd/internal/realtime"
)

// Handler wires the auth HTTP endpoints to the identity and refresh
// services. The realtime registry is optional; when present, role changes
// and forced logouts are pushed to connected sessions.
type Handler struct {
	log      *slog.Logger
	cfg      Config
	users    *identity.Service
	sessions *refresh.Service
	guard    *guard.Guard
	registry *realtime.Registry
	now      func() time.Time

	ipThrottle  *loginThrottle
	keyThrottle *loginThrottle
}

// HandlerOption configures optional Handler dependencies.
type HandlerOption func(*Handler)

// WithRegistry attaches the connected-session registry so admin actions
// reach live connections.
func WithRegistry(reg *realtime.Registry) HandlerOption {
	return func(h *Handler) { h.registry = reg }
}

// WithNow overrides the clock (tests).
func WithNow(now func() time.Time) HandlerOption {
	return func(h *Handler) {
		if now != nil {
			h.now = now
		}
	}
}

// NewHandler constructs the auth API handler.
func NewHandler(log *slog.Logger, cfg Config, users *identity.Service, sessions *refresh.Service, g *guard.Guard, opts ...HandlerOption) (*Handler, error) {
	if log == nil {
		log = slog.Default()
	}
	if users == nil || sessions == nil || g == nil {
		return nil, errors.New("authapi: nil dependency")
	}

	h := &Handler{
		log:         log,
		cfg:         cfg,
		users:       users,
		sessions:    sessions,
		guard:       g,
		now:         time.Now,
		ipThrottle:  newLoginThrottle(cfg.LoginIPMax, cfg.LoginIPWindow),
		keyThrottle: newLoginThrottle(cfg.LoginKeyMax, cfg.LoginKeyWindow),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h, nil
}

// Register wires auth routes onto the provided mux.
func (h *Handler) Register(mux *http.ServeMux) {
	if h == nil || mux == nil {
		return
	}
	mux.HandleFunc("/auth/register", h.handleRegister)
	mux.HandleFunc("/auth/login", h.handleLogin)
	mux.HandleFunc("/auth/refresh", h.handleRefresh)
	mux.HandleFunc("/auth/logout", h.handleLogout)
	mux.Handle("/auth/logout_all", h.guard.Require()(http.HandlerFunc(h.handleLogoutAll)))
	mux.Handle("/auth/me", h.guard.Require()(http.HandlerFunc(h.handleMe)))
	mux.Handle("/auth/admin/force_logout", h.guard.Require("admin")(http.HandlerFunc(h.handleForceLogout)))
	mux.Handle("/auth/admin/roles", h.guard.Require("admin")(http.HandlerFunc(h.handleRolesUpdate)))
}

// ---- handlers ----

func (h *Handler) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if !h.cfg.RegistrationOpen {
		writeError(w, http.StatusForbidden, "registration_closed", "registration is closed")
		return
	}

	var req registerRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}

	profile, err := h.users.Register(r.Context(), identity.CreateProfileInput{
		Username:    strings.TrimSpace(req.Username),
		Email:       strings.TrimSpace(req.Email),
		DisplayName: strings.TrimSpace(req.DisplayName),
		Password:    req.Password,
		Roles:       map[string]bool{"member": true},
		Now:         h.now().UTC(),
	})
	switch {
	case err == nil:
		writeJSON(w, http.StatusCreated, meResponse{User: toUserResponse(profile)})
	case identity.IsConflict(err):
		writeError(w, http.StatusConflict, "conflict", "username or email already taken")
	case identity.IsInvalidInput(err):
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid registration data")
	default:
		h.log.Error("auth.register.fail", "err", err)
		writeError(w, http.StatusInternalServerError, "internal", "registration failed")
	}
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req loginRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}
	login := strings.TrimSpace(req.Login)
	if login == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "login and password are required")
		return
	}

	now := h.now().UTC()
	ip := clientIP(r, h.cfg.TrustProxy)
	loginKey := identity.NormalizeLogin(login)

	if blocked, retryAfter := h.ipThrottle.Blocked(ip, now); blocked {
		writeRateLimited(w, retryAfter)
		return
	}
	if blocked, retryAfter := h.keyThrottle.Blocked(loginKey, now); blocked {
		writeRateLimited(w, retryAfter)
		return
	}

	id, err := h.users.Authenticate(r.Context(), login, req.Password, now)
	if err != nil {
		if errors.Is(err, identity.ErrBadCredentials) {
			h.ipThrottle.Fail(ip, now)
			h.keyThrottle.Fail(loginKey, now)
			writeError(w, http.StatusUnauthorized, "invalid_credentials", "invalid credentials")
			return
		}
		h.log.Error("auth.login.fail", "err", err)
		writeError(w, http.StatusInternalServerError, "internal", "login failed")
		return
	}
	h.ipThrottle.Reset(ip)
	h.keyThrottle.Reset(loginKey)

	pair, err := h.sessions.Issue(r.Context(), id, now)
	if err != nil {
		h.log.Error("auth.login.issue.fail", "sub", id.Subject, "err", err)
		writeError(w, http.StatusInternalServerError, "internal", "login failed")
		return
	}

	profile, err := h.users.Resolve(r.Context(), id.Subject)
	if err != nil {
		h.log.Error("auth.login.resolve.fail", "sub", id.Subject, "err", err)
		writeError(w, http.StatusInternalServerError, "internal", "login failed")
		return
	}

	session, err := h.sessionPayload(w, pair, h.clientWantsCookies(req.Client))
	if err != nil {
		h.log.Error("auth.login.cookies.fail", "err", err)
		writeError(w, http.StatusInternalServerError, "internal", "login failed")
		return
	}
	writeJSON(w, http.StatusOK, loginResponse{User: toUserResponse(profile), Session: session})
}

func (h *Handler) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	raw, fromCookie := h.refreshTokenFromCookie(r)
	if fromCookie {
		if !h.csrfDoubleSubmitValid(r) {
			writeError(w, http.StatusForbidden, "csrf_invalid", "missing or mismatched CSRF token")
			return
		}
	} else {
		var req refreshRequest
		if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
			return
		}
		raw = strings.TrimSpace(req.RefreshToken)
	}
	if raw == "" {
		writeKind(w, guard.KindMissingToken)
		return
	}

	pair, err := h.sessions.Rotate(r.Context(), raw, h.now().UTC())
	if err != nil {
		kind := guard.Classify(err)
		// A replayed or revoked credential means this browser session is
		// done; drop its cookies so the client stops retrying.
		if kind == guard.KindReplayed || kind == guard.KindRevoked {
			h.clearWebSessionCookies(w)
		}
		writeKind(w, kind)
		return
	}

	session, err := h.sessionPayload(w, pair, fromCookie)
	if err != nil {
		h.log.Error("auth.refresh.cookies.fail", "err", err)
		writeError(w, http.StatusInternalServerError, "internal", "refresh failed")
		return
	}
	writeJSON(w, http.StatusOK, refreshResponse{Session: session})
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	raw, fromCookie := h.refreshTokenFromCookie(r)
	if fromCookie {
		// Cookie-borne logout is state changing; hold it to the same CSRF
		// bar as refresh. The cookies are cleared either way.
		if !h.csrfDoubleSubmitValid(r) {
			raw = ""
		}
	} else if r.ContentLength > 0 {
		var req logoutRequest
		if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err == nil {
			raw = strings.TrimSpace(req.RefreshToken)
		}
	}

	if raw != "" {
		if err := h.sessions.Revoke(r.Context(), raw, h.now().UTC()); err != nil {
			h.log.Info("auth.logout.revoke.fail", "err", err)
		}
	}
	h.clearWebSessionCookies(w)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleLogoutAll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	id, ok := guard.IdentityFromContext(r.Context())
	if !ok {
		writeKind(w, guard.KindMissingToken)
		return
	}

	if err := h.sessions.RevokeSubject(r.Context(), id.Subject); err != nil {
		h.log.Error("auth.logout_all.fail", "sub", id.Subject, "err", err)
		writeError(w, http.StatusInternalServerError, "internal", "logout failed")
		return
	}

	closed := 0
	if h.registry != nil {
		closed = h.registry.ForceLogout(id.Subject, "signed out on all devices", h.now().UTC())
	}
	h.clearWebSessionCookies(w)
	writeJSON(w, http.StatusOK, forceLogoutResponse{SessionsClosed: closed})
}

func (h *Handler) handleMe(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	id, ok := guard.IdentityFromContext(r.Context())
	if !ok {
		writeKind(w, guard.KindMissingToken)
		return
	}

	profile, err := h.users.Resolve(r.Context(), id.Subject)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, meResponse{User: toUserResponse(profile)})
	case identity.IsNotFound(err):
		writeError(w, http.StatusNotFound, "not_found", "profile not found")
	default:
		h.log.Error("auth.me.fail", "sub", id.Subject, "err", err)
		writeError(w, http.StatusInternalServerError, "internal", "lookup failed")
	}
}

func (h *Handler) handleForceLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req forceLogoutRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}
	subject := strings.TrimSpace(req.Subject)
	if subject == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "subject is required")
		return
	}

	if err := h.sessions.RevokeSubject(r.Context(), subject); err != nil {
		h.log.Error("auth.admin.force_logout.fail", "sub", subject, "err", err)
		writeError(w, http.StatusInternalServerError, "internal", "revocation failed")
		return
	}

	message := strings.TrimSpace(req.Message)
	if message == "" {
		message = "session terminated by an administrator"
	}
	closed := 0
	if h.registry != nil {
		closed = h.registry.ForceLogout(subject, message, h.now().UTC())
	}

	admin, _ := guard.IdentityFromContext(r.Context())
	h.log.Info("auth.admin.force_logout", "sub", subject, "by", admin.Subject, "closed", closed)
	writeJSON(w, http.StatusOK, forceLogoutResponse{SessionsClosed: closed})
}

func (h *Handler) handleRolesUpdate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut && r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req rolesUpdateRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}
	subject := strings.TrimSpace(req.Subject)
	if subject == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "subject is required")
		return
	}

	roles := make(map[string]bool, len(req.Roles))
	for _, role := range req.Roles {
		if role = strings.TrimSpace(role); role != "" {
			roles[role] = true
		}
	}

	now := h.now().UTC()
	profile, err := h.users.UpdateRoles(r.Context(), subject, roles, now)
	switch {
	case identity.IsNotFound(err):
		writeError(w, http.StatusNotFound, "not_found", "profile not found")
		return
	case err != nil:
		h.log.Error("auth.admin.roles.fail", "sub", subject, "err", err)
		writeError(w, http.StatusInternalServerError, "internal", "role update failed")
		return
	}

	// Live sessions keep their current access token until it expires or is
	// refreshed; the push tells clients to refresh early.
	notified := 0
	if h.registry != nil {
		notified = h.registry.NotifyPermissionsUpdated(subject, now)
	}

	admin, _ := guard.IdentityFromContext(r.Context())
	h.log.Info("auth.admin.roles", "sub", subject, "by", admin.Subject, "roles", profile.RoleList())
	writeJSON(w, http.StatusOK, rolesUpdateResponse{User: toUserResponse(profile), SessionsNotified: notified})
}

// sessionPayload shapes the token material for the chosen transport: web
// clients get cookies and no refresh token in the body, native clients get
// everything in the body.
func (h *Handler) sessionPayload(w http.ResponseWriter, pair token.Pair, useCookies bool) (sessionResponse, error) {
	session := sessionResponse{
		AccessToken:      pair.AccessToken,
		AccessExpiresAt:  pair.AccessExpiresAt,
		RefreshExpiresAt: pair.RefreshExpiresAt,
	}
	if !useCookies {
		session.RefreshToken = pair.RefreshToken
		return session, nil
	}

	csrf, err := h.setWebSessionCookies(w, pair.RefreshToken, pair.RefreshExpiresAt)
	if err != nil {
		return sessionResponse{}, err
	}
	session.CSRFToken = csrf
	return session, nil
}
