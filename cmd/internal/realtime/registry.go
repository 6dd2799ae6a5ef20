package realtime

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"craft/cmd/internal/metrics"
	v1 "craft/shared/contracts/realtime/v1"
)

// Registry tracks authenticated websocket sessions by subject and is the
// server-side push surface: targeted sends, broadcasts, forced logout,
// permission and expiry notices.
//
// Sends are non-blocking; a session whose queue is full drops the envelope
// rather than stalling the caller. Persistence is out of scope: a session
// exists only while its connection lives.
type Registry struct {
	log *slog.Logger

	mu        sync.RWMutex
	bySubject map[string]map[string]*Client // subject -> session_id -> client
	bySession map[string]*Client
}

// NewRegistry constructs an empty Registry.
func NewRegistry(log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		log:       log,
		bySubject: make(map[string]map[string]*Client),
		bySession: make(map[string]*Client),
	}
}

// Register adds an authenticated client. The client's Subject must be set.
func (r *Registry) Register(c *Client) {
	if c == nil || c.Subject == "" || c.SessionID == "" {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.bySession[c.SessionID]; exists {
		return
	}

	set := r.bySubject[c.Subject]
	if set == nil {
		set = make(map[string]*Client)
		r.bySubject[c.Subject] = set
	}
	set[c.SessionID] = c
	r.bySession[c.SessionID] = c

	metrics.ConnectedSessions.Inc()
	r.log.Info("realtime.session.register", "sub", c.Subject, "session_id", c.SessionID)
}

// Unregister removes a client. Safe to call for never-registered sessions.
func (r *Registry) Unregister(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.bySession[sessionID]
	if !ok {
		return
	}
	delete(r.bySession, sessionID)

	if set := r.bySubject[c.Subject]; set != nil {
		delete(set, sessionID)
		if len(set) == 0 {
			delete(r.bySubject, c.Subject)
		}
	}

	metrics.ConnectedSessions.Dec()
	r.log.Info("realtime.session.unregister", "sub", c.Subject, "session_id", sessionID)
}

// Sessions returns the number of live sessions for subject.
func (r *Registry) Sessions(subject string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.bySubject[subject])
}

// Count returns the total number of live sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.bySession)
}

// SendToSubject queues env on every session of subject and reports how many
// accepted it.
func (r *Registry) SendToSubject(subject string, env v1.Envelope) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sent := 0
	for _, c := range r.bySubject[subject] {
		if r.trySend(c, env) {
			sent++
		}
	}
	return sent
}

// Broadcast queues env on every live session and reports how many accepted it.
func (r *Registry) Broadcast(env v1.Envelope) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sent := 0
	for _, c := range r.bySession {
		if r.trySend(c, env) {
			sent++
		}
	}
	return sent
}

// ForceLogout pushes a force_logout notice to every session of subject and
// closes them. Returns the number of sessions terminated.
func (r *Registry) ForceLogout(subject, message string, now time.Time) int {
	payload, _ := json.Marshal(v1.ForceLogoutPayload{Message: message})
	env := serverEnvelope(v1.TypeForceLogout, payload, now)

	clients := r.subjectClients(subject)
	for _, c := range clients {
		r.trySend(c, env)
		c.Close()
	}

	if len(clients) > 0 {
		r.log.Info("realtime.force_logout", "sub", subject, "sessions", len(clients))
	}
	return len(clients)
}

// NotifyPermissionsUpdated tells every session of subject that its role set
// changed. Sessions stay connected; clients are expected to refresh.
func (r *Registry) NotifyPermissionsUpdated(subject string, now time.Time) int {
	payload, _ := json.Marshal(v1.PermissionsUpdatedPayload{Timestamp: now})
	return r.SendToSubject(subject, serverEnvelope(v1.TypePermissionsUpdated, payload, now))
}

// NotifySessionExpired pushes a session_expired notice to every session of
// subject and closes them.
func (r *Registry) NotifySessionExpired(subject string, now time.Time) int {
	payload, _ := json.Marshal(v1.SessionExpiredPayload{})
	env := serverEnvelope(v1.TypeSessionExpired, payload, now)

	clients := r.subjectClients(subject)
	for _, c := range clients {
		r.trySend(c, env)
		c.Close()
	}
	return len(clients)
}

func (r *Registry) subjectClients(subject string) []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set := r.bySubject[subject]
	out := make([]*Client, 0, len(set))
	for _, c := range set {
		out = append(out, c)
	}
	return out
}

// trySend never blocks; it drops on a full or closing session.
func (r *Registry) trySend(c *Client, env v1.Envelope) bool {
	select {
	case <-c.Done():
		return false
	case c.Send <- env:
		return true
	default:
		metrics.FanoutDrops.Inc()
		r.log.Warn("realtime.send.drop", "sub", c.Subject, "session_id", c.SessionID, "type", env.Type)
		return false
	}
}

func serverEnvelope(typ string, payload json.RawMessage, ts time.Time) v1.Envelope {
	id, _ := NewEnvelopeID(ts)
	return v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      id,
		TS:      ts,
		Payload: payload,
	}
}
