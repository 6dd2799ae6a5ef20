// Package metrics exposes Prometheus collectors for the auth core.
//
// Collectors are package-level and registered on the default registry;
// the /metrics endpoint is wired in cmd/internal/app.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Logins counts login attempts by outcome ("ok", "bad_credentials",
	// "disabled", "error").
	Logins = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "craft",
		Subsystem: "auth",
		Name:      "logins_total",
		Help:      "Login attempts by outcome.",
	}, []string{"outcome"})

	// TokenVerifications counts access-token verifications by outcome
	// ("ok", "expired", "invalid_signature", "malformed", "missing").
	TokenVerifications = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "craft",
		Subsystem: "auth",
		Name:      "token_verifications_total",
		Help:      "Access token verifications by outcome.",
	}, []string{"outcome"})

	// Rotations counts refresh rotations by outcome
	// ("ok", "expired", "revoked", "replayed", "error").
	Rotations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "craft",
		Subsystem: "auth",
		Name:      "refresh_rotations_total",
		Help:      "Refresh token rotations by outcome.",
	}, []string{"outcome"})

	// ReplayIncidents counts detected refresh-token replays. Each one
	// revokes the subject's whole refresh lineage.
	ReplayIncidents = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "craft",
		Subsystem: "auth",
		Name:      "replay_incidents_total",
		Help:      "Refresh token replays detected (security incidents).",
	})

	// HTTPRequests counts HTTP requests by method, path, and status class.
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "craft",
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "HTTP requests by method, path, and status class.",
	}, []string{"method", "path", "class"})

	// ConnectedSessions tracks currently registered websocket sessions.
	ConnectedSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "craft",
		Subsystem: "realtime",
		Name:      "connected_sessions",
		Help:      "Currently authenticated websocket sessions.",
	})

	// FanoutDrops counts registry fan-out envelopes dropped under backpressure.
	FanoutDrops = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "craft",
		Subsystem: "realtime",
		Name:      "fanout_drops_total",
		Help:      "Registry fan-out envelopes dropped (slow or closing connections).",
	})
)
