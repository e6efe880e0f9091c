// Package metrics exposes the broker's Prometheus registry. Upgraded from
// the teacher's hand-rolled atomic-counter exposition (metrics.go) to
// prometheus/client_golang, since the rest of the pack (wisbric-nightowl)
// shows that as the ecosystem way to do broker/service metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SessionsActive tracks the current count of ACTIVE NIP-46 sessions.
	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "igloo_broker_sessions_active",
		Help: "Number of sessions currently in the ACTIVE state.",
	})

	// SessionsPending tracks the current count of PENDING NIP-46 sessions.
	SessionsPending = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "igloo_broker_sessions_pending",
		Help: "Number of sessions currently in the PENDING state.",
	})

	// RequestsQueued tracks the current count of pending approval requests.
	RequestsQueued = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "igloo_broker_requests_queued",
		Help: "Number of requests currently awaiting operator decision.",
	})

	// EnvelopesDropped counts inbound envelopes dropped after both decrypt
	// attempts failed.
	EnvelopesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "igloo_broker_envelopes_dropped_total",
		Help: "Inbound envelopes dropped because both NIP-44 and NIP-04 decryption failed.",
	})

	// IdentityCallsTotal counts Identity Adapter calls by method and outcome.
	IdentityCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "igloo_broker_identity_calls_total",
		Help: "Identity Adapter calls by method and outcome.",
	}, []string{"method", "outcome"})

	// RelayReconnectsTotal counts reconnect attempts per relay.
	RelayReconnectsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "igloo_broker_relay_reconnects_total",
		Help: "Relay reconnect attempts.",
	}, []string{"relay"})

	// AuthAttemptsTotal counts login attempts by outcome.
	AuthAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "igloo_broker_auth_attempts_total",
		Help: "Operator authentication attempts by outcome.",
	}, []string{"outcome"})
)
