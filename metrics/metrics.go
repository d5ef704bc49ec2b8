// Package metrics exposes Prometheus collectors for the client runtime.
//
// Every consumer treats a nil *Metrics as a no-op so library users who do
// not run Prometheus pay nothing.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Renewal outcomes.
const (
	OutcomeSuccess   = "success"
	OutcomeExpired   = "expired"
	OutcomeTransient = "transient"
)

// Reconnect kinds.
const (
	ReconnectTransient = "transient"
	ReconnectTerminal  = "terminal"
)

// Session state gauge values.
const (
	SessionStateUnknown         = 0
	SessionStateUnauthenticated = 1
	SessionStateAuthenticated   = 2
)

// Metrics bundles the client collectors.
type Metrics struct {
	Renewals          *prometheus.CounterVec
	RenewalWaiters    prometheus.Gauge
	Reconnects        *prometheus.CounterVec
	HeartbeatFailures prometheus.Counter
	CacheEvents       *prometheus.CounterVec
	SessionState      prometheus.Gauge
}

// New registers the client collectors on reg and returns them.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Renewals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "arcclient_renewals_total",
			Help: "Access credential renewal attempts by outcome.",
		}, []string{"outcome"}),
		RenewalWaiters: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "arcclient_renewal_waiters",
			Help: "Calls currently parked on the renewal gate.",
		}),
		Reconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "arcclient_reconnects_total",
			Help: "Realtime channel reconnect outcomes by kind.",
		}, []string{"kind"}),
		HeartbeatFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "arcclient_heartbeat_failures_total",
			Help: "Realtime heartbeat ping failures.",
		}),
		CacheEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "arcclient_cache_events_total",
			Help: "Cache invalidation events received by resource type and action.",
		}, []string{"resource_type", "action"}),
		SessionState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "arcclient_session_state",
			Help: "Current session state (0 unknown, 1 unauthenticated, 2 authenticated).",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.Renewals,
			m.RenewalWaiters,
			m.Reconnects,
			m.HeartbeatFailures,
			m.CacheEvents,
			m.SessionState,
		)
	}
	return m
}

// ---- nil-safe recording helpers ----

// RenewalObserved counts one renewal attempt outcome.
func (m *Metrics) RenewalObserved(outcome string) {
	if m == nil {
		return
	}
	m.Renewals.WithLabelValues(outcome).Inc()
}

// WaiterDelta adjusts the parked-call gauge.
func (m *Metrics) WaiterDelta(d float64) {
	if m == nil {
		return
	}
	m.RenewalWaiters.Add(d)
}

// ReconnectObserved counts one reconnect outcome.
func (m *Metrics) ReconnectObserved(kind string) {
	if m == nil {
		return
	}
	m.Reconnects.WithLabelValues(kind).Inc()
}

// HeartbeatFailureObserved counts one heartbeat ping failure.
func (m *Metrics) HeartbeatFailureObserved() {
	if m == nil {
		return
	}
	m.HeartbeatFailures.Inc()
}

// CacheEventObserved counts one received invalidation event.
func (m *Metrics) CacheEventObserved(resourceType, action string) {
	if m == nil {
		return
	}
	m.CacheEvents.WithLabelValues(resourceType, action).Inc()
}

// SessionStateSet records the controller state.
func (m *Metrics) SessionStateSet(v float64) {
	if m == nil {
		return
	}
	m.SessionState.Set(v)
}
