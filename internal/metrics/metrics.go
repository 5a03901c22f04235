// Package metrics provides Prometheus metrics for rpcbridge.
package metrics

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "rpcbridge"

// OverflowClientID is used as the client_id label when the number of unique
// client ids exceeds MaxClientIDs.
const OverflowClientID = "__other__"

// Protocol error and drop reasons.
const (
	ReasonFrameTooLarge   = "frame_too_large"
	ReasonBadHandshake    = "bad_handshake"
	ReasonInvalidVersion  = "invalid_version"
	ReasonInvalidClientID = "invalid_client_id"
	ReasonUnexpectedFrame = "unexpected_frame"
	ReasonUnknownOpcode   = "unknown_opcode"
	ReasonQueueFull       = "queue_full"
	ReasonBridgeGone      = "bridge_gone"
	ReasonBadMessage      = "bad_message"
	ReasonDialFailed      = "dial_failed"
	ReasonDialTimeout     = "dial_timeout"
	ReasonAuthFailed      = "auth_failed"
	ReasonMaxConnections  = "max_connections"
)

// Command outcomes.
const (
	OutcomeLocal       = "local"
	OutcomeForwarded   = "forwarded"
	OutcomePushed      = "pushed"
	OutcomeRetained    = "retained"
	OutcomeUnavailable = "unavailable"
	OutcomeSubscribed  = "subscribed"
	OutcomeError       = "error"
)

// Bridge reply outcomes.
const (
	ReplyDelivered = "delivered"
	ReplyStale     = "stale"
	ReplyTimeout   = "timeout"
	ReplyCancelled = "cancelled"
)

// Metrics holds all Prometheus metrics for rpcbridge.
type Metrics struct {
	Registry *prometheus.Registry

	// MaxClientIDs is the maximum number of unique client_id label values.
	// Once exceeded, new ids are recorded as OverflowClientID.
	// Zero means unlimited.
	MaxClientIDs int

	sessionsTotal    *prometheus.CounterVec
	activeSessions   *prometheus.GaugeVec
	sessionDuration  prometheus.Histogram
	framesTotal      *prometheus.CounterVec
	protocolErrors   *prometheus.CounterVec
	droppedFrames    *prometheus.CounterVec
	commandsTotal    *prometheus.CounterVec
	bridgeReplies    *prometheus.CounterVec
	requestDuration  prometheus.Histogram
	pendingRequests  prometheus.Gauge
	bridgeConnected  prometheus.Gauge
	bridgesTotal     *prometheus.CounterVec
	bridgeErrors     *prometheus.CounterVec
	controlChannelUp prometheus.Gauge

	clientIDCount atomic.Int64
	clientIDs     sync.Map // map[string]struct{}
}

// New creates a new Metrics instance with a custom Prometheus registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,

		sessionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Total client sessions that completed the handshake, by outcome.",
		}, []string{"client_id", "status"}),

		activeSessions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of open client sessions.",
		}, []string{"client_id"}),

		sessionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_duration_seconds",
			Help:      "Duration of completed client sessions in seconds.",
			Buckets:   []float64{1, 5, 15, 30, 60, 300, 900, 1800, 3600, 14400},
		}),

		framesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_total",
			Help:      "Total IPC frames, by direction and opcode.",
		}, []string{"direction", "opcode"}),

		protocolErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "protocol_errors_total",
			Help:      "Total protocol violations that closed a client session, by reason.",
		}, []string{"reason"}),

		droppedFrames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dropped_messages_total",
			Help:      "Total outbound messages dropped without delivery, by peer and reason.",
		}, []string{"peer", "reason"}),

		commandsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_total",
			Help:      "Total client commands, by command and outcome.",
		}, []string{"cmd", "outcome"}),

		bridgeReplies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bridge_requests_resolved_total",
			Help:      "Total forwarded requests resolved, by outcome.",
		}, []string{"outcome"}),

		requestDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "bridge_request_duration_seconds",
			Help:      "Round-trip time of forwarded requests answered by the bridge, in seconds.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}),

		pendingRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_requests",
			Help:      "Number of forwarded requests awaiting a bridge reply.",
		}),

		bridgeConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "bridge_connected",
			Help:      "Whether a bridge endpoint is attached (1) or not (0).",
		}),

		bridgesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bridges_total",
			Help:      "Total bridge endpoints attached, by source.",
		}, []string{"source"}),

		bridgeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bridge_errors_total",
			Help:      "Total bridge connection errors, by source and reason.",
		}, []string{"source", "reason"}),

		controlChannelUp: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "control_channel_connected",
			Help:      "Whether the Azure Relay control channel is connected (1) or not (0).",
		}),
	}

	reg.MustRegister(
		m.sessionsTotal,
		m.activeSessions,
		m.sessionDuration,
		m.framesTotal,
		m.protocolErrors,
		m.droppedFrames,
		m.commandsTotal,
		m.bridgeReplies,
		m.requestDuration,
		m.pendingRequests,
		m.bridgeConnected,
		m.bridgesTotal,
		m.bridgeErrors,
		m.controlChannelUp,
	)

	return m
}

// SanitizeClientID returns id if it is within the cardinality budget,
// or OverflowClientID if the cap has been reached. Ids that have been
// seen before are always returned as-is.
func (m *Metrics) SanitizeClientID(id string) string {
	if m == nil {
		return id
	}
	if m.MaxClientIDs <= 0 {
		return id
	}

	for {
		if _, ok := m.clientIDs.Load(id); ok {
			return id
		}

		cur := m.clientIDCount.Load()
		if cur >= int64(m.MaxClientIDs) {
			// Another goroutine may have stored id since the Load above.
			if _, ok := m.clientIDs.Load(id); ok {
				return id
			}
			return OverflowClientID
		}

		if !m.clientIDCount.CompareAndSwap(cur, cur+1) {
			continue
		}

		if _, loaded := m.clientIDs.LoadOrStore(id, struct{}{}); loaded {
			m.clientIDCount.Add(-1)
		}

		return id
	}
}

// SessionOpened increments the active session gauge and should be called
// once a client completes the handshake. The returned tracker records the
// outcome when the session ends.
func (m *Metrics) SessionOpened(clientID string) *SessionTracker {
	if m == nil {
		return nil
	}
	clientID = m.SanitizeClientID(clientID)
	m.activeSessions.WithLabelValues(clientID).Inc()
	return &SessionTracker{m: m, clientID: clientID}
}

// SessionTracker records the outcome of a single client session.
type SessionTracker struct {
	m        *Metrics
	clientID string
}

// Done records the end of a session. A nil err means the peer closed cleanly.
func (t *SessionTracker) Done(durationSec float64, err error) {
	if t == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	t.m.activeSessions.WithLabelValues(t.clientID).Dec()
	t.m.sessionsTotal.WithLabelValues(t.clientID, status).Inc()
	t.m.sessionDuration.Observe(durationSec)
}

// Frame counts one IPC frame. direction is "in" or "out".
func (m *Metrics) Frame(direction, opcode string) {
	if m == nil {
		return
	}
	m.framesTotal.WithLabelValues(direction, opcode).Inc()
}

// ProtocolError records a violation that closed a session.
func (m *Metrics) ProtocolError(reason string) {
	if m == nil {
		return
	}
	m.protocolErrors.WithLabelValues(reason).Inc()
}

// Dropped records an outbound message that could not be queued. peer is
// "client" or "bridge".
func (m *Metrics) Dropped(peer, reason string) {
	if m == nil {
		return
	}
	m.droppedFrames.WithLabelValues(peer, reason).Inc()
}

// Command records the handling of one client command.
func (m *Metrics) Command(cmd, outcome string) {
	if m == nil {
		return
	}
	m.commandsTotal.WithLabelValues(cmd, outcome).Inc()
}

// RequestResolved records how a forwarded request ended. durationSec is only
// observed for delivered replies.
func (m *Metrics) RequestResolved(outcome string, durationSec float64) {
	if m == nil {
		return
	}
	m.bridgeReplies.WithLabelValues(outcome).Inc()
	if outcome == ReplyDelivered {
		m.requestDuration.Observe(durationSec)
	}
}

// SetPending sets the pending request gauge.
func (m *Metrics) SetPending(n int) {
	if m == nil {
		return
	}
	m.pendingRequests.Set(float64(n))
}

// BridgeAttached records a new bridge endpoint from source ("local" or "hyco").
func (m *Metrics) BridgeAttached(source string) {
	if m == nil {
		return
	}
	m.bridgesTotal.WithLabelValues(source).Inc()
	m.bridgeConnected.Set(1)
}

// BridgeDetached clears the bridge gauge.
func (m *Metrics) BridgeDetached() {
	if m == nil {
		return
	}
	m.bridgeConnected.Set(0)
}

// BridgeError records a bridge connection failure.
func (m *Metrics) BridgeError(source, reason string) {
	if m == nil {
		return
	}
	m.bridgeErrors.WithLabelValues(source, reason).Inc()
}

// SetControlChannelConnected sets the control channel gauge.
func (m *Metrics) SetControlChannelConnected(up bool) {
	if m == nil {
		return
	}
	if up {
		m.controlChannelUp.Set(1)
	} else {
		m.controlChannelUp.Set(0)
	}
}

// DialReason returns "dial_timeout" if err is a network timeout, otherwise
// returns fallback.
func DialReason(err error, fallback string) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return ReasonDialTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ReasonDialTimeout
	}
	return fallback
}
