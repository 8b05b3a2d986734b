package server

import (
	"github.com/aeolun/chatrelay/pkg/protocol"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the server
type Metrics struct {
	// Session metrics
	activeSessions      prometheus.Gauge
	onlineUsers         prometheus.Gauge
	accounts            prometheus.Gauge
	sessionsCreated     *prometheus.CounterVec // by transport
	sessionsClosed      prometheus.Counter
	connectionsRejected prometheus.Counter
	idleTimeouts        prometheus.Counter
	protocolViolations  prometheus.Counter
	listenOverflows     prometheus.Counter

	// Login metrics
	logins   *prometheus.CounterVec // by outcome
	lockouts prometheus.Counter

	// Frame metrics
	framesReceived *prometheus.CounterVec // by task
	framesSent     *prometheus.CounterVec // by task
	commands       *prometheus.CounterVec // by command name

	// Delivery metrics
	broadcastFanout   *prometheus.HistogramVec
	broadcastDuration *prometheus.HistogramVec
	broadcastSkipped  prometheus.Counter
	directMessages    *prometheus.CounterVec // by outcome
	backlogDrained    prometheus.Counter
	rendezvous        *prometheus.CounterVec // by status
}

// NewMetrics registers the server's metrics with reg. Each server gets its
// own registry so several can run in one process.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		activeSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "chatrelay_active_sessions",
			Help: "Current number of open connections, logged in or not",
		}),
		onlineUsers: factory.NewGauge(prometheus.GaugeOpts{
			Name: "chatrelay_online_users",
			Help: "Current number of registered (logged in) sessions",
		}),
		accounts: factory.NewGauge(prometheus.GaugeOpts{
			Name: "chatrelay_accounts",
			Help: "Number of accounts loaded from the credential store",
		}),
		sessionsCreated: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "chatrelay_sessions_created_total",
			Help: "Total number of sessions created by transport",
		}, []string{"transport"}),
		sessionsClosed: factory.NewCounter(prometheus.CounterOpts{
			Name: "chatrelay_sessions_closed_total",
			Help: "Total number of sessions closed",
		}),
		connectionsRejected: factory.NewCounter(prometheus.CounterOpts{
			Name: "chatrelay_connections_rejected_total",
			Help: "Connections refused because max_connections was reached",
		}),
		idleTimeouts: factory.NewCounter(prometheus.CounterOpts{
			Name: "chatrelay_idle_timeouts_total",
			Help: "Sessions closed for being idle",
		}),
		protocolViolations: factory.NewCounter(prometheus.CounterOpts{
			Name: "chatrelay_protocol_violations_total",
			Help: "Sessions closed for sending a frame the session state does not allow",
		}),
		listenOverflows: factory.NewCounter(prometheus.CounterOpts{
			Name: "chatrelay_listen_overflows_total",
			Help: "Connections dropped by the kernel because the listen backlog was full",
		}),
		logins: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "chatrelay_logins_total",
			Help: "Login handshake steps by outcome",
		}, []string{"outcome"}),
		lockouts: factory.NewCounter(prometheus.CounterOpts{
			Name: "chatrelay_lockouts_total",
			Help: "Accounts blocked for too many failed password attempts",
		}),
		framesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "chatrelay_frames_received_total",
			Help: "Frames received from clients by task",
		}, []string{"task"}),
		framesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "chatrelay_frames_sent_total",
			Help: "Frames sent to clients by task",
		}, []string{"task"}),
		commands: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "chatrelay_commands_total",
			Help: "Client commands by name",
		}, []string{"command"}),
		broadcastFanout: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "chatrelay_broadcast_fanout",
			Help:    "Number of sessions that received each notification",
			Buckets: []float64{0, 1, 5, 10, 25, 50, 100, 250, 500, 1000},
		}, []string{"type"}), // "logon", "logoff" or "message"
		broadcastDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "chatrelay_broadcast_duration_seconds",
			Help:    "Time taken to fan a notification out",
			Buckets: prometheus.DefBuckets,
		}, []string{"type"}),
		broadcastSkipped: factory.NewCounter(prometheus.CounterOpts{
			Name: "chatrelay_broadcast_skipped_total",
			Help: "Broadcast recipients skipped because they block the sender",
		}),
		directMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "chatrelay_direct_messages_total",
			Help: "Direct messages by outcome",
		}, []string{"outcome"}),
		backlogDrained: factory.NewCounter(prometheus.CounterOpts{
			Name: "chatrelay_backlog_drained_total",
			Help: "Stored direct messages delivered at login",
		}),
		rendezvous: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "chatrelay_rendezvous_total",
			Help: "startprivate requests by result",
		}, []string{"status"}),
	}
}

// RecordActiveSessions updates the open connection count
func (m *Metrics) RecordActiveSessions(count int) {
	m.activeSessions.Set(float64(count))
}

// RecordOnlineUsers updates the registered session count
func (m *Metrics) RecordOnlineUsers(count int) {
	m.onlineUsers.Set(float64(count))
}

// RecordAccounts sets the loaded account count
func (m *Metrics) RecordAccounts(count int) {
	m.accounts.Set(float64(count))
}

// RecordSessionCreated increments the session creation counter
func (m *Metrics) RecordSessionCreated(transport string) {
	m.sessionsCreated.WithLabelValues(transport).Inc()
}

// RecordSessionClosed increments the session close counter
func (m *Metrics) RecordSessionClosed() {
	m.sessionsClosed.Inc()
}

func (m *Metrics) RecordConnectionRejected() {
	m.connectionsRejected.Inc()
}

func (m *Metrics) RecordIdleTimeout() {
	m.idleTimeouts.Inc()
}

func (m *Metrics) RecordProtocolViolation() {
	m.protocolViolations.Inc()
}

// RecordListenOverflows adds kernel listen queue drops seen since the last check
func (m *Metrics) RecordListenOverflows(delta uint64) {
	m.listenOverflows.Add(float64(delta))
}

// RecordLogin counts one handshake outcome
func (m *Metrics) RecordLogin(outcome string) {
	m.logins.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RecordLockout() {
	m.lockouts.Inc()
}

// RecordFrameReceived increments the received counter for a task
func (m *Metrics) RecordFrameReceived(task protocol.TaskID) {
	m.framesReceived.WithLabelValues(task.String()).Inc()
}

// RecordFrameSent increments the sent counter for a task
func (m *Metrics) RecordFrameSent(task protocol.TaskID) {
	m.framesSent.WithLabelValues(task.String()).Inc()
}

func (m *Metrics) RecordCommand(name string) {
	m.commands.WithLabelValues(name).Inc()
}

// RecordBroadcastFanout records how many sessions received a notification
func (m *Metrics) RecordBroadcastFanout(kind string, recipients int) {
	m.broadcastFanout.WithLabelValues(kind).Observe(float64(recipients))
}

// RecordBroadcastDuration records how long a fan-out took
func (m *Metrics) RecordBroadcastDuration(kind string, seconds float64) {
	m.broadcastDuration.WithLabelValues(kind).Observe(seconds)
}

func (m *Metrics) RecordBroadcastSkipped(n int) {
	m.broadcastSkipped.Add(float64(n))
}

func (m *Metrics) RecordDirectMessage(outcome string) {
	m.directMessages.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RecordBacklogDrained(n int) {
	m.backlogDrained.Add(float64(n))
}

func (m *Metrics) RecordRendezvous(status string) {
	m.rendezvous.WithLabelValues(status).Inc()
}
