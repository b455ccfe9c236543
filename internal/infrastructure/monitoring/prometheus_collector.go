package monitoring

import (
	"time"

	"yahtzee/internal/core/domain"
	"yahtzee/internal/core/ports"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// SessionCollector exports session activity of one player process.
type SessionCollector struct {
	// Gauges
	peersConnected *prometheus.GaugeVec

	// Counters
	disconnects    *prometheus.CounterVec
	statusChanges  *prometheus.CounterVec
	messagesSent   *prometheus.CounterVec
	messagesRecv   *prometheus.CounterVec
	violations     *prometheus.CounterVec
	syncBroadcasts prometheus.Counter

	// Histograms
	rtt prometheus.Histogram
}

var _ ports.SessionMetrics = (*SessionCollector)(nil)

// NewSessionCollector registers the session metrics on reg. A nil reg uses
// the default registerer.
func NewSessionCollector(reg prometheus.Registerer) *SessionCollector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &SessionCollector{
		peersConnected: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "yahtzee_peers_connected",
			Help: "Number of peers with an open channel, by role",
		}, []string{"role"}),

		disconnects: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "yahtzee_peer_disconnects_total",
			Help: "Peers removed from the session, by role and reason",
		}, []string{"role", "reason"}),

		statusChanges: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "yahtzee_connection_status_changes_total",
			Help: "Liveness status transitions, by new status",
		}, []string{"status"}),

		messagesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "yahtzee_messages_sent_total",
			Help: "Messages sent on data channels, by kind",
		}, []string{"kind"}),

		messagesRecv: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "yahtzee_messages_received_total",
			Help: "Messages received on data channels, by kind",
		}, []string{"kind"}),

		violations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "yahtzee_protocol_violations_total",
			Help: "Inbound messages dropped as invalid for the receiver's role",
		}, []string{"kind"}),

		syncBroadcasts: factory.NewCounter(prometheus.CounterOpts{
			Name: "yahtzee_sync_broadcasts_total",
			Help: "Authoritative state broadcasts sent by the host",
		}),

		rtt: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "yahtzee_peer_rtt_seconds",
			Help:    "Round-trip time measured by heartbeats",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2},
		}),
	}
}

func (c *SessionCollector) PeerConnected(role domain.PeerRole) {
	c.peersConnected.WithLabelValues(string(role)).Inc()
}

func (c *SessionCollector) PeerDisconnected(role domain.PeerRole, reason domain.DisconnectReason) {
	c.peersConnected.WithLabelValues(string(role)).Dec()
	c.disconnects.WithLabelValues(string(role), string(reason)).Inc()
}

func (c *SessionCollector) StatusChanged(status domain.ConnectionStatus) {
	c.statusChanges.WithLabelValues(string(status)).Inc()
}

func (c *SessionCollector) ObserveRTT(rtt time.Duration) {
	c.rtt.Observe(rtt.Seconds())
}

func (c *SessionCollector) MessageSent(kind domain.MessageKind) {
	c.messagesSent.WithLabelValues(string(kind)).Inc()
}

func (c *SessionCollector) MessageReceived(kind domain.MessageKind) {
	c.messagesRecv.WithLabelValues(string(kind)).Inc()
}

func (c *SessionCollector) ProtocolViolation(kind domain.MessageKind) {
	c.violations.WithLabelValues(string(kind)).Inc()
}

func (c *SessionCollector) SyncBroadcast() {
	c.syncBroadcasts.Inc()
}

// BrokerCollector exports signaling broker activity.
type BrokerCollector struct {
	clientsConnected prometheus.Gauge
	connectionsTotal prometheus.Counter
	relayed          *prometheus.CounterVec
	rejected         *prometheus.CounterVec
}

var _ ports.BrokerMetrics = (*BrokerCollector)(nil)

func NewBrokerCollector(reg prometheus.Registerer) *BrokerCollector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &BrokerCollector{
		clientsConnected: factory.NewGauge(prometheus.GaugeOpts{
			Name: "yahtzee_signal_clients_connected",
			Help: "Websocket clients currently registered on this instance",
		}),

		connectionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "yahtzee_signal_connections_total",
			Help: "Websocket clients registered since start",
		}),

		relayed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "yahtzee_signal_frames_relayed_total",
			Help: "Signaling frames forwarded, by type and route",
		}, []string{"type", "route"}),

		rejected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "yahtzee_signal_frames_rejected_total",
			Help: "Signaling frames answered with an error, by code",
		}, []string{"code"}),
	}
}

func (c *BrokerCollector) ClientConnected() {
	c.clientsConnected.Inc()
	c.connectionsTotal.Inc()
}

func (c *BrokerCollector) ClientDisconnected() {
	c.clientsConnected.Dec()
}

func (c *BrokerCollector) SignalRelayed(kind string, remote bool) {
	route := "local"
	if remote {
		route = "remote"
	}
	c.relayed.WithLabelValues(kind, route).Inc()
}

func (c *BrokerCollector) SignalRejected(code string) {
	c.rejected.WithLabelValues(code).Inc()
}
