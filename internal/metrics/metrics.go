// Package metrics exposes swapbytes activity as Prometheus metrics.
//
//	swapbytes_messages_received_total{kind="chat|nickname|dm|trade_offer|..."}
//	swapbytes_messages_sent_total{kind="..."}
//	swapbytes_trades_total{state="completed|failed|declined|cancelled"}
//	swapbytes_transfer_bytes_total{direction="in|out"}
//	swapbytes_discovery_events_total{source="mdns|rendezvous|dht|connect"}
//	swapbytes_output_events_dropped_total
//	swapbytes_known_peers
//	swapbytes_catalog_records
//	swapbytes_active_trades
//	swapbytes_trade_duration_seconds
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// DefaultNamespace prefixes every metric name.
const DefaultNamespace = "swapbytes"

// Metrics is safe for concurrent use. A nil *Metrics records nothing.
type Metrics struct {
	messagesReceived *prometheus.CounterVec
	messagesSent     *prometheus.CounterVec
	trades           *prometheus.CounterVec
	transferBytes    *prometheus.CounterVec
	discovery        *prometheus.CounterVec
	outputDropped    prometheus.Counter

	knownPeers     prometheus.Gauge
	catalogRecords prometheus.Gauge
	activeTrades   prometheus.Gauge

	tradeDuration prometheus.Histogram
}

// New creates the collectors and registers them with registerer.
// A nil registerer leaves them unregistered.
func New(namespace string, registerer prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	m := &Metrics{
		messagesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_received_total",
			Help:      "Inbound messages by envelope kind",
		}, []string{"kind"}),
		messagesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_sent_total",
			Help:      "Outbound messages by envelope kind",
		}, []string{"kind"}),
		trades: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "trades_total",
			Help:      "Trades that reached a terminal state",
		}, []string{"state"}),
		transferBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transfer_bytes_total",
			Help:      "File bytes moved by trades",
		}, []string{"direction"}),
		discovery: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "discovery_events_total",
			Help:      "Peer discovery events by source",
		}, []string{"source"}),
		outputDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "output_events_dropped_total",
			Help:      "User-visible events dropped because the consumer fell behind",
		}),
		knownPeers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "known_peers",
			Help:      "Peers in the local directory",
		}),
		catalogRecords: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "catalog_records",
			Help:      "File records in the local catalog",
		}),
		activeTrades: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_trades",
			Help:      "Trades in the offered or accepted state",
		}),
		tradeDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "trade_duration_seconds",
			Help:      "Time from acceptance to completion of successful trades",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900},
		}),
	}

	if registerer != nil {
		registerer.MustRegister(
			m.messagesReceived,
			m.messagesSent,
			m.trades,
			m.transferBytes,
			m.discovery,
			m.outputDropped,
			m.knownPeers,
			m.catalogRecords,
			m.activeTrades,
			m.tradeDuration,
		)
	}
	return m
}

func (m *Metrics) MessageReceived(kind string) {
	if m == nil {
		return
	}
	m.messagesReceived.WithLabelValues(kind).Inc()
}

func (m *Metrics) MessageSent(kind string) {
	if m == nil {
		return
	}
	m.messagesSent.WithLabelValues(kind).Inc()
}

// TradeFinished counts a terminal trade; duration is observed for
// completed trades only.
func (m *Metrics) TradeFinished(state string, duration time.Duration) {
	if m == nil {
		return
	}
	m.trades.WithLabelValues(state).Inc()
	if state == "completed" && duration > 0 {
		m.tradeDuration.Observe(duration.Seconds())
	}
}

func (m *Metrics) TransferBytes(direction string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.transferBytes.WithLabelValues(direction).Add(float64(n))
}

func (m *Metrics) PeerDiscovered(source string) {
	if m == nil {
		return
	}
	m.discovery.WithLabelValues(source).Inc()
}

func (m *Metrics) OutputDropped() {
	if m == nil {
		return
	}
	m.outputDropped.Inc()
}

// SetSizes updates the state gauges.
func (m *Metrics) SetSizes(peers, records, activeTrades int) {
	if m == nil {
		return
	}
	m.knownPeers.Set(float64(peers))
	m.catalogRecords.Set(float64(records))
	m.activeTrades.Set(float64(activeTrades))
}
