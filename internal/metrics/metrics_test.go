package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Counters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New("", reg)

	m.MessageReceived("chat")
	m.MessageReceived("chat")
	m.MessageSent("dm")
	m.TradeFinished("completed", 2*time.Second)
	m.TradeFinished("declined", 0)
	m.TransferBytes("in", 5)
	m.TransferBytes("in", 0)
	m.PeerDiscovered("mdns")
	m.OutputDropped()
	m.SetSizes(3, 7, 1)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.messagesReceived.WithLabelValues("chat")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.messagesSent.WithLabelValues("dm")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.trades.WithLabelValues("completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.trades.WithLabelValues("declined")))
	assert.Equal(t, 5.0, testutil.ToFloat64(m.transferBytes.WithLabelValues("in")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.discovery.WithLabelValues("mdns")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.outputDropped))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.knownPeers))
	assert.Equal(t, 7.0, testutil.ToFloat64(m.catalogRecords))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.activeTrades))

	families, err := reg.Gather()
	require.NoError(t, err)
	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["swapbytes_trade_duration_seconds"])
	assert.True(t, names["swapbytes_messages_received_total"])
}

func TestMetrics_NilIsSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.MessageReceived("chat")
		m.TradeFinished("failed", time.Second)
		m.SetSizes(1, 1, 1)
	})
}
