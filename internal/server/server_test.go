package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/cosmqc/swapbytes/internal/config"
	"github.com/cosmqc/swapbytes/internal/metrics"
	"github.com/cosmqc/swapbytes/internal/node"
)

func newTestServer(t *testing.T) (*Server, *httptest.Server, *metrics.Metrics) {
	reg := prometheus.NewRegistry()
	m := metrics.New(metrics.DefaultNamespace, reg)
	status := func() Status {
		return Status{PeerID: "12D3KooWTest", Nickname: "alice", Addrs: []string{"/ip4/127.0.0.1/tcp/4001"}}
	}
	s := New(config.DefaultConfig().Monitor, reg, status, zaptest.NewLogger(t))
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return s, ts, m
}

func TestMetricsEndpoint(t *testing.T) {
	_, ts, m := newTestServer(t)
	m.OutputDropped()
	m.SetSizes(3, 5, 1)

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "swapbytes_output_events_dropped_total 1")
	assert.Contains(t, string(body), "swapbytes_known_peers 3")
}

func TestStatusEndpoint(t *testing.T) {
	_, ts, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/status")
	require.NoError(t, err)
	defer resp.Body.Close()

	var st Status
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&st))
	assert.Equal(t, "12D3KooWTest", st.PeerID)
	assert.Equal(t, "alice", st.Nickname)
}

func TestEventFeed(t *testing.T) {
	s, ts, _ := newTestServer(t)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return s.ConnectionCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	s.Publish(node.OutputEvent{Kind: node.OutputChat, Time: at, Name: "bob", Text: "hello"})
	s.Publish(node.OutputEvent{Kind: node.OutputError, Time: at, Text: "dm to bob was not delivered", Err: errors.New("stream reset")})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg EventMessage
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "chat", msg.Kind)
	assert.Equal(t, "bob", msg.Name)
	assert.Equal(t, "hello", msg.Text)
	assert.True(t, at.Equal(msg.Time))

	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "error", msg.Kind)
	assert.Equal(t, "stream reset", msg.Error)

	conn.Close()
	require.Eventually(t, func() bool { return s.ConnectionCount() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestCheckOrigin(t *testing.T) {
	cfg := config.DefaultConfig().Monitor
	cfg.CheckOrigin = true
	cfg.AllowedOrigins = []string{"http://localhost:3000"}
	s := New(cfg, prometheus.NewRegistry(), nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/events", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	assert.True(t, s.checkOrigin(req))

	req.Header.Set("Origin", "http://evil.example")
	assert.False(t, s.checkOrigin(req))
}
