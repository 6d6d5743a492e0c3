// Package server runs the optional monitoring endpoint: Prometheus metrics,
// a status document and a websocket feed of node output events.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/cosmqc/swapbytes/internal/config"
	"github.com/cosmqc/swapbytes/internal/node"
)

// Status is served at /status.
type Status struct {
	PeerID    string    `json:"peerId"`
	Nickname  string    `json:"nickname,omitempty"`
	Addrs     []string  `json:"addrs"`
	StartedAt time.Time `json:"startedAt"`
}

// Server manages the HTTP server and websocket connections
type Server struct {
	cfg      config.MonitorConfig
	log      *zap.Logger
	gatherer prometheus.Gatherer
	status   func() Status
	upgrader websocket.Upgrader

	httpServer *http.Server
	listener   net.Listener

	connections map[*WSConnection]bool
	mu          sync.RWMutex
}

// New creates a monitor server. status is called for every /status request.
func New(cfg config.MonitorConfig, gatherer prometheus.Gatherer, status func() Status, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{
		cfg:         cfg,
		log:         log.Named("monitor"),
		gatherer:    gatherer,
		status:      status,
		connections: make(map[*WSConnection]bool),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  cfg.ReadBufferSize,
		WriteBufferSize: cfg.WriteBufferSize,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if !s.cfg.CheckOrigin {
		return true
	}
	return slices.Contains(s.cfg.AllowedOrigins, r.Header.Get("Origin"))
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/events", s.handleWebSocket)
	return mux
}

// Start listens on the configured address and serves in the background.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Listen, err)
	}
	s.listener = listener
	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Warn("monitor server stopped", zap.Error(err))
		}
	}()
	s.log.Info("monitor listening", zap.String("addr", listener.Addr().String()))
	return nil
}

// Addr returns the listening address once started.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop closes every websocket and shuts the HTTP server down.
func (s *Server) Stop(ctx context.Context) error {
	// Copy connections and release the lock before closing, since Close
	// unregisters the connection
	s.mu.Lock()
	conns := make([]*WSConnection, 0, len(s.connections))
	for conn := range s.connections {
		conns = append(conns, conn)
	}
	s.connections = make(map[*WSConnection]bool)
	s.mu.Unlock()

	for _, conn := range conns {
		conn.Close()
	}
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	var st Status
	if s.status != nil {
		st = s.status()
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(st); err != nil {
		s.log.Debug("failed to write status", zap.Error(err))
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("failed to upgrade connection", zap.Error(err))
		return
	}

	wsConn := NewWSConnection(conn, s.log)
	s.mu.Lock()
	s.connections[wsConn] = true
	s.mu.Unlock()

	wsConn.Start()

	// Cleanup on disconnect
	go func() {
		<-wsConn.closeCh
		s.mu.Lock()
		delete(s.connections, wsConn)
		s.mu.Unlock()
		s.log.Debug("event feed closed", zap.String("remote", r.RemoteAddr))
	}()
	s.log.Debug("event feed opened", zap.String("remote", r.RemoteAddr))
}

// ConnectionCount returns the number of open event feeds.
func (s *Server) ConnectionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.connections)
}

// Publish sends ev to every event feed. Slow feeds drop events.
func (s *Server) Publish(ev node.OutputEvent) {
	msg := NewEventMessage(ev)
	s.mu.RLock()
	defer s.mu.RUnlock()

	for conn := range s.connections {
		if err := conn.SendMessage(msg); err != nil {
			s.log.Debug("failed to queue event", zap.Error(err))
		}
	}
}
