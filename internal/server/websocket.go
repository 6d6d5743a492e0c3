package server

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/cosmqc/swapbytes/internal/node"
)

const writeWait = 10 * time.Second

// EventMessage is the JSON form of a node output event.
type EventMessage struct {
	Kind  string        `json:"kind"`
	Time  time.Time     `json:"time"`
	From  string        `json:"from,omitempty"`
	Name  string        `json:"name,omitempty"`
	Text  string        `json:"text,omitempty"`
	Trade *TradeMessage `json:"trade,omitempty"`
	Error string        `json:"error,omitempty"`
}

// TradeMessage summarises a trade event from the local node's side.
type TradeMessage struct {
	Event    string `json:"event"`
	State    string `json:"state"`
	Outgoing bool   `json:"outgoing"`
	Give     string `json:"give"`
	Get      string `json:"get"`
	Sent     int    `json:"sentPercent"`
	Received int    `json:"receivedPercent"`
	Reason   string `json:"reason,omitempty"`
	Saved    string `json:"savedPath,omitempty"`
}

// NewEventMessage converts ev for the feed.
func NewEventMessage(ev node.OutputEvent) *EventMessage {
	msg := &EventMessage{
		Kind: ev.Kind.String(),
		Time: ev.Time,
		Name: ev.Name,
		Text: ev.Text,
	}
	if ev.From != "" {
		msg.From = ev.From.String()
	}
	if ev.Err != nil {
		msg.Error = ev.Err.Error()
	}
	if ev.Trade != nil {
		o := ev.Trade.Offer
		msg.Trade = &TradeMessage{
			Event:    ev.Trade.Kind.String(),
			State:    o.State.String(),
			Outgoing: o.Outgoing(ev.Self),
			Give:     o.OwnFile(ev.Self).Hash,
			Get:      o.TheirFile(ev.Self).Hash,
			Sent:     o.Sent.Percent(),
			Received: o.Received.Percent(),
			Reason:   o.Reason,
			Saved:    o.SavedPath,
		}
	}
	return msg
}

// WSConnection is one event feed subscriber
type WSConnection struct {
	conn    *websocket.Conn
	log     *zap.Logger
	sendCh  chan *EventMessage
	mu      sync.Mutex
	closed  bool
	closeCh chan struct{}
}

// NewWSConnection wraps an upgraded connection
func NewWSConnection(conn *websocket.Conn, log *zap.Logger) *WSConnection {
	return &WSConnection{
		conn:    conn,
		log:     log,
		sendCh:  make(chan *EventMessage, 100),
		closeCh: make(chan struct{}),
	}
}

// Start begins processing the connection
func (ws *WSConnection) Start() {
	go ws.readPump()
	go ws.writePump()
}

// SendMessage queues a message to be sent to the client
func (ws *WSConnection) SendMessage(msg *EventMessage) error {
	ws.mu.Lock()
	defer ws.mu.Unlock()

	if ws.closed {
		return fmt.Errorf("connection closed")
	}

	select {
	case ws.sendCh <- msg:
		return nil
	default:
		return fmt.Errorf("send buffer full")
	}
}

// Close closes the connection
func (ws *WSConnection) Close() {
	ws.mu.Lock()
	if ws.closed {
		ws.mu.Unlock()
		return
	}
	ws.closed = true
	ws.mu.Unlock()

	close(ws.closeCh)
	ws.conn.Close()
}

// readPump discards client messages and notices when the client goes away
func (ws *WSConnection) readPump() {
	defer ws.Close()

	for {
		if _, _, err := ws.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				ws.log.Debug("websocket read error", zap.Error(err))
			}
			return
		}
	}
}

// writePump writes queued events to the connection
func (ws *WSConnection) writePump() {
	defer ws.Close()

	for {
		select {
		case msg := <-ws.sendCh:
			data, err := json.Marshal(msg)
			if err != nil {
				ws.log.Debug("failed to marshal event", zap.Error(err))
				continue
			}
			ws.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				ws.log.Debug("failed to write event", zap.Error(err))
				return
			}

		case <-ws.closeCh:
			return
		}
	}
}
