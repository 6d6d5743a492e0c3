// Package memnet is an in-memory transport.Adapter for multi-node tests.
// Nodes attached to one Hub share a record store and provider table and
// exchange messages only while the Hub links them.
package memnet

import (
	"context"
	"crypto/rand"
	"fmt"
	"sync"

	"github.com/andres-erbsen/clock"
	"github.com/ipfs/go-cid"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/cosmqc/swapbytes/internal/errs"
	"github.com/cosmqc/swapbytes/internal/protocol"
	"github.com/cosmqc/swapbytes/internal/transport"
)

type link struct{ a, b peer.ID }

func newLink(a, b peer.ID) link {
	if a > b {
		a, b = b, a
	}
	return link{a, b}
}

// Hub connects memnet Nodes.
type Hub struct {
	clk clock.Clock

	mu        sync.Mutex
	nodes     map[peer.ID]*Node
	links     map[link]bool
	records   map[string][]byte
	providers map[string]map[peer.ID]bool
	validator protocol.RecordValidator
}

func NewHub(clk clock.Clock) *Hub {
	if clk == nil {
		clk = clock.New()
	}
	return &Hub{
		clk:       clk,
		nodes:     make(map[peer.ID]*Node),
		links:     make(map[link]bool),
		records:   make(map[string][]byte),
		providers: make(map[string]map[peer.ID]bool),
	}
}

// NewNode attaches a node with a fresh identity.
func (h *Hub) NewNode() (*Node, error) {
	priv, _, err := crypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		return nil, err
	}
	id, err := peer.IDFromPrivateKey(priv)
	if err != nil {
		return nil, err
	}

	n := &Node{
		hub:       h,
		id:        id,
		events:    make(chan transport.Event, 64),
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
		protected: make(map[peer.ID]bool),
		expected:  make(map[transferKey]bool),
	}
	h.mu.Lock()
	h.nodes[id] = n
	h.mu.Unlock()

	go n.pump()
	return n, nil
}

// Connect links a and b and tells both sides, as mDNS discovery followed
// by a connection would.
func (h *Hub) Connect(a, b *Node) {
	h.mu.Lock()
	h.links[newLink(a.id, b.id)] = true
	h.mu.Unlock()

	a.deliver(transport.Event{Kind: transport.EventPeerDiscovered, Peer: b.id, Source: "mdns"})
	b.deliver(transport.Event{Kind: transport.EventPeerDiscovered, Peer: a.id, Source: "mdns"})
	a.deliver(transport.Event{Kind: transport.EventPeerConnected, Peer: b.id})
	b.deliver(transport.Event{Kind: transport.EventPeerConnected, Peer: a.id})
}

// Disconnect drops the link between a and b.
func (h *Hub) Disconnect(a, b *Node) {
	h.mu.Lock()
	existed := h.links[newLink(a.id, b.id)]
	delete(h.links, newLink(a.id, b.id))
	h.mu.Unlock()

	if existed {
		a.deliver(transport.Event{Kind: transport.EventPeerDisconnected, Peer: b.id})
		b.deliver(transport.Event{Kind: transport.EventPeerDisconnected, Peer: a.id})
	}
}

func (h *Hub) linked(a, b peer.ID) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.links[newLink(a, b)]
}

func (h *Hub) node(id peer.ID) *Node {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.nodes[id]
}

func (h *Hub) neighbours(id peer.ID) []*Node {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []*Node
	for l := range h.links {
		switch id {
		case l.a:
			out = append(out, h.nodes[l.b])
		case l.b:
			out = append(out, h.nodes[l.a])
		}
	}
	return out
}

// Node is one in-memory peer. Inbound events are queued without bound so
// a node never blocks its sender.
type Node struct {
	hub *Hub
	id  peer.ID

	events chan transport.Event
	wake   chan struct{}
	done   chan struct{}

	mu        sync.Mutex
	inbox     []transport.Event
	closed    bool
	hold      bool
	held      []func()
	protected map[peer.ID]bool
	expected  map[transferKey]bool
	sent      int
}

type transferKey struct {
	peer  peer.ID
	nonce string
}

var _ transport.Adapter = (*Node)(nil)

func (n *Node) ID() peer.ID { return n.id }

func (n *Node) Events() <-chan transport.Event { return n.events }

func (n *Node) deliver(ev transport.Event) {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	n.inbox = append(n.inbox, ev)
	n.mu.Unlock()

	select {
	case n.wake <- struct{}{}:
	default:
	}
}

func (n *Node) pump() {
	for {
		n.mu.Lock()
		if len(n.inbox) == 0 {
			n.mu.Unlock()
			select {
			case <-n.wake:
				continue
			case <-n.done:
				return
			}
		}
		ev := n.inbox[0]
		n.inbox = n.inbox[1:]
		n.mu.Unlock()

		select {
		case n.events <- ev:
		case <-n.done:
			return
		}
	}
}

func (n *Node) message(from peer.ID, ch transport.Channel, topic string, data []byte) transport.Event {
	return transport.Event{
		Kind: transport.EventMessage,
		Peer: from,
		Message: transport.Message{
			Channel:    ch,
			From:       from,
			Topic:      topic,
			Data:       append([]byte(nil), data...),
			ReceivedAt: n.hub.clk.Now(),
		},
	}
}

// Publish floods data to every linked node.
func (n *Node) Publish(_ context.Context, topic string, data []byte) error {
	for _, other := range n.hub.neighbours(n.id) {
		other.deliver(n.message(n.id, transport.ChannelTopic, topic, data))
	}
	return nil
}

func (n *Node) SendDirect(_ context.Context, to peer.ID, data []byte) error {
	if !n.Connected(to) {
		return errs.ForPeer(errs.CodePeerUnreachable, "no connection", to)
	}
	n.hub.node(to).deliver(n.message(n.id, transport.ChannelDirect, "", data))
	return nil
}

func (n *Node) Connected(p peer.ID) bool {
	return n.hub.linked(n.id, p)
}

// HoldTransfers defers outgoing transfers until ReleaseTransfers.
func (n *Node) HoldTransfers() {
	n.mu.Lock()
	n.hold = true
	n.mu.Unlock()
}

// ReleaseTransfers runs every deferred transfer. A transfer whose peer is
// no longer linked fails without delivering any bytes.
func (n *Node) ReleaseTransfers() {
	n.mu.Lock()
	n.hold = false
	held := n.held
	n.held = nil
	n.mu.Unlock()

	for _, run := range held {
		run()
	}
}

// BytesSent reports the file bytes delivered by this node's transfers.
func (n *Node) BytesSent() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.sent
}

func (n *Node) SendTransfer(to peer.ID, hdr protocol.TransferHeader, content []byte, chunkSize int) error {
	if chunkSize <= 0 {
		return errs.New(errs.CodeInvalidArgument, "chunk size must be positive")
	}
	if !n.Connected(to) {
		return errs.ForPeer(errs.CodePeerUnreachable, "no connection", to)
	}
	content = append([]byte(nil), content...)

	run := func() {
		if !n.Connected(to) {
			n.deliver(transport.Event{
				Kind:   transport.EventTransferSent,
				Peer:   to,
				Header: hdr,
				Err:    errs.ForPeer(errs.CodePeerUnreachable, "connection lost during transfer", to),
			})
			return
		}
		target := n.hub.node(to)
		for offset := 0; offset < len(content); offset += chunkSize {
			end := min(offset+chunkSize, len(content))
			target.deliver(transport.Event{
				Kind:   transport.EventChunk,
				Peer:   n.id,
				Header: hdr,
				Chunk:  protocol.FileChunk{Hash: hdr.Hash, Offset: int64(offset), Bytes: content[offset:end]},
			})
		}
		target.deliver(transport.Event{
			Kind:   transport.EventChunk,
			Peer:   n.id,
			Header: hdr,
			Chunk:  protocol.FileChunk{Hash: hdr.Hash, Offset: int64(len(content)), Final: true},
		})
		n.mu.Lock()
		n.sent += len(content)
		n.mu.Unlock()
		n.deliver(transport.Event{Kind: transport.EventTransferSent, Peer: to, Header: hdr})
	}

	n.mu.Lock()
	if n.hold {
		n.held = append(n.held, run)
		n.mu.Unlock()
		return nil
	}
	n.mu.Unlock()

	run()
	return nil
}

func (n *Node) PutRecord(key string, value []byte) {
	h := n.hub
	if err := h.validator.Validate(key, value); err != nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	existing, ok := h.records[key]
	if !ok {
		h.records[key] = value
		return
	}
	best, err := h.validator.Select(key, [][]byte{existing, value})
	if err == nil && best == 1 {
		h.records[key] = value
	}
}

func (n *Node) GetRecord(key string) {
	n.hub.mu.Lock()
	value, ok := n.hub.records[key]
	n.hub.mu.Unlock()

	ev := transport.Event{Kind: transport.EventRecord, Key: key, Value: value}
	if !ok {
		ev.Err = errs.New(errs.CodeNotFound, fmt.Sprintf("no record for %s", key))
	}
	n.deliver(ev)
}

func (n *Node) Provide(c cid.Cid) {
	h := n.hub
	h.mu.Lock()
	defer h.mu.Unlock()

	holders, ok := h.providers[c.KeyString()]
	if !ok {
		holders = make(map[peer.ID]bool)
		h.providers[c.KeyString()] = holders
	}
	holders[n.id] = true
}

func (n *Node) FindProviders(c cid.Cid) {
	h := n.hub
	h.mu.Lock()
	var providers []peer.ID
	for id := range h.providers[c.KeyString()] {
		if id != n.id {
			providers = append(providers, id)
		}
	}
	h.mu.Unlock()

	n.deliver(transport.Event{Kind: transport.EventProviders, CID: c, Providers: providers})
}

func (n *Node) Protect(p peer.ID, on bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if on {
		n.protected[p] = true
	} else {
		delete(n.protected, p)
	}
}

func (n *Node) ExpectTransfer(p peer.ID, nonce string, on bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if on {
		n.expected[transferKey{p, nonce}] = true
	} else {
		delete(n.expected, transferKey{p, nonce})
	}
}

// Expecting reports whether a transfer from p carrying nonce is admitted.
func (n *Node) Expecting(p peer.ID, nonce string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.expected[transferKey{p, nonce}]
}

// Protected reports whether p is currently protected.
func (n *Node) Protected(p peer.ID) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.protected[p]
}

func (n *Node) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.closed {
		n.closed = true
		close(n.done)
	}
	return nil
}
