// Package transport merges every asynchronous network source of a swapbytes
// node into one ordered stream of Events and exposes the outbound commands
// the core needs. Node implements it over libp2p; memnet implements it in
// memory for tests.
package transport

import (
	"context"
	"fmt"
	"time"

	"github.com/ipfs/go-cid"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/cosmqc/swapbytes/internal/protocol"
)

// Channel is where an inbound message arrived.
type Channel int

const (
	ChannelTopic Channel = iota
	ChannelDirect
)

func (c Channel) String() string {
	if c == ChannelTopic {
		return "topic"
	}
	return "direct"
}

// Message is one raw inbound payload.
type Message struct {
	Channel    Channel
	From       peer.ID
	Topic      string
	Data       []byte
	ReceivedAt time.Time
}

// EventKind discriminates Event.
type EventKind int

const (
	EventMessage EventKind = iota
	EventPeerDiscovered
	EventPeerConnected
	EventPeerDisconnected
	EventChunk
	EventTransferSent
	EventSendFailed
	EventRecord
	EventProviders
	EventRendezvousFailed
)

func (k EventKind) String() string {
	switch k {
	case EventMessage:
		return "message"
	case EventPeerDiscovered:
		return "peer-discovered"
	case EventPeerConnected:
		return "peer-connected"
	case EventPeerDisconnected:
		return "peer-disconnected"
	case EventChunk:
		return "chunk"
	case EventTransferSent:
		return "transfer-sent"
	case EventSendFailed:
		return "send-failed"
	case EventRecord:
		return "record"
	case EventProviders:
		return "providers"
	case EventRendezvousFailed:
		return "rendezvous-failed"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// Event is the single sum type every adapter source is funnelled into.
// Only the fields relevant to Kind are set.
type Event struct {
	Kind EventKind
	Peer peer.ID

	// EventMessage
	Message Message

	// EventPeerDiscovered: "mdns", "rendezvous" or "dht"
	Source string

	// EventChunk, EventTransferSent
	Header protocol.TransferHeader
	Chunk  protocol.FileChunk

	// EventRecord; Value also carries the undelivered payload of EventSendFailed
	Key   string
	Value []byte

	// EventProviders
	CID       cid.Cid
	Providers []peer.ID

	// EventTransferSent, EventSendFailed, EventRecord, EventRendezvousFailed
	Err error
}

// Adapter is the outbound surface the event loop drives. Methods other than
// Events must not block on the network; long operations run in the
// background and report through Events.
type Adapter interface {
	// ID returns the local identity.
	ID() peer.ID

	// Events returns the merged inbound event stream.
	Events() <-chan Event

	// Publish broadcasts data on topic.
	Publish(ctx context.Context, topic string, data []byte) error

	// SendDirect enqueues data on the ordered direct channel to a peer.
	// Write failures after enqueueing are reported as EventSendFailed.
	SendDirect(ctx context.Context, to peer.ID, data []byte) error

	// Connected reports whether a live connection to p exists.
	Connected(p peer.ID) bool

	// SendTransfer streams content to a peer in chunks of chunkSize and
	// reports the outcome as EventTransferSent.
	SendTransfer(to peer.ID, hdr protocol.TransferHeader, content []byte, chunkSize int) error

	// PutRecord stores a directory record.
	PutRecord(key string, value []byte)

	// GetRecord fetches a directory record; the result arrives as EventRecord.
	GetRecord(key string)

	// Provide announces this node as a holder of c.
	Provide(c cid.Cid)

	// FindProviders looks up holders of c; the result arrives as EventProviders.
	FindProviders(c cid.Cid)

	// Protect keeps the connection to p open while on is true.
	Protect(p peer.ID, on bool)

	// ExpectTransfer admits inbound transfer streams from p carrying nonce
	// while on is true. Other transfer streams are reset.
	ExpectTransfer(p peer.ID, nonce string, on bool)

	// Close shuts the adapter down.
	Close() error
}
