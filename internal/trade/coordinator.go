// Package trade drives two-party file swaps.
//
// A trade is keyed by the ordered pair (initiator, counterparty). The
// initiator offers one of its files for one of the counterparty's; once the
// counterparty accepts, both sides stream their file at the same time and
// each direction completes independently. The swap is best effort: if one
// side stalls or disconnects the trade fails, and the other side keeps
// whatever it already received. Nothing is escrowed.
//
// The Coordinator is owned by the event loop and is not safe for
// concurrent use.
package trade

import (
	"fmt"
	"sort"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/google/uuid"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/cosmqc/swapbytes/internal/catalog"
	"github.com/cosmqc/swapbytes/internal/errs"
	"github.com/cosmqc/swapbytes/internal/protocol"
)

// Config holds trade timing and limits.
type Config struct {
	// OfferTimeout cancels offers nobody answered.
	OfferTimeout time.Duration
	// StallTimeout fails accepted trades whose incoming file stopped arriving.
	StallTimeout time.Duration
	// Retention keeps terminal trades visible before they are collected.
	Retention time.Duration
	// MaxFileSize bounds the file a peer may send us.
	MaxFileSize int64
}

// DefaultConfig returns the default trade settings.
func DefaultConfig() Config {
	return Config{
		OfferTimeout: 5 * time.Minute,
		StallTimeout: 30 * time.Second,
		Retention:    2 * time.Minute,
		MaxFileSize:  256 << 20,
	}
}

// Environment is what the coordinator needs from the rest of the node.
type Environment interface {
	// SendTrade delivers a negotiation message on the direct channel.
	SendTrade(to peer.ID, env protocol.Envelope) error
	// StartTransfer begins streaming content to a peer in the background.
	StartTransfer(to peer.ID, hdr protocol.TransferHeader, content []byte) error
	// SaveFile persists a received file and returns where it went.
	SaveFile(name string, content []byte) (string, error)
	// Protect pins the connection to a peer while a transfer is running.
	Protect(p peer.ID, on bool)
	// ExpectTransfer admits or refuses the peer's transfer stream for nonce.
	ExpectTransfer(p peer.ID, nonce string, on bool)
}

type trade struct {
	Offer
	buf          []byte
	sendErr      error
	lastActivity time.Time
	peerGone     bool
	progressStep int
}

func (t *trade) snapshot() Offer {
	return t.Offer
}

// Coordinator owns every trade this node takes part in.
type Coordinator struct {
	self    peer.ID
	cat     *catalog.Catalog
	env     Environment
	clk     clock.Clock
	cfg     Config
	trades  map[Key]*trade
	observe func(Offer)
}

// New creates a coordinator for the local identity self.
func New(self peer.ID, cat *catalog.Catalog, env Environment, clk clock.Clock, cfg Config) *Coordinator {
	if clk == nil {
		clk = clock.New()
	}
	def := DefaultConfig()
	if cfg.OfferTimeout <= 0 {
		cfg.OfferTimeout = def.OfferTimeout
	}
	if cfg.StallTimeout <= 0 {
		cfg.StallTimeout = def.StallTimeout
	}
	if cfg.Retention <= 0 {
		cfg.Retention = def.Retention
	}
	if cfg.MaxFileSize <= 0 {
		cfg.MaxFileSize = def.MaxFileSize
	}
	return &Coordinator{
		self:   self,
		cat:    cat,
		env:    env,
		clk:    clk,
		cfg:    cfg,
		trades: make(map[Key]*trade),
	}
}

// Observe registers fn to be called on every terminal transition.
func (c *Coordinator) Observe(fn func(Offer)) {
	c.observe = fn
}

// Offer proposes swapping ownHash for the counterparty's theirHash.
func (c *Coordinator) Offer(counterparty peer.ID, ownHash, theirHash string) (Offer, error) {
	if counterparty == c.self {
		return Offer{}, errs.New(errs.CodeInvalidArgument, "cannot trade with yourself")
	}
	key := Key{Initiator: c.self, Counterparty: counterparty}
	if t, ok := c.trades[key]; ok && !t.State.Terminal() {
		return Offer{}, errs.ForPeer(errs.CodeOfferAlreadyOutstanding,
			fmt.Sprintf("a trade with this peer is already %s", t.State), counterparty)
	}

	own, ok := c.cat.Get(ownHash, c.self)
	if _, held := c.cat.LocalContent(ownHash); !ok || !held {
		return Offer{}, errs.Newf(errs.CodeInvalidFileHash, "you have not published %s", ownHash)
	}
	theirs, ok := c.cat.Get(theirHash, counterparty)
	if !ok {
		return Offer{}, errs.Newf(errs.CodeInvalidFileHash, "peer has not published %s", theirHash)
	}

	now := c.clk.Now()
	t := &trade{
		Offer: Offer{
			Key:              key,
			Nonce:            uuid.NewString(),
			InitiatorFile:    own,
			CounterpartyFile: theirs,
			State:            Offered,
			CreatedAt:        now,
			UpdatedAt:        now,
		},
		lastActivity: now,
	}
	msg := protocol.TradeOfferMsg{Nonce: t.Nonce, OfferedFile: own.Wire(), RequestedHash: theirHash}
	if err := c.send(counterparty, protocol.KindTradeOffer, msg); err != nil {
		return Offer{}, err
	}
	c.trades[key] = t
	// The counterparty starts sending as soon as it accepts.
	c.env.ExpectTransfer(counterparty, t.Nonce, true)
	return t.snapshot(), nil
}

// received finds the pending offer counterparty made to us.
func (c *Coordinator) received(counterparty peer.ID) (*trade, error) {
	incoming, hasIncoming := c.trades[Key{Initiator: counterparty, Counterparty: c.self}]
	if hasIncoming && incoming.State == Offered {
		return incoming, nil
	}
	if _, mine := c.trades[Key{Initiator: c.self, Counterparty: counterparty}]; mine {
		return nil, errs.ForPeer(errs.CodeNotRecipient, "only the recipient can answer this offer", counterparty)
	}
	if hasIncoming {
		return nil, errs.Newf(errs.CodeInvalidState, "trade is already %s", incoming.State)
	}
	return nil, errs.ForPeer(errs.CodeNotFound, "no offer from this peer", counterparty)
}

// Accept commits to the swap and starts sending our file.
func (c *Coordinator) Accept(counterparty peer.ID) (Offer, error) {
	t, err := c.received(counterparty)
	if err != nil {
		return Offer{}, err
	}
	content, ok := c.cat.LocalContent(t.CounterpartyFile.Hash)
	if !ok {
		return Offer{}, errs.Newf(errs.CodeInvalidFileHash, "you no longer hold %s", t.CounterpartyFile.Hash)
	}
	if err := c.send(counterparty, protocol.KindTradeAccept, protocol.TradeAcceptMsg{Nonce: t.Nonce}); err != nil {
		return Offer{}, err
	}
	c.begin(t, content)
	return t.snapshot(), nil
}

// Decline rejects a pending offer.
func (c *Coordinator) Decline(counterparty peer.ID) (Offer, error) {
	t, err := c.received(counterparty)
	if err != nil {
		return Offer{}, err
	}
	msg := protocol.TradeDeclineMsg{Nonce: t.Nonce, Reason: "declined"}
	if err := c.send(counterparty, protocol.KindTradeDecline, msg); err != nil {
		return Offer{}, err
	}
	c.finish(t, Declined, "declined by you")
	return t.snapshot(), nil
}

// Cancel withdraws an offer we made that has not been answered.
// The local withdrawal stands even when the peer cannot be told.
func (c *Coordinator) Cancel(counterparty peer.ID) (Offer, error) {
	t, ok := c.trades[Key{Initiator: c.self, Counterparty: counterparty}]
	if !ok {
		if in, ok := c.trades[Key{Initiator: counterparty, Counterparty: c.self}]; ok && in.State == Offered {
			return Offer{}, errs.New(errs.CodeInvalidState, "only the initiator can cancel, decline instead")
		}
		return Offer{}, errs.ForPeer(errs.CodeNotFound, "no offer to this peer", counterparty)
	}
	if t.State != Offered {
		return Offer{}, errs.Newf(errs.CodeInvalidState, "trade is already %s", t.State)
	}
	reason := "cancelled by you"
	if err := c.send(counterparty, protocol.KindTradeCancel, protocol.TradeCancelMsg{Nonce: t.Nonce}); err != nil {
		reason = fmt.Sprintf("cancelled by you, peer not notified: %v", err)
	}
	c.finish(t, Cancelled, reason)
	return t.snapshot(), nil
}

// HandleMessage applies a negotiation message from a peer.
// Messages that do not match a live trade's nonce are stale and ignored.
func (c *Coordinator) HandleMessage(from peer.ID, env protocol.Envelope) []Event {
	switch env.Type {
	case protocol.KindTradeOffer:
		var msg protocol.TradeOfferMsg
		if err := env.DecodeBody(&msg); err != nil {
			return nil
		}
		return c.handleOffer(from, msg)

	case protocol.KindTradeAccept:
		var msg protocol.TradeAcceptMsg
		if err := env.DecodeBody(&msg); err != nil {
			return nil
		}
		t := c.pending(Key{Initiator: c.self, Counterparty: from}, msg.Nonce)
		if t == nil {
			return nil
		}
		return c.accepted(t)

	case protocol.KindTradeDecline:
		var msg protocol.TradeDeclineMsg
		if err := env.DecodeBody(&msg); err != nil {
			return nil
		}
		t := c.pending(Key{Initiator: c.self, Counterparty: from}, msg.Nonce)
		if t == nil {
			return nil
		}
		reason := "declined by peer"
		if msg.Reason != "" && msg.Reason != "declined" {
			reason += ": " + msg.Reason
		}
		c.finish(t, Declined, reason)
		return []Event{{Kind: EventDeclined, Offer: t.snapshot()}}

	case protocol.KindTradeCancel:
		var msg protocol.TradeCancelMsg
		if err := env.DecodeBody(&msg); err != nil {
			return nil
		}
		t := c.pending(Key{Initiator: from, Counterparty: c.self}, msg.Nonce)
		if t == nil {
			return nil
		}
		c.finish(t, Cancelled, "withdrawn by peer")
		return []Event{{Kind: EventCancelled, Offer: t.snapshot()}}
	}
	return nil
}

func (c *Coordinator) pending(key Key, nonce string) *trade {
	t, ok := c.trades[key]
	if !ok || t.Nonce != nonce || t.State != Offered {
		return nil
	}
	return t
}

func (c *Coordinator) handleOffer(from peer.ID, msg protocol.TradeOfferMsg) []Event {
	offered, err := catalog.FromWire(msg.OfferedFile)
	if err != nil || offered.Owner != from || !protocol.ValidHash(msg.RequestedHash) {
		return nil
	}
	key := Key{Initiator: from, Counterparty: c.self}
	if t, ok := c.trades[key]; ok && !t.State.Terminal() {
		switch {
		case t.Nonce == msg.Nonce:
			return nil
		case t.State == Accepted:
			c.sendQuietly(from, protocol.KindTradeDecline, protocol.TradeDeclineMsg{
				Nonce: msg.Nonce, Reason: "a trade between you is already in progress",
			})
			return nil
		}
		c.finish(t, Cancelled, "superseded by a newer offer")
	}
	c.cat.Merge(offered)

	now := c.clk.Now()
	requested, _ := c.cat.Get(msg.RequestedHash, c.self)
	if requested.Hash == "" {
		requested = catalog.FileRecord{Hash: msg.RequestedHash, Owner: c.self}
	}
	t := &trade{
		Offer: Offer{
			Key:              key,
			Nonce:            msg.Nonce,
			InitiatorFile:    offered,
			CounterpartyFile: requested,
			State:            Offered,
			CreatedAt:        now,
			UpdatedAt:        now,
		},
		lastActivity: now,
	}
	c.trades[key] = t

	var reject string
	if _, held := c.cat.LocalContent(msg.RequestedHash); !held {
		reject = "requested file is not held by this peer"
	} else if offered.Size > c.cfg.MaxFileSize {
		reject = fmt.Sprintf("offered file exceeds the %d byte limit", c.cfg.MaxFileSize)
	}
	if reject != "" {
		c.sendQuietly(from, protocol.KindTradeDecline, protocol.TradeDeclineMsg{Nonce: msg.Nonce, Reason: reject})
		c.finish(t, Declined, "declined automatically: "+reject)
		return []Event{{Kind: EventDeclined, Offer: t.snapshot()}}
	}
	return []Event{{Kind: EventOfferReceived, Offer: t.snapshot()}}
}

// accepted starts our direction of a trade we offered once the
// counterparty has accepted it.
func (c *Coordinator) accepted(t *trade) []Event {
	content, ok := c.cat.LocalContent(t.InitiatorFile.Hash)
	if !ok {
		return c.fail(t, errs.Newf(errs.CodeInvalidFileHash, "offered file %s is no longer held", t.InitiatorFile.Hash))
	}
	if evs := c.begin(t, content); evs != nil {
		return evs
	}
	return []Event{{Kind: EventAccepted, Offer: t.snapshot()}}
}

// begin moves t to Accepted and starts our direction of the swap.
// It returns events only when the trade failed immediately.
func (c *Coordinator) begin(t *trade, content []byte) []Event {
	now := c.clk.Now()
	own, theirs := t.OwnFile(c.self), t.TheirFile(c.self)
	t.State = Accepted
	t.AcceptedAt = now
	t.UpdatedAt = now
	t.lastActivity = now
	t.Sent = Progress{Hash: own.Hash, Name: own.Name, Size: int64(len(content))}
	t.Received = Progress{Hash: theirs.Hash, Name: theirs.Name, Size: theirs.Size}

	peerID := t.Peer(c.self)
	c.env.Protect(peerID, true)
	c.env.ExpectTransfer(peerID, t.Nonce, true)
	hdr := protocol.TransferHeader{Nonce: t.Nonce, Hash: own.Hash, Name: own.Name, Size: int64(len(content))}
	if err := c.env.StartTransfer(peerID, hdr, content); err != nil {
		return c.fail(t, errs.Wrap(errs.CodeTransportFailure, "failed to start transfer", err))
	}
	return nil
}

// transfer finds the accepted trade with peer p carrying nonce.
func (c *Coordinator) transfer(p peer.ID, nonce string) *trade {
	for _, key := range []Key{{Initiator: c.self, Counterparty: p}, {Initiator: p, Counterparty: c.self}} {
		if t, ok := c.trades[key]; ok && t.Nonce == nonce && t.State == Accepted {
			return t
		}
	}
	return nil
}

// HandleChunk applies one piece of the peer's file.
//
// The transfer and the accept message travel on different streams, so the
// peer's file may arrive before its accept. A transfer carrying the nonce of
// an offer we made counts as the accept.
func (c *Coordinator) HandleChunk(from peer.ID, hdr protocol.TransferHeader, chunk protocol.FileChunk) []Event {
	var events []Event
	t := c.transfer(from, hdr.Nonce)
	if t == nil {
		offered := c.pending(Key{Initiator: c.self, Counterparty: from}, hdr.Nonce)
		if offered == nil {
			return nil
		}
		events = c.accepted(offered)
		if offered.State != Accepted {
			return events
		}
		t = offered
	}
	if t.Received.Finished {
		return events
	}
	return append(events, c.applyChunk(t, from, hdr, chunk)...)
}

func (c *Coordinator) applyChunk(t *trade, from peer.ID, hdr protocol.TransferHeader, chunk protocol.FileChunk) []Event {
	if hdr.Hash != t.Received.Hash || chunk.Hash != hdr.Hash || hdr.Size != t.Received.Size {
		return c.fail(t, errs.ForPeer(errs.CodeInvalidFileHash, "peer sent a different file than agreed", from))
	}
	if chunk.Offset != t.Received.Done {
		return c.fail(t, errs.ForPeer(errs.CodeTransportFailure, "transfer arrived out of order", from))
	}
	if t.Received.Done+int64(len(chunk.Bytes)) > t.Received.Size {
		return c.fail(t, errs.ForPeer(errs.CodeTransportFailure, "peer sent more bytes than agreed", from))
	}

	now := c.clk.Now()
	t.buf = append(t.buf, chunk.Bytes...)
	t.Received.Done += int64(len(chunk.Bytes))
	t.lastActivity = now
	t.UpdatedAt = now

	if !chunk.Final {
		if step := t.Received.Percent() / 25; step > t.progressStep {
			t.progressStep = step
			return []Event{{Kind: EventProgress, Offer: t.snapshot()}}
		}
		return nil
	}

	if t.Received.Done != t.Received.Size || catalog.ContentHash(t.buf) != t.Received.Hash {
		return c.fail(t, errs.ForPeer(errs.CodeInvalidFileHash, "received file does not match its hash", from))
	}
	name := t.Received.Name
	if name == "" {
		name = hdr.Name
	}
	path, err := c.env.SaveFile(name, t.buf)
	if err != nil {
		return c.fail(t, errs.Wrap(errs.CodeIOFailure, "failed to save received file", err))
	}
	t.Received.Finished = true
	t.SavedPath = path
	theirs := t.TheirFile(c.self)
	if _, err := c.cat.Publish(c.self, catalog.Descriptor{Name: name, Content: t.buf, Description: theirs.Description}); err != nil {
		t.Reason = "saved but not published: " + err.Error()
	}
	t.buf = nil

	events := []Event{{Kind: EventFileSaved, Offer: t.snapshot()}}
	return append(events, c.maybeComplete(t)...)
}

// HandleSendResult records the end of our direction of a transfer.
// A failed send does not end the trade while the peer's file may still
// be arriving.
func (c *Coordinator) HandleSendResult(to peer.ID, nonce string, err error) []Event {
	t := c.transfer(to, nonce)
	if t == nil {
		return nil
	}
	t.Sent.Finished = true
	if err != nil {
		t.sendErr = err
	} else {
		t.Sent.Done = t.Sent.Size
	}
	t.UpdatedAt = c.clk.Now()
	return c.maybeComplete(t)
}

func (c *Coordinator) maybeComplete(t *trade) []Event {
	if !t.Sent.Finished || !t.Received.Finished {
		return nil
	}
	if t.sendErr != nil {
		return c.fail(t, errs.Wrap(errs.CodePeerUnreachable, "our file was not delivered", t.sendErr))
	}
	c.finish(t, Completed, "")
	return []Event{{Kind: EventCompleted, Offer: t.snapshot()}}
}

// HandleDisconnect notes that a peer went away. Accepted trades with it
// fail once the stall timeout passes without data.
func (c *Coordinator) HandleDisconnect(p peer.ID) {
	for _, t := range c.trades {
		if t.State == Accepted && t.Peer(c.self) == p {
			t.peerGone = true
		}
	}
}

// HandleConnect clears a disconnect note when a peer returns.
func (c *Coordinator) HandleConnect(p peer.ID) {
	for _, t := range c.trades {
		if t.Peer(c.self) == p {
			t.peerGone = false
		}
	}
}

// Tick expires stale offers, fails stalled transfers and collects
// terminal trades past their retention.
func (c *Coordinator) Tick(now time.Time) []Event {
	var events []Event
	for _, key := range c.keys() {
		t := c.trades[key]
		switch {
		case t.State == Offered && now.Sub(t.CreatedAt) >= c.cfg.OfferTimeout:
			if t.Initiator == c.self {
				c.sendQuietly(t.Counterparty, protocol.KindTradeCancel, protocol.TradeCancelMsg{Nonce: t.Nonce})
			}
			c.finish(t, Cancelled, "offer expired")
			events = append(events, Event{Kind: EventCancelled, Offer: t.snapshot()})

		case t.State == Accepted && !t.Received.Finished && now.Sub(t.lastActivity) >= c.cfg.StallTimeout:
			msg := fmt.Sprintf("no data from peer for %s", c.cfg.StallTimeout)
			if t.peerGone {
				msg = "peer disconnected during transfer"
			}
			events = append(events, c.fail(t, errs.ForPeer(errs.CodeTimeout, msg, t.Peer(c.self)))...)

		case t.State.Terminal() && now.Sub(t.UpdatedAt) >= c.cfg.Retention:
			delete(c.trades, key)
		}
	}
	return events
}

func (c *Coordinator) fail(t *trade, err error) []Event {
	c.finish(t, Failed, err.Error())
	return []Event{{Kind: EventFailed, Offer: t.snapshot(), Err: err}}
}

func (c *Coordinator) finish(t *trade, state State, reason string) {
	wasAccepted := t.State == Accepted
	t.State = state
	if reason != "" {
		t.Reason = reason
	}
	t.UpdatedAt = c.clk.Now()
	t.buf = nil
	c.env.ExpectTransfer(t.Peer(c.self), t.Nonce, false)
	if wasAccepted {
		c.env.Protect(t.Peer(c.self), false)
	}
	if c.observe != nil {
		c.observe(t.snapshot())
	}
}

func (c *Coordinator) send(to peer.ID, kind protocol.Kind, body any) error {
	env, err := protocol.NewEnvelope(kind, body, c.clk.Now())
	if err != nil {
		return err
	}
	return c.env.SendTrade(to, env)
}

func (c *Coordinator) sendQuietly(to peer.ID, kind protocol.Kind, body any) {
	_ = c.send(to, kind, body)
}

func (c *Coordinator) keys() []Key {
	keys := make([]Key, 0, len(c.trades))
	for k := range c.trades {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		a, b := c.trades[keys[i]], c.trades[keys[j]]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.Nonce < b.Nonce
	})
	return keys
}

// Get returns the trade for key.
func (c *Coordinator) Get(key Key) (Offer, bool) {
	t, ok := c.trades[key]
	if !ok {
		return Offer{}, false
	}
	return t.snapshot(), true
}

// Active returns the trades still in Offered or Accepted, oldest first.
func (c *Coordinator) Active() []Offer {
	var out []Offer
	for _, key := range c.keys() {
		if t := c.trades[key]; !t.State.Terminal() {
			out = append(out, t.snapshot())
		}
	}
	return out
}

// All returns active trades plus terminal ones not yet collected.
func (c *Coordinator) All() []Offer {
	out := make([]Offer, 0, len(c.trades))
	for _, key := range c.keys() {
		out = append(out, c.trades[key].snapshot())
	}
	return out
}
