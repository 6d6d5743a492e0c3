package trade

import (
	"crypto/rand"
	"errors"
	"testing"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cosmqc/swapbytes/internal/catalog"
	"github.com/cosmqc/swapbytes/internal/errs"
	"github.com/cosmqc/swapbytes/internal/protocol"
)

func newPeerID(t *testing.T) peer.ID {
	t.Helper()
	priv, _, err := crypto.GenerateEd25519Key(rand.Reader)
	require.NoError(t, err)
	id, err := peer.IDFromPrivateKey(priv)
	require.NoError(t, err)
	return id
}

// action is one pending delivery on the fake network.
type action struct {
	from, to peer.ID
	env      *protocol.Envelope
	hdr      protocol.TransferHeader
	content  []byte
}

// fakeNet delivers messages and transfers between coordinators when pumped.
type fakeNet struct {
	t         *testing.T
	nodes     map[peer.ID]*Coordinator
	envs      map[peer.ID]*fakeEnv
	queue     []action
	events    map[peer.ID][]Event
	chunkSize int
}

type fakeEnv struct {
	self      peer.ID
	net       *fakeNet
	protected map[peer.ID]bool
	expected  map[string]bool
	saved     map[string][]byte
	sendErr   error
	hold      bool
	held      []action
}

func (e *fakeEnv) SendTrade(to peer.ID, env protocol.Envelope) error {
	if e.sendErr != nil {
		return e.sendErr
	}
	e.net.queue = append(e.net.queue, action{from: e.self, to: to, env: &env})
	return nil
}

func (e *fakeEnv) StartTransfer(to peer.ID, hdr protocol.TransferHeader, content []byte) error {
	a := action{from: e.self, to: to, hdr: hdr, content: content}
	if e.hold {
		e.held = append(e.held, a)
		return nil
	}
	e.net.queue = append(e.net.queue, a)
	return nil
}

func (e *fakeEnv) SaveFile(name string, content []byte) (string, error) {
	e.saved[name] = append([]byte(nil), content...)
	return "/downloads/" + name, nil
}

func (e *fakeEnv) Protect(p peer.ID, on bool) {
	e.protected[p] = on
}

func (e *fakeEnv) ExpectTransfer(_ peer.ID, nonce string, on bool) {
	e.expected[nonce] = on
}

func (n *fakeNet) pump() {
	for len(n.queue) > 0 {
		a := n.queue[0]
		n.queue = n.queue[1:]
		dst, src := n.nodes[a.to], n.nodes[a.from]
		if a.env != nil {
			n.events[a.to] = append(n.events[a.to], dst.HandleMessage(a.from, *a.env)...)
			continue
		}
		for off := 0; off < len(a.content); off += n.chunkSize {
			end := min(off+n.chunkSize, len(a.content))
			chunk := protocol.FileChunk{Hash: a.hdr.Hash, Offset: int64(off), Bytes: a.content[off:end]}
			n.events[a.to] = append(n.events[a.to], dst.HandleChunk(a.from, a.hdr, chunk)...)
		}
		final := protocol.FileChunk{Hash: a.hdr.Hash, Offset: int64(len(a.content)), Final: true}
		n.events[a.to] = append(n.events[a.to], dst.HandleChunk(a.from, a.hdr, final)...)
		n.events[a.from] = append(n.events[a.from], src.HandleSendResult(a.to, a.hdr.Nonce, nil)...)
	}
}

func (n *fakeNet) kinds(id peer.ID) []EventKind {
	var out []EventKind
	for _, ev := range n.events[id] {
		out = append(out, ev.Kind)
	}
	return out
}

type pair struct {
	net        *fakeNet
	clk        *clock.Mock
	a, b       peer.ID
	catA, catB *catalog.Catalog
	A, B       *Coordinator
	hashA      string
	hashB      string
}

// newPair sets up alice (a) holding "hello" and bob (b) holding "world!",
// each knowing the other's record.
func newPair(t *testing.T) *pair {
	t.Helper()
	clk := clock.NewMock()
	p := &pair{clk: clk, a: newPeerID(t), b: newPeerID(t)}
	p.net = &fakeNet{
		t:         t,
		nodes:     make(map[peer.ID]*Coordinator),
		envs:      make(map[peer.ID]*fakeEnv),
		events:    make(map[peer.ID][]Event),
		chunkSize: 2,
	}
	p.catA = catalog.New(p.a, nil, clk)
	p.catB = catalog.New(p.b, nil, clk)

	var err error
	p.hashA, err = p.catA.Publish(p.a, catalog.Descriptor{Name: "hello.txt", Content: []byte("hello")})
	require.NoError(t, err)
	p.hashB, err = p.catB.Publish(p.b, catalog.Descriptor{Name: "world.txt", Content: []byte("world!")})
	require.NoError(t, err)
	recA, _ := p.catA.Get(p.hashA, p.a)
	recB, _ := p.catB.Get(p.hashB, p.b)
	p.catA.Merge(recB)
	p.catB.Merge(recA)

	for _, id := range []peer.ID{p.a, p.b} {
		p.net.envs[id] = &fakeEnv{self: id, net: p.net, protected: map[peer.ID]bool{}, expected: map[string]bool{}, saved: map[string][]byte{}}
	}
	cfg := Config{OfferTimeout: time.Minute, StallTimeout: 10 * time.Second, Retention: time.Minute}
	p.A = New(p.a, p.catA, p.net.envs[p.a], clk, cfg)
	p.B = New(p.b, p.catB, p.net.envs[p.b], clk, cfg)
	p.net.nodes[p.a] = p.A
	p.net.nodes[p.b] = p.B
	return p
}

func (p *pair) stateA() State {
	o, _ := p.A.Get(Key{Initiator: p.a, Counterparty: p.b})
	return o.State
}

func (p *pair) stateB() State {
	o, _ := p.B.Get(Key{Initiator: p.a, Counterparty: p.b})
	return o.State
}

func TestOffer_OnlyOneOutstandingPerPair(t *testing.T) {
	p := newPair(t)

	_, err := p.A.Offer(p.b, p.hashA, p.hashB)
	require.NoError(t, err)

	_, err = p.A.Offer(p.b, p.hashA, p.hashB)
	assert.ErrorIs(t, err, errs.ErrOfferAlreadyOutstanding)

	// The reverse pair is a different trade.
	_, err = p.B.Offer(p.a, p.hashB, p.hashA)
	require.NoError(t, err)

	p.net.pump()
	_, err = p.B.Decline(p.a)
	require.NoError(t, err)
	p.net.pump()
	assert.Equal(t, Declined, p.stateA())

	_, err = p.A.Offer(p.b, p.hashA, p.hashB)
	assert.NoError(t, err, "a terminal trade must not block a new offer")
}

func TestOffer_InvalidFileHash(t *testing.T) {
	p := newPair(t)

	_, err := p.A.Offer(p.b, p.hashB, p.hashB)
	assert.ErrorIs(t, err, errs.ErrInvalidFileHash, "cannot offer a file we do not own")

	_, err = p.A.Offer(p.b, p.hashA, p.hashA)
	assert.ErrorIs(t, err, errs.ErrInvalidFileHash, "cannot request a file the peer does not own")

	_, err = p.A.Offer(p.a, p.hashA, p.hashB)
	assert.True(t, errs.IsCode(err, errs.CodeInvalidArgument))
	assert.Empty(t, p.A.All())
}

func TestOffer_SendFailureLeavesNoTrade(t *testing.T) {
	p := newPair(t)
	p.net.envs[p.a].sendErr = errs.ForPeer(errs.CodePeerUnreachable, "gone", p.b)

	_, err := p.A.Offer(p.b, p.hashA, p.hashB)
	assert.ErrorIs(t, err, errs.ErrPeerUnreachable)
	assert.Empty(t, p.A.All())
}

func TestAcceptDecline_InitiatorIsNotRecipient(t *testing.T) {
	p := newPair(t)
	_, err := p.A.Offer(p.b, p.hashA, p.hashB)
	require.NoError(t, err)
	p.net.pump()

	_, err = p.A.Accept(p.b)
	assert.ErrorIs(t, err, errs.ErrNotRecipient)
	_, err = p.A.Decline(p.b)
	assert.ErrorIs(t, err, errs.ErrNotRecipient)
	assert.Equal(t, Offered, p.stateA())

	_, err = p.B.Cancel(p.a)
	assert.ErrorIs(t, err, errs.ErrInvalidState, "the recipient cannot cancel")

	_, err = p.B.Accept(newPeerID(t))
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestSwap_Completes(t *testing.T) {
	p := newPair(t)
	offer, err := p.A.Offer(p.b, p.hashA, p.hashB)
	require.NoError(t, err)
	assert.True(t, p.net.envs[p.a].expected[offer.Nonce], "bob's file may follow his accept at once")
	p.net.pump()
	assert.Equal(t, []EventKind{EventOfferReceived}, p.net.kinds(p.b))
	assert.Equal(t, Offered, p.stateB())

	_, err = p.B.Accept(p.a)
	require.NoError(t, err)
	assert.Equal(t, Accepted, p.stateB())
	assert.True(t, p.net.envs[p.b].protected[p.a])

	p.net.pump()

	assert.Equal(t, Completed, p.stateA())
	assert.Equal(t, Completed, p.stateB())
	assert.Equal(t, "world!", string(p.net.envs[p.a].saved["world.txt"]))
	assert.Equal(t, "hello", string(p.net.envs[p.b].saved["hello.txt"]))
	assert.False(t, p.net.envs[p.a].protected[p.b])
	assert.False(t, p.net.envs[p.b].protected[p.a])
	assert.False(t, p.net.envs[p.a].expected[offer.Nonce])
	assert.False(t, p.net.envs[p.b].expected[offer.Nonce])

	assert.Contains(t, p.net.kinds(p.a), EventAccepted)
	assert.Contains(t, p.net.kinds(p.a), EventFileSaved)
	assert.Contains(t, p.net.kinds(p.a), EventCompleted)
	assert.Contains(t, p.net.kinds(p.b), EventCompleted)

	// The received file is now offered by the new holder too.
	assert.True(t, p.catA.Owns(p.a, p.hashB))

	o, _ := p.A.Get(Key{Initiator: p.a, Counterparty: p.b})
	assert.Equal(t, "/downloads/world.txt", o.SavedPath)
	assert.Equal(t, 100, o.Received.Percent())
	assert.Empty(t, p.A.Active())
}

func TestSwap_TransferArrivesBeforeAccept(t *testing.T) {
	p := newPair(t)
	_, err := p.A.Offer(p.b, p.hashA, p.hashB)
	require.NoError(t, err)
	p.net.pump()

	_, err = p.B.Accept(p.a)
	require.NoError(t, err)
	require.Len(t, p.net.queue, 2)
	require.NotNil(t, p.net.queue[0].env, "accept message first")
	require.Nil(t, p.net.queue[1].env, "then bob's file")

	// Bob's file overtakes his accept message.
	p.net.queue[0], p.net.queue[1] = p.net.queue[1], p.net.queue[0]
	p.net.pump()

	assert.Equal(t, Completed, p.stateA())
	assert.Equal(t, Completed, p.stateB())
	assert.Equal(t, "world!", string(p.net.envs[p.a].saved["world.txt"]))
	assert.Equal(t, "hello", string(p.net.envs[p.b].saved["hello.txt"]))

	kinds := p.net.kinds(p.a)
	require.NotEmpty(t, kinds)
	assert.Equal(t, EventAccepted, kinds[0])
	assert.Contains(t, kinds, EventCompleted)
	assert.NotContains(t, kinds, EventFailed)

	// The late accept message changed nothing and no stall follows.
	p.clk.Add(15 * time.Second)
	assert.Empty(t, p.A.Tick(p.clk.Now()))
	assert.Equal(t, Completed, p.stateA())
}

func TestHandleChunk_UnknownNonceIgnored(t *testing.T) {
	p := newPair(t)
	_, err := p.A.Offer(p.b, p.hashA, p.hashB)
	require.NoError(t, err)

	hdr := protocol.TransferHeader{Nonce: "not-the-offer", Hash: p.hashB, Name: "world.txt", Size: 6}
	assert.Empty(t, p.A.HandleChunk(p.b, hdr, protocol.FileChunk{Hash: p.hashB, Bytes: []byte("world!")}))
	assert.Equal(t, Offered, p.stateA())
}

func TestDecline_StreamsNothing(t *testing.T) {
	p := newPair(t)
	_, err := p.A.Offer(p.b, p.hashA, p.hashB)
	require.NoError(t, err)
	p.net.pump()

	_, err = p.B.Decline(p.a)
	require.NoError(t, err)
	p.net.pump()

	assert.Equal(t, Declined, p.stateA())
	assert.Equal(t, Declined, p.stateB())
	assert.Empty(t, p.net.envs[p.a].saved)
	assert.Empty(t, p.net.envs[p.b].saved)
	assert.Equal(t, []EventKind{EventDeclined}, p.net.kinds(p.a))
}

func TestAccepted_NeverMovesBackwards(t *testing.T) {
	p := newPair(t)
	offer, err := p.A.Offer(p.b, p.hashA, p.hashB)
	require.NoError(t, err)
	p.net.pump()

	p.net.envs[p.a].hold = true
	p.net.envs[p.b].hold = true
	_, err = p.B.Accept(p.a)
	require.NoError(t, err)
	p.net.pump()
	require.Equal(t, Accepted, p.stateA())

	_, err = p.B.Accept(p.a)
	assert.ErrorIs(t, err, errs.ErrInvalidState)
	_, err = p.B.Decline(p.a)
	assert.ErrorIs(t, err, errs.ErrInvalidState)
	_, err = p.A.Cancel(p.b)
	assert.ErrorIs(t, err, errs.ErrInvalidState)

	// Replayed negotiation messages are ignored.
	cancel, _ := protocol.NewEnvelope(protocol.KindTradeCancel, protocol.TradeCancelMsg{Nonce: offer.Nonce}, p.clk.Now())
	assert.Empty(t, p.B.HandleMessage(p.a, cancel))
	decline, _ := protocol.NewEnvelope(protocol.KindTradeDecline, protocol.TradeDeclineMsg{Nonce: offer.Nonce}, p.clk.Now())
	assert.Empty(t, p.A.HandleMessage(p.b, decline))

	// Past the offer timeout an accepted trade is not cancelled; it fails
	// through the stall timer instead.
	p.clk.Add(5 * time.Second)
	assert.Empty(t, p.A.Tick(p.clk.Now()))
	assert.Equal(t, Accepted, p.stateA())
	p.clk.Add(2 * time.Minute)
	p.A.Tick(p.clk.Now())
	assert.Equal(t, Failed, p.stateA())
}

func TestStall_FailsAfterTimeout(t *testing.T) {
	p := newPair(t)
	_, err := p.A.Offer(p.b, p.hashA, p.hashB)
	require.NoError(t, err)
	p.net.pump()

	// Bob's file never arrives.
	p.net.envs[p.b].hold = true
	_, err = p.B.Accept(p.a)
	require.NoError(t, err)
	p.net.pump()
	require.Equal(t, Accepted, p.stateA())
	assert.Equal(t, "hello", string(p.net.envs[p.b].saved["hello.txt"]), "bob still gets alice's file")

	p.A.HandleDisconnect(p.b)
	p.clk.Add(9 * time.Second)
	assert.Empty(t, p.A.Tick(p.clk.Now()))

	p.clk.Add(time.Second)
	events := p.A.Tick(p.clk.Now())
	require.Len(t, events, 1)
	assert.Equal(t, EventFailed, events[0].Kind)
	assert.ErrorIs(t, events[0].Err, errs.ErrTimeout)
	assert.Contains(t, events[0].Offer.Reason, "disconnected")
	assert.Equal(t, Failed, p.stateA())
	assert.Empty(t, p.net.envs[p.a].saved)
	assert.False(t, p.net.envs[p.a].protected[p.b])
}

func TestOffer_ExpiresThenCollected(t *testing.T) {
	p := newPair(t)
	_, err := p.A.Offer(p.b, p.hashA, p.hashB)
	require.NoError(t, err)

	var observed []State
	p.A.Observe(func(o Offer) { observed = append(observed, o.State) })

	p.clk.Add(time.Minute)
	events := p.A.Tick(p.clk.Now())
	require.Len(t, events, 1)
	assert.Equal(t, EventCancelled, events[0].Kind)
	assert.Equal(t, "offer expired", events[0].Offer.Reason)
	assert.Equal(t, []State{Cancelled}, observed)
	assert.Len(t, p.A.All(), 1)

	p.clk.Add(time.Minute)
	p.A.Tick(p.clk.Now())
	assert.Empty(t, p.A.All())
}

func TestOffer_ExpiryNotifiesRecipient(t *testing.T) {
	p := newPair(t)
	_, err := p.A.Offer(p.b, p.hashA, p.hashB)
	require.NoError(t, err)

	// The offer reaches bob late, so his view of it is younger than alice's.
	p.clk.Add(30 * time.Second)
	p.net.pump()
	require.Equal(t, Offered, p.stateB())

	p.clk.Add(31 * time.Second)
	events := p.A.Tick(p.clk.Now())
	require.Len(t, events, 1)
	assert.Equal(t, EventCancelled, events[0].Kind)
	require.Len(t, p.net.queue, 1, "alice tells bob the offer is gone")

	p.net.pump()
	assert.Equal(t, Cancelled, p.stateB())
	assert.Equal(t, []EventKind{EventOfferReceived, EventCancelled}, p.net.kinds(p.b))

	_, err = p.B.Accept(p.a)
	assert.ErrorIs(t, err, errs.ErrInvalidState)
	assert.Empty(t, p.net.queue)
	assert.Empty(t, p.net.envs[p.a].saved)
}

func TestHandleOffer_AutoDeclinesUnheldFile(t *testing.T) {
	p := newPair(t)
	recA, _ := p.catA.Get(p.hashA, p.a)
	env, err := protocol.NewEnvelope(protocol.KindTradeOffer, protocol.TradeOfferMsg{
		Nonce:         "n-1",
		OfferedFile:   recA.Wire(),
		RequestedHash: catalog.ContentHash([]byte("something bob never had")),
	}, p.clk.Now())
	require.NoError(t, err)

	events := p.B.HandleMessage(p.a, env)
	require.Len(t, events, 1)
	assert.Equal(t, EventDeclined, events[0].Kind)
	require.Len(t, p.net.queue, 1)

	var decline protocol.TradeDeclineMsg
	require.NoError(t, p.net.queue[0].env.DecodeBody(&decline))
	assert.Equal(t, "n-1", decline.Nonce)
	assert.NotEmpty(t, decline.Reason)
}

func TestHandleOffer_RejectsForgedOwner(t *testing.T) {
	p := newPair(t)
	recA, _ := p.catA.Get(p.hashA, p.a)
	env, _ := protocol.NewEnvelope(protocol.KindTradeOffer, protocol.TradeOfferMsg{
		Nonce: "n", OfferedFile: recA.Wire(), RequestedHash: p.hashB,
	}, p.clk.Now())

	assert.Empty(t, p.B.HandleMessage(newPeerID(t), env))
	assert.Empty(t, p.B.All())
}

func TestHandleChunk_WrongBytesFail(t *testing.T) {
	p := newPair(t)
	offer, err := p.A.Offer(p.b, p.hashA, p.hashB)
	require.NoError(t, err)
	p.net.pump()
	p.net.envs[p.a].hold = true
	p.net.envs[p.b].hold = true
	_, err = p.B.Accept(p.a)
	require.NoError(t, err)
	p.net.pump()

	hdr := protocol.TransferHeader{Nonce: offer.Nonce, Hash: p.hashB, Name: "world.txt", Size: 6}
	p.A.HandleChunk(p.b, hdr, protocol.FileChunk{Hash: p.hashB, Offset: 0, Bytes: []byte("WORLD!")})
	events := p.A.HandleChunk(p.b, hdr, protocol.FileChunk{Hash: p.hashB, Offset: 6, Final: true})
	require.Len(t, events, 1)
	assert.Equal(t, EventFailed, events[0].Kind)
	assert.ErrorIs(t, events[0].Err, errs.ErrInvalidFileHash)
	assert.Empty(t, p.net.envs[p.a].saved)
}

func TestSendFailure_WaitsForIncomingThenFails(t *testing.T) {
	p := newPair(t)
	offer, err := p.A.Offer(p.b, p.hashA, p.hashB)
	require.NoError(t, err)
	p.net.pump()
	p.net.envs[p.a].hold = true
	p.net.envs[p.b].hold = true
	_, err = p.B.Accept(p.a)
	require.NoError(t, err)
	p.net.pump()

	assert.Empty(t, p.A.HandleSendResult(p.b, offer.Nonce, errors.New("stream reset")))
	assert.Equal(t, Accepted, p.stateA())

	hdr := protocol.TransferHeader{Nonce: offer.Nonce, Hash: p.hashB, Name: "world.txt", Size: 6}
	p.A.HandleChunk(p.b, hdr, protocol.FileChunk{Hash: p.hashB, Bytes: []byte("world!")})
	events := p.A.HandleChunk(p.b, hdr, protocol.FileChunk{Hash: p.hashB, Offset: 6, Final: true})

	require.Len(t, events, 2)
	assert.Equal(t, EventFileSaved, events[0].Kind)
	assert.Equal(t, EventFailed, events[1].Kind)
	assert.Equal(t, "world!", string(p.net.envs[p.a].saved["world.txt"]))
}
