package memnet

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cosmqc/swapbytes/internal/catalog"
	"github.com/cosmqc/swapbytes/internal/errs"
	"github.com/cosmqc/swapbytes/internal/protocol"
	"github.com/cosmqc/swapbytes/internal/transport"
)

func next(t *testing.T, n *Node) transport.Event {
	t.Helper()
	select {
	case ev := <-n.Events():
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("no event")
		return transport.Event{}
	}
}

func newPair(t *testing.T) (*Hub, *Node, *Node) {
	t.Helper()
	hub := NewHub(clock.NewMock())
	a, err := hub.NewNode()
	require.NoError(t, err)
	b, err := hub.NewNode()
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = a.Close()
		_ = b.Close()
	})
	return hub, a, b
}

func TestConnectDisconnect(t *testing.T) {
	hub, a, b := newPair(t)

	assert.False(t, a.Connected(b.ID()))
	err := a.SendDirect(context.Background(), b.ID(), []byte("x"))
	assert.True(t, errs.IsCode(err, errs.CodePeerUnreachable))

	hub.Connect(a, b)
	assert.Equal(t, transport.EventPeerDiscovered, next(t, a).Kind)
	assert.Equal(t, transport.EventPeerConnected, next(t, a).Kind)
	assert.True(t, a.Connected(b.ID()))

	hub.Disconnect(a, b)
	ev := next(t, a)
	assert.Equal(t, transport.EventPeerDisconnected, ev.Kind)
	assert.Equal(t, b.ID(), ev.Peer)
}

func TestDirectMessagesKeepOrder(t *testing.T) {
	hub, a, b := newPair(t)
	hub.Connect(a, b)
	next(t, b)
	next(t, b)

	for _, s := range []string{"1", "2", "3"} {
		require.NoError(t, a.SendDirect(context.Background(), b.ID(), []byte(s)))
	}
	for _, s := range []string{"1", "2", "3"} {
		ev := next(t, b)
		assert.Equal(t, transport.ChannelDirect, ev.Message.Channel)
		assert.Equal(t, a.ID(), ev.Message.From)
		assert.Equal(t, s, string(ev.Message.Data))
	}
}

func TestHeldTransferFailsAfterDisconnect(t *testing.T) {
	hub, a, b := newPair(t)
	hub.Connect(a, b)
	for i := 0; i < 2; i++ {
		next(t, a)
		next(t, b)
	}

	a.HoldTransfers()
	hdr := protocol.TransferHeader{Nonce: "n", Hash: "h", Name: "f", Size: 3}
	require.NoError(t, a.SendTransfer(b.ID(), hdr, []byte("abc"), 2))
	hub.Disconnect(a, b)
	next(t, a)
	a.ReleaseTransfers()

	ev := next(t, a)
	assert.Equal(t, transport.EventTransferSent, ev.Kind)
	assert.True(t, errs.IsCode(ev.Err, errs.CodePeerUnreachable))
	assert.Zero(t, a.BytesSent())
}

func TestRecordsAndProviders(t *testing.T) {
	_, a, b := newPair(t)

	rec := catalog.FileRecord{
		Hash:  catalog.ContentHash([]byte("hello")),
		Name:  "hello.txt",
		Size:  5,
		Owner: a.ID(),
	}
	value, err := json.Marshal(rec.Wire())
	require.NoError(t, err)
	key := protocol.FileRecordKey(rec.Hash, a.ID())

	a.PutRecord(key, value)
	a.PutRecord(protocol.FileRecordKey(rec.Hash, b.ID()), value)

	b.GetRecord(key)
	ev := next(t, b)
	require.NoError(t, ev.Err)
	assert.Equal(t, value, ev.Value)

	b.GetRecord(protocol.FileRecordKey(rec.Hash, b.ID()))
	assert.True(t, errs.IsCode(next(t, b).Err, errs.CodeNotFound), "record with a forged owner is rejected")

	c, err := catalog.ContentCID(rec.Hash)
	require.NoError(t, err)
	a.Provide(c)
	b.FindProviders(c)
	ev = next(t, b)
	assert.Equal(t, transport.EventProviders, ev.Kind)
	assert.Equal(t, []peer.ID{a.ID()}, ev.Providers)
}
