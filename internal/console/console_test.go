package console

import (
	"bytes"
	"crypto/rand"
	"errors"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cosmqc/swapbytes/internal/catalog"
	"github.com/cosmqc/swapbytes/internal/errs"
	"github.com/cosmqc/swapbytes/internal/node"
	"github.com/cosmqc/swapbytes/internal/trade"
)

func TestSplit(t *testing.T) {
	tests := []struct {
		line string
		want []string
	}{
		{"nick alice", []string{"nick", "alice"}},
		{`nick "Alice Smith"`, []string{"nick", "Alice Smith"}},
		{`upload ./a.txt "my notes"`, []string{"upload", "./a.txt", "my notes"}},
		{"  spaced   out  ", []string{"spaced", "out"}},
		{`nick ""`, []string{"nick", ""}},
		{"", nil},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Split(tt.line), "line %q", tt.line)
	}
}

func TestParse(t *testing.T) {
	hash := catalog.ContentHash([]byte("x"))
	tests := []struct {
		line string
		want node.Command
	}{
		{"hello there", node.Chat{Text: "hello there"}},
		{"/nick bob", node.Nick{Name: "bob"}},
		{`/NICK "Bob Ross"`, node.Nick{Name: "Bob Ross"}},
		{"/list_peers", node.ListPeers{}},
		{"/upload song.mp3", node.Upload{Path: "song.mp3"}},
		{`/upload song.mp3 "a catchy tune"`, node.Upload{Path: "song.mp3", Description: "a catchy tune"}},
		{"/list_files", node.ListFiles{}},
		{`/dm bob  hi "there"  you`, node.Dm{To: "bob", Text: `hi "there"  you`}},
		{`/dm "Bob Ross" happy trees`, node.Dm{To: "Bob Ross", Text: "happy trees"}},
		{"/trade bob " + hash + " " + hash, node.Trade{With: "bob", OwnHash: hash, TheirHash: hash}},
		{"/trade_accept bob", node.TradeAccept{With: "bob"}},
		{"/trade_decline bob", node.TradeDecline{With: "bob"}},
		{"/trade_cancel bob", node.TradeCancel{With: "bob"}},
		{"/trades", node.ListTrades{}},
		{"/get_file_metadata " + hash, node.GetFileMetadata{Hash: hash}},
	}
	for _, tt := range tests {
		in, err := Parse(tt.line)
		require.NoError(t, err, "line %q", tt.line)
		assert.Equal(t, tt.want, in.Command, "line %q", tt.line)
	}
}

func TestParse_HelpAndBlank(t *testing.T) {
	in, err := Parse("/help")
	require.NoError(t, err)
	assert.True(t, in.Help)
	assert.Nil(t, in.Command)

	in, err = Parse("   ")
	require.NoError(t, err)
	assert.False(t, in.Help)
	assert.Nil(t, in.Command)
}

func TestParse_Errors(t *testing.T) {
	for _, line := range []string{
		"/",
		"/nick",
		"/nick a b",
		"/upload",
		"/dm bob",
		"/trade bob abc",
		"/trade_accept",
		"/get_file_metadata",
		"/frobnicate",
	} {
		_, err := Parse(line)
		assert.True(t, errs.IsCode(err, errs.CodeInvalidArgument), "line %q", line)
	}
}

func newPeerID(t *testing.T) peer.ID {
	t.Helper()
	priv, _, err := crypto.GenerateEd25519Key(rand.Reader)
	require.NoError(t, err)
	id, err := peer.IDFromPrivateKey(priv)
	require.NoError(t, err)
	return id
}

func TestRenderer_Events(t *testing.T) {
	self, other := newPeerID(t), newPeerID(t)
	var buf bytes.Buffer
	r := NewRenderer(&buf, self)
	at := time.Date(2024, 3, 1, 9, 30, 0, 0, time.Local)

	r.Event(node.OutputEvent{Kind: node.OutputChat, Time: at, From: other, Name: "bob", Text: "hi all"})
	assert.Equal(t, "[09:30:00] <bob> hi all\n", buf.String())

	buf.Reset()
	r.Event(node.OutputEvent{Kind: node.OutputNickname, Time: at, Name: "bob", Text: "robert"})
	assert.Contains(t, buf.String(), "bob is now known as robert")

	offer := trade.Offer{
		Key:              trade.Key{Initiator: other, Counterparty: self},
		Nonce:            "n1",
		InitiatorFile:    catalog.FileRecord{Hash: "aa", Name: "theirs.txt", Size: 2048, Owner: other},
		CounterpartyFile: catalog.FileRecord{Hash: "bb", Name: "mine.txt", Owner: self},
		State:            trade.Offered,
	}
	buf.Reset()
	r.Event(node.OutputEvent{Kind: node.OutputTrade, Time: at, Name: "Bob Ross", Trade: &trade.Event{Kind: trade.EventOfferReceived, Offer: offer}})
	out := buf.String()
	assert.Contains(t, out, "Bob Ross offers theirs.txt (2.0 KiB) for your mine.txt")
	assert.Contains(t, out, `/trade_accept "Bob Ross"`)

	offer.State = trade.Accepted
	offer.Received = trade.Progress{Hash: "aa", Name: "theirs.txt", Size: 2048, Done: 1024}
	buf.Reset()
	r.Event(node.OutputEvent{Kind: node.OutputTrade, Time: at, Name: "bob", Trade: &trade.Event{Kind: trade.EventProgress, Offer: offer}})
	assert.Contains(t, r.bars, "n1")

	offer.State = trade.Failed
	buf.Reset()
	r.Event(node.OutputEvent{Kind: node.OutputTrade, Time: at, Name: "bob", Trade: &trade.Event{
		Kind: trade.EventFailed, Offer: offer, Err: errors.New("peer disconnected during transfer"),
	}})
	assert.Contains(t, buf.String(), "trade with bob failed: peer disconnected during transfer")
	assert.Empty(t, r.bars)
}

func TestRenderer_Results(t *testing.T) {
	self, other := newPeerID(t), newPeerID(t)
	var buf bytes.Buffer
	r := NewRenderer(&buf, self)

	r.Result(node.ListPeers{}, node.Result{Value: []node.PeerView(nil)})
	assert.Equal(t, "no peers yet\n", buf.String())

	buf.Reset()
	r.Result(node.ListFiles{}, node.Result{Value: []node.OwnerFiles{
		{Owner: self, Name: "you", Self: true, Files: []catalog.FileRecord{{Hash: "h1", Name: "a.txt", Size: 10}}},
		{Owner: other, Name: "bob", Files: []catalog.FileRecord{{Hash: "h2", Name: "b.txt", Size: 3000, Description: "notes"}}},
	}})
	out := buf.String()
	assert.Contains(t, out, "you:\n")
	assert.Contains(t, out, "bob (")
	assert.Contains(t, out, "b.txt")
	assert.Contains(t, out, "2.9 KiB")

	buf.Reset()
	r.Result(node.Dm{To: "bob", Text: "hi"}, node.Result{Err: errs.New(errs.CodeNotFound, `unknown nickname "bob"`)})
	assert.Equal(t, "error: unknown nickname \"bob\"\n", buf.String())
}

func TestFormatSize(t *testing.T) {
	assert.Equal(t, "0 B", FormatSize(0))
	assert.Equal(t, "1023 B", FormatSize(1023))
	assert.Equal(t, "1.0 KiB", FormatSize(1024))
	assert.Equal(t, "1.5 MiB", FormatSize(3<<19))
}

func TestHelpMentionsTradeGuarantee(t *testing.T) {
	assert.Contains(t, HelpText, "best effort")
	assert.Contains(t, HelpText, "not atomic")
}
