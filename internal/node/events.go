package node

import (
	"fmt"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"go.uber.org/zap"

	"github.com/cosmqc/swapbytes/internal/directory"
	"github.com/cosmqc/swapbytes/internal/protocol"
	"github.com/cosmqc/swapbytes/internal/router"
	"github.com/cosmqc/swapbytes/internal/trade"
	"github.com/cosmqc/swapbytes/internal/transport"
)

// OutputKind discriminates OutputEvent.
type OutputKind int

const (
	OutputChat OutputKind = iota
	OutputDirect
	OutputNickname
	OutputPeerJoined
	OutputPeerLeft
	OutputTrade
	OutputNotice
	OutputError
)

func (k OutputKind) String() string {
	switch k {
	case OutputChat:
		return "chat"
	case OutputDirect:
		return "dm"
	case OutputNickname:
		return "nickname"
	case OutputPeerJoined:
		return "peer-joined"
	case OutputPeerLeft:
		return "peer-left"
	case OutputTrade:
		return "trade"
	case OutputNotice:
		return "notice"
	case OutputError:
		return "error"
	default:
		return fmt.Sprintf("OutputKind(%d)", int(k))
	}
}

// OutputEvent is something the user should see.
type OutputEvent struct {
	Kind OutputKind
	Time time.Time

	// From and Name identify the peer involved, Name as currently displayed.
	From peer.ID
	Name string

	// Text is the chat or DM text, the new nickname, or the notice.
	Text string

	// Trade is set for OutputTrade. Self lets renderers tell the two sides apart.
	Trade *trade.Event
	Self  peer.ID

	Err error
}

func (n *Node) handleEvent(ev transport.Event) {
	switch ev.Kind {
	case transport.EventMessage:
		n.handleMessage(ev.Message)

	case transport.EventPeerDiscovered:
		n.metrics.PeerDiscovered(ev.Source)
		if _, created := n.dir.Upsert(ev.Peer, "", time.Time{}, directory.Discovered); created {
			n.log.Info("discovered peer", zap.Stringer("peerID", ev.Peer), zap.String("source", ev.Source))
		}

	case transport.EventPeerConnected:
		n.metrics.PeerDiscovered("connect")
		before, known := n.dir.Get(ev.Peer)
		n.dir.Upsert(ev.Peer, "", time.Time{}, directory.Connected)
		n.trades.HandleConnect(ev.Peer)
		if !known || before.State != directory.Connected {
			n.emit(OutputEvent{Kind: OutputPeerJoined, From: ev.Peer, Name: n.dir.DisplayName(ev.Peer)})
		}
		if n.nickname != "" {
			if err := n.router.SendNickname(n.ctx, ev.Peer, n.nickname); err != nil {
				n.log.Debug("nickname exchange failed", zap.Stringer("peerID", ev.Peer), zap.Error(err))
			} else {
				n.metrics.MessageSent(string(protocol.KindNickname))
			}
		}
		n.fetchRecord(protocol.FileIndexKey(ev.Peer))

	case transport.EventPeerDisconnected:
		rec, known := n.dir.Get(ev.Peer)
		n.dir.SetState(ev.Peer, directory.Disconnected)
		n.trades.HandleDisconnect(ev.Peer)
		if known && rec.State.Live() {
			n.emit(OutputEvent{Kind: OutputPeerLeft, From: ev.Peer, Name: n.dir.DisplayName(ev.Peer)})
		}

	case transport.EventChunk:
		n.metrics.TransferBytes("in", len(ev.Chunk.Bytes))
		for _, tev := range n.trades.HandleChunk(ev.Peer, ev.Header, ev.Chunk) {
			n.emitTrade(tev)
		}

	case transport.EventTransferSent:
		if ev.Err == nil {
			n.metrics.TransferBytes("out", int(ev.Header.Size))
		}
		for _, tev := range n.trades.HandleSendResult(ev.Peer, ev.Header.Nonce, ev.Err) {
			n.emitTrade(tev)
		}

	case transport.EventSendFailed:
		what := "message"
		if env, err := protocol.Decode(ev.Value); err == nil {
			what = string(env.Type) + " message"
		}
		n.emit(OutputEvent{
			Kind: OutputError,
			From: ev.Peer,
			Name: n.dir.DisplayName(ev.Peer),
			Text: fmt.Sprintf("%s to %s was not delivered", what, n.dir.DisplayName(ev.Peer)),
			Err:  ev.Err,
		})

	case transport.EventRecord:
		n.handleRecord(ev.Key, ev.Value, ev.Err)

	case transport.EventProviders:
		n.handleProviders(ev.CID, ev.Providers)

	case transport.EventRendezvousFailed:
		n.emit(OutputEvent{
			Kind: OutputNotice,
			Text: "rendezvous point unreachable, only peers on the local network will be found",
			Err:  ev.Err,
		})
	}
}

func (n *Node) handleMessage(raw transport.Message) {
	in, err := router.Classify(raw)
	if err != nil {
		n.log.Debug("dropping unclassifiable message",
			zap.Stringer("peerID", raw.From),
			zap.Stringer("channel", raw.Channel),
			zap.Error(err))
		return
	}
	if in.From == n.self {
		return
	}

	switch in.Kind {
	case router.PublicChat:
		n.metrics.MessageReceived(string(protocol.KindChat))
		n.dir.Upsert(in.From, in.Nickname, in.SentAt, directory.Discovered)
		n.emit(OutputEvent{Kind: OutputChat, Time: raw.ReceivedAt, From: in.From, Name: n.dir.DisplayName(in.From), Text: in.Text})

	case router.DirectMessage:
		n.metrics.MessageReceived(string(protocol.KindDirect))
		n.dir.Upsert(in.From, "", time.Time{}, directory.Connected)
		n.emit(OutputEvent{Kind: OutputDirect, Time: raw.ReceivedAt, From: in.From, Name: n.dir.DisplayName(in.From), Text: in.Text})

	case router.NicknameAnnouncement:
		n.metrics.MessageReceived(string(protocol.KindNickname))
		before, known := n.dir.Get(in.From)
		state := directory.Discovered
		if raw.Channel == transport.ChannelDirect {
			state = directory.Connected
		}
		rec, _ := n.dir.Upsert(in.From, in.Nickname, in.SentAt, state)
		if known && before.Nickname != "" && before.Nickname != rec.Nickname {
			n.emit(OutputEvent{
				Kind: OutputNickname,
				From: in.From,
				Name: before.Nickname,
				Text: rec.Nickname,
			})
		}

	case router.TradeProtocol:
		n.metrics.MessageReceived(string(in.Trade.Type))
		for _, tev := range n.trades.HandleMessage(in.From, *in.Trade) {
			n.emitTrade(tev)
		}
	}
}

func (n *Node) emitTrade(ev trade.Event) {
	p := ev.Offer.Peer(n.self)
	n.emit(OutputEvent{
		Kind:  OutputTrade,
		From:  p,
		Name:  n.dir.DisplayName(p),
		Trade: &ev,
		Self:  n.self,
		Err:   ev.Err,
	})
	if ev.Kind == trade.EventFailed {
		n.log.Info("trade failed", zap.Stringer("peerID", p), zap.Error(ev.Err))
	}
}
