// Package router classifies inbound payloads and addresses outbound ones
// to the broadcast topic or a peer's direct channel.
package router

import (
	"context"
	"fmt"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/cosmqc/swapbytes/internal/errs"
	"github.com/cosmqc/swapbytes/internal/protocol"
	"github.com/cosmqc/swapbytes/internal/transport"
)

// Kind is the category of an inbound message.
type Kind int

const (
	Unknown Kind = iota
	PublicChat
	DirectMessage
	TradeProtocol
	NicknameAnnouncement
)

func (k Kind) String() string {
	switch k {
	case PublicChat:
		return "public-chat"
	case DirectMessage:
		return "direct-message"
	case TradeProtocol:
		return "trade-protocol"
	case NicknameAnnouncement:
		return "nickname-announcement"
	default:
		return "unknown"
	}
}

// Inbound is a classified message.
type Inbound struct {
	Kind     Kind
	From     peer.ID
	Text     string
	Nickname string
	Trade    *protocol.Envelope
	SentAt   time.Time
}

// Classify sorts a raw message into exactly one Kind. The channel decides
// which kinds are legal; the envelope type picks among them.
func Classify(raw transport.Message) (Inbound, error) {
	env, err := protocol.Decode(raw.Data)
	if err != nil {
		return Inbound{}, err
	}
	in := Inbound{From: raw.From, SentAt: env.Time()}

	switch raw.Channel {
	case transport.ChannelTopic:
		switch env.Type {
		case protocol.KindChat:
			var msg protocol.ChatMessage
			if err := env.DecodeBody(&msg); err != nil {
				return Inbound{}, err
			}
			in.Kind, in.Text, in.Nickname = PublicChat, msg.Text, msg.Nickname
			return in, nil
		case protocol.KindNickname:
			return classifyNickname(in, env)
		}

	case transport.ChannelDirect:
		switch {
		case env.Type == protocol.KindDirect:
			var msg protocol.DirectMessage
			if err := env.DecodeBody(&msg); err != nil {
				return Inbound{}, err
			}
			in.Kind, in.Text = DirectMessage, msg.Text
			return in, nil
		case env.Type == protocol.KindNickname:
			return classifyNickname(in, env)
		case env.Type.IsTrade():
			in.Kind, in.Trade = TradeProtocol, &env
			return in, nil
		}
	}
	return Inbound{}, fmt.Errorf("unexpected %s message on %s channel", env.Type, raw.Channel)
}

func classifyNickname(in Inbound, env protocol.Envelope) (Inbound, error) {
	var msg protocol.NicknameAnnouncement
	if err := env.DecodeBody(&msg); err != nil {
		return Inbound{}, err
	}
	if msg.Nickname == "" {
		return Inbound{}, fmt.Errorf("empty nickname announcement")
	}
	in.Kind, in.Nickname = NicknameAnnouncement, msg.Nickname
	return in, nil
}

// Sender is the subset of the transport the router writes through.
type Sender interface {
	Publish(ctx context.Context, topic string, data []byte) error
	SendDirect(ctx context.Context, to peer.ID, data []byte) error
	Connected(p peer.ID) bool
}

// Router addresses outbound messages.
type Router struct {
	sender Sender
	topic  string
	nick   func() string
	clk    clock.Clock
}

// New creates a router publishing on topic. nick supplies the local
// nickname stamped on chat lines.
func New(sender Sender, topic string, nick func() string, clk clock.Clock) *Router {
	if topic == "" {
		topic = protocol.DefaultTopic
	}
	if nick == nil {
		nick = func() string { return "" }
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Router{sender: sender, topic: topic, nick: nick, clk: clk}
}

// Topic returns the broadcast topic.
func (r *Router) Topic() string {
	return r.topic
}

// SendPublic broadcasts a chat line.
func (r *Router) SendPublic(ctx context.Context, text string) error {
	if text == "" {
		return errs.New(errs.CodeInvalidArgument, "empty message")
	}
	return r.publish(ctx, protocol.KindChat, protocol.ChatMessage{Text: text, Nickname: r.nick()})
}

// AnnounceNickname broadcasts the local nickname.
func (r *Router) AnnounceNickname(ctx context.Context, nickname string) error {
	return r.publish(ctx, protocol.KindNickname, protocol.NicknameAnnouncement{Nickname: nickname})
}

func (r *Router) publish(ctx context.Context, kind protocol.Kind, body any) error {
	data, err := protocol.Encode(kind, body, r.clk.Now())
	if err != nil {
		return err
	}
	if err := r.sender.Publish(ctx, r.topic, data); err != nil {
		return errs.Wrap(errs.CodeTransportFailure, "failed to publish "+string(kind), err)
	}
	return nil
}

// SendText sends a private text message.
func (r *Router) SendText(ctx context.Context, to peer.ID, text string) error {
	if text == "" {
		return errs.New(errs.CodeInvalidArgument, "empty message")
	}
	env, err := protocol.NewEnvelope(protocol.KindDirect, protocol.DirectMessage{Text: text}, r.clk.Now())
	if err != nil {
		return err
	}
	return r.SendDirect(ctx, to, env)
}

// SendNickname tells one peer the local nickname.
func (r *Router) SendNickname(ctx context.Context, to peer.ID, nickname string) error {
	env, err := protocol.NewEnvelope(protocol.KindNickname, protocol.NicknameAnnouncement{Nickname: nickname}, r.clk.Now())
	if err != nil {
		return err
	}
	return r.SendDirect(ctx, to, env)
}

// SendDirect writes env to the peer's direct channel. It fails with
// PeerUnreachable when there is no live connection and never retries.
func (r *Router) SendDirect(ctx context.Context, to peer.ID, env protocol.Envelope) error {
	if !r.sender.Connected(to) {
		return errs.ForPeer(errs.CodePeerUnreachable, "no live connection to peer", to)
	}
	data, err := env.Marshal()
	if err != nil {
		return err
	}
	if err := r.sender.SendDirect(ctx, to, data); err != nil {
		if errs.CodeOf(err) != errs.CodeUnknown {
			return err
		}
		return &errs.Error{Code: errs.CodePeerUnreachable, Message: "direct send failed", PeerID: to, Cause: err}
	}
	return nil
}
