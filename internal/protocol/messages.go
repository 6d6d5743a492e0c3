// Package protocol defines the swapbytes wire messages: the JSON envelope
// carried on the broadcast topic and on direct streams, the transfer
// stream frames, and the distributed-directory record formats.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

const (
	// DirectProtocol carries DMs, nickname exchange and trade negotiation.
	DirectProtocol = "/swapbytes/direct/1.0.0"

	// TransferProtocol carries one direction of a trade's file bytes.
	TransferProtocol = "/swapbytes/transfer/1.0.0"

	// DefaultTopic is the broadcast chat topic.
	DefaultTopic = "chat"
)

// Kind discriminates envelope payloads.
type Kind string

const (
	KindChat         Kind = "chat"
	KindNickname     Kind = "nickname"
	KindDirect       Kind = "dm"
	KindTradeOffer   Kind = "trade_offer"
	KindTradeAccept  Kind = "trade_accept"
	KindTradeDecline Kind = "trade_decline"
	KindTradeCancel  Kind = "trade_cancel"
)

// IsTrade reports whether the kind belongs to trade negotiation.
func (k Kind) IsTrade() bool {
	switch k {
	case KindTradeOffer, KindTradeAccept, KindTradeDecline, KindTradeCancel:
		return true
	}
	return false
}

// Envelope wraps every payload sent on the topic or a direct stream
type Envelope struct {
	Type   Kind            `json:"type"`
	Body   json.RawMessage `json:"body,omitempty"`
	SentAt int64           `json:"sentAt"` // unix nanos on the sender's clock
}

// Time returns the sender timestamp.
func (e Envelope) Time() time.Time {
	return time.Unix(0, e.SentAt)
}

// DecodeBody unmarshals the body into v.
func (e Envelope) DecodeBody(v any) error {
	if len(e.Body) == 0 {
		return fmt.Errorf("empty %s body", e.Type)
	}
	if err := json.Unmarshal(e.Body, v); err != nil {
		return fmt.Errorf("failed to decode %s body: %w", e.Type, err)
	}
	return nil
}

// NewEnvelope builds an envelope for body.
func NewEnvelope(kind Kind, body any, sentAt time.Time) (Envelope, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return Envelope{}, fmt.Errorf("failed to marshal %s body: %w", kind, err)
	}
	return Envelope{Type: kind, Body: raw, SentAt: sentAt.UnixNano()}, nil
}

// Encode marshals an envelope for body in one step.
func Encode(kind Kind, body any, sentAt time.Time) ([]byte, error) {
	env, err := NewEnvelope(kind, body, sentAt)
	if err != nil {
		return nil, err
	}
	return env.Marshal()
}

// Marshal encodes the envelope.
func (e Envelope) Marshal() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal envelope: %w", err)
	}
	return data, nil
}

// Decode parses an envelope.
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("failed to unmarshal envelope: %w", err)
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("envelope has no type")
	}
	return env, nil
}

// Broadcast messages

// ChatMessage is a public chat line
type ChatMessage struct {
	Text     string `json:"text"`
	Nickname string `json:"nickname,omitempty"`
}

// NicknameAnnouncement tells everyone (or one peer) the sender's nickname
type NicknameAnnouncement struct {
	Nickname string `json:"nickname"`
}

// Direct messages

// DirectMessage is a private text message
type DirectMessage struct {
	Text string `json:"text"`
}

// TradeOfferMsg proposes swapping OfferedFile for the recipient's RequestedHash
type TradeOfferMsg struct {
	Nonce         string            `json:"nonce"`
	OfferedFile   FileCatalogRecord `json:"offeredFile"`
	RequestedHash string            `json:"requestedHash"`
}

// TradeAcceptMsg commits the recipient to the swap
type TradeAcceptMsg struct {
	Nonce string `json:"nonce"`
}

// TradeDeclineMsg rejects an offer
type TradeDeclineMsg struct {
	Nonce  string `json:"nonce"`
	Reason string `json:"reason,omitempty"`
}

// TradeCancelMsg withdraws an offer before it is answered
type TradeCancelMsg struct {
	Nonce string `json:"nonce"`
}

// Directory records

// FileCatalogRecord is the published metadata of one (hash, owner) file
type FileCatalogRecord struct {
	Hash        string `json:"hash"`
	Name        string `json:"name"`
	Size        int64  `json:"size"`
	Description string `json:"description,omitempty"`
	Owner       string `json:"owner"`
	PublishedAt int64  `json:"publishedAt"`
}

// FileIndex lists every hash an owner has published
type FileIndex struct {
	Owner     string   `json:"owner"`
	Hashes    []string `json:"hashes"`
	UpdatedAt int64    `json:"updatedAt"`
}

// Transfer stream frames

// TransferHeader opens a transfer stream
type TransferHeader struct {
	Nonce string `json:"nonce"`
	Hash  string `json:"hash"`
	Name  string `json:"name"`
	Size  int64  `json:"size"`
}

// FileChunk carries a slice of file bytes; Final marks the end of the stream
type FileChunk struct {
	Hash   string `json:"hash"`
	Offset int64  `json:"offset"`
	Bytes  []byte `json:"bytes,omitempty"`
	Final  bool   `json:"final,omitempty"`
}
