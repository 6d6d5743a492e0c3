package node

import (
	"encoding/json"

	"github.com/libp2p/go-libp2p/core/peer"
	"go.uber.org/zap"

	"github.com/cosmqc/swapbytes/internal/catalog"
	"github.com/cosmqc/swapbytes/internal/protocol"
)

// tradeEnv connects the trade coordinator to the router, the transport
// and local storage.
type tradeEnv struct {
	n *Node
}

func (e *tradeEnv) SendTrade(to peer.ID, env protocol.Envelope) error {
	if err := e.n.router.SendDirect(e.n.ctx, to, env); err != nil {
		return err
	}
	e.n.metrics.MessageSent(string(env.Type))
	return nil
}

func (e *tradeEnv) StartTransfer(to peer.ID, hdr protocol.TransferHeader, content []byte) error {
	return e.n.adapter.SendTransfer(to, hdr, content, e.n.cfg.ChunkSize)
}

func (e *tradeEnv) SaveFile(name string, content []byte) (string, error) {
	return e.n.store.WriteReceivedFile(content, name)
}

func (e *tradeEnv) Protect(p peer.ID, on bool) {
	e.n.adapter.Protect(p, on)
}

func (e *tradeEnv) ExpectTransfer(p peer.ID, nonce string, on bool) {
	e.n.adapter.ExpectTransfer(p, nonce, on)
}

// directoryPublisher writes catalog records to the distributed directory
// and announces this node as a provider of the content.
type directoryPublisher struct {
	n *Node
}

func (p *directoryPublisher) PublishRecord(rec catalog.FileRecord) {
	data, err := json.Marshal(rec.Wire())
	if err != nil {
		p.n.log.Warn("failed to encode file record", zap.String("hash", rec.Hash), zap.Error(err))
		return
	}
	p.n.adapter.PutRecord(protocol.FileRecordKey(rec.Hash, rec.Owner), data)

	c, err := catalog.ContentCID(rec.Hash)
	if err != nil {
		return
	}
	p.n.adapter.Provide(c)
}

func (p *directoryPublisher) PublishIndex(owner peer.ID, hashes []string) {
	idx := protocol.FileIndex{Owner: owner.String(), Hashes: hashes, UpdatedAt: p.n.clk.Now().UnixNano()}
	data, err := json.Marshal(idx)
	if err != nil {
		p.n.log.Warn("failed to encode file index", zap.Error(err))
		return
	}
	p.n.adapter.PutRecord(protocol.FileIndexKey(owner), data)
}
