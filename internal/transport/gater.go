package transport

import (
	"sync"

	"github.com/libp2p/go-libp2p/core/connmgr"
	"github.com/libp2p/go-libp2p/core/control"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"
)

// blocklistGater is a ConnectionGater that allows every connection,
// including those on private/local addresses, except to or from blocked peers.
type blocklistGater struct {
	mu      sync.RWMutex
	blocked map[peer.ID]struct{}
}

// Ensure blocklistGater implements connmgr.ConnectionGater
var _ connmgr.ConnectionGater = (*blocklistGater)(nil)

func newBlocklistGater(blocked []peer.ID) *blocklistGater {
	g := &blocklistGater{blocked: make(map[peer.ID]struct{}, len(blocked))}
	for _, p := range blocked {
		g.blocked[p] = struct{}{}
	}
	return g
}

func (g *blocklistGater) Block(p peer.ID) {
	g.mu.Lock()
	g.blocked[p] = struct{}{}
	g.mu.Unlock()
}

func (g *blocklistGater) isBlocked(p peer.ID) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.blocked[p]
	return ok
}

func (g *blocklistGater) InterceptPeerDial(p peer.ID) (allow bool) {
	return !g.isBlocked(p)
}

func (g *blocklistGater) InterceptAddrDial(p peer.ID, m multiaddr.Multiaddr) (allow bool) {
	return !g.isBlocked(p)
}

func (g *blocklistGater) InterceptAccept(n network.ConnMultiaddrs) (allow bool) {
	return true
}

func (g *blocklistGater) InterceptSecured(dir network.Direction, p peer.ID, n network.ConnMultiaddrs) (allow bool) {
	return !g.isBlocked(p)
}

func (g *blocklistGater) InterceptUpgraded(c network.Conn) (allow bool, reason control.DisconnectReason) {
	return true, 0
}
