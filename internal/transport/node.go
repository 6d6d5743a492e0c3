package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/ipfs/go-cid"
	"github.com/libp2p/go-libp2p"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/event"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	libp2pprotocol "github.com/libp2p/go-libp2p/core/protocol"
	"github.com/libp2p/go-libp2p/core/routing"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	drouting "github.com/libp2p/go-libp2p/p2p/discovery/routing"
	"github.com/libp2p/go-libp2p/p2p/net/connmgr"
	"github.com/libp2p/go-libp2p/p2p/protocol/ping"
	"github.com/multiformats/go-multiaddr"
	"go.uber.org/zap"

	"github.com/cosmqc/swapbytes/internal/errs"
	"github.com/cosmqc/swapbytes/internal/protocol"
)

const (
	// DHTProtocolPrefix keeps swapbytes records out of the public IPFS DHT.
	DHTProtocolPrefix = "/swapbytes"

	tradeProtectTag      = "swapbytes-trade"
	rendezvousProtectTag = "swapbytes-rendezvous"
)

// Config controls how a Node joins the network.
type Config struct {
	PrivateKey  crypto.PrivKey
	ListenAddrs []string
	Topic       string

	EnableMDNS     bool
	MDNSServiceTag string

	// Rendezvous is a multiaddr (optionally with /p2p/<id>) or a bare host.
	Rendezvous          string
	RendezvousPort      int
	RendezvousPeer      string
	RendezvousNamespace string
	DiscoveryInterval   time.Duration

	BootstrapPeers    []string
	IdleStreamTimeout time.Duration
	LowWater          int
	HighWater         int
	BlockedPeers      []peer.ID
	EventBuffer       int

	// TransferReadTimeout resets an inbound transfer stream that sends
	// nothing for this long.
	TransferReadTimeout time.Duration
}

// DefaultConfig returns LAN defaults matching the rendezvous server layout.
func DefaultConfig() Config {
	return Config{
		ListenAddrs:         []string{"/ip4/0.0.0.0/tcp/0"},
		Topic:               protocol.DefaultTopic,
		EnableMDNS:          true,
		MDNSServiceTag:      "swapbytes",
		RendezvousPort:      62649,
		RendezvousNamespace: "rendezvous",
		DiscoveryInterval:   30 * time.Second,
		IdleStreamTimeout:   60 * time.Second,
		LowWater:            64,
		HighWater:           192,
		EventBuffer:         256,
		TransferReadTimeout: 30 * time.Second,
	}
}

// Node implements Adapter over a libp2p host.
type Node struct {
	ctx    context.Context
	cancel context.CancelFunc
	cfg    Config
	log    *zap.Logger

	host             host.Host
	dht              *dht.IpfsDHT
	pubsub           *pubsub.PubSub
	mdnsService      mdns.Service
	routingDiscovery *drouting.RoutingDiscovery
	pingService      *ping.PingService
	gater            *blocklistGater
	queues           *queueManager

	events chan Event

	mu         sync.Mutex
	topics     map[string]*topicHandler
	swapPeers  map[peer.ID]bool
	expected   map[transferKey]bool
	closeOnce  sync.Once
	wg         sync.WaitGroup
	rendezvous *peer.AddrInfo
}

type transferKey struct {
	peer  peer.ID
	nonce string
}

type topicHandler struct {
	topic        string
	pubsubTopic  *pubsub.Topic
	subscription *pubsub.Subscription
	cancel       context.CancelFunc
}

var _ Adapter = (*Node)(nil)

// NewNode starts a libp2p host with gossip, the record DHT, mDNS and
// optional rendezvous discovery.
func NewNode(ctx context.Context, cfg Config, log *zap.Logger) (*Node, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.PrivateKey == nil {
		priv, err := LoadOrCreateIdentity("")
		if err != nil {
			return nil, err
		}
		cfg.PrivateKey = priv
	}
	if len(cfg.ListenAddrs) == 0 {
		cfg.ListenAddrs = DefaultConfig().ListenAddrs
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = DefaultConfig().EventBuffer
	}
	if cfg.DiscoveryInterval <= 0 {
		cfg.DiscoveryInterval = DefaultConfig().DiscoveryInterval
	}
	if cfg.IdleStreamTimeout <= 0 {
		cfg.IdleStreamTimeout = DefaultConfig().IdleStreamTimeout
	}
	if cfg.TransferReadTimeout <= 0 {
		cfg.TransferReadTimeout = DefaultConfig().TransferReadTimeout
	}
	if cfg.LowWater <= 0 || cfg.HighWater < cfg.LowWater {
		cfg.LowWater, cfg.HighWater = DefaultConfig().LowWater, DefaultConfig().HighWater
	}

	ctx, cancel := context.WithCancel(ctx)
	n := &Node{
		ctx:       ctx,
		cancel:    cancel,
		cfg:       cfg,
		log:       log.Named("transport"),
		events:    make(chan Event, cfg.EventBuffer),
		topics:    make(map[string]*topicHandler),
		swapPeers: make(map[peer.ID]bool),
		expected:  make(map[transferKey]bool),
		gater:     newBlocklistGater(cfg.BlockedPeers),
	}

	connMgr, err := connmgr.NewConnManager(cfg.LowWater, cfg.HighWater, connmgr.WithGracePeriod(time.Minute))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create connection manager: %w", err)
	}

	var kdht *dht.IpfsDHT
	h, err := libp2p.New(
		libp2p.Identity(cfg.PrivateKey),
		libp2p.ListenAddrStrings(cfg.ListenAddrs...),
		libp2p.ConnectionGater(n.gater),
		libp2p.ConnectionManager(connMgr),
		libp2p.NATPortMap(),
		libp2p.Routing(func(h host.Host) (routing.PeerRouting, error) {
			var err error
			kdht, err = dht.New(ctx, h,
				dht.Mode(dht.ModeServer),
				dht.ProtocolPrefix(DHTProtocolPrefix),
				dht.BootstrapPeers(),
				dht.NamespacedValidator(protocol.RecordNamespace, protocol.RecordValidator{}),
			)
			return kdht, err
		}),
	)
	if err != nil {
		cancel()
		return nil, errs.Wrap(errs.CodeTransportFailure, "failed to create host", err)
	}
	n.host = h
	n.dht = kdht
	n.queues = newQueueManager(ctx, h, n.log, n.emit)
	n.pingService = ping.NewPingService(h)
	n.routingDiscovery = drouting.NewRoutingDiscovery(kdht)

	if err := n.watchConnections(); err != nil {
		n.Close()
		return nil, err
	}

	h.SetStreamHandler(libp2pprotocol.ID(protocol.DirectProtocol), n.handleDirectStream)
	h.SetStreamHandler(libp2pprotocol.ID(protocol.TransferProtocol), n.handleTransferStream)

	ps, err := pubsub.NewGossipSub(ctx, h, pubsub.WithDiscovery(n.routingDiscovery))
	if err != nil {
		n.Close()
		return nil, errs.Wrap(errs.CodeTransportFailure, "failed to create pubsub", err)
	}
	n.pubsub = ps

	if cfg.Topic != "" {
		if _, err := n.join(cfg.Topic); err != nil {
			n.Close()
			return nil, err
		}
	}

	if cfg.EnableMDNS {
		n.mdnsService = mdns.NewMdnsService(h, cfg.MDNSServiceTag, n)
		if err := n.mdnsService.Start(); err != nil {
			n.Close()
			return nil, errs.Wrap(errs.CodeTransportFailure, "failed to start mDNS", err)
		}
	}

	n.bootstrap()
	if err := kdht.Bootstrap(ctx); err != nil {
		n.log.Warn("DHT bootstrap warning", zap.Error(err))
	}

	if cfg.Rendezvous != "" {
		info, err := ParseRendezvous(cfg.Rendezvous, cfg.RendezvousPort, cfg.RendezvousPeer)
		if err != nil {
			n.log.Warn("rendezvous disabled", zap.Error(err))
			n.emit(Event{Kind: EventRendezvousFailed, Err: errs.Wrap(errs.CodeTransportFailure, "rendezvous address", err)})
		} else {
			n.rendezvous = &info
			n.wg.Add(1)
			go n.rendezvousLoop(info)
		}
	}

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.queues.idleStreamMonitor(cfg.IdleStreamTimeout)
	}()

	n.log.Info("node started",
		zap.Stringer("peerID", h.ID()),
		zap.Strings("addrs", multiaddrsToStrings(n.Addrs())))
	return n, nil
}

// ParseRendezvous resolves the configured rendezvous point. A multiaddr
// carrying /p2p/<id> needs nothing else; a bare host is dialled on port and
// needs peerID.
func ParseRendezvous(addr string, port int, peerID string) (peer.AddrInfo, error) {
	var maddr multiaddr.Multiaddr
	var err error
	if strings.HasPrefix(addr, "/") {
		maddr, err = multiaddr.NewMultiaddr(addr)
	} else {
		proto := "dns"
		if ip := net.ParseIP(addr); ip != nil {
			proto = "ip4"
			if ip.To4() == nil {
				proto = "ip6"
			}
		}
		maddr, err = multiaddr.NewMultiaddr(fmt.Sprintf("/%s/%s/tcp/%d", proto, addr, port))
	}
	if err != nil {
		return peer.AddrInfo{}, fmt.Errorf("invalid rendezvous address %q: %w", addr, err)
	}

	if info, err := peer.AddrInfoFromP2pAddr(maddr); err == nil {
		return *info, nil
	}
	if peerID == "" {
		return peer.AddrInfo{}, fmt.Errorf("rendezvous %q has no peer ID", addr)
	}
	id, err := peer.Decode(peerID)
	if err != nil {
		return peer.AddrInfo{}, fmt.Errorf("invalid rendezvous peer ID: %w", err)
	}
	return peer.AddrInfo{ID: id, Addrs: []multiaddr.Multiaddr{maddr}}, nil
}

func (n *Node) ID() peer.ID { return n.host.ID() }

func (n *Node) Events() <-chan Event { return n.events }

// Addrs returns the full dialable addresses of this node.
func (n *Node) Addrs() []multiaddr.Multiaddr {
	info := peer.AddrInfo{ID: n.host.ID(), Addrs: n.host.Addrs()}
	addrs, err := peer.AddrInfoToP2pAddrs(&info)
	if err != nil {
		return nil
	}
	return addrs
}

// Block disconnects p and refuses further connections from it.
func (n *Node) Block(p peer.ID) {
	n.gater.Block(p)
	_ = n.host.Network().ClosePeer(p)
}

func (n *Node) emit(ev Event) {
	select {
	case n.events <- ev:
	case <-n.ctx.Done():
	}
}

// HandlePeerFound implements mdns.Notifee
func (n *Node) HandlePeerFound(pi peer.AddrInfo) {
	if pi.ID == n.host.ID() {
		return
	}
	n.log.Debug("discovered peer via mDNS", zap.Stringer("peerID", pi.ID))
	n.emit(Event{Kind: EventPeerDiscovered, Peer: pi.ID, Source: "mdns"})
	go n.connect(pi)
}

func (n *Node) connect(pi peer.AddrInfo) {
	if n.host.Network().Connectedness(pi.ID) == network.Connected {
		return
	}
	ctx, cancel := context.WithTimeout(n.ctx, 10*time.Second)
	defer cancel()
	if err := n.host.Connect(ctx, pi); err != nil {
		n.log.Debug("failed to connect to discovered peer", zap.Stringer("peerID", pi.ID), zap.Error(err))
	}
}

func (n *Node) bootstrap() {
	for _, addr := range n.cfg.BootstrapPeers {
		maddr, err := multiaddr.NewMultiaddr(addr)
		if err != nil {
			n.log.Warn("invalid bootstrap address", zap.String("addr", addr), zap.Error(err))
			continue
		}
		info, err := peer.AddrInfoFromP2pAddr(maddr)
		if err != nil {
			n.log.Warn("invalid bootstrap address", zap.String("addr", addr), zap.Error(err))
			continue
		}
		go n.connect(*info)
	}
}

// watchConnections reports a peer as connected once identify shows it speaks
// the swapbytes direct protocol, and as disconnected when its last
// connection closes.
func (n *Node) watchConnections() error {
	sub, err := n.host.EventBus().Subscribe(new(event.EvtPeerIdentificationCompleted))
	if err != nil {
		return fmt.Errorf("failed to subscribe to identify events: %w", err)
	}

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		defer sub.Close()
		for {
			select {
			case <-n.ctx.Done():
				return
			case e, ok := <-sub.Out():
				if !ok {
					return
				}
				evt := e.(event.EvtPeerIdentificationCompleted)
				supported, err := n.host.Peerstore().SupportsProtocols(evt.Peer, libp2pprotocol.ID(protocol.DirectProtocol))
				if err != nil || len(supported) == 0 {
					continue
				}
				n.markConnected(evt.Peer)
			}
		}
	}()

	n.host.Network().Notify(&network.NotifyBundle{
		DisconnectedF: func(_ network.Network, c network.Conn) {
			p := c.RemotePeer()
			if n.host.Network().Connectedness(p) == network.Connected {
				return
			}
			n.queues.dropPeer(p)
			n.mu.Lock()
			known := n.swapPeers[p]
			delete(n.swapPeers, p)
			n.mu.Unlock()
			if known {
				go n.emit(Event{Kind: EventPeerDisconnected, Peer: p})
			}
		},
	})
	return nil
}

func (n *Node) markConnected(p peer.ID) {
	n.mu.Lock()
	already := n.swapPeers[p]
	n.swapPeers[p] = true
	n.mu.Unlock()
	if !already {
		n.emit(Event{Kind: EventPeerConnected, Peer: p})
	}
}

func (n *Node) Connected(p peer.ID) bool {
	return n.host.Network().Connectedness(p) == network.Connected
}

// join subscribes to a topic once and starts its reader.
func (n *Node) join(topic string) (*topicHandler, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if handler, exists := n.topics[topic]; exists {
		return handler, nil
	}

	t, err := n.pubsub.Join(topic)
	if err != nil {
		return nil, errs.Wrap(errs.CodeTransportFailure, "failed to join topic", err)
	}
	sub, err := t.Subscribe()
	if err != nil {
		t.Close()
		return nil, errs.Wrap(errs.CodeTransportFailure, "failed to subscribe to topic", err)
	}

	ctx, cancel := context.WithCancel(n.ctx)
	handler := &topicHandler{
		topic:        topic,
		pubsubTopic:  t,
		subscription: sub,
		cancel:       cancel,
	}
	n.topics[topic] = handler

	n.wg.Add(1)
	go n.readFromTopic(ctx, handler)
	return handler, nil
}

func (n *Node) readFromTopic(ctx context.Context, handler *topicHandler) {
	defer n.wg.Done()
	for {
		msg, err := handler.subscription.Next(ctx)
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				n.log.Warn("error reading from topic", zap.String("topic", handler.topic), zap.Error(err))
			}
			return
		}
		if msg.ReceivedFrom == n.host.ID() {
			continue
		}
		n.emit(Event{
			Kind: EventMessage,
			Peer: msg.GetFrom(),
			Message: Message{
				Channel:    ChannelTopic,
				From:       msg.GetFrom(),
				Topic:      handler.topic,
				Data:       msg.Data,
				ReceivedAt: time.Now(),
			},
		})
	}
}

func (n *Node) Publish(ctx context.Context, topic string, data []byte) error {
	handler, err := n.join(topic)
	if err != nil {
		return err
	}
	if err := handler.pubsubTopic.Publish(ctx, data); err != nil {
		return errs.Wrap(errs.CodeTransportFailure, "failed to publish", err)
	}
	return nil
}

func (n *Node) SendDirect(_ context.Context, to peer.ID, data []byte) error {
	if !n.Connected(to) {
		return errs.ForPeer(errs.CodePeerUnreachable, "no connection", to)
	}
	n.queues.enqueue(to, libp2pprotocol.ID(protocol.DirectProtocol), data)
	return nil
}

func (n *Node) handleDirectStream(s network.Stream) {
	from := s.Conn().RemotePeer()
	n.markConnected(from)
	defer s.Close()

	for {
		data, err := protocol.ReadFrame(s)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				n.log.Debug("error reading from stream", zap.Stringer("peerID", from), zap.Error(err))
				_ = s.Reset()
			}
			return
		}
		n.emit(Event{
			Kind: EventMessage,
			Peer: from,
			Message: Message{
				Channel:    ChannelDirect,
				From:       from,
				Data:       data,
				ReceivedAt: time.Now(),
			},
		})
	}
}

func (n *Node) SendTransfer(to peer.ID, hdr protocol.TransferHeader, content []byte, chunkSize int) error {
	if chunkSize <= 0 {
		return errs.New(errs.CodeInvalidArgument, "chunk size must be positive")
	}
	if !n.Connected(to) {
		return errs.ForPeer(errs.CodePeerUnreachable, "no connection", to)
	}

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		err := n.streamFile(to, hdr, content, chunkSize)
		if err != nil {
			n.log.Debug("transfer failed", zap.Stringer("peerID", to), zap.String("hash", hdr.Hash), zap.Error(err))
		}
		n.emit(Event{Kind: EventTransferSent, Peer: to, Header: hdr, Err: err})
	}()
	return nil
}

func (n *Node) streamFile(to peer.ID, hdr protocol.TransferHeader, content []byte, chunkSize int) error {
	ctx, cancel := context.WithTimeout(n.ctx, 10*time.Second)
	s, err := n.host.NewStream(ctx, to, libp2pprotocol.ID(protocol.TransferProtocol))
	cancel()
	if err != nil {
		return errs.Wrap(errs.CodePeerUnreachable, "failed to open transfer stream", err)
	}

	if err := writeJSONFrame(s, hdr); err != nil {
		_ = s.Reset()
		return errs.Wrap(errs.CodeIOFailure, "failed to write transfer header", err)
	}

	for offset := 0; offset < len(content); offset += chunkSize {
		end := min(offset+chunkSize, len(content))
		chunk := protocol.FileChunk{Hash: hdr.Hash, Offset: int64(offset), Bytes: content[offset:end]}
		_ = s.SetWriteDeadline(time.Now().Add(30 * time.Second))
		if err := writeJSONFrame(s, chunk); err != nil {
			_ = s.Reset()
			return errs.Wrap(errs.CodeIOFailure, "failed to write chunk", err)
		}
	}

	final := protocol.FileChunk{Hash: hdr.Hash, Offset: int64(len(content)), Final: true}
	if err := writeJSONFrame(s, final); err != nil {
		_ = s.Reset()
		return errs.Wrap(errs.CodeIOFailure, "failed to write final chunk", err)
	}
	return s.Close()
}

func (n *Node) handleTransferStream(s network.Stream) {
	from := s.Conn().RemotePeer()
	defer s.Close()

	var hdr protocol.TransferHeader
	_ = s.SetReadDeadline(time.Now().Add(n.cfg.TransferReadTimeout))
	if err := readJSONFrame(s, &hdr); err != nil {
		n.log.Debug("bad transfer header", zap.Stringer("peerID", from), zap.Error(err))
		_ = s.Reset()
		return
	}
	if !n.expecting(from, hdr.Nonce) {
		n.log.Debug("refusing unexpected transfer", zap.Stringer("peerID", from), zap.String("nonce", hdr.Nonce))
		_ = s.Reset()
		return
	}

	for {
		var chunk protocol.FileChunk
		_ = s.SetReadDeadline(time.Now().Add(n.cfg.TransferReadTimeout))
		if err := readJSONFrame(s, &chunk); err != nil {
			n.log.Debug("transfer stream ended early", zap.Stringer("peerID", from), zap.String("hash", hdr.Hash), zap.Error(err))
			_ = s.Reset()
			return
		}
		// The trade may have failed while this stream was open.
		if !n.expecting(from, hdr.Nonce) {
			n.log.Debug("transfer no longer wanted", zap.Stringer("peerID", from), zap.String("nonce", hdr.Nonce))
			_ = s.Reset()
			return
		}
		n.emit(Event{Kind: EventChunk, Peer: from, Header: hdr, Chunk: chunk})
		if chunk.Final {
			return
		}
	}
}

func writeJSONFrame(w io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return protocol.WriteFrame(w, data)
}

func readJSONFrame(r io.Reader, v any) error {
	data, err := protocol.ReadFrame(r)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

func (n *Node) PutRecord(key string, value []byte) {
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		ctx, cancel := context.WithTimeout(n.ctx, 30*time.Second)
		defer cancel()
		if err := n.dht.PutValue(ctx, key, value); err != nil {
			n.log.Debug("record put incomplete", zap.String("key", key), zap.Error(err))
		}
	}()
}

func (n *Node) GetRecord(key string) {
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		ctx, cancel := context.WithTimeout(n.ctx, 30*time.Second)
		defer cancel()
		value, err := n.dht.GetValue(ctx, key)
		if err != nil {
			err = errs.Wrap(errs.CodeNotFound, "record lookup failed", err)
		}
		n.emit(Event{Kind: EventRecord, Key: key, Value: value, Err: err})
	}()
}

func (n *Node) Provide(c cid.Cid) {
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		ctx, cancel := context.WithTimeout(n.ctx, 30*time.Second)
		defer cancel()
		if err := n.dht.Provide(ctx, c, true); err != nil {
			n.log.Debug("provide incomplete", zap.Stringer("cid", c), zap.Error(err))
		}
	}()
}

func (n *Node) FindProviders(c cid.Cid) {
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		ctx, cancel := context.WithTimeout(n.ctx, 30*time.Second)
		defer cancel()

		var providers []peer.ID
		for info := range n.dht.FindProvidersAsync(ctx, c, 20) {
			if info.ID == n.host.ID() {
				continue
			}
			providers = append(providers, info.ID)
		}
		n.emit(Event{Kind: EventProviders, CID: c, Providers: providers})
	}()
}

func (n *Node) Protect(p peer.ID, on bool) {
	if on {
		n.host.ConnManager().Protect(p, tradeProtectTag)
	} else {
		n.host.ConnManager().Unprotect(p, tradeProtectTag)
	}
}

func (n *Node) ExpectTransfer(p peer.ID, nonce string, on bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if on {
		n.expected[transferKey{p, nonce}] = true
	} else {
		delete(n.expected, transferKey{p, nonce})
	}
}

func (n *Node) expecting(p peer.ID, nonce string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.expected[transferKey{p, nonce}]
}

// rendezvousLoop re-dials the rendezvous point, advertises this node under
// the namespace and connects to everyone else registered there.
func (n *Node) rendezvousLoop(info peer.AddrInfo) {
	defer n.wg.Done()

	ticker := time.NewTicker(n.cfg.DiscoveryInterval)
	defer ticker.Stop()

	healthy := true
	for {
		err := n.discoverRendezvous(info)
		switch {
		case err != nil && healthy:
			healthy = false
			n.log.Warn("rendezvous unreachable, continuing with local discovery", zap.Error(err))
			n.emit(Event{Kind: EventRendezvousFailed, Peer: info.ID, Err: errs.Wrap(errs.CodeTransportFailure, "rendezvous unreachable", err)})
		case err == nil && !healthy:
			healthy = true
			n.log.Info("rendezvous reachable again", zap.Stringer("peerID", info.ID))
		}

		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (n *Node) discoverRendezvous(info peer.AddrInfo) error {
	ctx, cancel := context.WithTimeout(n.ctx, 10*time.Second)
	defer cancel()

	if err := n.host.Connect(ctx, info); err != nil {
		return err
	}
	n.host.ConnManager().Protect(info.ID, rendezvousProtectTag)

	result := <-n.pingService.Ping(ctx, info.ID)
	if result.Error != nil {
		return fmt.Errorf("ping: %w", result.Error)
	}
	n.log.Debug("rendezvous ping", zap.Duration("rtt", result.RTT))

	if _, err := n.routingDiscovery.Advertise(ctx, n.cfg.RendezvousNamespace); err != nil {
		n.log.Debug("advertise incomplete", zap.Error(err))
	}

	peerChan, err := n.routingDiscovery.FindPeers(ctx, n.cfg.RendezvousNamespace)
	if err != nil {
		return fmt.Errorf("failed to find peers: %w", err)
	}
	for p := range peerChan {
		if p.ID == n.host.ID() || p.ID == info.ID || len(p.Addrs) == 0 {
			continue
		}
		n.emit(Event{Kind: EventPeerDiscovered, Peer: p.ID, Source: "rendezvous"})
		go n.connect(p)
	}
	return nil
}

// Close shuts down discovery, topics, streams, the DHT and the host.
func (n *Node) Close() error {
	var err error
	n.closeOnce.Do(func() {
		n.cancel()

		if n.queues != nil {
			n.queues.close()
		}

		n.mu.Lock()
		for _, handler := range n.topics {
			handler.cancel()
			handler.subscription.Cancel()
			handler.pubsubTopic.Close()
		}
		n.topics = make(map[string]*topicHandler)
		n.mu.Unlock()

		if n.mdnsService != nil {
			_ = n.mdnsService.Close()
		}
		if n.dht != nil {
			_ = n.dht.Close()
		}
		err = n.host.Close()
		n.wg.Wait()
	})
	return err
}

func multiaddrsToStrings(addrs []multiaddr.Multiaddr) []string {
	out := make([]string, len(addrs))
	for i, a := range addrs {
		out[i] = a.String()
	}
	return out
}
