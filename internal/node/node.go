// Package node runs the swapbytes event loop. One goroutine owns the peer
// directory, the file catalog and the trade coordinator; transport events,
// user commands and clock ticks are dispatched to completion one at a time.
package node

import (
	"context"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/libp2p/go-libp2p/core/peer"
	"go.uber.org/zap"

	"github.com/cosmqc/swapbytes/internal/catalog"
	"github.com/cosmqc/swapbytes/internal/directory"
	"github.com/cosmqc/swapbytes/internal/errs"
	"github.com/cosmqc/swapbytes/internal/metrics"
	"github.com/cosmqc/swapbytes/internal/protocol"
	"github.com/cosmqc/swapbytes/internal/router"
	"github.com/cosmqc/swapbytes/internal/storage"
	"github.com/cosmqc/swapbytes/internal/trade"
	"github.com/cosmqc/swapbytes/internal/transport"
)

// Config holds event loop settings.
type Config struct {
	Nickname string
	Topic    string

	// ChunkSize is the largest piece of a file sent in one transfer frame.
	ChunkSize int
	Trade     trade.Config

	// TickInterval drives trade timeouts and lookup deadlines.
	TickInterval time.Duration
	// RefreshInterval re-reads the file index of every live peer.
	RefreshInterval time.Duration
	// LookupTimeout bounds how long a command waits for directory results.
	LookupTimeout time.Duration
	OutputBuffer  int

	Logger  *zap.Logger
	Clock   clock.Clock
	Metrics *metrics.Metrics
}

// DefaultConfig returns the default loop settings.
func DefaultConfig() Config {
	return Config{
		Topic:           protocol.DefaultTopic,
		ChunkSize:       64 << 10,
		Trade:           trade.DefaultConfig(),
		TickInterval:    time.Second,
		RefreshInterval: 30 * time.Second,
		LookupTimeout:   5 * time.Second,
		OutputBuffer:    256,
	}
}

type request struct {
	cmd   Command
	reply chan Result
}

// Node is a running swapbytes peer.
type Node struct {
	cfg     Config
	log     *zap.Logger
	clk     clock.Clock
	metrics *metrics.Metrics

	adapter transport.Adapter
	store   *storage.Store
	self    peer.ID

	nickname string
	dir      *directory.Directory
	cat      *catalog.Catalog
	router   *router.Router
	trades   *trade.Coordinator
	lookups  *lookups

	ctx      context.Context
	commands chan request
	output   chan OutputEvent
	done     chan struct{}
}

// New wires a node on top of adapter. Received files are written through
// store.
func New(adapter transport.Adapter, store *storage.Store, cfg Config) *Node {
	def := DefaultConfig()
	if cfg.Topic == "" {
		cfg.Topic = def.Topic
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = def.ChunkSize
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = def.TickInterval
	}
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = def.RefreshInterval
	}
	if cfg.LookupTimeout <= 0 {
		cfg.LookupTimeout = def.LookupTimeout
	}
	if cfg.OutputBuffer <= 0 {
		cfg.OutputBuffer = def.OutputBuffer
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}

	n := &Node{
		cfg:      cfg,
		log:      cfg.Logger.Named("node"),
		clk:      cfg.Clock,
		metrics:  cfg.Metrics,
		adapter:  adapter,
		store:    store,
		self:     adapter.ID(),
		nickname: cfg.Nickname,
		ctx:      context.Background(),
		commands: make(chan request),
		output:   make(chan OutputEvent, cfg.OutputBuffer),
		done:     make(chan struct{}),
	}
	n.dir = directory.New(n.self, n.clk)
	n.cat = catalog.New(n.self, &directoryPublisher{n: n}, n.clk)
	n.router = router.New(adapter, cfg.Topic, func() string { return n.nickname }, n.clk)
	n.trades = trade.New(n.self, n.cat, &tradeEnv{n: n}, n.clk, cfg.Trade)
	n.trades.Observe(n.observeTrade)
	n.lookups = newLookups()
	return n
}

// ID returns the local identity.
func (n *Node) ID() peer.ID { return n.self }

// Output returns the stream of user-visible events.
func (n *Node) Output() <-chan OutputEvent { return n.output }

// Run dispatches events until ctx is cancelled or the transport stops.
func (n *Node) Run(ctx context.Context) error {
	n.ctx = ctx
	defer close(n.done)

	tick := n.clk.Ticker(n.cfg.TickInterval)
	defer tick.Stop()
	refresh := n.clk.Ticker(n.cfg.RefreshInterval)
	defer refresh.Stop()

	if n.nickname != "" {
		if err := n.router.AnnounceNickname(ctx, n.nickname); err != nil {
			n.log.Debug("initial nickname announcement failed", zap.Error(err))
		}
	}

	events := n.adapter.Events()
	for {
		select {
		case <-ctx.Done():
			n.lookups.abandon()
			return nil

		case ev, ok := <-events:
			if !ok {
				return errs.New(errs.CodeTransportFailure, "transport closed")
			}
			n.handleEvent(ev)

		case req := <-n.commands:
			n.execute(req)

		case now := <-tick.C:
			n.tick(now)

		case <-refresh.C:
			n.refreshIndexes(nil)
		}
		n.metrics.SetSizes(n.dir.Len(), n.cat.Len(), len(n.trades.Active()))
	}
}

// Submit queues cmd for the loop. The reply channel receives exactly one
// Result, or an error if the loop has stopped.
func (n *Node) Submit(cmd Command) <-chan Result {
	reply := make(chan Result, 1)
	go func() {
		select {
		case n.commands <- request{cmd: cmd, reply: reply}:
		case <-n.done:
			reply <- Result{Err: errs.New(errs.CodeInvalidState, "node stopped")}
		}
	}()
	return reply
}

// Do runs cmd and waits for its result.
func (n *Node) Do(ctx context.Context, cmd Command) Result {
	reply := make(chan Result, 1)
	select {
	case n.commands <- request{cmd: cmd, reply: reply}:
	case <-n.done:
		return Result{Err: errs.New(errs.CodeInvalidState, "node stopped")}
	case <-ctx.Done():
		return Result{Err: ctx.Err()}
	}
	select {
	case res := <-reply:
		return res
	case <-ctx.Done():
		return Result{Err: ctx.Err()}
	}
}

// emit hands ev to the output consumer without blocking the loop.
func (n *Node) emit(ev OutputEvent) {
	if ev.Time.IsZero() {
		ev.Time = n.clk.Now()
	}
	select {
	case n.output <- ev:
	default:
		n.metrics.OutputDropped()
		n.log.Warn("output consumer is behind, dropping event", zap.Stringer("kind", ev.Kind))
	}
}

func (n *Node) tick(now time.Time) {
	for _, ev := range n.trades.Tick(now) {
		n.emitTrade(ev)
	}
	n.lookups.expire(now)
}

func (n *Node) observeTrade(o trade.Offer) {
	var took time.Duration
	if o.State == trade.Completed && !o.AcceptedAt.IsZero() {
		took = o.UpdatedAt.Sub(o.AcceptedAt)
	}
	n.metrics.TradeFinished(o.State.String(), took)
}
