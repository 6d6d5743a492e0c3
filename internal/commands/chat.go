package commands

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/cosmqc/swapbytes/internal/config"
	"github.com/cosmqc/swapbytes/internal/console"
	"github.com/cosmqc/swapbytes/internal/logging"
	"github.com/cosmqc/swapbytes/internal/metrics"
	"github.com/cosmqc/swapbytes/internal/node"
	"github.com/cosmqc/swapbytes/internal/pidfile"
	"github.com/cosmqc/swapbytes/internal/server"
	"github.com/cosmqc/swapbytes/internal/storage"
	"github.com/cosmqc/swapbytes/internal/trade"
	"github.com/cosmqc/swapbytes/internal/transport"
)

// ChatOptions are the root command's flags.
type ChatOptions struct {
	ConfigPath string
	EnvFile    string
	config.Overrides
}

// LoadConfig resolves the configuration: defaults, then the TOML file,
// then the environment, then flags.
func LoadConfig(opts ChatOptions) (*config.Config, error) {
	var cfg *config.Config
	var err error
	if opts.ConfigPath != "" {
		cfg, err = config.LoadFromFile(opts.ConfigPath)
	} else {
		cfg, err = config.LoadFromDir(".")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	envFile := opts.EnvFile
	if envFile == "" {
		envFile = config.EnvFileName
	}
	dotenv, err := config.ReadEnvFile(envFile)
	if err != nil {
		return nil, err
	}
	if err := cfg.ApplyEnv(config.EnvLookup(dotenv)); err != nil {
		return nil, err
	}

	cfg.Merge(opts.Overrides)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// TransportConfig maps the network section onto the libp2p adapter.
func TransportConfig(cfg *config.Config) (transport.Config, error) {
	priv, err := transport.LoadOrCreateIdentity(cfg.Network.IdentityFile)
	if err != nil {
		return transport.Config{}, err
	}
	blocked := make([]peer.ID, 0, len(cfg.Network.BlockedPeers))
	for _, s := range cfg.Network.BlockedPeers {
		id, err := peer.Decode(s)
		if err != nil {
			return transport.Config{}, fmt.Errorf("invalid blocked peer %q: %w", s, err)
		}
		blocked = append(blocked, id)
	}

	tcfg := transport.DefaultConfig()
	tcfg.PrivateKey = priv
	tcfg.ListenAddrs = cfg.ListenAddrs()
	tcfg.Topic = cfg.Chat.Topic
	tcfg.EnableMDNS = cfg.Network.EnableMDNS
	tcfg.MDNSServiceTag = cfg.Network.MDNSServiceTag
	tcfg.Rendezvous = cfg.Network.Rendezvous
	tcfg.RendezvousPort = cfg.Network.RendezvousPort
	tcfg.RendezvousPeer = cfg.Network.RendezvousPeer
	tcfg.RendezvousNamespace = cfg.Network.RendezvousNamespace
	tcfg.DiscoveryInterval = cfg.Network.DiscoveryInterval.Duration
	tcfg.BootstrapPeers = cfg.Network.BootstrapPeers
	tcfg.IdleStreamTimeout = cfg.Network.IdleConnectionTimeout.Duration
	tcfg.LowWater = cfg.Network.LowWater
	tcfg.HighWater = cfg.Network.HighWater
	tcfg.BlockedPeers = blocked
	tcfg.TransferReadTimeout = cfg.Trade.StallTimeout.Duration
	return tcfg, nil
}

// NodeConfig maps the chat and trade sections onto the event loop.
func NodeConfig(cfg *config.Config, log *zap.Logger, m *metrics.Metrics) node.Config {
	ncfg := node.DefaultConfig()
	ncfg.Nickname = cfg.Chat.Nickname
	ncfg.Topic = cfg.Chat.Topic
	ncfg.ChunkSize = cfg.Trade.ChunkSize
	ncfg.LookupTimeout = cfg.Trade.LookupTimeout.Duration
	ncfg.Trade = trade.Config{
		OfferTimeout: cfg.Trade.OfferTimeout.Duration,
		StallTimeout: cfg.Trade.StallTimeout.Duration,
		Retention:    cfg.Trade.Retention.Duration,
		MaxFileSize:  cfg.Trade.MaxFileSize,
	}
	ncfg.Logger = log
	ncfg.Metrics = m
	return ncfg
}

// RunChat starts a node and drives it from in until EOF or a signal.
func RunChat(opts ChatOptions, in io.Reader, out, diag io.Writer) error {
	cfg, err := LoadConfig(opts)
	if err != nil {
		return err
	}
	log := logging.New(cfg.Behavior.Verbosity, diag)
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tcfg, err := TransportConfig(cfg)
	if err != nil {
		return err
	}
	adapter, err := transport.NewNode(ctx, tcfg, log)
	if err != nil {
		return fmt.Errorf("failed to start network: %w", err)
	}
	defer adapter.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(metrics.DefaultNamespace, reg)

	store := storage.New(cfg.Storage.DownloadDir, cfg.Trade.MaxFileSize)
	n := node.New(adapter, store, NodeConfig(cfg, log, m))

	addrs := make([]string, 0)
	for _, a := range adapter.Addrs() {
		addrs = append(addrs, a.String())
	}
	startedAt := time.Now()

	var srv *server.Server
	if cfg.Monitor.Listen != "" {
		status := func() server.Status {
			return server.Status{PeerID: n.ID().String(), Addrs: addrs, StartedAt: startedAt}
		}
		srv = server.New(cfg.Monitor, reg, status, log)
		if err := srv.Start(); err != nil {
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Stop(shutdownCtx)
		}()
	}

	// Register this process in the tracking file
	entry := pidfile.Entry{PeerID: n.ID().String(), Addrs: addrs, Nickname: cfg.Chat.Nickname, StartedAt: startedAt}
	if err := pidfile.Register(entry); err != nil {
		log.Warn("failed to register process", zap.Error(err))
	}
	defer pidfile.Unregister()

	fmt.Fprintf(out, "Peer ID: %s\n", n.ID())
	for _, a := range addrs {
		fmt.Fprintf(out, "Listening on %s\n", a)
	}
	if srv != nil {
		fmt.Fprintf(out, "Monitor on http://%s/metrics\n", srv.Addr())
	}
	fmt.Fprintln(out, "Type /help for commands.")

	var renderMu sync.Mutex
	renderer := console.NewRenderer(out, n.ID())

	runErr := make(chan error, 1)
	go func() { runErr <- n.Run(ctx) }()

	go func() {
		for {
			select {
			case ev := <-n.Output():
				renderMu.Lock()
				renderer.Event(ev)
				renderMu.Unlock()
				if srv != nil {
					srv.Publish(ev)
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			fmt.Fprintln(out, "\nShutting down...")
			return <-runErr

		case err := <-runErr:
			return err

		case line, ok := <-lines:
			if !ok {
				stop()
				return <-runErr
			}
			input, err := console.Parse(line)

			renderMu.Lock()
			switch {
			case err != nil:
				renderer.Result(nil, node.Result{Err: err})
				renderMu.Unlock()
				continue
			case input.Help:
				renderer.Help()
				renderMu.Unlock()
				continue
			}
			renderMu.Unlock()

			if input.Command == nil {
				continue
			}
			res := n.Do(ctx, input.Command)
			renderMu.Lock()
			renderer.Result(input.Command, res)
			renderMu.Unlock()
		}
	}
}
