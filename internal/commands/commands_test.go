package commands

import (
	"bytes"
	"crypto/rand"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cosmqc/swapbytes/internal/config"
	"github.com/cosmqc/swapbytes/internal/pidfile"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestLoadConfig_Precedence(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "swapbytes.toml")
	envPath := filepath.Join(dir, "test.env")
	writeFile(t, cfgPath, `
[network]
port = 4000
rendezvous = "10.0.0.1"

[chat]
nickname = "fromfile"
`)
	writeFile(t, envPath, "SWAPBYTES_PORT=5000\nSWAPBYTES_NICK=fromenv\n")

	cfg, err := LoadConfig(ChatOptions{
		ConfigPath: cfgPath,
		EnvFile:    envPath,
		Overrides:  config.Overrides{Nickname: "fromflag", NoMDNS: true},
	})
	require.NoError(t, err)
	assert.Equal(t, 5000, cfg.Network.Port)
	assert.Equal(t, "10.0.0.1", cfg.Network.Rendezvous)
	assert.Equal(t, "fromflag", cfg.Chat.Nickname)
	assert.False(t, cfg.Network.EnableMDNS)
}

func TestLoadConfig_Invalid(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "swapbytes.toml")
	writeFile(t, cfgPath, "[trade]\nchunkSize = 10\n")

	_, err := LoadConfig(ChatOptions{ConfigPath: cfgPath, EnvFile: filepath.Join(dir, "missing.env")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "chunk size")
}

func TestTransportConfig(t *testing.T) {
	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.Network.Port = 7000
	cfg.Network.IdentityFile = filepath.Join(dir, "identity.key")
	cfg.Network.RendezvousPeer = "12D3KooWRendezvous"
	cfg.Chat.Topic = "lobby"

	tcfg, err := TransportConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, []string{"/ip4/0.0.0.0/tcp/7000", "/ip4/0.0.0.0/udp/7000/quic-v1"}, tcfg.ListenAddrs)
	assert.Equal(t, "lobby", tcfg.Topic)
	assert.Equal(t, "12D3KooWRendezvous", tcfg.RendezvousPeer)
	assert.Equal(t, 30*time.Second, tcfg.DiscoveryInterval)
	assert.Equal(t, cfg.Trade.StallTimeout.Duration, tcfg.TransferReadTimeout)
	require.NotNil(t, tcfg.PrivateKey)

	// Same identity on the next run
	again, err := TransportConfig(cfg)
	require.NoError(t, err)
	assert.True(t, tcfg.PrivateKey.Equals(again.PrivateKey))

	cfg.Network.BlockedPeers = []string{"not-a-peer"}
	_, err = TransportConfig(cfg)
	assert.Error(t, err)
}

func TestNodeConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Chat.Nickname = "alice"
	cfg.Trade.StallTimeout = config.Duration{Duration: 10 * time.Second}

	ncfg := NodeConfig(cfg, nil, nil)
	assert.Equal(t, "alice", ncfg.Nickname)
	assert.Equal(t, cfg.Trade.ChunkSize, ncfg.ChunkSize)
	assert.Equal(t, 10*time.Second, ncfg.Trade.StallTimeout)
	assert.Equal(t, cfg.Trade.MaxFileSize, ncfg.Trade.MaxFileSize)
}

func TestPrintEntries(t *testing.T) {
	var buf bytes.Buffer
	printEntries(&buf, nil, false, pidfile.CommandLine)
	assert.Equal(t, "No running swapbytes nodes found\n", buf.String())

	priv, _, err := crypto.GenerateEd25519Key(rand.Reader)
	require.NoError(t, err)
	id, err := peer.IDFromPrivateKey(priv)
	require.NoError(t, err)
	entries := []pidfile.Entry{
		{PID: 41, PeerID: id.String(), Nickname: "alice", Addrs: []string{"/ip4/127.0.0.1/tcp/4001"}, StartedAt: time.Now()},
		{PID: 42, PeerID: "garbled", StartedAt: time.Now()},
	}

	buf.Reset()
	printEntries(&buf, entries, false, func(int32) string { return "swapbytes --nick alice" })
	out := buf.String()
	assert.Contains(t, out, "Running swapbytes nodes (2):")
	assert.Contains(t, out, "alice")
	assert.Contains(t, out, "garbled")
	assert.NotContains(t, out, "/ip4/127.0.0.1/tcp/4001")

	buf.Reset()
	printEntries(&buf, entries, true, func(int32) string { return "swapbytes --nick alice" })
	out = buf.String()
	assert.Contains(t, out, "/ip4/127.0.0.1/tcp/4001")
	assert.Contains(t, out, "swapbytes --nick alice")
}
