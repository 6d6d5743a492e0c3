package config

import "time"

// Config holds all node configuration
type Config struct {
	Network  NetworkConfig  `toml:"network"`
	Chat     ChatConfig     `toml:"chat"`
	Trade    TradeConfig    `toml:"trade"`
	Storage  StorageConfig  `toml:"storage"`
	Behavior BehaviorConfig `toml:"behavior"`
	Monitor  MonitorConfig  `toml:"monitor"`
}

// NetworkConfig holds libp2p host and discovery settings
type NetworkConfig struct {
	Port        int      `toml:"port"`
	ListenAddrs []string `toml:"listenAddrs"`
	// IdentityFile keeps the node key across restarts; empty means a new
	// identity every run
	IdentityFile string `toml:"identityFile"`

	Rendezvous          string   `toml:"rendezvous"`
	RendezvousPort      int      `toml:"rendezvousPort"`
	RendezvousPeer      string   `toml:"rendezvousPeer"`
	RendezvousNamespace string   `toml:"rendezvousNamespace"`
	DiscoveryInterval   Duration `toml:"discoveryInterval"`
	BootstrapPeers      []string `toml:"bootstrapPeers"`

	EnableMDNS     bool   `toml:"enableMDNS"`
	MDNSServiceTag string `toml:"mdnsServiceTag"`

	IdleConnectionTimeout Duration `toml:"idleConnectionTimeout"`
	LowWater              int      `toml:"lowWater"`
	HighWater             int      `toml:"highWater"`
	BlockedPeers          []string `toml:"blockedPeers"`
}

// ChatConfig holds chat topic and identity settings
type ChatConfig struct {
	Topic    string `toml:"topic"`
	Nickname string `toml:"nickname"`
}

// TradeConfig holds trade timing and transfer limits
type TradeConfig struct {
	OfferTimeout  Duration `toml:"offerTimeout"`
	StallTimeout  Duration `toml:"stallTimeout"`
	Retention     Duration `toml:"retention"`
	LookupTimeout Duration `toml:"lookupTimeout"`
	ChunkSize     int      `toml:"chunkSize"`
	MaxFileSize   int64    `toml:"maxFileSize"`
}

// StorageConfig holds where received files go
type StorageConfig struct {
	DownloadDir string `toml:"downloadDir"`
}

// BehaviorConfig holds application behavior settings
type BehaviorConfig struct {
	Verbosity int `toml:"verbosity"`
}

// MonitorConfig holds the optional metrics and event feed server
type MonitorConfig struct {
	// Listen is the HTTP address; empty disables the server
	Listen          string   `toml:"listen"`
	CheckOrigin     bool     `toml:"checkOrigin"`
	AllowedOrigins  []string `toml:"allowedOrigins"`
	ReadBufferSize  int      `toml:"readBufferSize"`
	WriteBufferSize int      `toml:"writeBufferSize"`
}

// Duration wraps time.Duration for TOML parsing
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler
func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}
