package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

const (
	ConfigFileName = "swapbytes.toml"
	EnvFileName    = ".env"
	EnvPrefix      = "SWAPBYTES_"
)

// LoadFromDir loads configuration from a directory
// Returns default config if file doesn't exist
func LoadFromDir(baseDir string) (*Config, error) {
	configPath := filepath.Join(baseDir, ConfigFileName)

	// Check if config file exists
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		// No config file, return defaults
		return DefaultConfig(), nil
	}
	return LoadFromFile(configPath)
}

// LoadFromFile loads configuration from an explicit path, which must exist
func LoadFromFile(path string) (*Config, error) {
	cfg := DefaultConfig()
	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Reject typos rather than silently using defaults
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, fmt.Errorf("unknown config keys in %s: %s", path, strings.Join(keys, ", "))
	}
	return cfg, nil
}

// ReadEnvFile reads KEY=value pairs from a dotenv file
// A missing file yields no values
func ReadEnvFile(path string) (map[string]string, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return map[string]string{}, nil
	}
	values, err := godotenv.Read(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return values, nil
}

// EnvLookup checks the process environment first, then the dotenv values
func EnvLookup(dotenv map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		if v, ok := os.LookupEnv(key); ok {
			return v, true
		}
		v, ok := dotenv[key]
		return v, ok
	}
}

// ApplyEnv overrides configuration from SWAPBYTES_* variables
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup(EnvPrefix + "PORT"); ok && v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %sPORT %q: %w", EnvPrefix, v, err)
		}
		c.Network.Port = port
	}
	if v, ok := lookup(EnvPrefix + "RENDEZVOUS"); ok {
		c.Network.Rendezvous = v
	}
	if v, ok := lookup(EnvPrefix + "RENDEZVOUS_PEER"); ok {
		c.Network.RendezvousPeer = v
	}
	if v, ok := lookup(EnvPrefix + "IDENTITY_FILE"); ok {
		c.Network.IdentityFile = v
	}
	if v, ok := lookup(EnvPrefix + "NICK"); ok {
		c.Chat.Nickname = v
	}
	if v, ok := lookup(EnvPrefix + "DOWNLOAD_DIR"); ok && v != "" {
		c.Storage.DownloadDir = v
	}
	if v, ok := lookup(EnvPrefix + "MONITOR"); ok {
		c.Monitor.Listen = v
	}
	return nil
}

// Overrides are command-line flag values; zero values leave the config alone
type Overrides struct {
	Port         int
	Rendezvous   string
	Nickname     string
	DownloadDir  string
	Monitor      string
	IdentityFile string
	NoMDNS       bool
	Verbosity    int
}

// Merge merges command-line flags into configuration
// Flags take precedence over config file and environment values
func (c *Config) Merge(o Overrides) {
	// Only override if flag was explicitly set
	if o.Port != 0 {
		c.Network.Port = o.Port
	}
	if o.Rendezvous != "" {
		c.Network.Rendezvous = o.Rendezvous
	}
	if o.Nickname != "" {
		c.Chat.Nickname = o.Nickname
	}
	if o.DownloadDir != "" {
		c.Storage.DownloadDir = o.DownloadDir
	}
	if o.Monitor != "" {
		c.Monitor.Listen = o.Monitor
	}
	if o.IdentityFile != "" {
		c.Network.IdentityFile = o.IdentityFile
	}

	// noMDNS flag overrides enableMDNS
	if o.NoMDNS {
		c.Network.EnableMDNS = false
	}

	// verbosity flag overrides config
	if o.Verbosity > 0 {
		c.Behavior.Verbosity = o.Verbosity
	}
}

// ListenAddrs returns the configured listen addresses, or TCP and QUIC on Port
func (c *Config) ListenAddrs() []string {
	if len(c.Network.ListenAddrs) > 0 {
		return c.Network.ListenAddrs
	}
	return []string{
		fmt.Sprintf("/ip4/0.0.0.0/tcp/%d", c.Network.Port),
		fmt.Sprintf("/ip4/0.0.0.0/udp/%d/quic-v1", c.Network.Port),
	}
}

// Validate checks if configuration values are valid
func (c *Config) Validate() error {
	// Validate ports
	if c.Network.Port < 0 || c.Network.Port > 65535 {
		return fmt.Errorf("invalid port: %d (must be 0-65535)", c.Network.Port)
	}
	if c.Network.RendezvousPort < 1 || c.Network.RendezvousPort > 65535 {
		return fmt.Errorf("invalid rendezvous port: %d (must be 1-65535)", c.Network.RendezvousPort)
	}

	// Validate timeouts (must be positive)
	timeouts := []struct {
		name string
		d    Duration
	}{
		{"discovery interval", c.Network.DiscoveryInterval},
		{"idle connection timeout", c.Network.IdleConnectionTimeout},
		{"offer timeout", c.Trade.OfferTimeout},
		{"stall timeout", c.Trade.StallTimeout},
		{"retention", c.Trade.Retention},
		{"lookup timeout", c.Trade.LookupTimeout},
	}
	for _, t := range timeouts {
		if t.d.Duration <= 0 {
			return fmt.Errorf("invalid %s: %v (must be positive)", t.name, t.d)
		}
	}

	// Validate transfer limits
	if c.Trade.ChunkSize < 1<<10 || c.Trade.ChunkSize > 1<<20 {
		return fmt.Errorf("invalid chunk size: %d (must be 1KiB-1MiB)", c.Trade.ChunkSize)
	}
	if c.Trade.MaxFileSize <= 0 {
		return fmt.Errorf("invalid max file size: %d (must be positive)", c.Trade.MaxFileSize)
	}

	// Validate connection limits
	if c.Network.LowWater < 0 || c.Network.HighWater < c.Network.LowWater {
		return fmt.Errorf("invalid connection limits: low %d, high %d", c.Network.LowWater, c.Network.HighWater)
	}

	if c.Chat.Topic == "" {
		return fmt.Errorf("chat topic cannot be empty")
	}
	if c.Storage.DownloadDir == "" {
		return fmt.Errorf("download directory cannot be empty")
	}
	return nil
}
