package config

import "time"

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		Network: NetworkConfig{
			Port:                  0, // OS-assigned
			RendezvousPort:        62649,
			RendezvousNamespace:   "rendezvous",
			DiscoveryInterval:     Duration{30 * time.Second},
			EnableMDNS:            true,
			MDNSServiceTag:        "swapbytes",
			IdleConnectionTimeout: Duration{60 * time.Second},
			LowWater:              64,
			HighWater:             192,
		},
		Chat: ChatConfig{
			Topic: "chat",
		},
		Trade: TradeConfig{
			OfferTimeout:  Duration{5 * time.Minute},
			StallTimeout:  Duration{30 * time.Second},
			Retention:     Duration{2 * time.Minute},
			LookupTimeout: Duration{5 * time.Second},
			ChunkSize:     64 << 10,
			MaxFileSize:   256 << 20,
		},
		Storage: StorageConfig{
			DownloadDir: ".",
		},
		Behavior: BehaviorConfig{
			Verbosity: 0,
		},
		Monitor: MonitorConfig{
			CheckOrigin:     false, // Allow all origins by default
			AllowedOrigins:  []string{},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}
