package config

import "time"

// Default values shared by all networks.
const (
	DefaultLookahead     = 20
	DefaultFinalityDepth = 6
	DefaultMaxReorgDepth = 1000
	DefaultDustLimit     = 546
	DefaultFeeRate       = 2
	DefaultBatchSize     = 2000
	DefaultPeerRate      = 20
	DefaultConnections   = 3
	DefaultCompactEvery  = 5000
	DefaultPeerTimeout   = 10 * time.Second
	DefaultPollInterval  = 30 * time.Second
)

// DefaultMainnet returns the default configuration for mainnet.
func DefaultMainnet() *Config {
	return &Config{
		Network: Mainnet,
		DataDir: DefaultDataDir(),
		Wallet: WalletConfig{
			Keystore:  "default",
			Lookahead: DefaultLookahead,
		},
		Chain: ChainConfig{
			FinalityDepth: DefaultFinalityDepth,
			MaxReorgDepth: DefaultMaxReorgDepth,
		},
		Sync: SyncConfig{
			PeerTimeout:  DefaultPeerTimeout,
			PollInterval: DefaultPollInterval,
			BatchSize:    DefaultBatchSize,
			PeerRate:     DefaultPeerRate,
			CompactEvery: DefaultCompactEvery,
		},
		Fee: FeeConfig{
			DustLimit:   DefaultDustLimit,
			DefaultRate: DefaultFeeRate,
		},
		P2P: P2PConfig{
			Enabled:     true,
			ListenAddr:  "0.0.0.0",
			Port:        30333,
			MaxPeers:    32,
			Connections: DefaultConnections,
			// Seed multiaddrs, e.g. "/dns4/seed1.example.org/tcp/30333/p2p/12D3KooW...".
			Seeds: []string{},
		},
		RPC: RPCConfig{
			Enabled:    true,
			Addr:       "127.0.0.1",
			Port:       8555,
			AllowedIPs: []string{"127.0.0.1"},
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Addr:    "127.0.0.1:9555",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// DefaultTestnet returns the default configuration for testnet3.
func DefaultTestnet() *Config {
	cfg := DefaultMainnet()
	cfg.Network = Testnet
	cfg.Chain.FinalityDepth = 3
	cfg.P2P.Port = 30334
	cfg.RPC.Port = 8655
	cfg.Metrics.Addr = "127.0.0.1:9655"
	return cfg
}

// DefaultSignet returns the default configuration for signet.
func DefaultSignet() *Config {
	cfg := DefaultTestnet()
	cfg.Network = Signet
	cfg.P2P.Port = 30336
	cfg.RPC.Port = 8855
	cfg.Metrics.Addr = "127.0.0.1:9855"
	return cfg
}

// DefaultRegtest returns the default configuration for regtest.
func DefaultRegtest() *Config {
	cfg := DefaultMainnet()
	cfg.Network = Regtest
	cfg.Chain.FinalityDepth = 1
	cfg.Fee.DefaultRate = 1
	cfg.P2P.Port = 30335
	cfg.P2P.NoDiscover = true
	cfg.RPC.Port = 8755
	cfg.Metrics.Addr = "127.0.0.1:9755"
	cfg.Sync.PollInterval = 5 * time.Second
	return cfg
}

// Default returns the default configuration for the given network.
func Default(network NetworkType) *Config {
	switch network {
	case Testnet:
		return DefaultTestnet()
	case Signet:
		return DefaultSignet()
	case Regtest:
		return DefaultRegtest()
	default:
		return DefaultMainnet()
	}
}
