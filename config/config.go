// Package config handles application configuration.
//
// Settings are layered: built-in defaults for the selected network, then the
// per-network config file, then KLINGNET_SPV_* environment variables, then
// explicit overrides (command-line flags).
package config

import (
	"path/filepath"
	"time"

	"github.com/btcsuite/btcd/btcutil"
)

// AppName is used for the default data directory and the config file name.
const AppName = "klingnet-spv"

// NetworkType identifies the Bitcoin network the wallet follows.
type NetworkType string

const (
	Mainnet NetworkType = "mainnet"
	Testnet NetworkType = "testnet"
	Regtest NetworkType = "regtest"
	Signet  NetworkType = "signet"
)

// Config holds wallet-engine runtime configuration.
type Config struct {
	Network NetworkType `mapstructure:"network"`
	DataDir string      `mapstructure:"datadir"`

	Wallet  WalletConfig  `mapstructure:"wallet"`
	Chain   ChainConfig   `mapstructure:"chain"`
	Sync    SyncConfig    `mapstructure:"sync"`
	Fee     FeeConfig     `mapstructure:"fee"`
	P2P     P2PConfig     `mapstructure:"p2p"`
	RPC     RPCConfig     `mapstructure:"rpc"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	Log     LogConfig     `mapstructure:"log"`
}

// WalletConfig holds key hierarchy and keystore settings.
type WalletConfig struct {
	Keystore  string `mapstructure:"keystore"`  // Keystore file name inside KeystoreDir.
	Account   uint32 `mapstructure:"account"`   // BIP-84 account index.
	Lookahead uint32 `mapstructure:"lookahead"` // Scripts watched past each watermark.
	Birth     int64  `mapstructure:"birth"`     // Unix time; older blocks are never scanned.
}

// ChainConfig holds header chain policy.
type ChainConfig struct {
	// FinalityDepth is the number of headers (including the containing one)
	// after which a confirmation counts toward the confirmed balance.
	FinalityDepth int32 `mapstructure:"finality_depth"`
	MaxReorgDepth int32 `mapstructure:"max_reorg_depth"`
	// RootHeader optionally replaces genesis with a trusted 80-byte header
	// (hex) at RootHeight, so sync starts near the wallet birthday.
	RootHeader string `mapstructure:"root_header"`
	RootHeight int32  `mapstructure:"root_height"`
}

// SyncConfig holds sync driver settings.
type SyncConfig struct {
	PeerTimeout  time.Duration `mapstructure:"peer_timeout"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	BatchSize    int           `mapstructure:"batch_size"` // Headers per request.
	PeerRate     int           `mapstructure:"peer_rate"`  // Requests per second per peer.
	CompactEvery int           `mapstructure:"compact_every"`
}

// FeeConfig holds transaction builder defaults.
type FeeConfig struct {
	DustLimit   int64 `mapstructure:"dust_limit"`   // Satoshis.
	DefaultRate int64 `mapstructure:"default_rate"` // Sat/vbyte.
}

// P2PConfig holds peer-to-peer network settings.
type P2PConfig struct {
	Enabled     bool     `mapstructure:"enabled"`
	ListenAddr  string   `mapstructure:"listen"`
	Port        int      `mapstructure:"port"`
	Seeds       []string `mapstructure:"seeds"`
	MaxPeers    int      `mapstructure:"maxpeers"`
	Connections int      `mapstructure:"connections"` // Peers used for sync.
	NoDiscover  bool     `mapstructure:"nodiscover"`
	DHTServer   bool     `mapstructure:"dhtserver"`
	ClearBans   bool     `mapstructure:"-"` // Clear all peer bans on startup (not persisted).
}

// RPCConfig holds RPC server settings.
type RPCConfig struct {
	Enabled    bool     `mapstructure:"enabled"`
	Addr       string   `mapstructure:"addr"`
	Port       int      `mapstructure:"port"`
	AllowedIPs []string `mapstructure:"allowed"`
}

// MetricsConfig holds the Prometheus endpoint settings.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level string `mapstructure:"level"`
	File  string `mapstructure:"file"`
	JSON  bool   `mapstructure:"json"`
}

// =============================================================================
// Directory helpers
// =============================================================================

// DefaultDataDir returns the platform-specific default data directory.
func DefaultDataDir() string {
	return btcutil.AppDataDir(AppName, false)
}

// NetworkDir returns the network-specific data directory.
func (c *Config) NetworkDir() string {
	return NetworkDir(c.DataDir, c.Network)
}

// NetworkDir returns <datadir>/<network>.
func NetworkDir(dataDir string, network NetworkType) string {
	return filepath.Join(dataDir, string(network))
}

// WalletDBDir returns the wallet database directory.
func (c *Config) WalletDBDir() string {
	return filepath.Join(c.NetworkDir(), "wallet.db")
}

// KeystoreDir returns the keystore directory.
func (c *Config) KeystoreDir() string {
	return filepath.Join(c.NetworkDir(), "keystore")
}

// LogsDir returns the logs directory.
func (c *Config) LogsDir() string {
	return filepath.Join(c.DataDir, "logs")
}

// ConfigFile returns the config file path.
func (c *Config) ConfigFile() string {
	return FilePath(c.DataDir, c.Network)
}

// FilePath returns the config file path for a data directory and network.
func FilePath(dataDir string, network NetworkType) string {
	return filepath.Join(NetworkDir(dataDir, network), AppName+".toml")
}
