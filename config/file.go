package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix is the prefix for environment overrides, e.g.
// KLINGNET_SPV_CHAIN_FINALITY_DEPTH=3.
const EnvPrefix = "KLINGNET_SPV"

// Config file errors.
var (
	ErrNoConfigFile   = errors.New("config file does not exist")
	ErrConfigExists   = errors.New("config file already exists")
	ErrUnknownSetting = errors.New("unknown config setting")
)

// LoadOptions selects which config to load and how to override it.
type LoadOptions struct {
	Network   NetworkType
	DataDir   string
	Overrides map[string]interface{} // Highest precedence (CLI flags).
	SkipFile  bool                   // Ignore the config file.
}

// settings flattens cfg into viper keys. Durations are rendered as strings so
// the file stays human readable.
func settings(c *Config) map[string]interface{} {
	return map[string]interface{}{
		"wallet.keystore":       c.Wallet.Keystore,
		"wallet.account":        c.Wallet.Account,
		"wallet.lookahead":      c.Wallet.Lookahead,
		"wallet.birth":          c.Wallet.Birth,
		"chain.finality_depth":  c.Chain.FinalityDepth,
		"chain.max_reorg_depth": c.Chain.MaxReorgDepth,
		"chain.root_header":     c.Chain.RootHeader,
		"chain.root_height":     c.Chain.RootHeight,
		"sync.peer_timeout":     c.Sync.PeerTimeout.String(),
		"sync.poll_interval":    c.Sync.PollInterval.String(),
		"sync.batch_size":       c.Sync.BatchSize,
		"sync.peer_rate":        c.Sync.PeerRate,
		"sync.compact_every":    c.Sync.CompactEvery,
		"fee.dust_limit":        c.Fee.DustLimit,
		"fee.default_rate":      c.Fee.DefaultRate,
		"p2p.enabled":           c.P2P.Enabled,
		"p2p.listen":            c.P2P.ListenAddr,
		"p2p.port":              c.P2P.Port,
		"p2p.seeds":             c.P2P.Seeds,
		"p2p.maxpeers":          c.P2P.MaxPeers,
		"p2p.connections":       c.P2P.Connections,
		"p2p.nodiscover":        c.P2P.NoDiscover,
		"p2p.dhtserver":         c.P2P.DHTServer,
		"rpc.enabled":           c.RPC.Enabled,
		"rpc.addr":              c.RPC.Addr,
		"rpc.port":              c.RPC.Port,
		"rpc.allowed":           c.RPC.AllowedIPs,
		"metrics.enabled":       c.Metrics.Enabled,
		"metrics.addr":          c.Metrics.Addr,
		"log.level":             c.Log.Level,
		"log.file":              c.Log.File,
		"log.json":              c.Log.JSON,
	}
}

// Keys returns every settable config key in sorted order.
func Keys() []string {
	s := settings(DefaultMainnet())
	keys := make([]string, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func newViper(def *Config) *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	v.SetDefault("network", string(def.Network))
	v.SetDefault("datadir", def.DataDir)
	for k, val := range settings(def) {
		v.SetDefault(k, val)
	}
	return v
}

// Load resolves the configuration for a network.
func Load(opts LoadOptions) (*Config, error) {
	// Network and datadir decide where the file lives, so resolve them
	// first from options, then env, then defaults.
	pre := newViper(DefaultMainnet())
	network := opts.Network
	if network == "" {
		network = NetworkType(pre.GetString("network"))
	}
	def := Default(network)
	dataDir := opts.DataDir
	if dataDir == "" {
		dataDir = pre.GetString("datadir")
	}
	def.DataDir = dataDir

	v := newViper(def)
	path := FilePath(dataDir, network)
	if !opts.SkipFile {
		if _, err := os.Stat(path); err == nil {
			v.SetConfigFile(path)
			v.SetConfigType("toml")
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
		} else if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("stat config %s: %w", path, err)
		}
	}
	for k, val := range opts.Overrides {
		v.Set(k, val)
	}
	v.Set("network", string(network))
	v.Set("datadir", dataDir)

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// InitFile writes cfg as a new config file. It refuses to overwrite an
// existing one.
func InitFile(cfg *Config) error {
	if err := Validate(cfg); err != nil {
		return err
	}
	path := cfg.ConfigFile()
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%w: %s", ErrConfigExists, path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	v := viper.New()
	for k, val := range settings(cfg) {
		v.Set(k, val)
	}
	v.SetConfigType("toml")
	if err := v.SafeWriteConfigAs(path); err != nil {
		return fmt.Errorf("write config %s: %w", path, err)
	}
	return nil
}

// Update sets one key in an existing config file after validating the
// resulting configuration.
func Update(dataDir string, network NetworkType, key, value string) error {
	if !isKnownKey(key) {
		return fmt.Errorf("%w: %q", ErrUnknownSetting, key)
	}
	path := FilePath(dataDir, network)
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrNoConfigFile, path)
		}
		return fmt.Errorf("stat config %s: %w", path, err)
	}

	file := viper.New()
	file.SetConfigFile(path)
	file.SetConfigType("toml")
	if err := file.ReadInConfig(); err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	file.Set(key, value)

	// Validate the merged result before touching disk.
	def := Default(network)
	def.DataDir = dataDir
	check := newViper(def)
	if err := check.MergeConfigMap(file.AllSettings()); err != nil {
		return fmt.Errorf("merge config: %w", err)
	}
	check.Set("network", string(network))
	check.Set("datadir", dataDir)
	cfg := &Config{}
	if err := check.Unmarshal(cfg); err != nil {
		return fmt.Errorf("decode config: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return err
	}

	if err := file.WriteConfigAs(path); err != nil {
		return fmt.Errorf("write config %s: %w", path, err)
	}
	return nil
}

// Remove deletes the config file for a network.
func Remove(dataDir string, network NetworkType) error {
	path := FilePath(dataDir, network)
	if err := os.Remove(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrNoConfigFile, path)
		}
		return fmt.Errorf("remove config %s: %w", path, err)
	}
	return nil
}

func isKnownKey(key string) bool {
	_, ok := settings(DefaultMainnet())[key]
	return ok
}
