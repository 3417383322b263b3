package config

import (
	"fmt"
	"time"
)

// Validate checks runtime config for obvious operator mistakes.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if _, err := ChainParams(cfg.Network); err != nil {
		return fmt.Errorf("network must be one of %q, %q, %q, %q", Mainnet, Testnet, Regtest, Signet)
	}
	if cfg.DataDir == "" {
		return fmt.Errorf("datadir must not be empty")
	}
	if cfg.Wallet.Keystore == "" {
		return fmt.Errorf("wallet.keystore must not be empty")
	}
	if cfg.Wallet.Lookahead == 0 || cfg.Wallet.Lookahead > 1000 {
		return fmt.Errorf("wallet.lookahead must be in range [1, 1000]")
	}
	if cfg.Wallet.Account >= 1<<31 {
		return fmt.Errorf("wallet.account must be below 2^31")
	}
	if cfg.Wallet.Birth < 0 {
		return fmt.Errorf("wallet.birth must not be negative")
	}

	if cfg.Chain.FinalityDepth < 1 {
		return fmt.Errorf("chain.finality_depth must be at least 1")
	}
	if cfg.Chain.MaxReorgDepth < cfg.Chain.FinalityDepth {
		return fmt.Errorf("chain.max_reorg_depth (%d) must not be below chain.finality_depth (%d)",
			cfg.Chain.MaxReorgDepth, cfg.Chain.FinalityDepth)
	}
	if cfg.Chain.RootHeader != "" {
		if _, err := ParseHeader(cfg.Chain.RootHeader); err != nil {
			return fmt.Errorf("chain.root_header: %w", err)
		}
		if cfg.Chain.RootHeight < 0 {
			return fmt.Errorf("chain.root_height must not be negative")
		}
	}

	if cfg.Sync.PeerTimeout < 100*time.Millisecond {
		return fmt.Errorf("sync.peer_timeout must be at least 100ms")
	}
	if cfg.Sync.PollInterval < time.Second {
		return fmt.Errorf("sync.poll_interval must be at least 1s")
	}
	if cfg.Sync.BatchSize < 1 || cfg.Sync.BatchSize > 2000 {
		return fmt.Errorf("sync.batch_size must be in range [1, 2000]")
	}
	if cfg.Sync.PeerRate < 1 {
		return fmt.Errorf("sync.peer_rate must be positive")
	}
	if cfg.Sync.CompactEvery < 0 {
		return fmt.Errorf("sync.compact_every must not be negative")
	}

	if cfg.Fee.DustLimit < 0 {
		return fmt.Errorf("fee.dust_limit must not be negative")
	}
	if cfg.Fee.DefaultRate < 1 {
		return fmt.Errorf("fee.default_rate must be at least 1 sat/vbyte")
	}

	if cfg.P2P.Port < 0 || cfg.P2P.Port > 65535 {
		return fmt.Errorf("p2p.port must be in range [0, 65535]")
	}
	if cfg.P2P.Connections < 1 {
		return fmt.Errorf("p2p.connections must be at least 1")
	}
	if cfg.RPC.Port < 0 || cfg.RPC.Port > 65535 {
		return fmt.Errorf("rpc.port must be in range [0, 65535]")
	}

	switch cfg.Log.Level {
	case "trace", "debug", "info", "warn", "error", "off", "disabled":
	default:
		return fmt.Errorf("log.level must be trace, debug, info, warn, error or off")
	}
	return nil
}
