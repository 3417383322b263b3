package config

import (
	"bytes"
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/wire"
)

// Params bundles the network parameters with the trusted root of the header
// tree.
type Params struct {
	Chain      *chaincfg.Params
	RootHeader wire.BlockHeader
	RootHeight int32
}

// ChainParams maps a network name to btcd chain parameters.
func ChainParams(network NetworkType) (*chaincfg.Params, error) {
	switch network {
	case Mainnet:
		return &chaincfg.MainNetParams, nil
	case Testnet:
		return &chaincfg.TestNet3Params, nil
	case Regtest:
		return &chaincfg.RegressionNetParams, nil
	case Signet:
		return &chaincfg.SigNetParams, nil
	default:
		return nil, fmt.Errorf("unknown network %q", network)
	}
}

// Params returns the chain parameters and root header for this config.
// Without an explicit root the genesis header at height 0 is used.
func (c *Config) Params() (*Params, error) {
	chainParams, err := ChainParams(c.Network)
	if err != nil {
		return nil, err
	}
	p := &Params{
		Chain:      chainParams,
		RootHeader: chainParams.GenesisBlock.Header,
	}
	if c.Chain.RootHeader == "" {
		return p, nil
	}

	hdr, err := ParseHeader(c.Chain.RootHeader)
	if err != nil {
		return nil, fmt.Errorf("chain.root_header: %w", err)
	}
	hash := hdr.BlockHash()
	for _, cp := range chainParams.Checkpoints {
		if cp.Height == c.Chain.RootHeight && !cp.Hash.IsEqual(&hash) {
			return nil, fmt.Errorf("chain.root_header %s does not match checkpoint %s at height %d",
				hash, cp.Hash, cp.Height)
		}
	}
	p.RootHeader = *hdr
	p.RootHeight = c.Chain.RootHeight
	return p, nil
}

// ParseHeader decodes a hex-encoded 80-byte block header.
func ParseHeader(s string) (*wire.BlockHeader, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode hex: %w", err)
	}
	if len(raw) != wire.MaxBlockHeaderPayload {
		return nil, fmt.Errorf("header must be %d bytes, got %d", wire.MaxBlockHeaderPayload, len(raw))
	}
	var hdr wire.BlockHeader
	if err := hdr.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("deserialize header: %w", err)
	}
	return &hdr, nil
}
