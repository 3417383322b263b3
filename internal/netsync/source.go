// Package netsync drives the wallet from untrusted peers. It polls peer
// tips, pulls headers along the locator, scans compact block filters for
// watched scripts and feeds everything through the wallet's single writer.
package netsync

import (
	"context"

	"github.com/btcsuite/btcd/btcutil/gcs"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/Klingon-tech/klingnet-spv/internal/chain"
	"github.com/Klingon-tech/klingnet-spv/internal/errs"
)

var (
	ErrPeerTimeout      = errs.New(errs.Network, "peer request timed out")
	ErrPeerDisconnected = errs.New(errs.Network, "peer disconnected")
	ErrNoPeers          = errs.New(errs.Network, "no peers available")
	// ErrSyncStalled is reported when every peer failed during a round.
	ErrSyncStalled = errs.New(errs.Network, "sync stalled: all peers failed")

	ErrBadBlock  = errs.New(errs.Validation, "block does not match its header")
	ErrBadFilter = errs.New(errs.Validation, "malformed block filter")
)

// Source is one remote peer. Implementations return ErrPeerTimeout or
// ErrPeerDisconnected for transport failures.
type Source interface {
	ID() string
	Tip(ctx context.Context) (chainhash.Hash, int32, error)
	// Headers returns up to max headers following the first locator hash
	// found on the peer's best chain.
	Headers(ctx context.Context, locator []chainhash.Hash, max int) ([]wire.BlockHeader, error)
	// Filter returns the BIP-158 basic filter of a block.
	Filter(ctx context.Context, hash chainhash.Hash) (*gcs.Filter, error)
	Block(ctx context.Context, hash chainhash.Hash) (*wire.MsgBlock, error)
	Broadcast(ctx context.Context, tx *wire.MsgTx) error
}

// Sink is the wallet side of the driver. Every mutating call is applied
// through the wallet's writer.
type Sink interface {
	Tip() (chainhash.Hash, int32)
	Locator() []chainhash.Hash
	HeaderByHeight(height int32) (wire.BlockHeader, bool)
	SubmitHeaders(ctx context.Context, hdrs []wire.BlockHeader) (*chain.Transition, error)

	// ScanHeight is the last height whose block was scanned for wallet
	// transactions.
	ScanHeight() int32
	WatchScripts() [][]byte
	// SubmitBlock records the wallet transactions of the block at height
	// and advances the scan height. txs is nil when the filter did not
	// match. It fails with ErrStaleBlock when hash is no longer on the best
	// chain at height.
	SubmitBlock(ctx context.Context, height int32, hash chainhash.Hash, txs []*wire.MsgTx) error
	SubmitUnconfirmed(ctx context.Context, tx *wire.MsgTx) error
}

// ErrStaleBlock is returned by a Sink when a scanned block was reorged out.
var ErrStaleBlock = errs.New(errs.Conflict, "block no longer on the best chain")
