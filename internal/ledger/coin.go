package ledger

import (
	"bytes"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/Klingon-tech/klingnet-spv/internal/keys"
	"github.com/Klingon-tech/klingnet-spv/internal/persist"
)

// Context is where a transaction was observed.
type Context struct {
	Height int32
}

// Unconfirmed is the context of a transaction seen outside a block.
var Unconfirmed = Context{Height: persist.Unconfirmed}

// ConfirmedAt is the context of a transaction in the block at height.
func ConfirmedAt(height int32) Context { return Context{Height: height} }

// Confirmed reports whether the context is a block.
func (c Context) Confirmed() bool { return c.Height >= 0 }

// HeightRange is an inclusive range of block heights.
type HeightRange struct {
	From, To int32
}

// Contains reports whether h lies in the range.
func (r HeightRange) Contains(h int32) bool { return h >= r.From && h <= r.To }

// Coin is an owned output as seen by readers.
type Coin struct {
	OutPoint wire.OutPoint
	Value    btcutil.Amount
	PkScript []byte
	Path     keys.Path
	// Height is the lowest height the creating transaction was confirmed at,
	// or persist.Unconfirmed.
	Height  int32
	SpentBy *chainhash.Hash
}

// Confirmed reports whether the creating transaction is in a block.
func (c *Coin) Confirmed() bool { return c.Height >= 0 }

// Spendable reports whether no live transaction spends the coin.
func (c *Coin) Spendable() bool { return c.SpentBy == nil }

// Balance splits the spendable total by confirmation depth.
type Balance struct {
	Confirmed   btcutil.Amount // at or past the finality depth
	Immature    btcutil.Amount // confirmed but shallower than the finality depth
	Unconfirmed btcutil.Amount
}

// Total returns the sum of all three buckets.
func (b Balance) Total() btcutil.Amount { return b.Confirmed + b.Immature + b.Unconfirmed }

// Pending returns the part of the total that is not final.
func (b Balance) Pending() btcutil.Amount { return b.Immature + b.Unconfirmed }

// TxSummary describes one relevant transaction for history listings.
type TxSummary struct {
	TxID       chainhash.Hash
	Height     int32
	Heights    []int32
	Active     bool
	Conflicted bool
	Received   btcutil.Amount
	Spent      btcutil.Amount
}

// CompareOutPoints orders outpoints by txid bytes, then index.
func CompareOutPoints(a, b wire.OutPoint) int {
	if c := bytes.Compare(a.Hash[:], b.Hash[:]); c != 0 {
		return c
	}
	switch {
	case a.Index < b.Index:
		return -1
	case a.Index > b.Index:
		return 1
	default:
		return 0
	}
}
