// Package synctest provides an in-memory block chain and a scripted
// netsync.Source for tests.
package synctest

import (
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/gcs"
	"github.com/btcsuite/btcd/btcutil/gcs/builder"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

var forks atomic.Uint32

// Chain is a linear chain of fully formed regtest blocks with their
// BIP-158 filters.
type Chain struct {
	params *chaincfg.Params
	tag    byte

	mu      sync.RWMutex
	blocks  []*wire.MsgBlock // index is height
	byHash  map[chainhash.Hash]int32
	filters map[chainhash.Hash]*gcs.Filter
	outputs map[wire.OutPoint]*wire.TxOut
}

// NewChain returns a chain holding only the network's genesis block.
// params must not retarget.
func NewChain(t testing.TB, params *chaincfg.Params) *Chain {
	t.Helper()
	c := &Chain{
		params:  params,
		byHash:  make(map[chainhash.Hash]int32),
		filters: make(map[chainhash.Hash]*gcs.Filter),
		outputs: make(map[wire.OutPoint]*wire.TxOut),
	}
	c.add(t, params.GenesisBlock)
	return c
}

// Params returns the chain's network parameters.
func (c *Chain) Params() *chaincfg.Params { return c.params }

func (c *Chain) add(t testing.TB, block *wire.MsgBlock) {
	t.Helper()
	var prevScripts [][]byte
	for _, tx := range block.Transactions[1:] {
		for _, in := range tx.TxIn {
			if out, ok := c.outputs[in.PreviousOutPoint]; ok {
				prevScripts = append(prevScripts, out.PkScript)
			}
		}
	}
	filter, err := builder.BuildBasicFilter(block, prevScripts)
	if err != nil {
		t.Fatalf("build filter: %v", err)
	}
	hash := block.BlockHash()
	c.byHash[hash] = int32(len(c.blocks))
	c.blocks = append(c.blocks, block)
	c.filters[hash] = filter
	for _, tx := range block.Transactions {
		txid := tx.TxHash()
		for i, out := range tx.TxOut {
			c.outputs[wire.OutPoint{Hash: txid, Index: uint32(i)}] = out
		}
	}
}

// Height returns the tip height.
func (c *Chain) Height() int32 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return int32(len(c.blocks) - 1)
}

// Tip returns the tip hash and height.
func (c *Chain) Tip() (chainhash.Hash, int32) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	n := len(c.blocks) - 1
	return c.blocks[n].BlockHash(), int32(n)
}

// BlockAt returns the block at height.
func (c *Chain) BlockAt(height int32) *wire.MsgBlock {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.blocks[height]
}

// Headers returns the headers from height from to the tip.
func (c *Chain) Headers(from int32) []wire.BlockHeader {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []wire.BlockHeader
	for h := int(from); h < len(c.blocks); h++ {
		out = append(out, c.blocks[h].Header)
	}
	return out
}

// HeadersAfter returns up to max headers following the first locator hash
// on the chain, or following genesis when none is.
func (c *Chain) HeadersAfter(locator []chainhash.Hash, max int) []wire.BlockHeader {
	start := int32(1)
	for _, hash := range locator {
		if _, _, h, ok := c.lookup(hash); ok {
			start = h + 1
			break
		}
	}
	hdrs := c.Headers(start)
	if len(hdrs) > max {
		hdrs = hdrs[:max]
	}
	return hdrs
}

// Block returns the block with hash.
func (c *Chain) Block(hash chainhash.Hash) (*wire.MsgBlock, bool) {
	b, _, _, ok := c.lookup(hash)
	return b, ok
}

// Filter returns the basic filter of the block with hash.
func (c *Chain) Filter(hash chainhash.Hash) (*gcs.Filter, bool) {
	_, f, _, ok := c.lookup(hash)
	return f, ok
}

func (c *Chain) lookup(hash chainhash.Hash) (*wire.MsgBlock, *gcs.Filter, int32, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	h, ok := c.byHash[hash]
	if !ok {
		return nil, nil, 0, false
	}
	return c.blocks[h], c.filters[hash], h, true
}

// Mine appends a block containing a coinbase and txs.
func (c *Chain) Mine(t testing.TB, txs ...*wire.MsgTx) *wire.MsgBlock {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()

	parent := c.blocks[len(c.blocks)-1]
	height := int32(len(c.blocks))

	coinbase := wire.NewMsgTx(wire.TxVersion)
	sigScript := make([]byte, 6)
	binary.LittleEndian.PutUint32(sigScript, uint32(height))
	sigScript[4] = c.tag
	sigScript[5] = 0x51
	coinbase.AddTxIn(wire.NewTxIn(&wire.OutPoint{Index: wire.MaxPrevOutIndex}, sigScript, nil))
	coinbase.AddTxOut(wire.NewTxOut(50*btcutil.SatoshiPerBitcoin, []byte{0x51}))

	block := &wire.MsgBlock{Transactions: append([]*wire.MsgTx{coinbase}, txs...)}
	utxs := make([]*btcutil.Tx, len(block.Transactions))
	for i, tx := range block.Transactions {
		utxs[i] = btcutil.NewTx(tx)
	}
	block.Header = wire.BlockHeader{
		Version:    0x20000000,
		PrevBlock:  parent.BlockHash(),
		MerkleRoot: blockchain.CalcMerkleRoot(utxs, false),
		Timestamp:  parent.Header.Timestamp.Add(10 * time.Minute),
		Bits:       parent.Header.Bits,
	}
	target := blockchain.CompactToBig(block.Header.Bits)
	for {
		hash := block.Header.BlockHash()
		if blockchain.HashToBig(&hash).Cmp(target) <= 0 {
			break
		}
		block.Header.Nonce++
		if block.Header.Nonce == 0 {
			t.Fatal("could not solve block")
		}
	}
	c.add(t, block)
	return block
}

// MineEmpty appends n blocks with only a coinbase.
func (c *Chain) MineEmpty(t testing.TB, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		c.Mine(t)
	}
}

// Fork returns a copy of the chain up to height. Blocks mined on the copy
// differ from blocks mined on the original at the same height.
func (c *Chain) Fork(t testing.TB, height int32) *Chain {
	t.Helper()
	c.mu.RLock()
	defer c.mu.RUnlock()
	if int(height) >= len(c.blocks) {
		t.Fatalf("fork height %d above tip %d", height, len(c.blocks)-1)
	}
	f := &Chain{
		params:  c.params,
		tag:     byte(forks.Add(1)),
		byHash:  make(map[chainhash.Hash]int32),
		filters: make(map[chainhash.Hash]*gcs.Filter),
		outputs: make(map[wire.OutPoint]*wire.TxOut),
	}
	for _, b := range c.blocks[:height+1] {
		f.add(t, b)
	}
	return f
}

func (c *Chain) String() string {
	hash, height := c.Tip()
	return fmt.Sprintf("chain(tag=%d, tip=%s@%d)", c.tag, hash, height)
}
