package netsync

import (
	"context"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/gcs"
	"github.com/btcsuite/btcd/btcutil/gcs/builder"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// scan walks the best chain from the sink's scan height to its tip,
// fetching the blocks whose filters match a watched script.
func (d *Driver) scan(ctx context.Context, p *Peer) error {
	d.setState(StateFilters)
	scripts := d.cfg.Sink.WatchScripts()
	_, tip := d.cfg.Sink.Tip()

	for h := d.cfg.Sink.ScanHeight() + 1; h <= tip; h++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		hdr, ok := d.cfg.Sink.HeaderByHeight(h)
		if !ok {
			return ErrStaleBlock
		}
		hash := hdr.BlockHash()

		var txs []*wire.MsgTx
		if len(scripts) > 0 && !hdr.Timestamp.Before(d.cfg.Birth) {
			matched, err := d.match(ctx, p, hash, scripts)
			if err != nil {
				return err
			}
			if matched {
				d.cfg.Metrics.Matched()
				block, err := d.fetchBlock(ctx, p, &hdr, hash)
				if err != nil {
					return err
				}
				txs = block.Transactions
			}
		}

		if err := d.cfg.Sink.SubmitBlock(ctx, h, hash, txs); err != nil {
			return fmt.Errorf("block %d: %w", h, err)
		}
		if txs != nil {
			// Matched transactions may have extended the lookahead window.
			scripts = d.cfg.Sink.WatchScripts()
			d.logger.Debug().Int32("height", h).Int("txs", len(txs)).Msg("Scanned matching block")
		}
	}
	return nil
}

func (d *Driver) match(ctx context.Context, p *Peer, hash chainhash.Hash, scripts [][]byte) (bool, error) {
	filter, err := call(ctx, p, func(ctx context.Context, src Source) (*gcs.Filter, error) {
		return src.Filter(ctx, hash)
	})
	if err != nil {
		return false, fmt.Errorf("filter %s from %s: %w", hash, p.ID(), err)
	}
	if filter == nil {
		return false, fmt.Errorf("%w: %s: empty response", ErrBadFilter, hash)
	}
	if filter.N() == 0 {
		return false, nil
	}
	key := builder.DeriveKey(&hash)
	matched, err := filter.MatchAny(key, scripts)
	if err != nil {
		return false, fmt.Errorf("%w: %s: %v", ErrBadFilter, hash, err)
	}
	return matched, nil
}

// fetchBlock downloads a block and checks it against its header.
func (d *Driver) fetchBlock(ctx context.Context, p *Peer, hdr *wire.BlockHeader, hash chainhash.Hash) (*wire.MsgBlock, error) {
	block, err := call(ctx, p, func(ctx context.Context, src Source) (*wire.MsgBlock, error) {
		return src.Block(ctx, hash)
	})
	if err != nil {
		return nil, fmt.Errorf("block %s from %s: %w", hash, p.ID(), err)
	}
	if err := CheckBlock(block, hdr); err != nil {
		return nil, err
	}
	return block, nil
}

// CheckBlock verifies that block carries hdr and that its transactions hash
// to the header's merkle root.
func CheckBlock(block *wire.MsgBlock, hdr *wire.BlockHeader) error {
	if block == nil {
		return fmt.Errorf("%w: empty response", ErrBadBlock)
	}
	want := hdr.BlockHash()
	if got := block.Header.BlockHash(); got != want {
		return fmt.Errorf("%w: got %s, want %s", ErrBadBlock, got, want)
	}
	if len(block.Transactions) == 0 {
		return fmt.Errorf("%w: %s has no transactions", ErrBadBlock, want)
	}
	utxs := make([]*btcutil.Tx, len(block.Transactions))
	for i, tx := range block.Transactions {
		utxs[i] = btcutil.NewTx(tx)
	}
	if root := blockchain.CalcMerkleRoot(utxs, false); root != hdr.MerkleRoot {
		return fmt.Errorf("%w: %s merkle root %s, header has %s", ErrBadBlock, want, root, hdr.MerkleRoot)
	}
	return nil
}

// HandleTx feeds an announced unconfirmed transaction to the sink.
func (d *Driver) HandleTx(ctx context.Context, tx *wire.MsgTx) error {
	return d.cfg.Sink.SubmitUnconfirmed(ctx, tx)
}

// Broadcast sends tx to the first available peer that accepts it.
func (d *Driver) Broadcast(ctx context.Context, tx *wire.MsgTx) error {
	peers := d.cfg.Peers.Available()
	if len(peers) == 0 {
		return ErrNoPeers
	}
	var lastErr error
	for _, p := range peers {
		_, err := call(ctx, p, func(ctx context.Context, src Source) (struct{}, error) {
			return struct{}{}, src.Broadcast(ctx, tx)
		})
		if err == nil {
			d.logger.Info().Str("txid", tx.TxHash().String()).Str("peer", p.ID()).Msg("Broadcast transaction")
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		lastErr = err
		if !errors.Is(err, ErrPeerUnavailable) {
			d.cfg.Metrics.Rotated()
		}
	}
	return fmt.Errorf("%w: broadcast failed: %v", ErrNoPeers, lastErr)
}
