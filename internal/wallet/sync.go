package wallet

import (
	"context"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/Klingon-tech/klingnet-spv/internal/chain"
	"github.com/Klingon-tech/klingnet-spv/internal/keys"
	"github.com/Klingon-tech/klingnet-spv/internal/ledger"
	"github.com/Klingon-tech/klingnet-spv/internal/netsync"
	"github.com/Klingon-tech/klingnet-spv/internal/persist"
)

var _ netsync.Sink = (*State)(nil)

func (s *State) Tip() (chainhash.Hash, int32) { return s.view.Tip() }

func (s *State) Locator() []chainhash.Hash { return s.view.Locator() }

func (s *State) HeaderByHeight(height int32) (wire.BlockHeader, bool) {
	return s.view.HeaderByHeight(height)
}

// HeadersAfter serves the best-chain headers following the locator.
func (s *State) HeadersAfter(locator []chainhash.Hash, max int) []wire.BlockHeader {
	return s.view.HeadersAfter(locator, max)
}

// ScanHeight returns the last height whose block was scanned.
func (s *State) ScanHeight() int32 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.scan
}

// WatchScripts returns the scripts inside the lookahead window.
func (s *State) WatchScripts() [][]byte { return s.ledger.WatchScripts() }

// SubmitHeaders validates hdrs and commits the resulting transition. Headers
// accepted before a failing one are committed too; the returned error is
// the validation failure.
func (s *State) SubmitHeaders(ctx context.Context, hdrs []wire.BlockHeader) (*chain.Transition, error) {
	var (
		t       *chain.Transition
		planErr error
	)
	err := s.do(ctx, func() error {
		t, planErr = s.view.SubmitHeaders(hdrs)

		// The scan height drops before the reverts are durable, so a crash
		// in between only causes a rescan.
		for _, r := range t.Reorgs {
			if err := s.rewindScan(r.Ancestor); err != nil {
				return err
			}
			s.logger.Warn().
				Int32("ancestor", r.Ancestor).
				Int32("old_tip", r.OldTip).
				Int32("new_tip", r.NewTip).
				Int32("depth", r.Depth()).
				Msg("Chain reorganization")
		}
		if err := s.commit(t.Entries); err != nil {
			return err
		}
		if t.Rejected != nil {
			s.view.MarkRejected(*t.Rejected)
		}
		s.maybeCompact()
		return nil
	})
	if err != nil {
		return t, err
	}
	if t.Accepted > 0 {
		s.updateGauges()
	}
	return t, planErr
}

func (s *State) rewindScan(height int32) error {
	if s.ScanHeight() <= height {
		return nil
	}
	return s.setScan(height)
}

// SubmitBlock records the wallet transactions of the block at height, in
// block order, then advances the scan height. Each transaction is appended
// separately so a later one sees the coins created by an earlier one.
func (s *State) SubmitBlock(ctx context.Context, height int32, hash chainhash.Hash, txs []*wire.MsgTx) error {
	err := s.do(ctx, func() error {
		hdr, ok := s.view.HeaderByHeight(height)
		if !ok || hdr.BlockHash() != hash {
			return fmt.Errorf("%w: %s at %d", netsync.ErrStaleBlock, hash, height)
		}
		scan := s.ScanHeight()
		if height > scan+1 {
			return fmt.Errorf("%w: block %d after scan height %d", netsync.ErrStaleBlock, height, scan)
		}
		var recorded int
		for _, tx := range txs {
			payloads := s.ledger.OnTransaction(tx, ledger.ConfirmedAt(height))
			if err := s.commit(payloads); err != nil {
				return err
			}
			if len(payloads) > 0 {
				recorded++
			}
		}
		if recorded > 0 {
			s.logger.Info().
				Int32("height", height).
				Stringer("block", hash).
				Int("txs", recorded).
				Msg("Recorded wallet transactions")
		}
		if height > scan {
			if err := s.setScan(height); err != nil {
				return err
			}
		}
		s.maybeCompact()
		return nil
	})
	if err == nil && txs != nil {
		s.updateGauges()
	}
	return err
}

// SubmitUnconfirmed records a transaction seen outside a block. Inputs that
// spend wallet coins must carry valid signatures; otherwise the transaction
// is rejected with errs.ErrSignatureFailure and nothing is recorded.
func (s *State) SubmitUnconfirmed(ctx context.Context, tx *wire.MsgTx) error {
	var changed bool
	err := s.do(ctx, func() error {
		if err := s.ledger.VerifySpends(tx); err != nil {
			return err
		}
		payloads := s.ledger.OnTransaction(tx, ledger.Unconfirmed)
		changed = len(payloads) > 0
		return s.commit(payloads)
	})
	if err == nil && changed {
		s.logger.Info().Stringer("tx", tx.TxHash()).Msg("Recorded unconfirmed transaction")
		s.updateGauges()
	}
	return err
}

// Rescan lowers the scan height so blocks after from are matched again,
// and wakes the sync driver. Recording is idempotent, so rescanning known
// blocks changes nothing.
func (s *State) Rescan(ctx context.Context, from int32) error {
	err := s.do(ctx, func() error {
		base := s.view.Base()
		if from <= base {
			if base != s.cfg.RootHeight {
				return fmt.Errorf("%w: %d, lowest header is %d", ErrRescanPruned, from, base)
			}
			from = base + 1
		}
		return s.rewindScan(from - 1)
	})
	if err != nil {
		return err
	}
	s.logger.Info().Int32("from", from).Msg("Rescan requested")
	if n := s.network(); n != nil {
		n.Trigger()
	}
	return nil
}

// Compact folds the log into a snapshot and drops headers below the
// reorg-risk window.
func (s *State) Compact(ctx context.Context) error {
	return s.do(ctx, s.compact)
}

func (s *State) maybeCompact() {
	if s.cfg.CompactEvery <= 0 || s.log.TailLen() < s.cfg.CompactEvery {
		return
	}
	if err := s.compact(); err != nil {
		s.logger.Warn().Err(err).Msg("Automatic compaction failed")
	}
}

// compact runs on the writer. Headers the scan has not reached are kept.
func (s *State) compact() error {
	_, tip := s.view.Tip()
	keep := s.cfg.MaxReorgDepth
	if lag := tip - s.ScanHeight(); lag > keep {
		keep = lag
	}

	s.mu.RLock()
	snap := &persist.Snapshot{
		Chain:  s.view.Snapshot(keep),
		Ledger: s.ledger.Snapshot(),
	}
	for _, p := range keys.Purposes {
		snap.Watermarks = append(snap.Watermarks, persist.WatermarkAdvanced{Purpose: p, Next: s.keys.Watermark(p)})
	}
	s.mu.RUnlock()

	if err := s.log.Compact(snap); err != nil {
		return err
	}
	s.mu.Lock()
	pruned := s.view.Prune(keep)
	s.mu.Unlock()
	s.logger.Info().
		Uint64("seq", snap.Seq).
		Int("pruned_headers", pruned).
		Int32("base", s.view.Base()).
		Msg("Wallet compacted")
	return nil
}
