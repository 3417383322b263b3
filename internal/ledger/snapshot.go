package ledger

import (
	"bytes"
	"slices"
	"sort"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/Klingon-tech/klingnet-spv/internal/persist"
)

// Snapshot copies the coin and transaction tables in a stable order.
func (l *Ledger) Snapshot() persist.LedgerSnapshot {
	l.mu.RLock()
	defer l.mu.RUnlock()

	s := persist.LedgerSnapshot{
		Coins: make([]persist.CoinRecord, 0, len(l.coins)),
		Txs:   make([]persist.TxRecord, 0, len(l.txs)),
	}
	for _, c := range l.coins {
		s.Coins = append(s.Coins, persist.CoinRecord{
			OutPoint: c.outPoint,
			Value:    c.value,
			PkScript: slices.Clone(c.pkScript),
			Path:     c.path,
			Spenders: slices.Clone(c.spenders),
		})
	}
	sort.Slice(s.Coins, func(i, j int) bool {
		return CompareOutPoints(s.Coins[i].OutPoint, s.Coins[j].OutPoint) < 0
	})
	for txid, t := range l.txs {
		s.Txs = append(s.Txs, persist.TxRecord{
			TxID:            txid,
			Heights:         slices.Clone(t.heights),
			SeenUnconfirmed: t.seenUnconfirmed,
			Spends:          slices.Clone(t.spends),
		})
	}
	sort.Slice(s.Txs, func(i, j int) bool {
		return compareHashes(s.Txs[i].TxID, s.Txs[j].TxID) < 0
	})
	return s
}

// Restore replaces the ledger contents with s.
func (l *Ledger) Restore(s persist.LedgerSnapshot) error {
	coins := make(map[wire.OutPoint]*coinState, len(s.Coins))
	txs := make(map[chainhash.Hash]*txState, len(s.Txs))
	for _, r := range s.Txs {
		heights := slices.Clone(r.Heights)
		slices.Sort(heights)
		txs[r.TxID] = &txState{
			heights:         slices.Compact(heights),
			seenUnconfirmed: r.SeenUnconfirmed,
			spends:          slices.Clone(r.Spends),
		}
	}
	for _, r := range s.Coins {
		t, ok := txs[r.OutPoint.Hash]
		if !ok {
			return errInconsistent("coin %s has no creating transaction", r.OutPoint)
		}
		t.creates = append(t.creates, r.OutPoint)
		for _, sp := range r.Spenders {
			if _, ok := txs[sp]; !ok {
				return errInconsistent("coin %s spent by unknown transaction %s", r.OutPoint, sp)
			}
		}
		coins[r.OutPoint] = &coinState{
			outPoint: r.OutPoint,
			value:    r.Value,
			pkScript: slices.Clone(r.PkScript),
			path:     r.Path,
			spenders: slices.Clone(r.Spenders),
		}
	}
	for txid, t := range txs {
		for _, op := range t.spends {
			if _, ok := coins[op]; !ok {
				return errInconsistent("transaction %s spends unknown coin %s", txid, op)
			}
		}
	}

	l.mu.Lock()
	l.coins, l.txs = coins, txs
	l.mu.Unlock()
	return nil
}

func compareHashes(a, b chainhash.Hash) int {
	return bytes.Compare(a[:], b[:])
}
