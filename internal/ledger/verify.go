package ledger

import (
	"fmt"

	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/Klingon-tech/klingnet-spv/internal/errs"
)

// prevOutFetcher returns tracked coins as previous outputs. Inputs the ledger
// does not track get an empty output; only tracked inputs are verified.
type prevOutFetcher struct {
	coins map[wire.OutPoint]*coinState
}

func (f prevOutFetcher) FetchPrevOutput(op wire.OutPoint) *wire.TxOut {
	if c, ok := f.coins[op]; ok {
		return wire.NewTxOut(c.value, c.pkScript)
	}
	return wire.NewTxOut(0, nil)
}

// VerifySpends runs the script of every tracked coin tx spends against the
// spending input. Spends seen outside a block must pass it before they are
// recorded.
func (l *Ledger) VerifySpends(tx *wire.MsgTx) error {
	l.mu.RLock()
	defer l.mu.RUnlock()

	fetcher := prevOutFetcher{coins: l.coins}
	var sigHashes *txscript.TxSigHashes
	for i, in := range tx.TxIn {
		c, ok := l.coins[in.PreviousOutPoint]
		if !ok {
			continue
		}
		if sigHashes == nil {
			sigHashes = txscript.NewTxSigHashes(tx, fetcher)
		}
		vm, err := txscript.NewEngine(c.pkScript, tx, i, txscript.StandardVerifyFlags,
			nil, sigHashes, c.value, fetcher)
		if err != nil {
			return fmt.Errorf("%w: %s input %d: %v", errs.ErrSignatureFailure, tx.TxHash(), i, err)
		}
		if err := vm.Execute(); err != nil {
			return fmt.Errorf("%w: %s input %d: %v", errs.ErrSignatureFailure, tx.TxHash(), i, err)
		}
	}
	return nil
}
