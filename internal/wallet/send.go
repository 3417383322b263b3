package wallet

import (
	"context"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"

	"github.com/Klingon-tech/klingnet-spv/internal/errs"
	"github.com/Klingon-tech/klingnet-spv/internal/keys"
	"github.com/Klingon-tech/klingnet-spv/internal/ledger"
	"github.com/Klingon-tech/klingnet-spv/internal/netsync"
	"github.com/Klingon-tech/klingnet-spv/internal/persist"
	"github.com/Klingon-tech/klingnet-spv/internal/txbuilder"
)

// MaxSendAttempts bounds the rebuilds of a Send whose coins changed while
// it was being signed.
const MaxSendAttempts = 3

var (
	ErrInvalidAddress = errs.New(errs.Validation, "invalid address")
	ErrInvalidAmount  = errs.New(errs.Validation, "invalid amount")

	errStale = errs.New(errs.Conflict, "selected coins changed")
)

// SendResult describes a broadcast transaction.
type SendResult struct {
	TxID   chainhash.Hash
	Fee    btcutil.Amount
	Sent   btcutil.Amount
	Change btcutil.Amount
	Inputs int
}

// DepositAddress returns a fresh receive address and durably advances the
// external watermark past it.
func (s *State) DepositAddress(ctx context.Context) (btcutil.Address, error) {
	return s.nextAddress(ctx, keys.External)
}

func (s *State) nextAddress(ctx context.Context, purpose keys.Purpose) (btcutil.Address, error) {
	var addr btcutil.Address
	err := s.do(ctx, func() error {
		k, err := s.keys.PeekNext(purpose)
		if err != nil {
			return err
		}
		err = s.commit([]persist.Payload{&persist.WatermarkAdvanced{Purpose: purpose, Next: k.Path.Index + 1}})
		if err != nil {
			return err
		}
		addr = k.Address
		return nil
	})
	return addr, err
}

// Send pays amount to address, or sweeps every spendable coin when amount
// is nil. feeRate is in satoshi per virtual byte; zero selects the
// configured default. The passphrase unlocks the seed only while signing.
//
// The transaction is built against a snapshot of the coin set. The writer
// then checks that the selected coins and the change index are unchanged,
// broadcasts, and records the transaction as unconfirmed. A stale build is
// retried with a fresh snapshot up to MaxSendAttempts times.
func (s *State) Send(ctx context.Context, passphrase []byte, address string,
	feeRate btcutil.Amount, amount *btcutil.Amount) (*SendResult, error) {

	pkScript, err := s.payTo(address)
	if err != nil {
		return nil, err
	}
	if amount != nil && *amount <= 0 {
		return nil, fmt.Errorf("%w: %s", ErrInvalidAmount, *amount)
	}
	if feeRate <= 0 {
		feeRate = btcutil.Amount(s.cfg.DefaultFeeRate)
	}
	policy := txbuilder.Policy{FeeRate: feeRate, DustLimit: s.cfg.DustLimit}
	n := s.network()
	if n == nil {
		return nil, netsync.ErrNoPeers
	}

	signer, err := s.unlock(passphrase)
	if err != nil {
		return nil, err
	}
	b := txbuilder.New(signer, func() (*keys.DerivedKey, error) {
		return s.keys.PeekNext(keys.Internal)
	})

	for attempt := 1; attempt <= MaxSendAttempts; attempt++ {
		set := s.coinSet()
		var authored *txbuilder.AuthoredTx
		if amount == nil {
			authored, err = b.Sweep(set, pkScript, policy)
		} else {
			authored, err = b.BuildTransaction(set, []txbuilder.Recipient{{PkScript: pkScript, Amount: *amount}}, policy)
		}
		if err != nil {
			return nil, err
		}

		err = s.do(ctx, func() error { return s.publish(ctx, n, authored) })
		if errors.Is(err, errStale) {
			s.logger.Debug().Int("attempt", attempt).Msg("Coins changed during send, rebuilding")
			continue
		}
		if err != nil {
			return nil, err
		}

		res := &SendResult{
			TxID:   authored.Tx.TxHash(),
			Fee:    authored.Fee,
			Sent:   authored.Sent,
			Change: authored.Change,
			Inputs: len(authored.Inputs),
		}
		s.logger.Info().
			Stringer("tx", res.TxID).
			Int64("sent", int64(res.Sent)).
			Int64("fee", int64(res.Fee)).
			Int("inputs", res.Inputs).
			Msg("Transaction sent")
		s.updateGauges()
		return res, nil
	}
	return nil, fmt.Errorf("%w: send gave up after %d attempts", errs.ErrConflict, MaxSendAttempts)
}

// publish runs on the writer.
func (s *State) publish(ctx context.Context, n Network, a *txbuilder.AuthoredTx) error {
	for _, c := range a.Inputs {
		if !s.ledger.IsSpendable(c.OutPoint) {
			return errStale
		}
	}
	var payloads []persist.Payload
	if a.ChangePath != nil {
		if s.keys.Watermark(keys.Internal) != a.ChangePath.Index {
			return errStale
		}
		payloads = append(payloads, &persist.WatermarkAdvanced{Purpose: keys.Internal, Next: a.ChangePath.Index + 1})
	}
	if err := n.Broadcast(ctx, a.Tx); err != nil {
		return fmt.Errorf("broadcast %s: %w", a.Tx.TxHash(), err)
	}
	payloads = append(payloads, s.ledger.OnTransaction(a.Tx, ledger.Unconfirmed)...)
	return s.commit(payloads)
}

func (s *State) payTo(address string) ([]byte, error) {
	addr, err := btcutil.DecodeAddress(address, s.cfg.Params)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	if !addr.IsForNet(s.cfg.Params) {
		return nil, fmt.Errorf("%w: %s is not a %s address", ErrInvalidAddress, address, s.cfg.Params.Name)
	}
	script, err := txscript.PayToAddrScript(addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	return script, nil
}

// unlock returns a private hierarchy for signing. A hierarchy that already
// holds private keys is used as is.
func (s *State) unlock(passphrase []byte) (*keys.Hierarchy, error) {
	if !s.keys.IsWatchOnly() {
		return s.keys, nil
	}
	if s.cfg.Keystore == nil {
		return nil, fmt.Errorf("%w: no keystore", keys.ErrMissingPrivateKey)
	}
	seed, err := s.cfg.Keystore.Seed(s.cfg.KeystoreName, passphrase)
	if err != nil {
		return nil, err
	}
	defer keys.Wipe(seed)
	return s.keys.Unlock(seed)
}

func (s *State) coinSet() *txbuilder.CoinSet {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, tip := s.view.Tip()
	return &txbuilder.CoinSet{
		Coins:         s.ledger.Spendable(),
		Tip:           tip,
		FinalityDepth: s.cfg.FinalityDepth,
	}
}
