package txbuilder

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/txsort"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/rs/zerolog"

	"github.com/Klingon-tech/klingnet-spv/internal/keys"
	"github.com/Klingon-tech/klingnet-spv/internal/ledger"
	klog "github.com/Klingon-tech/klingnet-spv/internal/log"
)

// Signer returns the private key for an owned path.
type Signer interface {
	PrivateKey(path keys.Path) (*secp256k1.PrivateKey, error)
}

// ChangeSource provides the change key. It is called at most once per build
// and must not advance any watermark; the caller commits the returned path.
type ChangeSource func() (*keys.DerivedKey, error)

// Recipient is one payment output.
type Recipient struct {
	PkScript []byte
	Amount   btcutil.Amount
}

// AuthoredTx is a signed transaction and the coins it spends.
type AuthoredTx struct {
	Tx     *wire.MsgTx
	Inputs []ledger.Coin
	Sent   btcutil.Amount
	Fee    btcutil.Amount
	Change btcutil.Amount
	// ChangeIndex is the change output's index, or -1.
	ChangeIndex int
	// ChangePath is set when a change output was created.
	ChangePath *keys.Path
	// Tier is the least settled tier the selection drew from.
	Tier Tier
}

// Builder authors transactions against coin snapshots.
type Builder struct {
	signer Signer
	change ChangeSource
	logger zerolog.Logger
}

// New returns a builder signing with signer and sending change to keys from
// change.
func New(signer Signer, change ChangeSource) *Builder {
	return &Builder{signer: signer, change: change, logger: klog.Wallet}
}

// BuildTransaction pays recipients from set. Selection draws from final
// coins first and only widens to shallow, then unconfirmed, coins when the
// narrower tiers cannot fund the payment.
func (b *Builder) BuildTransaction(set *CoinSet, recipients []Recipient, policy Policy) (*AuthoredTx, error) {
	if err := policy.validate(); err != nil {
		return nil, err
	}
	if len(recipients) == 0 {
		return nil, ErrNoRecipients
	}
	dust := policy.dustLimit()
	outputs := make([]*wire.TxOut, 0, len(recipients)+1)
	var sent btcutil.Amount
	for _, r := range recipients {
		if r.Amount < dust {
			return nil, fmt.Errorf("%w: %v < %v", ErrDustOutput, r.Amount, dust)
		}
		sent += r.Amount
		outputs = append(outputs, wire.NewTxOut(int64(r.Amount), r.PkScript))
	}

	// Estimate with a change output; dropping it later only lowers the size.
	withChange := append(outputs[:len(outputs):len(outputs)],
		wire.NewTxOut(0, make([]byte, P2WPKHScriptSize)))

	var have btcutil.Amount
	for tier := TierFinal; tier < numTiers; tier++ {
		pool := set.upTo(tier)
		have = total(pool)
		inputs, fee := fund(pool, sent, withChange, policy)
		if inputs == nil {
			continue
		}
		return b.finish(inputs, outputs, sent, fee, policy, tier)
	}
	return nil, fmt.Errorf("%w: have %v, need at least %v", ErrInsufficientFunds,
		have, sent+policy.feeFor(1, withChange))
}

// fund runs selection until the selected total covers the amount plus the
// fee for that many inputs.
func fund(pool []ledger.Coin, sent btcutil.Amount, outputs []*wire.TxOut, policy Policy) ([]ledger.Coin, btcutil.Amount) {
	target := sent + policy.feeFor(1, outputs)
	for {
		inputs := selectCoins(pool, target)
		if inputs == nil {
			return nil, 0
		}
		fee := policy.feeFor(len(inputs), outputs)
		if total(inputs) >= sent+fee {
			return inputs, fee
		}
		target = sent + fee
	}
}

func (b *Builder) finish(inputs []ledger.Coin, outputs []*wire.TxOut, sent, fee btcutil.Amount, policy Policy, tier Tier) (*AuthoredTx, error) {
	in := total(inputs)
	res := &AuthoredTx{Inputs: inputs, Sent: sent, ChangeIndex: -1, Tier: tier}

	var changeScript []byte
	change := in - sent - fee
	if change >= policy.dustLimit() {
		key, err := b.change()
		if err != nil {
			return nil, fmt.Errorf("change address: %w", err)
		}
		changeScript = key.PkScript
		path := key.Path
		res.ChangePath = &path
		res.Change = change
		outputs = append(outputs, wire.NewTxOut(int64(change), changeScript))
	} else {
		// Dust change is donated.
		fee += change
	}
	res.Fee = fee

	if fee*MaxFeeRatio > sent {
		return nil, fmt.Errorf("%w: fee %v for %v sent", ErrFeeTooHigh, fee, sent)
	}

	tx, err := b.sign(inputs, outputs)
	if err != nil {
		return nil, err
	}
	res.Tx = tx
	if changeScript != nil {
		for i, out := range tx.TxOut {
			if out.Value == int64(change) && bytes.Equal(out.PkScript, changeScript) {
				res.ChangeIndex = i
				break
			}
		}
	}

	b.logger.Debug().
		Str("txid", tx.TxHash().String()).
		Int("inputs", len(inputs)).
		Int64("sent", int64(sent)).
		Int64("fee", int64(fee)).
		Int64("change", int64(res.Change)).
		Stringer("tier", tier).
		Msg("Built transaction")
	return res, nil
}

// Sweep spends every spendable coin in set to pkScript, less the fee.
func (b *Builder) Sweep(set *CoinSet, pkScript []byte, policy Policy) (*AuthoredTx, error) {
	if err := policy.validate(); err != nil {
		return nil, err
	}
	inputs := set.upTo(TierUnconfirmed)
	if len(inputs) == 0 {
		return nil, fmt.Errorf("%w: no spendable coins", ErrInsufficientFunds)
	}
	in := total(inputs)
	out := wire.NewTxOut(0, pkScript)
	fee := policy.feeFor(len(inputs), []*wire.TxOut{out})
	amount := in - fee
	if amount <= 0 {
		return nil, fmt.Errorf("%w: have %v, fee %v", ErrInsufficientFunds, in, fee)
	}
	if amount < policy.dustLimit() {
		return nil, fmt.Errorf("%w: %v after fee", ErrDustOutput, amount)
	}
	out.Value = int64(amount)

	tx, err := b.sign(inputs, []*wire.TxOut{out})
	if err != nil {
		return nil, err
	}
	b.logger.Debug().
		Str("txid", tx.TxHash().String()).
		Int("inputs", len(inputs)).
		Int64("amount", int64(amount)).
		Int64("fee", int64(fee)).
		Msg("Built sweep")
	return &AuthoredTx{
		Tx:          tx,
		Inputs:      inputs,
		Sent:        amount,
		Fee:         fee,
		ChangeIndex: -1,
		Tier:        TierUnconfirmed,
	}, nil
}

// sign assembles the transaction in BIP-69 order and signs every input.
func (b *Builder) sign(inputs []ledger.Coin, outputs []*wire.TxOut) (*wire.MsgTx, error) {
	tx := wire.NewMsgTx(wire.TxVersion)
	prevOuts := make(map[wire.OutPoint]*wire.TxOut, len(inputs))
	coins := make(map[wire.OutPoint]*ledger.Coin, len(inputs))
	for i := range inputs {
		c := &inputs[i]
		tx.AddTxIn(wire.NewTxIn(&c.OutPoint, nil, nil))
		prevOuts[c.OutPoint] = wire.NewTxOut(int64(c.Value), c.PkScript)
		coins[c.OutPoint] = c
	}
	for _, out := range outputs {
		tx.AddTxOut(out)
	}
	txsort.InPlaceSort(tx)

	fetcher := txscript.NewMultiPrevOutFetcher(prevOuts)
	sigHashes := txscript.NewTxSigHashes(tx, fetcher)
	for i, txIn := range tx.TxIn {
		c := coins[txIn.PreviousOutPoint]
		priv, err := b.signer.PrivateKey(c.Path)
		if err != nil {
			if errors.Is(err, ErrMissingPrivateKey) {
				return nil, fmt.Errorf("input %s (%s): %w", c.OutPoint, c.Path, ErrMissingPrivateKey)
			}
			return nil, fmt.Errorf("key for input %s: %w", c.OutPoint, err)
		}
		witness, err := txscript.WitnessSignature(tx, sigHashes, i, int64(c.Value),
			c.PkScript, txscript.SigHashAll, priv, true)
		if err != nil {
			return nil, fmt.Errorf("%w: input %d: %v", ErrSignatureFailure, i, err)
		}
		txIn.Witness = witness
	}

	for i, txIn := range tx.TxIn {
		c := coins[txIn.PreviousOutPoint]
		vm, err := txscript.NewEngine(c.PkScript, tx, i, txscript.StandardVerifyFlags,
			nil, sigHashes, int64(c.Value), fetcher)
		if err != nil {
			return nil, fmt.Errorf("%w: input %d: %v", ErrSignatureFailure, i, err)
		}
		if err := vm.Execute(); err != nil {
			return nil, fmt.Errorf("%w: input %d: %v", ErrSignatureFailure, i, err)
		}
	}
	return tx, nil
}
