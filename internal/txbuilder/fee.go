package txbuilder

import (
	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"
)

// DefaultDustLimit is the smallest output the builder creates.
const DefaultDustLimit btcutil.Amount = 546

// MaxFeeRatio bounds the fee relative to the amount sent: fee*MaxFeeRatio
// must not exceed the sent amount.
const MaxFeeRatio = 5

// Size of a worst-case P2WPKH witness element set.
const (
	p2wpkhSigSize    = 73
	p2wpkhPubKeySize = 33
	// P2WPKHScriptSize is the length of a version 0 key-hash output script.
	P2WPKHScriptSize = 22
)

// Policy decides the fee and the change threshold.
type Policy struct {
	// FeeRate is in satoshi per virtual byte. Ignored when Fee is set.
	FeeRate btcutil.Amount
	// Fee is an absolute fee.
	Fee       btcutil.Amount
	DustLimit btcutil.Amount
}

func (p Policy) validate() error {
	if p.FeeRate < 0 || p.Fee < 0 || p.DustLimit < 0 {
		return ErrInvalidPolicy
	}
	if p.FeeRate == 0 && p.Fee == 0 {
		return ErrInvalidPolicy
	}
	return nil
}

func (p Policy) dustLimit() btcutil.Amount {
	if p.DustLimit == 0 {
		return DefaultDustLimit
	}
	return p.DustLimit
}

// feeFor returns the fee for a transaction spending numInputs P2WPKH coins
// to outputs.
func (p Policy) feeFor(numInputs int, outputs []*wire.TxOut) btcutil.Amount {
	if p.Fee > 0 {
		return p.Fee
	}
	return p.FeeRate * btcutil.Amount(EstimateVirtualSize(numInputs, outputs))
}

// EstimateVirtualSize returns the virtual size of a transaction spending
// numInputs P2WPKH coins to outputs, assuming maximum-size signatures.
func EstimateVirtualSize(numInputs int, outputs []*wire.TxOut) int64 {
	tx := wire.NewMsgTx(wire.TxVersion)
	for i := 0; i < numInputs; i++ {
		in := wire.NewTxIn(&wire.OutPoint{Index: uint32(i)}, nil, nil)
		in.Witness = wire.TxWitness{
			make([]byte, p2wpkhSigSize),
			make([]byte, p2wpkhPubKeySize),
		}
		tx.AddTxIn(in)
	}
	for _, out := range outputs {
		tx.AddTxOut(out)
	}
	weight := blockchain.GetTransactionWeight(btcutil.NewTx(tx))
	return (weight + blockchain.WitnessScaleFactor - 1) / blockchain.WitnessScaleFactor
}
