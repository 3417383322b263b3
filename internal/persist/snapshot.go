package persist

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/zeebo/blake3"

	"github.com/Klingon-tech/klingnet-spv/internal/keys"
)

// Snapshot folds every entry up to and including Seq.
type Snapshot struct {
	Seq        uint64              `json:"seq"`
	Chain      ChainSnapshot       `json:"chain"`
	Ledger     LedgerSnapshot      `json:"ledger"`
	Watermarks []WatermarkAdvanced `json:"watermarks"`
}

// ChainSnapshot holds the trusted root and the best-chain headers inside the
// reorg-risk window, in ascending height order.
type ChainSnapshot struct {
	Root    HeaderAccepted   `json:"root"`
	Headers []HeaderAccepted `json:"headers"`
	// BaseWork is the hex cumulative work of Headers[0], counted from Root.
	BaseWork string `json:"base_work"`
}

// LedgerSnapshot holds the full coin and transaction tables.
type LedgerSnapshot struct {
	Coins []CoinRecord `json:"coins"`
	Txs   []TxRecord   `json:"txs"`
}

// CoinRecord is one owned output with every transaction seen spending it.
type CoinRecord struct {
	OutPoint wire.OutPoint    `json:"outpoint"`
	Value    int64            `json:"value"`
	PkScript []byte           `json:"pk_script"`
	Path     keys.Path        `json:"path"`
	Spenders []chainhash.Hash `json:"spenders,omitempty"`
}

// TxRecord is one relevant transaction and the contexts it was seen in.
type TxRecord struct {
	TxID            chainhash.Hash  `json:"txid"`
	Heights         []int32         `json:"heights,omitempty"`
	SeenUnconfirmed bool            `json:"seen_unconfirmed,omitempty"`
	Spends          []wire.OutPoint `json:"spends,omitempty"`
}

// Snapshot record layout: version(2) | seq(8) | json | blake3-256.
const snapshotHeaderSize = 2 + 8

func encodeSnapshot(s *Snapshot) ([]byte, error) {
	body, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("marshal snapshot: %w", err)
	}
	out := make([]byte, 0, snapshotHeaderSize+len(body)+checksumSize)
	out = binary.BigEndian.AppendUint16(out, Version)
	out = binary.BigEndian.AppendUint64(out, s.Seq)
	out = append(out, body...)
	sum := blake3.Sum256(out)
	return append(out, sum[:]...), nil
}

func decodeSnapshot(rec []byte) (*Snapshot, error) {
	body, err := verify(rec, snapshotHeaderSize)
	if err != nil {
		return nil, fmt.Errorf("snapshot: %w", err)
	}
	var s Snapshot
	if err := json.Unmarshal(body, &s); err != nil {
		return nil, fmt.Errorf("%w: snapshot: %v", ErrCorruptEntry, err)
	}
	if seq := binary.BigEndian.Uint64(rec[2:]); seq != s.Seq {
		return nil, fmt.Errorf("%w: snapshot seq %d, body says %d", ErrCorruptEntry, seq, s.Seq)
	}
	return &s, nil
}
