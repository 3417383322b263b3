// Package persist implements the wallet's versioned append-only entry log.
//
// Every durable state change is an Entry. Chain View and Wallet Ledger state
// is rebuilt on startup by loading the latest snapshot and replaying the
// entries that follow it.
package persist

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/Klingon-tech/klingnet-spv/internal/keys"
)

// Kind identifies the payload type of an entry.
type Kind uint8

const (
	KindHeaderAccepted Kind = iota + 1
	KindHeaderReverted
	KindCoinCreated
	KindCoinSpent
	KindWatermarkAdvanced
)

func (k Kind) String() string {
	switch k {
	case KindHeaderAccepted:
		return "header-accepted"
	case KindHeaderReverted:
		return "header-reverted"
	case KindCoinCreated:
		return "coin-created"
	case KindCoinSpent:
		return "coin-spent"
	case KindWatermarkAdvanced:
		return "watermark-advanced"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Unconfirmed is the height recorded for observations outside a block.
const Unconfirmed int32 = -1

// Payload is the body of an entry.
type Payload interface {
	Kind() Kind
}

// Entry is a payload stamped with its position in the log.
type Entry struct {
	Seq     uint64
	Payload Payload
}

// Header wraps a block header so it is stored as its 80-byte hex encoding.
type Header struct {
	wire.BlockHeader
}

func (h Header) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	if err := h.BlockHeader.Serialize(&buf); err != nil {
		return nil, err
	}
	return json.Marshal(hex.EncodeToString(buf.Bytes()))
}

func (h *Header) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	raw, err := hex.DecodeString(s)
	if err != nil {
		return err
	}
	if len(raw) != wire.MaxBlockHeaderPayload {
		return fmt.Errorf("header is %d bytes", len(raw))
	}
	return h.BlockHeader.Deserialize(bytes.NewReader(raw))
}

// HeaderAccepted records a validated header. Best is false for headers
// stored on a side branch.
type HeaderAccepted struct {
	Header Header `json:"header"`
	Height int32  `json:"height"`
	Best   bool   `json:"best"`
}

func (*HeaderAccepted) Kind() Kind { return KindHeaderAccepted }

// HeaderReverted removes the header at Height from the best chain.
type HeaderReverted struct {
	Height int32          `json:"height"`
	Hash   chainhash.Hash `json:"hash"`
}

func (*HeaderReverted) Kind() Kind { return KindHeaderReverted }

// CoinCreated records an owned output seen at Height (or Unconfirmed).
type CoinCreated struct {
	OutPoint wire.OutPoint `json:"outpoint"`
	Value    int64         `json:"value"`
	PkScript []byte        `json:"pk_script"`
	Path     keys.Path     `json:"path"`
	Height   int32         `json:"height"`
}

func (*CoinCreated) Kind() Kind { return KindCoinCreated }

// CoinSpent records that Spender consumes an owned output.
type CoinSpent struct {
	OutPoint wire.OutPoint  `json:"outpoint"`
	Spender  chainhash.Hash `json:"spender"`
	Height   int32          `json:"height"`
}

func (*CoinSpent) Kind() Kind { return KindCoinSpent }

// WatermarkAdvanced raises the next unused index of a purpose.
type WatermarkAdvanced struct {
	Purpose keys.Purpose `json:"purpose"`
	Next    uint32       `json:"next"`
}

func (*WatermarkAdvanced) Kind() Kind { return KindWatermarkAdvanced }

// newPayload returns an empty payload for kind, or nil if kind is unknown.
func newPayload(k Kind) Payload {
	switch k {
	case KindHeaderAccepted:
		return new(HeaderAccepted)
	case KindHeaderReverted:
		return new(HeaderReverted)
	case KindCoinCreated:
		return new(CoinCreated)
	case KindCoinSpent:
		return new(CoinSpent)
	case KindWatermarkAdvanced:
		return new(WatermarkAdvanced)
	default:
		return nil
	}
}
