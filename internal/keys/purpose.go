package keys

import (
	"fmt"

	"github.com/tyler-smith/go-bip32"
)

// Purpose selects the BIP-84 branch of an account.
type Purpose uint8

const (
	// External keys receive deposits (branch 0).
	External Purpose = iota
	// Internal keys receive change (branch 1).
	Internal
)

// Purposes lists every purpose in branch order.
var Purposes = [...]Purpose{External, Internal}

// Branch returns the non-hardened BIP-32 branch index.
func (p Purpose) Branch() uint32 {
	switch p {
	case External:
		return 0
	case Internal:
		return 1
	default:
		panic(fmt.Sprintf("keys: unknown purpose %d", p))
	}
}

func (p Purpose) String() string {
	switch p {
	case External:
		return "external"
	case Internal:
		return "internal"
	default:
		return fmt.Sprintf("purpose(%d)", uint8(p))
	}
}

// ParsePurpose is the inverse of Purpose.String.
func ParsePurpose(s string) (Purpose, error) {
	switch s {
	case "external", "receive":
		return External, nil
	case "internal", "change":
		return Internal, nil
	default:
		return 0, fmt.Errorf("%w: purpose %q", ErrInvalidPath, s)
	}
}

// MaxIndex is the first index that cannot be derived non-hardened.
const MaxIndex = bip32.FirstHardenedChild

// Path locates a key at m/84'/coin'/account'/branch/index.
type Path struct {
	Coin    uint32  `json:"coin"`
	Account uint32  `json:"account"`
	Purpose Purpose `json:"purpose"`
	Index   uint32  `json:"index"`
}

// String renders the path in BIP-32 notation.
func (p Path) String() string {
	return fmt.Sprintf("m/84'/%d'/%d'/%d/%d", p.Coin, p.Account, p.Purpose.Branch(), p.Index)
}
