package txbuilder

import (
	"cmp"
	"fmt"
	"slices"

	"github.com/btcsuite/btcd/btcutil"

	"github.com/Klingon-tech/klingnet-spv/internal/ledger"
)

// Tier ranks coins by how settled they are. Lower tiers are spent first.
type Tier int

const (
	TierFinal Tier = iota
	TierShallow
	TierUnconfirmed
	numTiers
)

func (t Tier) String() string {
	switch t {
	case TierFinal:
		return "final"
	case TierShallow:
		return "shallow"
	case TierUnconfirmed:
		return "unconfirmed"
	default:
		return fmt.Sprintf("tier(%d)", int(t))
	}
}

// CoinSet is a consistent view of the spendable coins at a tip.
type CoinSet struct {
	Coins         []ledger.Coin
	Tip           int32
	FinalityDepth int32
}

// TierOf classifies c relative to the set's tip.
func (s *CoinSet) TierOf(c *ledger.Coin) Tier {
	switch {
	case !c.Confirmed() || c.Height > s.Tip:
		return TierUnconfirmed
	case s.Tip-c.Height+1 >= s.FinalityDepth:
		return TierFinal
	default:
		return TierShallow
	}
}

// upTo returns the spendable coins in tiers at or below max.
func (s *CoinSet) upTo(max Tier) []ledger.Coin {
	out := make([]ledger.Coin, 0, len(s.Coins))
	for i := range s.Coins {
		c := &s.Coins[i]
		if c.Spendable() && c.Value > 0 && s.TierOf(c) <= max {
			out = append(out, *c)
		}
	}
	return out
}

func total(coins []ledger.Coin) btcutil.Amount {
	var sum btcutil.Amount
	for i := range coins {
		sum += coins[i].Value
	}
	return sum
}

// byValue orders coins by ascending value, then outpoint.
func byValue(a, b ledger.Coin) int {
	if c := cmp.Compare(a.Value, b.Value); c != 0 {
		return c
	}
	return ledger.CompareOutPoints(a.OutPoint, b.OutPoint)
}

// selectCoins picks inputs covering target from candidates: the smallest
// single coin that covers it, otherwise the largest coins first. Returns nil
// when the candidates cannot cover target.
func selectCoins(candidates []ledger.Coin, target btcutil.Amount) []ledger.Coin {
	sorted := slices.Clone(candidates)
	slices.SortFunc(sorted, byValue)

	for _, c := range sorted {
		if c.Value >= target {
			return []ledger.Coin{c}
		}
	}

	// Largest first. Equal values keep outpoint order.
	slices.SortStableFunc(sorted, func(a, b ledger.Coin) int {
		return cmp.Compare(b.Value, a.Value)
	})
	var (
		selected []ledger.Coin
		sum      btcutil.Amount
	)
	for _, c := range sorted {
		selected = append(selected, c)
		sum += c.Value
		if sum >= target {
			return selected
		}
	}
	return nil
}
