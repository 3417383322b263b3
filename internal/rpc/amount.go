package rpc

import (
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/shopspring/decimal"
)

// FormatAmount renders satoshis as a BTC decimal string with eight places.
func FormatAmount(a btcutil.Amount) string {
	return decimal.New(int64(a), -8).StringFixed(8)
}

// ParseAmount parses a positive BTC decimal string into satoshis.
func ParseAmount(s string) (btcutil.Amount, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q", s)
	}
	if d.Sign() <= 0 {
		return 0, fmt.Errorf("amount must be positive, got %s", s)
	}
	sats := d.Shift(8)
	if !sats.Equal(sats.Truncate(0)) {
		return 0, fmt.Errorf("amount %s has more than 8 decimal places", s)
	}
	if sats.GreaterThan(decimal.NewFromInt(btcutil.MaxSatoshi)) {
		return 0, fmt.Errorf("amount %s exceeds the supply", s)
	}
	return btcutil.Amount(sats.IntPart()), nil
}
