package txbuilder

import (
	"errors"
	"testing"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/txsort"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/Klingon-tech/klingnet-spv/internal/errs"
	"github.com/Klingon-tech/klingnet-spv/internal/keys"
	"github.com/Klingon-tech/klingnet-spv/internal/ledger"
)

const testMnemonic = "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about"

func testHierarchy(t *testing.T) *keys.Hierarchy {
	t.Helper()
	seed, err := keys.SeedFromMnemonic(testMnemonic, "")
	if err != nil {
		t.Fatal(err)
	}
	h, err := keys.NewHierarchy(seed, &chaincfg.RegressionNetParams, 0, 20)
	if err != nil {
		t.Fatal(err)
	}
	return h
}

func testBuilder(t *testing.T, h *keys.Hierarchy) *Builder {
	t.Helper()
	return New(h, func() (*keys.DerivedKey, error) {
		return h.PeekNext(keys.Internal)
	})
}

// coin returns an owned coin paying to external index idx.
func coin(t *testing.T, h *keys.Hierarchy, idx uint32, value btcutil.Amount, height int32) ledger.Coin {
	t.Helper()
	k, err := h.DeriveKey(h.Path(keys.External, idx))
	if err != nil {
		t.Fatal(err)
	}
	return ledger.Coin{
		OutPoint: wire.OutPoint{Hash: chainhash.Hash{byte(idx + 1)}, Index: idx},
		Value:    value,
		PkScript: k.PkScript,
		Path:     k.Path,
		Height:   height,
	}
}

func payeeScript() []byte {
	s := make([]byte, P2WPKHScriptSize)
	s[0], s[1] = 0x00, 0x14
	s[2] = 0xaa
	return s
}

func inputTotal(res *AuthoredTx) btcutil.Amount {
	var sum btcutil.Amount
	for _, c := range res.Inputs {
		sum += c.Value
	}
	return sum
}

func TestDustAndChange(t *testing.T) {
	h := testHierarchy(t)
	b := testBuilder(t, h)
	set := &CoinSet{Coins: []ledger.Coin{coin(t, h, 0, 100_000, 1)}, Tip: 10, FinalityDepth: 6}
	policy := Policy{Fee: 5_000, DustLimit: 1_000}

	t.Run("change above dust", func(t *testing.T) {
		res, err := b.BuildTransaction(set, []Recipient{{PkScript: payeeScript(), Amount: 50_000}}, policy)
		if err != nil {
			t.Fatal(err)
		}
		if len(res.Tx.TxOut) != 2 {
			t.Fatalf("outputs = %d, want 2", len(res.Tx.TxOut))
		}
		if res.Change != 45_000 || res.Fee != 5_000 {
			t.Errorf("change = %v fee = %v, want 45000/5000", res.Change, res.Fee)
		}
		if res.ChangeIndex < 0 || res.Tx.TxOut[res.ChangeIndex].Value != 45_000 {
			t.Errorf("change index = %d", res.ChangeIndex)
		}
		if res.ChangePath == nil || res.ChangePath.Purpose != keys.Internal || res.ChangePath.Index != 0 {
			t.Errorf("change path = %v", res.ChangePath)
		}
		if len(res.Tx.TxIn[0].Witness) != 2 {
			t.Error("input not signed")
		}
	})

	t.Run("change below dust is donated", func(t *testing.T) {
		res, err := b.BuildTransaction(set, []Recipient{{PkScript: payeeScript(), Amount: 94_500}}, policy)
		if err != nil {
			t.Fatal(err)
		}
		if len(res.Tx.TxOut) != 1 {
			t.Fatalf("outputs = %d, want 1", len(res.Tx.TxOut))
		}
		if res.Fee != 5_500 || res.ChangeIndex != -1 || res.ChangePath != nil {
			t.Errorf("fee = %v change index = %d", res.Fee, res.ChangeIndex)
		}
	})
}

func TestSelectionDeterministic(t *testing.T) {
	h := testHierarchy(t)
	b := testBuilder(t, h)
	set := &CoinSet{Tip: 100, FinalityDepth: 6}
	for i := uint32(0); i < 8; i++ {
		set.Coins = append(set.Coins, coin(t, h, i, 10_000, 1))
	}
	recipients := []Recipient{{PkScript: payeeScript(), Amount: 35_000}}
	policy := Policy{FeeRate: 2}

	first, err := b.BuildTransaction(set, recipients, policy)
	if err != nil {
		t.Fatal(err)
	}
	second, err := b.BuildTransaction(set, recipients, policy)
	if err != nil {
		t.Fatal(err)
	}
	if first.Tx.TxHash() != second.Tx.TxHash() {
		t.Error("identical inputs produced different transactions")
	}
	if len(first.Inputs) != 4 {
		t.Fatalf("inputs = %d, want 4", len(first.Inputs))
	}
	for i, c := range first.Inputs {
		if c.OutPoint != second.Inputs[i].OutPoint {
			t.Errorf("input %d differs", i)
		}
		// Equal values tie-break by outpoint, so the lowest four win.
		if c.Path.Index != uint32(i) {
			t.Errorf("input %d has index %d", i, c.Path.Index)
		}
	}
	if !txsort.IsSorted(first.Tx) {
		t.Error("transaction is not in BIP-69 order")
	}
	if got := inputTotal(first); got != first.Sent+first.Fee+first.Change {
		t.Errorf("inputs %v != sent %v + fee %v + change %v", got, first.Sent, first.Fee, first.Change)
	}
}

func TestSelectionStrategy(t *testing.T) {
	h := testHierarchy(t)
	b := testBuilder(t, h)
	set := &CoinSet{
		Coins: []ledger.Coin{
			coin(t, h, 0, 10_000, 1),
			coin(t, h, 1, 20_000, 1),
			coin(t, h, 2, 50_000, 1),
		},
		Tip:           100,
		FinalityDepth: 6,
	}
	policy := Policy{Fee: 1_000}

	tests := []struct {
		name   string
		amount btcutil.Amount
		want   []uint32
	}{
		{"smallest covering coin", 15_000, []uint32{1}},
		{"exact single", 49_000, []uint32{2}},
		{"largest first", 65_000, []uint32{2, 1}},
		{"everything", 79_000, []uint32{2, 1, 0}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := b.BuildTransaction(set, []Recipient{{PkScript: payeeScript(), Amount: tt.amount}}, policy)
			if err != nil {
				t.Fatal(err)
			}
			if len(res.Inputs) != len(tt.want) {
				t.Fatalf("inputs = %d, want %d", len(res.Inputs), len(tt.want))
			}
			for i, c := range res.Inputs {
				if c.Path.Index != tt.want[i] {
					t.Errorf("input %d = index %d, want %d", i, c.Path.Index, tt.want[i])
				}
			}
		})
	}
}

func TestTierPreference(t *testing.T) {
	h := testHierarchy(t)
	b := testBuilder(t, h)
	set := &CoinSet{
		Coins: []ledger.Coin{
			coin(t, h, 0, 30_000, 1),
			coin(t, h, 1, 40_000, 98),
			coin(t, h, 2, 100_000, ledger.Unconfirmed.Height),
		},
		Tip:           100,
		FinalityDepth: 6,
	}
	policy := Policy{FeeRate: 1}

	tests := []struct {
		amount btcutil.Amount
		tier   Tier
		inputs int
	}{
		{20_000, TierFinal, 1},
		{50_000, TierShallow, 2},
		{90_000, TierUnconfirmed, 1},
	}
	for _, tt := range tests {
		t.Run(tt.tier.String(), func(t *testing.T) {
			res, err := b.BuildTransaction(set, []Recipient{{PkScript: payeeScript(), Amount: tt.amount}}, policy)
			if err != nil {
				t.Fatal(err)
			}
			if res.Tier != tt.tier || len(res.Inputs) != tt.inputs {
				t.Errorf("tier = %v inputs = %d, want %v/%d", res.Tier, len(res.Inputs), tt.tier, tt.inputs)
			}
		})
	}
}

func TestFeeRate(t *testing.T) {
	h := testHierarchy(t)
	b := testBuilder(t, h)
	set := &CoinSet{Tip: 100, FinalityDepth: 6}
	for i := uint32(0); i < 10; i++ {
		set.Coins = append(set.Coins, coin(t, h, i, 10_000, 1))
	}
	// Four coins cover the one-input estimate but not the fee for four
	// inputs, so selection runs again with the larger target.
	res, err := b.BuildTransaction(set, []Recipient{{PkScript: payeeScript(), Amount: 38_000}}, Policy{FeeRate: 10})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Inputs) != 5 {
		t.Fatalf("inputs = %d, want 5", len(res.Inputs))
	}
	outs := []*wire.TxOut{wire.NewTxOut(0, payeeScript()), wire.NewTxOut(0, payeeScript())}
	if want := 10 * btcutil.Amount(EstimateVirtualSize(5, outs)); res.Fee != want {
		t.Errorf("fee = %v, want %v", res.Fee, want)
	}
	if got := inputTotal(res); got != res.Sent+res.Fee+res.Change {
		t.Errorf("inputs %v != sent %v + fee %v + change %v", got, res.Sent, res.Fee, res.Change)
	}
}

func TestEstimateVirtualSize(t *testing.T) {
	outs := []*wire.TxOut{wire.NewTxOut(1, payeeScript()), wire.NewTxOut(1, payeeScript())}
	if got := EstimateVirtualSize(1, outs); got != 141 {
		t.Errorf("vsize = %d, want 141", got)
	}
}

func TestBuildErrors(t *testing.T) {
	h := testHierarchy(t)
	b := testBuilder(t, h)
	set := &CoinSet{Coins: []ledger.Coin{coin(t, h, 0, 100_000, 1)}, Tip: 10, FinalityDepth: 6}
	to := payeeScript()

	tests := []struct {
		name       string
		recipients []Recipient
		policy     Policy
		want       error
	}{
		{"insufficient", []Recipient{{to, 99_000}}, Policy{Fee: 5_000}, ErrInsufficientFunds},
		{"dust recipient", []Recipient{{to, 500}}, Policy{FeeRate: 1}, ErrDustOutput},
		{"fee too high", []Recipient{{to, 10_000}}, Policy{Fee: 5_000}, ErrFeeTooHigh},
		{"no recipients", nil, Policy{FeeRate: 1}, ErrNoRecipients},
		{"no fee", []Recipient{{to, 10_000}}, Policy{}, ErrInvalidPolicy},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := b.BuildTransaction(set, tt.recipients, tt.policy)
			if !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
			if !errors.Is(err, errs.Validation) {
				t.Errorf("err = %v is not a validation error", err)
			}
		})
	}
}

func TestWatchOnlyMissingKey(t *testing.T) {
	h := testHierarchy(t)
	watch, err := keys.NewWatchOnly(h.AccountXPub(), &chaincfg.RegressionNetParams, 0, 20)
	if err != nil {
		t.Fatal(err)
	}
	b := testBuilder(t, watch)
	set := &CoinSet{Coins: []ledger.Coin{coin(t, watch, 0, 100_000, 1)}, Tip: 10, FinalityDepth: 6}
	_, err = b.BuildTransaction(set, []Recipient{{PkScript: payeeScript(), Amount: 50_000}}, Policy{FeeRate: 1})
	if !errors.Is(err, ErrMissingPrivateKey) {
		t.Errorf("err = %v, want ErrMissingPrivateKey", err)
	}
}

func TestSweep(t *testing.T) {
	h := testHierarchy(t)
	b := testBuilder(t, h)
	set := &CoinSet{
		Coins: []ledger.Coin{
			coin(t, h, 0, 10_000, 1),
			coin(t, h, 1, 20_000, 99),
			coin(t, h, 2, 30_000, ledger.Unconfirmed.Height),
		},
		Tip:           100,
		FinalityDepth: 6,
	}
	spent := set.Coins[0]
	spent.OutPoint.Index = 9
	spent.SpentBy = &chainhash.Hash{9}
	set.Coins = append(set.Coins, spent)

	res, err := b.Sweep(set, payeeScript(), Policy{FeeRate: 2})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Inputs) != 3 || len(res.Tx.TxOut) != 1 {
		t.Fatalf("inputs = %d outputs = %d", len(res.Inputs), len(res.Tx.TxOut))
	}
	wantFee := 2 * btcutil.Amount(EstimateVirtualSize(3, []*wire.TxOut{wire.NewTxOut(0, payeeScript())}))
	if res.Fee != wantFee {
		t.Errorf("fee = %v, want %v", res.Fee, wantFee)
	}
	if got := btcutil.Amount(res.Tx.TxOut[0].Value); got != 60_000-wantFee {
		t.Errorf("swept = %v, want %v", got, 60_000-wantFee)
	}

	if _, err := b.Sweep(&CoinSet{}, payeeScript(), Policy{FeeRate: 2}); !errors.Is(err, ErrInsufficientFunds) {
		t.Errorf("empty sweep err = %v", err)
	}
}
