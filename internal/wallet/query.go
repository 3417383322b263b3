package wallet

import (
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/wire"

	"github.com/Klingon-tech/klingnet-spv/internal/ledger"
)

// Balance returns the total spendable balance and the part of it that is
// final.
func (s *State) Balance() (total, confirmed btcutil.Amount) {
	b := s.Balances()
	return b.Total(), b.Confirmed
}

// Balances returns the spendable balance split by depth.
func (s *State) Balances() ledger.Balance {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, tip := s.view.Tip()
	return s.ledger.Balance(tip)
}

func (s *State) ConfirmedBalance() btcutil.Amount { return s.Balances().Confirmed }

func (s *State) PendingBalance() btcutil.Amount { return s.Balances().Pending() }

// Coins returns every owned coin, spent or not, ordered by outpoint.
func (s *State) Coins() []ledger.Coin {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ledger.Coins()
}

// Spendable returns the unspent coins, ordered by outpoint.
func (s *State) Spendable() []ledger.Coin {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ledger.Spendable()
}

// Coin looks up one owned coin.
func (s *State) Coin(op wire.OutPoint) (ledger.Coin, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ledger.Coin(op)
}

// History lists the wallet's transactions.
func (s *State) History() []ledger.TxSummary {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ledger.History()
}

// Confirmations returns the depth of height on the best chain.
func (s *State) Confirmations(height int32) int32 {
	return s.view.Confirmations(height)
}

// Address returns the address of the coin's owning key.
func (s *State) Address(c *ledger.Coin) (btcutil.Address, error) {
	k, err := s.keys.DeriveKey(c.Path)
	if err != nil {
		return nil, err
	}
	return k.Address, nil
}

// AccountXPub returns the account's extended public key.
func (s *State) AccountXPub() string { return s.keys.AccountXPub() }

// Params returns the wallet's network parameters.
func (s *State) Params() *chaincfg.Params { return s.cfg.Params }
