package rpc

import (
	"context"

	"github.com/btcsuite/btcd/btcutil"
)

// ── Wallet endpoints ────────────────────────────────────────────────────

func (s *Server) handleWalletGetBalance(_ *Request) (interface{}, *Error) {
	b := s.wallet.Balances()
	return &BalanceResult{
		Total:       FormatAmount(b.Total()),
		Confirmed:   FormatAmount(b.Confirmed),
		Immature:    FormatAmount(b.Immature),
		Unconfirmed: FormatAmount(b.Unconfirmed),
		Pending:     FormatAmount(b.Pending()),
	}, nil
}

func (s *Server) handleWalletGetAddress(ctx context.Context, _ *Request) (interface{}, *Error) {
	addr, err := s.wallet.DepositAddress(ctx)
	if err != nil {
		return nil, walletError(err)
	}
	return &AddressResult{Address: addr.EncodeAddress()}, nil
}

func (s *Server) handleWalletSend(ctx context.Context, req *Request) (interface{}, *Error) {
	var params SendParam
	if err := parseParams(req, &params); err != nil {
		return nil, err
	}
	if params.Address == "" {
		return nil, &Error{Code: CodeInvalidParams, Message: "address is required"}
	}
	if params.FeeRate < 0 {
		return nil, &Error{Code: CodeInvalidParams, Message: "fee_rate must not be negative"}
	}

	// No amount means sweep.
	var amount *btcutil.Amount
	if params.Amount != "" {
		a, err := ParseAmount(params.Amount)
		if err != nil {
			return nil, &Error{Code: CodeInvalidParams, Message: err.Error()}
		}
		amount = &a
	}

	passphrase := []byte(params.Passphrase)
	defer clear(passphrase)
	res, err := s.wallet.Send(ctx, passphrase, params.Address, btcutil.Amount(params.FeeRate), amount)
	if err != nil {
		s.logger.Debug().Err(err).Str("to", params.Address).Msg("Send failed")
		return nil, walletError(err)
	}
	return &SendResult{
		TxID:   res.TxID.String(),
		Fee:    FormatAmount(res.Fee),
		Sent:   FormatAmount(res.Sent),
		Change: FormatAmount(res.Change),
		Inputs: res.Inputs,
	}, nil
}

func (s *Server) handleWalletListCoins(req *Request) (interface{}, *Error) {
	var params ListCoinsParam
	if req.Params != nil {
		if err := parseParams(req, &params); err != nil {
			return nil, err
		}
	}
	coins := s.wallet.Spendable()
	if params.All {
		coins = s.wallet.Coins()
	}
	out := make([]CoinResult, 0, len(coins))
	for i := range coins {
		c := &coins[i]
		res := CoinResult{
			TxID:          c.OutPoint.Hash.String(),
			Vout:          c.OutPoint.Index,
			Amount:        FormatAmount(c.Value),
			Path:          c.Path.String(),
			Height:        c.Height,
			Confirmations: s.wallet.Confirmations(c.Height),
		}
		if addr, err := s.wallet.Address(c); err == nil {
			res.Address = addr.EncodeAddress()
		}
		if c.SpentBy != nil {
			res.SpentBy = c.SpentBy.String()
		}
		out = append(out, res)
	}
	return out, nil
}

func (s *Server) handleWalletGetHistory(_ *Request) (interface{}, *Error) {
	history := s.wallet.History()
	out := make([]TxResult, len(history))
	for i, h := range history {
		out[i] = TxResult{
			TxID:          h.TxID.String(),
			Height:        h.Height,
			Confirmations: s.wallet.Confirmations(h.Height),
			Active:        h.Active,
			Conflicted:    h.Conflicted,
			Received:      FormatAmount(h.Received),
			Spent:         FormatAmount(h.Spent),
		}
	}
	return out, nil
}

func (s *Server) handleWalletGetInfo(_ *Request) (interface{}, *Error) {
	st := s.wallet.Status()
	return &WalletInfoResult{
		Network:     s.wallet.Params().Name,
		AccountXPub: s.wallet.AccountXPub(),
		WatchOnly:   st.WatchOnly,
		Degraded:    st.Degraded,
		Coins:       st.Coins,
		Txs:         st.Txs,
		LogSeq:      st.LogSeq,
		LogTail:     st.LogTail,
		Base:        st.Base,
		Watermarks:  st.Watermarks,
	}, nil
}

func (s *Server) handleWalletCompact(ctx context.Context, _ *Request) (interface{}, *Error) {
	if err := s.wallet.Compact(ctx); err != nil {
		return nil, walletError(err)
	}
	return s.handleWalletGetInfo(nil)
}

func (s *Server) handleWalletRescan(ctx context.Context, req *Request) (interface{}, *Error) {
	var params RescanParam
	if err := parseParams(req, &params); err != nil {
		return nil, err
	}
	if params.FromHeight < 0 {
		return nil, &Error{Code: CodeInvalidParams, Message: "from_height must not be negative"}
	}
	if err := s.wallet.Rescan(ctx, params.FromHeight); err != nil {
		return nil, walletError(err)
	}
	return &RescanResult{FromHeight: params.FromHeight}, nil
}
