// Package txbuilder selects coins, estimates fees and signs P2WPKH spends.
package txbuilder

import (
	"github.com/Klingon-tech/klingnet-spv/internal/errs"
	"github.com/Klingon-tech/klingnet-spv/internal/keys"
)

var (
	ErrInsufficientFunds = errs.New(errs.Validation, "insufficient funds")
	ErrDustOutput        = errs.New(errs.Validation, "output below dust limit")
	ErrFeeTooHigh        = errs.New(errs.Validation, "fee exceeds limit")
	ErrNoRecipients      = errs.New(errs.Validation, "no recipients")
	ErrInvalidPolicy     = errs.New(errs.Validation, "invalid fee policy")

	// ErrMissingPrivateKey is returned when a selected coin belongs to a
	// watch-only hierarchy.
	ErrMissingPrivateKey = keys.ErrMissingPrivateKey
	ErrSignatureFailure  = errs.ErrSignatureFailure
)
