// Package keys derives the wallet's BIP-84 key hierarchy and keeps the
// encrypted seed on disk.
package keys

import "github.com/Klingon-tech/klingnet-spv/internal/errs"

var (
	ErrInvalidKey         = errs.ErrInvalidKey
	ErrInvalidSeed        = errs.New(errs.Validation, "invalid seed")
	ErrInvalidMnemonic    = errs.New(errs.Validation, "invalid mnemonic")
	ErrInvalidPath        = errs.New(errs.Validation, "invalid derivation path")
	ErrExhaustedKeyspace  = errs.New(errs.Resource, "key index space exhausted")
	ErrMissingPrivateKey  = errs.New(errs.Validation, "private key not available")
	ErrSeedMismatch       = errs.New(errs.Validation, "seed does not match wallet account")
	ErrWrongPassphrase    = errs.New(errs.Validation, "wrong passphrase")
	ErrWalletExists       = errs.New(errs.Validation, "wallet already exists")
	ErrWalletNotFound     = errs.New(errs.Resource, "wallet not found")
	ErrUnsupportedKeyfile = errs.New(errs.Resource, "unsupported keystore version")
)
