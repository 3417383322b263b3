package keys

import (
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

// DerivedKey is one leaf of the hierarchy. PrivKey is nil for watch-only
// hierarchies.
type DerivedKey struct {
	Path     Path
	PubKey   []byte
	PrivKey  *secp256k1.PrivateKey
	PkScript []byte
	Address  btcutil.Address
}

// Hierarchy derives keys for one account and tracks a watermark per purpose.
// Scripts below watermark+lookahead are indexed for ownership lookups.
//
// Watermarks only move forward. The caller is responsible for making an
// advance durable before calling SetWatermark.
type Hierarchy struct {
	params    *chaincfg.Params
	account   uint32
	lookahead uint32

	acct     *HDKey
	branches [len(Purposes)]*HDKey

	mu         sync.RWMutex
	watermarks [len(Purposes)]uint32
	indexed    [len(Purposes)]uint32
	scripts    map[string]Path
}

// NewHierarchy builds a private hierarchy from a seed.
func NewHierarchy(seed []byte, params *chaincfg.Params, account, lookahead uint32) (*Hierarchy, error) {
	master, err := NewMasterKey(seed)
	if err != nil {
		return nil, err
	}
	acct, err := master.DeriveAccount(params.HDCoinType, account)
	if err != nil {
		return nil, err
	}
	return newHierarchy(acct, params, account, lookahead)
}

// NewWatchOnly builds a public-only hierarchy from an account xpub.
func NewWatchOnly(xpub string, params *chaincfg.Params, account, lookahead uint32) (*Hierarchy, error) {
	acct, err := ParseExtendedKey(xpub)
	if err != nil {
		return nil, err
	}
	if acct.Depth() != 3 {
		return nil, fmt.Errorf("%w: account key depth %d, want 3", ErrInvalidKey, acct.Depth())
	}
	return newHierarchy(acct.Neuter(), params, account, lookahead)
}

func newHierarchy(acct *HDKey, params *chaincfg.Params, account, lookahead uint32) (*Hierarchy, error) {
	h := &Hierarchy{
		params:    params,
		account:   account,
		lookahead: lookahead,
		acct:      acct,
		scripts:   make(map[string]Path),
	}
	for _, p := range Purposes {
		b, err := acct.DeriveChild(p.Branch())
		if err != nil {
			return nil, err
		}
		h.branches[p] = b
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, p := range Purposes {
		if err := h.extendLocked(p); err != nil {
			return nil, err
		}
	}
	return h, nil
}

// AccountXPub returns the neutered account key.
func (h *Hierarchy) AccountXPub() string {
	return h.acct.Neuter().String()
}

// Account returns the account index.
func (h *Hierarchy) Account() uint32 { return h.account }

// Params returns the network parameters used for addresses.
func (h *Hierarchy) Params() *chaincfg.Params { return h.params }

// IsWatchOnly reports whether private keys are unavailable.
func (h *Hierarchy) IsWatchOnly() bool {
	return !h.acct.IsPrivate()
}

// Path returns the path of index under purpose for this account.
func (h *Hierarchy) Path(purpose Purpose, index uint32) Path {
	return Path{Coin: h.params.HDCoinType, Account: h.account, Purpose: purpose, Index: index}
}

// DeriveKey derives the key at path. It has no side effects.
func (h *Hierarchy) DeriveKey(path Path) (*DerivedKey, error) {
	if path.Coin != h.params.HDCoinType || path.Account != h.account {
		return nil, fmt.Errorf("%w: %s is outside account %d", ErrInvalidPath, path, h.account)
	}
	if int(path.Purpose) >= len(Purposes) {
		return nil, fmt.Errorf("%w: purpose %d", ErrInvalidPath, path.Purpose)
	}
	if path.Index >= MaxIndex {
		return nil, ErrExhaustedKeyspace
	}
	leaf, err := h.branches[path.Purpose].DeriveChild(path.Index)
	if err != nil {
		return nil, err
	}
	pub := leaf.PublicKeyBytes()
	addr, err := btcutil.NewAddressWitnessPubKeyHash(btcutil.Hash160(pub), h.params)
	if err != nil {
		return nil, fmt.Errorf("address for %s: %w", path, err)
	}
	script, err := txscript.PayToAddrScript(addr)
	if err != nil {
		return nil, fmt.Errorf("script for %s: %w", path, err)
	}
	return &DerivedKey{
		Path:     path,
		PubKey:   pub,
		PrivKey:  leaf.PrivateKey(),
		PkScript: script,
		Address:  addr,
	}, nil
}

// PrivateKey returns the signing key at path.
func (h *Hierarchy) PrivateKey(path Path) (*secp256k1.PrivateKey, error) {
	if h.IsWatchOnly() {
		return nil, fmt.Errorf("%w: %s", ErrMissingPrivateKey, path)
	}
	k, err := h.DeriveKey(path)
	if err != nil {
		return nil, err
	}
	return k.PrivKey, nil
}

// Unlock returns a private hierarchy for the same account, built from seed.
// The receiver is not modified. Watermarks are copied.
func (h *Hierarchy) Unlock(seed []byte) (*Hierarchy, error) {
	priv, err := NewHierarchy(seed, h.params, h.account, h.lookahead)
	if err != nil {
		return nil, err
	}
	if priv.AccountXPub() != h.AccountXPub() {
		return nil, ErrSeedMismatch
	}
	for _, p := range Purposes {
		if err := priv.SetWatermark(p, h.Watermark(p)); err != nil {
			return nil, err
		}
	}
	return priv, nil
}

// Watermark returns the next unused index for purpose.
func (h *Hierarchy) Watermark(purpose Purpose) uint32 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.watermarks[purpose]
}

// PeekNext returns the key at the purpose's watermark without advancing it.
func (h *Hierarchy) PeekNext(purpose Purpose) (*DerivedKey, error) {
	idx := h.Watermark(purpose)
	if idx >= MaxIndex {
		return nil, ErrExhaustedKeyspace
	}
	return h.DeriveKey(h.Path(purpose, idx))
}

// NextUnusedAddress returns the key at the watermark and advances it by one.
// Callers that need durability should use PeekNext, persist the advance and
// then call SetWatermark.
func (h *Hierarchy) NextUnusedAddress(purpose Purpose) (*DerivedKey, error) {
	k, err := h.PeekNext(purpose)
	if err != nil {
		return nil, err
	}
	if err := h.SetWatermark(purpose, k.Path.Index+1); err != nil {
		return nil, err
	}
	return k, nil
}

// SetWatermark raises the watermark to next. Lower values are ignored.
func (h *Hierarchy) SetWatermark(purpose Purpose, next uint32) error {
	if next > MaxIndex {
		return ErrExhaustedKeyspace
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if next <= h.watermarks[purpose] {
		return nil
	}
	h.watermarks[purpose] = next
	return h.extendLocked(purpose)
}

// MarkUsed advances the watermark past path when a coin is received on it.
// It reports whether the watermark moved.
func (h *Hierarchy) MarkUsed(path Path) (bool, error) {
	if path.Index < h.Watermark(path.Purpose) {
		return false, nil
	}
	return true, h.SetWatermark(path.Purpose, path.Index+1)
}

// Lookup returns the path owning pkScript, if it is inside the lookahead
// window.
func (h *Hierarchy) Lookup(pkScript []byte) (Path, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	p, ok := h.scripts[string(pkScript)]
	return p, ok
}

// WatchScripts returns every indexed script, for filter matching.
func (h *Hierarchy) WatchScripts() [][]byte {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([][]byte, 0, len(h.scripts))
	for s := range h.scripts {
		out = append(out, []byte(s))
	}
	return out
}

// extendLocked indexes scripts up to watermark+lookahead.
func (h *Hierarchy) extendLocked(purpose Purpose) error {
	limit := uint64(h.watermarks[purpose]) + uint64(h.lookahead)
	if limit > uint64(MaxIndex) {
		limit = uint64(MaxIndex)
	}
	start := h.indexed[purpose]
	// A jump far past the indexed range only indexes the trailing window.
	if wm := h.watermarks[purpose]; wm > start+h.lookahead {
		start = wm - h.lookahead
	}
	for idx := start; uint64(idx) < limit; idx++ {
		k, err := h.DeriveKey(h.Path(purpose, idx))
		if err != nil {
			return err
		}
		h.scripts[string(k.PkScript)] = k.Path
		h.indexed[purpose] = idx + 1
	}
	return nil
}
