package chain

import (
	"fmt"
	"math/big"
	"sync"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/rs/zerolog"

	klog "github.com/Klingon-tech/klingnet-spv/internal/log"
	"github.com/Klingon-tech/klingnet-spv/internal/persist"
)

// HeaderStatus is the validation state of a header hash.
type HeaderStatus uint8

const (
	StatusUnknown HeaderStatus = iota
	StatusPendingValidation
	StatusAccepted
	StatusRejected
)

func (s HeaderStatus) String() string {
	switch s {
	case StatusPendingValidation:
		return "pending"
	case StatusAccepted:
		return "accepted"
	case StatusRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// maxRejected bounds the rejected-hash cache.
const maxRejected = 4096

// Config configures a View.
type Config struct {
	Params        *chaincfg.Params
	Root          wire.BlockHeader
	RootHeight    int32
	MaxReorgDepth int32
	FinalityDepth int32
}

type node struct {
	header wire.BlockHeader
	hash   chainhash.Hash
	height int32
	work   *big.Int // cumulative, counted from the root
}

// View is the in-memory header tree.
type View struct {
	cfg      Config
	rootHash chainhash.Hash
	logger   zerolog.Logger

	mu       sync.RWMutex
	nodes    map[chainhash.Hash]*node
	best     []chainhash.Hash // best[i] is the hash at height base+i
	base     int32
	rejected map[chainhash.Hash]struct{}

	// pending holds headers the last SubmitHeaders accepted that have not
	// been applied yet. Lock order: mu, then pendMu.
	pendMu  sync.Mutex
	pending map[chainhash.Hash]struct{}
}

// New creates a view containing only the root header.
func New(cfg Config) (*View, error) {
	if cfg.Params == nil {
		return nil, fmt.Errorf("chain params are nil")
	}
	if cfg.MaxReorgDepth <= 0 {
		cfg.MaxReorgDepth = MaxReorgDepth
	}
	if cfg.FinalityDepth <= 0 {
		cfg.FinalityDepth = DefaultFinalityDepth
	}
	v := &View{
		cfg:    cfg,
		logger: klog.Chain,
	}
	v.rootHash = cfg.Root.BlockHash()
	v.reset(&node{
		header: cfg.Root,
		hash:   v.rootHash,
		height: cfg.RootHeight,
		work:   blockchain.CalcWork(cfg.Root.Bits),
	})
	return v, nil
}

func (v *View) reset(base *node) {
	v.nodes = map[chainhash.Hash]*node{base.hash: base}
	v.best = []chainhash.Hash{base.hash}
	v.base = base.height
	v.rejected = make(map[chainhash.Hash]struct{})
}

// Params returns the network parameters.
func (v *View) Params() *chaincfg.Params { return v.cfg.Params }

// RootHash returns the hash of the trusted root header.
func (v *View) RootHash() chainhash.Hash { return v.rootHash }

// FinalityDepth returns the configured finality depth.
func (v *View) FinalityDepth() int32 { return v.cfg.FinalityDepth }

// Tip returns the hash and height of the best header.
func (v *View) Tip() (chainhash.Hash, int32) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.best[len(v.best)-1], v.tipHeight()
}

// Height returns the best chain height.
func (v *View) Height() int32 {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.tipHeight()
}

// TipHeader returns a copy of the best header.
func (v *View) TipHeader() wire.BlockHeader {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.nodes[v.best[len(v.best)-1]].header
}

// Work returns the cumulative work of the best chain.
func (v *View) Work() *big.Int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return new(big.Int).Set(v.nodes[v.best[len(v.best)-1]].work)
}

// Base returns the lowest height still held in the arena.
func (v *View) Base() int32 {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.base
}

// HeaderByHeight returns the best-chain header at height.
func (v *View) HeaderByHeight(height int32) (wire.BlockHeader, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	hash, ok := v.bestAt(height)
	if !ok {
		return wire.BlockHeader{}, false
	}
	return v.nodes[hash].header, true
}

// HeaderByHash returns any header in the arena and its height.
func (v *View) HeaderByHash(hash chainhash.Hash) (wire.BlockHeader, int32, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	n, ok := v.nodes[hash]
	if !ok {
		return wire.BlockHeader{}, 0, false
	}
	return n.header, n.height, true
}

// BestHeight returns the height of hash if it is on the best chain.
func (v *View) BestHeight(hash chainhash.Hash) (int32, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	n, ok := v.nodes[hash]
	if !ok {
		return 0, false
	}
	if h, ok := v.bestAt(n.height); !ok || h != hash {
		return 0, false
	}
	return n.height, true
}

// Status returns the validation state of hash. A header planned by
// SubmitHeaders is pending until its entry is applied; a later plan
// replaces the pending set.
func (v *View) Status(hash chainhash.Hash) HeaderStatus {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if _, ok := v.nodes[hash]; ok {
		return StatusAccepted
	}
	if _, ok := v.rejected[hash]; ok {
		return StatusRejected
	}
	v.pendMu.Lock()
	_, ok := v.pending[hash]
	v.pendMu.Unlock()
	if ok {
		return StatusPendingValidation
	}
	return StatusUnknown
}

func (v *View) setPending(t *Transition) {
	pending := make(map[chainhash.Hash]struct{})
	for _, p := range t.Entries {
		if e, ok := p.(*persist.HeaderAccepted); ok {
			pending[e.Header.BlockHash()] = struct{}{}
		}
	}
	v.pendMu.Lock()
	v.pending = pending
	v.pendMu.Unlock()
}

func (v *View) clearPending(hash chainhash.Hash) {
	v.pendMu.Lock()
	delete(v.pending, hash)
	v.pendMu.Unlock()
}

// Len returns the number of headers in the arena.
func (v *View) Len() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return len(v.nodes)
}

// Confirmations returns tip-height+1 for a best-chain height, or 0 for
// unconfirmed (negative) or future heights.
func (v *View) Confirmations(height int32) int32 {
	tip := v.Height()
	if height < 0 || height > tip {
		return 0
	}
	return tip - height + 1
}

// IsFinal reports whether height has reached the finality depth.
func (v *View) IsFinal(height int32) bool {
	return v.Confirmations(height) >= v.cfg.FinalityDepth
}

// HeadersAfter returns up to max best-chain headers following the first
// locator hash found on the best chain, or following the base when none is.
func (v *View) HeadersAfter(locator []chainhash.Hash, max int) []wire.BlockHeader {
	v.mu.RLock()
	defer v.mu.RUnlock()
	start := v.base
	for _, hash := range locator {
		n, ok := v.nodes[hash]
		if !ok {
			continue
		}
		if h, ok := v.bestAt(n.height); ok && h == hash {
			start = n.height
			break
		}
	}
	var out []wire.BlockHeader
	for h := start + 1; h <= v.tipHeight() && len(out) < max; h++ {
		hash, _ := v.bestAt(h)
		out = append(out, v.nodes[hash].header)
	}
	return out
}

// Apply folds one log entry into the view. Entries of other kinds are
// ignored. Entries must arrive in log order.
func (v *View) Apply(p persist.Payload) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	switch e := p.(type) {
	case *persist.HeaderAccepted:
		return v.applyAccepted(e)
	case *persist.HeaderReverted:
		return v.applyReverted(e)
	default:
		return nil
	}
}

// Commit applies a planned transition directly. Callers that persist
// entries apply them one by one with Apply after appending instead.
func (v *View) Commit(t *Transition) error {
	for _, p := range t.Entries {
		if err := v.Apply(p); err != nil {
			return err
		}
	}
	if t.Rejected != nil {
		v.MarkRejected(*t.Rejected)
	}
	return nil
}

// MarkRejected remembers a header that failed validation.
func (v *View) MarkRejected(hash chainhash.Hash) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if len(v.rejected) >= maxRejected {
		v.rejected = make(map[chainhash.Hash]struct{})
	}
	v.rejected[hash] = struct{}{}
}

func (v *View) applyAccepted(e *persist.HeaderAccepted) error {
	hdr := e.Header.BlockHeader
	hash := hdr.BlockHash()
	n, ok := v.nodes[hash]
	if !ok {
		parent, ok := v.nodes[hdr.PrevBlock]
		if !ok {
			return fmt.Errorf("%w: parent %s of %s at %d unknown", ErrInconsistentEntry, hdr.PrevBlock, hash, e.Height)
		}
		if e.Height != parent.height+1 {
			return fmt.Errorf("%w: %s at %d, parent at %d", ErrInconsistentEntry, hash, e.Height, parent.height)
		}
		n = &node{
			header: hdr,
			hash:   hash,
			height: e.Height,
			work:   new(big.Int).Add(parent.work, blockchain.CalcWork(hdr.Bits)),
		}
		v.nodes[hash] = n
		v.clearPending(hash)
	}
	if !e.Best {
		return nil
	}
	tip := v.best[len(v.best)-1]
	if tip == hash {
		return nil
	}
	if n.height != v.tipHeight()+1 || hdr.PrevBlock != tip {
		return fmt.Errorf("%w: %s at %d does not extend tip %s at %d",
			ErrInconsistentEntry, hash, n.height, tip, v.tipHeight())
	}
	v.best = append(v.best, hash)
	return nil
}

func (v *View) applyReverted(e *persist.HeaderReverted) error {
	if e.Height > v.tipHeight() {
		return nil
	}
	if e.Height != v.tipHeight() || v.best[len(v.best)-1] != e.Hash {
		return fmt.Errorf("%w: revert of %s at %d, tip is %s at %d",
			ErrInconsistentEntry, e.Hash, e.Height, v.best[len(v.best)-1], v.tipHeight())
	}
	if len(v.best) == 1 {
		return fmt.Errorf("%w: cannot revert the base header", ErrInconsistentEntry)
	}
	v.best = v.best[:len(v.best)-1]
	return nil
}

func (v *View) tipHeight() int32 {
	return v.base + int32(len(v.best)) - 1
}

func (v *View) bestAt(height int32) (chainhash.Hash, bool) {
	if height < v.base || height > v.tipHeight() {
		return chainhash.Hash{}, false
	}
	return v.best[height-v.base], true
}
