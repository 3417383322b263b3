package chain

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/Klingon-tech/klingnet-spv/internal/persist"
)

// Reorg describes one best-chain switch inside a transition.
type Reorg struct {
	Ancestor int32
	OldTip   int32
	NewTip   int32
}

// Depth returns the number of reverted headers.
func (r Reorg) Depth() int32 { return r.OldTip - r.Ancestor }

// Transition is the planned effect of submitting headers: the entries to
// append, in order. A reorg contributes its reverts (old tip downwards)
// followed by the new branch (ancestor+1 upwards).
type Transition struct {
	Entries  []persist.Payload
	Reorgs   []Reorg
	Accepted int
	// Rejected is set when planning stopped at a header that failed proof
	// of work.
	Rejected *chainhash.Hash
	TipHash  chainhash.Hash
	Tip      int32
}

// Empty reports whether the transition changes nothing.
func (t *Transition) Empty() bool { return len(t.Entries) == 0 && t.Rejected == nil }

// SubmitHeader plans the effect of one header.
func (v *View) SubmitHeader(hdr *wire.BlockHeader) (*Transition, error) {
	return v.SubmitHeaders([]wire.BlockHeader{*hdr})
}

// SubmitHeaders validates headers in order against the view plus the
// headers before them, and returns the resulting transition. The view is
// not modified.
//
// On error the returned transition is still non-nil and covers the headers
// accepted before the failing one.
func (v *View) SubmitHeaders(hdrs []wire.BlockHeader) (*Transition, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	p := &planner{
		v:     v,
		added: make(map[chainhash.Hash]*node),
		fork:  v.tipHeight(),
		t:     &Transition{},
	}
	var err error
	for i := range hdrs {
		if err = p.submit(&hdrs[i]); err != nil {
			break
		}
	}
	tip := p.tip()
	p.t.TipHash, p.t.Tip = tip.hash, tip.height
	v.setPending(p.t)
	return p.t, err
}

// planner overlays planned headers on top of the view.
type planner struct {
	v     *View
	added map[chainhash.Hash]*node
	fork  int32            // best heights up to fork come from the view
	top   []chainhash.Hash // planned best hashes above fork
	t     *Transition
}

func (p *planner) node(hash chainhash.Hash) (*node, bool) {
	if n, ok := p.added[hash]; ok {
		return n, true
	}
	n, ok := p.v.nodes[hash]
	return n, ok
}

func (p *planner) tipHeight() int32 { return p.fork + int32(len(p.top)) }

func (p *planner) bestAt(height int32) (chainhash.Hash, bool) {
	if height > p.fork {
		idx := height - p.fork - 1
		if idx >= int32(len(p.top)) {
			return chainhash.Hash{}, false
		}
		return p.top[idx], true
	}
	return p.v.bestAt(height)
}

func (p *planner) tip() *node {
	hash, _ := p.bestAt(p.tipHeight())
	n, _ := p.node(hash)
	return n
}

// ancestorOf returns a function that looks up headers on n's branch.
func (p *planner) ancestorOf(n *node) ancestorFunc {
	return func(height int32) (*wire.BlockHeader, bool) {
		cur := n
		for cur.height > height {
			parent, ok := p.node(cur.header.PrevBlock)
			if !ok {
				return nil, false
			}
			cur = parent
		}
		if cur.height != height {
			return nil, false
		}
		return &cur.header, true
	}
}

func (p *planner) submit(hdr *wire.BlockHeader) error {
	hash := hdr.BlockHash()
	if _, ok := p.node(hash); ok {
		return nil
	}
	if _, ok := p.v.rejected[hash]; ok {
		return fmt.Errorf("%w: %s", ErrRejectedHeader, hash)
	}
	parent, ok := p.node(hdr.PrevBlock)
	if !ok {
		return fmt.Errorf("%w: %s has unknown parent %s", ErrInvalidLinkage, hash, hdr.PrevBlock)
	}

	height := parent.height + 1
	params := p.v.cfg.Params
	err := checkProofOfWork(hdr, params)
	if err == nil {
		err = checkDifficulty(hdr, &parent.header, height, params, p.ancestorOf(parent))
	}
	if err != nil {
		if errors.Is(err, ErrInvalidProofOfWork) {
			p.t.Rejected = &hash
		}
		return fmt.Errorf("header %s at %d: %w", hash, height, err)
	}

	n := &node{
		header: *hdr,
		hash:   hash,
		height: height,
		work:   new(big.Int).Add(parent.work, blockchain.CalcWork(hdr.Bits)),
	}
	tip := p.tip()

	switch {
	case parent.hash == tip.hash:
		p.added[hash] = n
		p.top = append(p.top, hash)
		p.accept(n, true)

	case n.work.Cmp(tip.work) > 0:
		if err := p.reorg(n, tip); err != nil {
			return err
		}

	default:
		p.added[hash] = n
		p.accept(n, false)
	}
	return nil
}

func (p *planner) accept(n *node, best bool) {
	p.t.Entries = append(p.t.Entries, &persist.HeaderAccepted{
		Header: persist.Header{BlockHeader: n.header},
		Height: n.height,
		Best:   best,
	})
	p.t.Accepted++
}

// reorg switches the planned best chain to the branch ending in n.
func (p *planner) reorg(n, tip *node) error {
	// Collect the new branch down to the first best-chain ancestor.
	branch := []*node{n}
	cur := n
	for {
		parent, ok := p.node(cur.header.PrevBlock)
		if !ok {
			return fmt.Errorf("%w: branch of %s leaves the arena", ErrReorgTooDeep, n.hash)
		}
		if h, ok := p.bestAt(parent.height); ok && h == parent.hash {
			cur = parent
			break
		}
		branch = append(branch, parent)
		cur = parent
	}
	ancestor := cur

	r := Reorg{Ancestor: ancestor.height, OldTip: tip.height, NewTip: n.height}
	if r.Depth() > p.v.cfg.MaxReorgDepth {
		return fmt.Errorf("%w: %d headers (limit %d)", ErrReorgTooDeep, r.Depth(), p.v.cfg.MaxReorgDepth)
	}

	for h := tip.height; h > ancestor.height; h-- {
		hash, _ := p.bestAt(h)
		p.t.Entries = append(p.t.Entries, &persist.HeaderReverted{Height: h, Hash: hash})
	}

	if ancestor.height < p.fork {
		p.fork = ancestor.height
		p.top = p.top[:0]
	} else {
		p.top = p.top[:ancestor.height-p.fork]
	}
	p.added[n.hash] = n
	for i := len(branch) - 1; i >= 0; i-- {
		p.top = append(p.top, branch[i].hash)
		p.accept(branch[i], true)
	}
	p.t.Accepted -= len(branch) - 1
	p.t.Reorgs = append(p.t.Reorgs, r)
	return nil
}
