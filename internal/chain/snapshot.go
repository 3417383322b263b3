package chain

import (
	"fmt"
	"math/big"
	"sort"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/Klingon-tech/klingnet-spv/internal/persist"
)

// cutoff returns the lowest height kept when pruning to keepDepth.
func (v *View) cutoff(keepDepth int32) int32 {
	c := v.tipHeight() - keepDepth
	if c < v.base {
		c = v.base
	}
	return c
}

// kept returns the nodes that survive pruning, ordered by height then hash.
// The lowest best-chain header becomes the new base; side headers survive
// only if their parent does.
func (v *View) kept(cutoff int32) []*node {
	keep := make(map[chainhash.Hash]*node)
	var out []*node
	for _, n := range v.sortedNodes() {
		if n.height < cutoff {
			continue
		}
		if n.height == cutoff {
			if h, _ := v.bestAt(cutoff); h != n.hash {
				continue
			}
		} else if _, ok := keep[n.header.PrevBlock]; !ok {
			continue
		}
		keep[n.hash] = n
		out = append(out, n)
	}
	return out
}

func (v *View) sortedNodes() []*node {
	out := make([]*node, 0, len(v.nodes))
	for _, n := range v.nodes {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].height != out[j].height {
			return out[i].height < out[j].height
		}
		return out[i].hash.String() < out[j].hash.String()
	})
	return out
}

// Snapshot exports the headers within keepDepth of the tip, plus the root.
func (v *View) Snapshot(keepDepth int32) persist.ChainSnapshot {
	v.mu.RLock()
	defer v.mu.RUnlock()

	nodes := v.kept(v.cutoff(keepDepth))
	cs := persist.ChainSnapshot{
		Root: persist.HeaderAccepted{
			Header: persist.Header{BlockHeader: v.cfg.Root},
			Height: v.cfg.RootHeight,
			Best:   true,
		},
		BaseWork: nodes[0].work.Text(16),
		Headers:  make([]persist.HeaderAccepted, 0, len(nodes)),
	}
	for _, n := range nodes {
		best := false
		if h, ok := v.bestAt(n.height); ok && h == n.hash {
			best = true
		}
		cs.Headers = append(cs.Headers, persist.HeaderAccepted{
			Header: persist.Header{BlockHeader: n.header},
			Height: n.height,
			Best:   best,
		})
	}
	return cs
}

// Prune drops headers deeper than keepDepth below the tip, leaving the view
// identical to one restored from Snapshot(keepDepth).
func (v *View) Prune(keepDepth int32) int {
	v.mu.Lock()
	defer v.mu.Unlock()

	cutoff := v.cutoff(keepDepth)
	nodes := v.kept(cutoff)
	before := len(v.nodes)
	v.nodes = make(map[chainhash.Hash]*node, len(nodes))
	for _, n := range nodes {
		v.nodes[n.hash] = n
	}
	v.best = append([]chainhash.Hash(nil), v.best[cutoff-v.base:]...)
	v.base = cutoff
	return before - len(v.nodes)
}

// Restore replaces the view's contents with a snapshot.
func (v *View) Restore(cs persist.ChainSnapshot) error {
	if got := cs.Root.Header.BlockHash(); got != v.rootHash || cs.Root.Height != v.cfg.RootHeight {
		return fmt.Errorf("%w: snapshot root %s at %d, configured %s at %d",
			ErrInconsistentEntry, got, cs.Root.Height, v.rootHash, v.cfg.RootHeight)
	}
	if len(cs.Headers) == 0 || !cs.Headers[0].Best {
		return fmt.Errorf("%w: snapshot has no base header", ErrInconsistentEntry)
	}
	work, ok := new(big.Int).SetString(cs.BaseWork, 16)
	if !ok {
		return fmt.Errorf("%w: bad base work %q", ErrInconsistentEntry, cs.BaseWork)
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	first := cs.Headers[0]
	v.reset(&node{
		header: first.Header.BlockHeader,
		hash:   first.Header.BlockHash(),
		height: first.Height,
		work:   work,
	})
	for i := 1; i < len(cs.Headers); i++ {
		e := cs.Headers[i]
		// Side headers first so best headers always extend the tip.
		side := e
		side.Best = false
		if err := v.applyAccepted(&side); err != nil {
			return err
		}
	}
	for i := 1; i < len(cs.Headers); i++ {
		if e := cs.Headers[i]; e.Best {
			if err := v.applyAccepted(&e); err != nil {
				return err
			}
		}
	}
	v.logger.Debug().Int32("base", v.base).Int32("tip", v.tipHeight()).Msg("Header tree restored")
	return nil
}
