package chain

import "github.com/btcsuite/btcd/chaincfg/chainhash"

// Locator returns best-chain hashes from the tip backwards: the first ten
// one apart, then doubling the step. It always ends with the lowest header
// in the arena and the trusted root.
func (v *View) Locator() []chainhash.Hash {
	v.mu.RLock()
	defer v.mu.RUnlock()

	var out []chainhash.Hash
	step := int32(1)
	for h := v.tipHeight(); h > v.base; h -= step {
		hash, _ := v.bestAt(h)
		out = append(out, hash)
		if len(out) >= 10 {
			step *= 2
		}
	}
	out = append(out, v.best[0])
	if v.best[0] != v.rootHash {
		out = append(out, v.rootHash)
	}
	return out
}
