package chain

import (
	"fmt"
	"math/big"
	"time"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/wire"
)

// checkProofOfWork verifies the header hash against its own bits and the
// network limit.
func checkProofOfWork(hdr *wire.BlockHeader, params *chaincfg.Params) error {
	target := blockchain.CompactToBig(hdr.Bits)
	if target.Sign() <= 0 {
		return fmt.Errorf("%w: target %064x is not positive", ErrInvalidProofOfWork, target)
	}
	if target.Cmp(params.PowLimit) > 0 {
		return fmt.Errorf("%w: target %064x above limit %064x", ErrInvalidProofOfWork, target, params.PowLimit)
	}
	hash := hdr.BlockHash()
	if blockchain.HashToBig(&hash).Cmp(target) > 0 {
		return fmt.Errorf("%w: hash %s above target %064x", ErrInvalidProofOfWork, hash, target)
	}
	return nil
}

// blocksPerRetarget returns the difficulty adjustment interval.
func blocksPerRetarget(params *chaincfg.Params) int32 {
	return int32(params.TargetTimespan / params.TargetTimePerBlock)
}

// ancestorFunc returns the header at height on the branch being checked,
// or false when it is outside the arena.
type ancestorFunc func(height int32) (*wire.BlockHeader, bool)

// checkDifficulty verifies that hdr at height carries the bits the network
// rules require given its parent. Rules needing history outside the arena
// are skipped.
func checkDifficulty(hdr, parent *wire.BlockHeader, height int32, params *chaincfg.Params, ancestor ancestorFunc) error {
	if params.PoWNoRetargeting {
		if hdr.Bits != parent.Bits {
			return fmt.Errorf("%w: bits %08x differ from parent %08x", ErrInvalidProofOfWork, hdr.Bits, parent.Bits)
		}
		return nil
	}

	interval := blocksPerRetarget(params)
	if height%interval == 0 {
		first, ok := ancestor(height - interval)
		if !ok {
			return nil
		}
		want := retarget(parent, first, params)
		if hdr.Bits != want {
			return fmt.Errorf("%w: retarget bits %08x, want %08x", ErrInvalidProofOfWork, hdr.Bits, want)
		}
		return nil
	}

	if params.ReduceMinDifficulty {
		// A header spaced more than MinDiffReductionTime after its parent
		// must use the minimum difficulty. Otherwise it must match the last
		// regular header.
		if hdr.Timestamp.Sub(parent.Timestamp) > params.MinDiffReductionTime {
			if hdr.Bits != params.PowLimitBits {
				return fmt.Errorf("%w: bits %08x after a %s gap, want minimum %08x",
					ErrInvalidProofOfWork, hdr.Bits, hdr.Timestamp.Sub(parent.Timestamp), params.PowLimitBits)
			}
			return nil
		}
		want, ok := lastRegularBits(parent, height-1, interval, params, ancestor)
		if ok && hdr.Bits != want {
			return fmt.Errorf("%w: bits %08x, want %08x", ErrInvalidProofOfWork, hdr.Bits, want)
		}
		return nil
	}

	if hdr.Bits != parent.Bits {
		return fmt.Errorf("%w: bits %08x differ from parent %08x", ErrInvalidProofOfWork, hdr.Bits, parent.Bits)
	}
	return nil
}

// retarget computes the bits for the first header of a new interval.
func retarget(last, first *wire.BlockHeader, params *chaincfg.Params) uint32 {
	targetTimespan := int64(params.TargetTimespan / time.Second)
	adjustment := int64(params.RetargetAdjustmentFactor)
	minSpan := targetTimespan / adjustment
	maxSpan := targetTimespan * adjustment

	actual := last.Timestamp.Unix() - first.Timestamp.Unix()
	switch {
	case actual < minSpan:
		actual = minSpan
	case actual > maxSpan:
		actual = maxSpan
	}

	newTarget := blockchain.CompactToBig(last.Bits)
	newTarget.Mul(newTarget, big.NewInt(actual))
	newTarget.Div(newTarget, big.NewInt(targetTimespan))
	if newTarget.Cmp(params.PowLimit) > 0 {
		newTarget.Set(params.PowLimit)
	}
	return blockchain.BigToCompact(newTarget)
}

// lastRegularBits walks back from hdr past min-difficulty headers.
func lastRegularBits(hdr *wire.BlockHeader, height, interval int32, params *chaincfg.Params, ancestor ancestorFunc) (uint32, bool) {
	for hdr.Bits == params.PowLimitBits && height%interval != 0 {
		height--
		prev, ok := ancestor(height)
		if !ok {
			return 0, false
		}
		hdr = prev
	}
	return hdr.Bits, true
}
