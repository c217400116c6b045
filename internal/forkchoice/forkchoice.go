// Package forkchoice implements the deterministic tip-comparison rule
// (spec.md §4.6): compare two candidate tips by (bftFinalized, height,
// cumulativeWeight, lowercase tipHash), each layer strictly overriding the
// next. Grounded on core/chain_fork_manager.go's ForkInfo tracking shape;
// pure comparison logic needs nothing beyond the standard library.
package forkchoice

import (
	"math/big"
	"strings"

	"coc-node/internal/types"
)

// Tip is the minimal view of a chain tip needed to compare forks.
type Tip struct {
	BftFinalized     bool
	Height           uint64
	CumulativeWeight *big.Int
	Hash             types.Hash
}

// Decision describes the outcome of comparing two tips.
type Decision struct {
	Switch bool
	Reason string
}

// compareLayers returns -1, 0, or 1 for (local, remote) ordered by
// increasing preference, i.e. a positive result means remote dominates.
func compareLayers(local, remote Tip) (int, string) {
	if local.BftFinalized != remote.BftFinalized {
		if remote.BftFinalized {
			return 1, "bft-finality"
		}
		return -1, "bft-finality"
	}
	if local.Height != remote.Height {
		if remote.Height > local.Height {
			return 1, "height"
		}
		return -1, "height"
	}
	lw := local.CumulativeWeight
	rw := remote.CumulativeWeight
	if lw == nil {
		lw = big.NewInt(0)
	}
	if rw == nil {
		rw = big.NewInt(0)
	}
	if cmp := rw.Cmp(lw); cmp != 0 {
		if cmp > 0 {
			return 1, "cumulative-weight"
		}
		return -1, "cumulative-weight"
	}
	lh := strings.ToLower(local.Hash.Hex())
	rh := strings.ToLower(remote.Hash.Hex())
	if lh != rh {
		if rh > lh {
			return 1, "tip-hash"
		}
		return -1, "tip-hash"
	}
	return 0, "identical"
}

// CompareForks is a total order over tips (antisymmetric, transitive on
// the four layers, per spec.md §8's testable property).
func CompareForks(local, remote Tip) int {
	cmp, _ := compareLayers(local, remote)
	return -cmp // CompareForks(local, remote) > 0 means local is preferred, matching sort.Interface conventions
}

// ShouldSwitchFork returns a switch Decision only if remote strictly
// dominates local (spec.md §4.6).
func ShouldSwitchFork(local, remote Tip) *Decision {
	cmp, reason := compareLayers(local, remote)
	if cmp > 0 {
		return &Decision{Switch: true, Reason: reason}
	}
	return nil
}
