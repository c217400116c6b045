package forkchoice

import (
	"math/big"
	"testing"

	"coc-node/internal/types"
)

func hashWithPrefix(s string) types.Hash {
	return types.BytesToHash([]byte(s))
}

// TestForkChoicePriority is spec.md §8 scenario 4: local tip at height 10
// not BFT-finalized; remote tip at height 8 BFT-finalized. The BFT
// finality layer dominates height, so remote wins; reversing the flags
// reverses the decision.
func TestForkChoicePriority(t *testing.T) {
	local := Tip{BftFinalized: false, Height: 10, CumulativeWeight: big.NewInt(10), Hash: hashWithPrefix("local")}
	remote := Tip{BftFinalized: true, Height: 8, CumulativeWeight: big.NewInt(8), Hash: hashWithPrefix("remote")}

	d := ShouldSwitchFork(local, remote)
	if d == nil || !d.Switch || d.Reason != "bft-finality" {
		t.Fatalf("expected switch due to bft-finality, got %+v", d)
	}

	local.BftFinalized, remote.BftFinalized = remote.BftFinalized, local.BftFinalized
	d = ShouldSwitchFork(local, remote)
	if d != nil {
		t.Fatalf("expected no switch after reversing flags, got %+v", d)
	}
}

func TestForkChoiceHeightLayer(t *testing.T) {
	local := Tip{Height: 5, CumulativeWeight: big.NewInt(5), Hash: hashWithPrefix("a")}
	remote := Tip{Height: 6, CumulativeWeight: big.NewInt(1), Hash: hashWithPrefix("b")}
	d := ShouldSwitchFork(local, remote)
	if d == nil || d.Reason != "height" {
		t.Fatalf("expected height-based switch, got %+v", d)
	}
}

func TestForkChoiceCumulativeWeightLayer(t *testing.T) {
	local := Tip{Height: 5, CumulativeWeight: big.NewInt(5), Hash: hashWithPrefix("a")}
	remote := Tip{Height: 5, CumulativeWeight: big.NewInt(9), Hash: hashWithPrefix("b")}
	d := ShouldSwitchFork(local, remote)
	if d == nil || d.Reason != "cumulative-weight" {
		t.Fatalf("expected cumulative-weight switch, got %+v", d)
	}
}

func TestForkChoiceTipHashLayer(t *testing.T) {
	local := Tip{Height: 5, CumulativeWeight: big.NewInt(5), Hash: hashWithPrefix("aaa")}
	remote := Tip{Height: 5, CumulativeWeight: big.NewInt(5), Hash: hashWithPrefix("zzz")}
	d := ShouldSwitchFork(local, remote)
	if d == nil || d.Reason != "tip-hash" {
		t.Fatalf("expected tip-hash switch, got %+v", d)
	}
}

func TestForkChoiceIdenticalTipsNoSwitch(t *testing.T) {
	tip := Tip{Height: 5, CumulativeWeight: big.NewInt(5), Hash: hashWithPrefix("same")}
	if d := ShouldSwitchFork(tip, tip); d != nil {
		t.Fatalf("identical tips must not switch, got %+v", d)
	}
}

// TestCompareForksTotalOrder checks antisymmetry and transitivity over a
// small set of distinct tips (spec.md §8: "CompareForks is a total order").
func TestCompareForksTotalOrder(t *testing.T) {
	tips := []Tip{
		{BftFinalized: false, Height: 1, CumulativeWeight: big.NewInt(1), Hash: hashWithPrefix("1")},
		{BftFinalized: false, Height: 2, CumulativeWeight: big.NewInt(1), Hash: hashWithPrefix("2")},
		{BftFinalized: true, Height: 1, CumulativeWeight: big.NewInt(1), Hash: hashWithPrefix("3")},
		{BftFinalized: false, Height: 2, CumulativeWeight: big.NewInt(5), Hash: hashWithPrefix("4")},
	}

	// Antisymmetry: CompareForks(a,b) == -CompareForks(b,a).
	for i := range tips {
		for j := range tips {
			if CompareForks(tips[i], tips[j]) != -CompareForks(tips[j], tips[i]) {
				t.Fatalf("antisymmetry violated for (%d,%d)", i, j)
			}
		}
	}

	// Transitivity: if a>=b and b>=c then a>=c.
	for i := range tips {
		for j := range tips {
			for k := range tips {
				ab := CompareForks(tips[i], tips[j])
				bc := CompareForks(tips[j], tips[k])
				ac := CompareForks(tips[i], tips[k])
				if ab >= 0 && bc >= 0 && ac < 0 {
					t.Fatalf("transitivity violated for (%d,%d,%d)", i, j, k)
				}
			}
		}
	}
}
