package bft

import (
	"math/big"
	"testing"
	"time"

	"coc-node/internal/types"
)

type fixture struct {
	stakes map[string]*big.Int
	total  *big.Int
}

func newFixture(stakes map[string]int64) *fixture {
	f := &fixture{stakes: make(map[string]*big.Int), total: big.NewInt(0)}
	for id, s := range stakes {
		f.stakes[id] = big.NewInt(s)
		f.total.Add(f.total, big.NewInt(s))
	}
	return f
}

func (f *fixture) StakeOf(id string) (*big.Int, bool) {
	s, ok := f.stakes[id]
	if !ok {
		return nil, false
	}
	return new(big.Int).Set(s), true
}

func (f *fixture) TotalActiveStake() *big.Int { return new(big.Int).Set(f.total) }

type noopAntiCheat struct{ reports int }

func (n *noopAntiCheat) ReportEquivocation(string, uint64, []types.Hash) { n.reports++ }

// TestEmptyProposerScenario is spec.md §8 scenario 1: 3 validators v1,v2,v3
// with equal stake 100. Quorum threshold is 201. Once v2 and v3 (plus the
// local node's own v1 vote) reach 300 >= 201 in prepare, the round moves
// to commit; the same threshold in commit finalizes the block.
func TestEmptyProposerScenario(t *testing.T) {
	f := newFixture(map[string]int64{"v1": 100, "v2": 100, "v3": 100})

	quorum := QuorumThreshold(f.TotalActiveStake())
	if quorum.Cmp(big.NewInt(201)) != 0 {
		t.Fatalf("expected quorum 201, got %s", quorum)
	}

	finalized := make(chan *types.ChainBlock, 1)
	coord := New(Config{PrepareTimeout: time.Second, CommitTimeout: time.Second}, "v1", true,
		f.StakeOf, f.TotalActiveStake, &noopAntiCheat{},
		func(b *types.ChainBlock) { finalized <- b },
		func(uint64, types.Hash) {}, func(uint64, types.Hash) {})

	block := &types.ChainBlock{Number: 1, Hash: types.BytesToHash([]byte("block-1"))}
	coord.StartRound(block)
	if coord.State() != StatePrepare {
		t.Fatalf("expected StatePrepare after v1's own vote, got %v", coord.State())
	}

	coord.HandlePrepare("v2", 1, block.Hash)
	if coord.State() != StatePrepare {
		t.Fatalf("expected still StatePrepare at 200 stake, got %v", coord.State())
	}
	coord.HandlePrepare("v3", 1, block.Hash)
	if coord.State() != StateCommit {
		t.Fatalf("expected StateCommit once quorum reached in prepare, got %v", coord.State())
	}

	coord.HandleCommit("v2", 1, block.Hash)
	if coord.State() != StateCommit {
		t.Fatalf("expected still StateCommit at 200 stake, got %v", coord.State())
	}
	coord.HandleCommit("v3", 1, block.Hash)

	select {
	case got := <-finalized:
		if got.Hash != block.Hash {
			t.Fatal("finalized wrong block")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for finalize callback")
	}
	if coord.State() != StateFinalized {
		t.Fatalf("expected StateFinalized, got %v", coord.State())
	}
}

func TestHandlePrepareIgnoresNonValidator(t *testing.T) {
	f := newFixture(map[string]int64{"v1": 100, "v2": 100, "v3": 100})
	coord := New(Config{PrepareTimeout: time.Second, CommitTimeout: time.Second}, "v1", true,
		f.StakeOf, f.TotalActiveStake, &noopAntiCheat{}, func(*types.ChainBlock) {},
		func(uint64, types.Hash) {}, func(uint64, types.Hash) {})

	block := &types.ChainBlock{Number: 1, Hash: types.BytesToHash([]byte("block-1"))}
	coord.StartRound(block)
	coord.HandlePrepare("not-a-validator", 1, block.Hash)
	if coord.State() != StatePrepare {
		t.Fatalf("vote from non-validator must be ignored, got %v", coord.State())
	}
}

func TestHandlePrepareIgnoresWrongHash(t *testing.T) {
	f := newFixture(map[string]int64{"v1": 100, "v2": 100, "v3": 100})
	coord := New(Config{PrepareTimeout: time.Second, CommitTimeout: time.Second}, "v1", true,
		f.StakeOf, f.TotalActiveStake, &noopAntiCheat{}, func(*types.ChainBlock) {},
		func(uint64, types.Hash) {}, func(uint64, types.Hash) {})

	block := &types.ChainBlock{Number: 1, Hash: types.BytesToHash([]byte("block-1"))}
	coord.StartRound(block)
	coord.HandlePrepare("v2", 1, types.BytesToHash([]byte("other-hash")))
	if coord.State() != StatePrepare {
		t.Fatalf("vote for a different hash must be ignored, got %v", coord.State())
	}
}

func TestEquivocationReported(t *testing.T) {
	f := newFixture(map[string]int64{"v1": 100, "v2": 100, "v3": 100})
	anti := &noopAntiCheat{}
	coord := New(Config{PrepareTimeout: time.Second, CommitTimeout: time.Second}, "v1", true,
		f.StakeOf, f.TotalActiveStake, anti, func(*types.ChainBlock) {},
		func(uint64, types.Hash) {}, func(uint64, types.Hash) {})

	block := &types.ChainBlock{Number: 1, Hash: types.BytesToHash([]byte("block-1"))}
	coord.StartRound(block)
	coord.HandlePrepare("v2", 1, block.Hash)
	coord.HandlePrepare("v2", 1, types.BytesToHash([]byte("conflicting-hash")))
	if anti.reports != 1 {
		t.Fatalf("expected 1 equivocation report, got %d", anti.reports)
	}
}

func TestPrepareTimeoutFailsRound(t *testing.T) {
	f := newFixture(map[string]int64{"v1": 100, "v2": 100, "v3": 100})
	coord := New(Config{PrepareTimeout: 20 * time.Millisecond, CommitTimeout: time.Second}, "v1", true,
		f.StakeOf, f.TotalActiveStake, &noopAntiCheat{}, func(*types.ChainBlock) {},
		func(uint64, types.Hash) {}, func(uint64, types.Hash) {})

	block := &types.ChainBlock{Number: 1, Hash: types.BytesToHash([]byte("block-1"))}
	coord.StartRound(block)
	time.Sleep(100 * time.Millisecond)
	if coord.State() != StateFailed {
		t.Fatalf("expected StateFailed after prepare timeout, got %v", coord.State())
	}
}

func TestHandlePrepareWrongHeightDropped(t *testing.T) {
	f := newFixture(map[string]int64{"v1": 100, "v2": 100, "v3": 100})
	coord := New(Config{PrepareTimeout: time.Second, CommitTimeout: time.Second}, "v1", true,
		f.StakeOf, f.TotalActiveStake, &noopAntiCheat{}, func(*types.ChainBlock) {},
		func(uint64, types.Hash) {}, func(uint64, types.Hash) {})

	block := &types.ChainBlock{Number: 5, Hash: types.BytesToHash([]byte("block-5"))}
	coord.StartRound(block)
	coord.HandlePrepare("v2", 99, block.Hash) // wrong height: must be dropped
	if coord.State() != StatePrepare {
		t.Fatalf("expected unaffected StatePrepare, got %v", coord.State())
	}
}
