package chain

import (
	"fmt"

	"coc-node/internal/snapshot"
	"coc-node/internal/types"
)

// ExportState produces a state snapshot anchored at the current tip
// (spec.md §4.10), for the P2P GET /p2p/state-snapshot endpoint.
func (e *Engine) ExportState() (snapshot.Snapshot, error) {
	tip := e.Tip()
	if tip == nil {
		return snapshot.Snapshot{}, fmt.Errorf("chain: exportState: not initialized")
	}
	return snapshot.Export(e.trie, tip.Number, tip.Hash, tip.StateRoot), nil
}

// ImportState imports a state snapshot into the engine's trie (the
// fast-sync path); it does not itself adopt any blocks — the caller
// follows up with ImportSnapSyncBlocks once the state lands (spec.md
// §4.4: "the caller has already imported state via the snapshot
// interface").
func (e *Engine) ImportState(s snapshot.Snapshot, expectedRoot types.Hash) (types.Hash, error) {
	return snapshot.Import(e.trie, s, expectedRoot)
}

// ChainSnapshotBlocks returns up to maxBlocks recent blocks ending at the
// current tip, for the P2P GET /p2p/chain-snapshot endpoint and the
// incremental-sync path (maybeAdoptSnapshot consumes this shape from a
// peer).
func (e *Engine) ChainSnapshotBlocks(maxBlocks int) ([]*types.ChainBlock, error) {
	tip := e.Tip()
	if tip == nil {
		return nil, fmt.Errorf("chain: chainSnapshotBlocks: not initialized")
	}
	if maxBlocks <= 0 || uint64(maxBlocks) > tip.Number {
		maxBlocks = int(tip.Number)
	}
	start := tip.Number - uint64(maxBlocks) + 1
	if start < 1 {
		start = 1
	}
	out := make([]*types.ChainBlock, 0, maxBlocks)
	for h := start; h <= tip.Number; h++ {
		b, err := e.store.GetBlock(h)
		if err != nil {
			return nil, fmt.Errorf("chain: chainSnapshotBlocks: %w", err)
		}
		if b == nil {
			break
		}
		out = append(out, b)
	}
	return out, nil
}
