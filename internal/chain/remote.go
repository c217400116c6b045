package chain

import "coc-node/internal/types"

// ApplyRemoteBlock validates and applies a block received over gossip
// (spec.md §4.8 POST /p2p/gossip-block): the non-local-proposer path of
// applyBlock, with full timestamp/signature/hash re-validation.
func (e *Engine) ApplyRemoteBlock(block *types.ChainBlock) error {
	return e.applyBlock(block, false)
}
