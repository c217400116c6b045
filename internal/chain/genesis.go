package chain

import (
	"math/big"

	"coc-node/internal/types"
)

// PrefundAccount seeds a balance at genesis (spec.md §4.4 init: "applies
// prefund accounts").
type PrefundAccount struct {
	Address types.Address
	Balance *big.Int
}

// applyGenesisLocked writes the deterministic height-1 genesis block: zero
// timestamp, no txs, so every node in a fresh multi-validator network
// derives the same hash (spec.md §4.4 init, case (c)).
func (e *Engine) applyGenesisLocked() error {
	for _, acc := range e.cfg.GenesisAccounts {
		e.trie.SetBalance(acc.Address, acc.Balance)
	}
	root := e.trie.Commit()

	block := &types.ChainBlock{
		Number:           1,
		ParentHash:       types.ZeroHash,
		Proposer:         types.ZeroAddress,
		TimestampMs:       0,
		Txs:              nil,
		BaseFee:          big.NewInt(1),
		GasUsed:          0,
		CumulativeWeight: big.NewInt(1),
		StateRoot:        root,
		BftFinalized:     true,
		Finalized:        true,
	}
	hash, err := types.ComputeBlockHash(block)
	if err != nil {
		return err
	}
	block.Hash = hash

	if err := e.store.PutStateRoot(root); err != nil {
		return err
	}
	if err := e.store.PutBlock(block); err != nil {
		return err
	}
	e.setTip(block)
	return nil
}
