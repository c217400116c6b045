package chain

import (
	"fmt"
	"math/big"

	"coc-node/internal/signer"
	"coc-node/internal/storage"
	"coc-node/internal/types"
)

// txExecOutput collects the per-tx side effects of executing a block's
// transactions, before any of it is persisted.
type txExecOutput struct {
	gasUsed   uint64
	hashes    []types.Hash
	receipts  []*types.TxReceipt
	contracts []*types.Address // parallel to hashes/receipts; nil unless CREATE
	logs      []types.IndexedLog
}

// executeBlockTxs runs every tx in b against the trie via e.exec (spec.md
// §4.4 applyBlock step 9). It does not touch storage.
func (e *Engine) executeBlockTxs(b *types.ChainBlock) (txExecOutput, error) {
	var out txExecOutput
	for i, raw := range b.Txs {
		decoded, sender, err := DecodeExec(raw)
		if err != nil {
			return out, fmt.Errorf("chain: decode tx %d: %w", i, err)
		}
		res, err := e.exec.Execute(e.trie, decoded, b.Number, b.TimestampMs, b.BaseFee)
		if err != nil {
			return out, fmt.Errorf("chain: execute tx %d: %w", i, err)
		}
		out.gasUsed += res.GasUsed
		if out.gasUsed > e.cfg.BlockGasLimit {
			return out, fmt.Errorf("chain: block gas limit exceeded")
		}
		receipt := &types.TxReceipt{
			TxHash: decoded.Hash, BlockNumber: b.Number, BlockHash: b.Hash,
			From: sender, GasUsed: res.GasUsed, Status: res.Status,
		}
		if decoded.To != nil {
			receipt.To = *decoded.To
		}
		txLogs := make([]types.IndexedLog, len(res.Logs))
		for li, lg := range res.Logs {
			lg.BlockNumber = b.Number
			lg.BlockHash = b.Hash
			lg.TxHash = decoded.Hash
			lg.TxIndex = uint32(i)
			lg.LogIndex = uint32(len(out.logs) + li)
			txLogs[li] = lg
		}
		out.logs = append(out.logs, txLogs...)
		receipt.Logs = txLogs
		out.hashes = append(out.hashes, decoded.Hash)
		out.receipts = append(out.receipts, receipt)
		out.contracts = append(out.contracts, res.ContractAddr)
	}
	return out, nil
}

// ProposeNextBlock builds, signs, and applies the next block if the local
// node is the expected proposer (spec.md §4.4 proposeNextBlock). Returns
// (nil, nil) when this node is not the proposer for the next height.
func (e *Engine) ProposeNextBlock() (*types.ChainBlock, error) {
	tip := e.Tip()
	if tip == nil {
		return nil, fmt.Errorf("chain: proposeNextBlock: not initialized")
	}
	height := tip.Number + 1
	expected, _ := e.expectedProposer(height)
	if e.sign == nil || expected.IsZero() || expected != e.sign.NodeID() {
		return nil, nil
	}

	baseFee := nextBaseFee(tip.BaseFee, tip.GasUsed, e.cfg.BlockGasLimit)
	weight := e.expectedWeight(tip, expected)
	picked := e.pool.PickForBlock(e.cfg.MaxTxPerBlock, e, e.cfg.MinGasPrice, baseFee, e.cfg.BlockGasLimit)
	txs := make([][]byte, len(picked))
	for i, tx := range picked {
		txs[i] = tx.Raw
	}

	block := &types.ChainBlock{
		Number: height, ParentHash: tip.Hash, Proposer: expected, TimestampMs: nowMs(),
		Txs: txs, BaseFee: baseFee, CumulativeWeight: weight,
	}
	if err := e.signAndHash(block); err != nil {
		return nil, err
	}

	if err := e.applyBlock(block, true); err != nil {
		log.WithError(err).Warn("chain: proposeNextBlock: apply failed, falling back to empty block")
		empty := &types.ChainBlock{
			Number: height, ParentHash: tip.Hash, Proposer: expected, TimestampMs: nowMs(),
			BaseFee: baseFee, CumulativeWeight: weight,
		}
		if err2 := e.signAndHash(empty); err2 != nil {
			return nil, err2
		}
		if err2 := e.applyBlock(empty, true); err2 != nil {
			return nil, fmt.Errorf("chain: proposeNextBlock: fallback also failed: %w", err2)
		}
		return empty, nil
	}
	return block, nil
}

func (e *Engine) signAndHash(block *types.ChainBlock) error {
	hash, err := types.ComputeBlockHash(block)
	if err != nil {
		return err
	}
	block.Hash = hash
	sig, err := e.sign.SignMessage(signer.BlockProposerMessage(hash))
	if err != nil {
		return err
	}
	block.ProposerSig = sig
	return nil
}

// applyBlock validates and applies block against the current tip (spec.md
// §4.4 applyBlock, all 11 steps).
func (e *Engine) applyBlock(block *types.ChainBlock, locallyProposed bool) error {
	// Step 1: re-entrancy guard.
	e.applyMu.Lock()
	if e.applying {
		e.applyMu.Unlock()
		return fmt.Errorf("chain: apply already in flight")
	}
	e.applying = true
	e.applyMu.Unlock()
	defer func() {
		e.applyMu.Lock()
		e.applying = false
		e.applyMu.Unlock()
	}()

	// Step 2: idempotent on an already-stored hash.
	if existing, err := e.store.GetBlockByHash(block.Hash); err != nil {
		return fmt.Errorf("chain: applyBlock: %w", err)
	} else if existing != nil {
		return nil
	}

	tip := e.Tip()
	if tip == nil {
		return fmt.Errorf("chain: applyBlock: not initialized")
	}

	// Step 3: link validation.
	if block.ParentHash != tip.Hash || block.Number != tip.Number+1 {
		return fmt.Errorf("chain: ChainLink: parent/height mismatch at height %d", block.Number)
	}

	// Step 4: proposer check.
	expectedAddr, _ := e.expectedProposer(block.Number)
	if expectedAddr.IsZero() || block.Proposer != expectedAddr {
		return fmt.Errorf("chain: unexpected proposer for height %d", block.Number)
	}

	// Step 5: timestamp, non-local blocks only.
	if !locallyProposed {
		if block.TimestampMs <= tip.TimestampMs {
			return fmt.Errorf("chain: ChainTimestamp: non-monotonic at height %d", block.Number)
		}
		if block.TimestampMs > nowMs()+60_000 {
			return fmt.Errorf("chain: ChainTimestamp: too far in the future at height %d", block.Number)
		}
	}

	// Step 6: cumulativeWeight validation.
	wantWeight := e.expectedWeight(tip, block.Proposer)
	gotWeight := block.CumulativeWeight
	if gotWeight == nil {
		gotWeight = big.NewInt(0)
	}
	if wantWeight.Cmp(gotWeight) != 0 {
		return fmt.Errorf("chain: ChainWeight: mismatch at height %d", block.Number)
	}

	// Step 7: signature enforcement.
	if !locallyProposed {
		valid := len(block.ProposerSig) == 65 &&
			signer.Verify(block.Proposer, signer.BlockProposerMessage(block.Hash), block.ProposerSig)
		switch e.cfg.SignatureEnforcement {
		case "enforce":
			if !valid {
				return fmt.Errorf("chain: missing or invalid proposer signature at height %d", block.Number)
			}
		case "monitor":
			if !valid {
				log.WithField("height", block.Number).Warn("chain: invalid proposer signature (monitor mode)")
			}
		}
	}

	// Step 8: recompute hash from the canonical preimage.
	wantHash, err := types.ComputeBlockHash(block)
	if err != nil {
		return fmt.Errorf("chain: applyBlock: %w", err)
	}
	if wantHash != block.Hash {
		return fmt.Errorf("chain: recomputed hash mismatch at height %d", block.Number)
	}

	// Step 9: execute every tx.
	out, err := e.executeBlockTxs(block)
	if err != nil {
		return fmt.Errorf("chain: applyBlock: %w", err)
	}
	if !locallyProposed && block.GasUsed != 0 && block.GasUsed != out.gasUsed {
		return fmt.Errorf("chain: claimed gasUsed disagrees with computed execution at height %d", block.Number)
	}
	block.GasUsed = out.gasUsed

	// Step 10: commit state trie.
	root := e.trie.Commit()
	block.StateRoot = root
	if err := e.store.PutStateRoot(root); err != nil {
		return fmt.Errorf("chain: applyBlock: %w", err)
	}

	ts := nowMs()
	for i, h := range out.hashes {
		if err := e.store.NonceRegistry().MarkUsed(h, ts); err != nil {
			return fmt.Errorf("chain: applyBlock: %w", err)
		}
		if err := e.store.PutTx(h, block.Txs[i], out.receipts[i], uint32(i)); err != nil {
			return fmt.Errorf("chain: applyBlock: %w", err)
		}
		if addr := out.contracts[i]; addr != nil {
			info := storage.ContractInfo{DeployBlock: block.Number, DeployTx: h, Deployer: out.receipts[i].From}
			if err := e.store.PutContract(*addr, info); err != nil {
				return fmt.Errorf("chain: applyBlock: %w", err)
			}
		}
	}

	// Step 11: persist, emit, clean up mempool.
	if err := e.store.PutBlock(block); err != nil {
		return fmt.Errorf("chain: applyBlock: %w", err)
	}
	if err := e.store.PutLogs(block.Number, out.logs); err != nil {
		return fmt.Errorf("chain: applyBlock: %w", err)
	}
	e.setTip(block)
	if e.bus != nil {
		e.bus.PublishNewBlock(block)
		for _, lg := range out.logs {
			e.bus.PublishLog(lg)
		}
	}
	e.pool.RemoveIncluded(out.hashes)
	e.advanceFinalityLocked(block.Number)
	return nil
}

// MaybeAdoptSnapshot appends blocks only if they are strictly ahead of the
// local tip, link to it, and pass internal integrity checks (spec.md §4.4
// maybeAdoptSnapshot). Every block is checked before any is applied; the
// blocks are then applied one at a time, so a block that fails to apply
// leaves the blocks before it applied.
func (e *Engine) MaybeAdoptSnapshot(blocks []*types.ChainBlock) error {
	if len(blocks) == 0 {
		return nil
	}
	tip := e.Tip()
	if tip == nil {
		return fmt.Errorf("chain: maybeAdoptSnapshot: not initialized")
	}
	incomingTip := blocks[len(blocks)-1]
	if incomingTip.Number <= tip.Number {
		return fmt.Errorf("chain: maybeAdoptSnapshot: not ahead of local tip")
	}
	if blocks[0].ParentHash != tip.Hash || blocks[0].Number != tip.Number+1 {
		return fmt.Errorf("chain: maybeAdoptSnapshot: first block does not link to local tip")
	}
	prev := tip
	for _, b := range blocks {
		if b.ParentHash != prev.Hash || b.Number != prev.Number+1 {
			return fmt.Errorf("chain: maybeAdoptSnapshot: bad link at height %d", b.Number)
		}
		if b.TimestampMs <= prev.TimestampMs {
			return fmt.Errorf("chain: maybeAdoptSnapshot: non-monotonic timestamp at height %d", b.Number)
		}
		wantHash, err := types.ComputeBlockHash(b)
		if err != nil {
			return fmt.Errorf("chain: maybeAdoptSnapshot: %w", err)
		}
		if wantHash != b.Hash {
			return fmt.Errorf("chain: maybeAdoptSnapshot: bad hash at height %d", b.Number)
		}
		prev = b
	}
	for _, b := range blocks {
		if err := e.applyBlock(b, false); err != nil {
			return fmt.Errorf("chain: maybeAdoptSnapshot: %w", err)
		}
	}
	return nil
}

// ImportSnapSyncBlocks appends an append-only jump of blocks whose state
// was already imported via the snapshot interface: it validates only
// internal linkage/hash integrity (the historical proposer set may differ
// and is not re-checked), and never re-executes transactions. Remote
// finality flags are never trusted; local finality is derived from depth
// (spec.md §4.4 importSnapSyncBlocks).
func (e *Engine) ImportSnapSyncBlocks(blocks []*types.ChainBlock) error {
	if len(blocks) == 0 {
		return nil
	}
	tip := e.Tip()
	if tip != nil && blocks[0].Number <= tip.Number {
		return fmt.Errorf("chain: importSnapSyncBlocks: not ahead of local tip")
	}
	var prev *types.ChainBlock
	for _, b := range blocks {
		if prev != nil {
			if b.ParentHash != prev.Hash || b.Number != prev.Number+1 {
				return fmt.Errorf("chain: importSnapSyncBlocks: bad link at height %d", b.Number)
			}
			if b.TimestampMs <= prev.TimestampMs {
				return fmt.Errorf("chain: importSnapSyncBlocks: non-monotonic timestamp at height %d", b.Number)
			}
		}
		wantHash, err := types.ComputeBlockHash(b)
		if err != nil {
			return fmt.Errorf("chain: importSnapSyncBlocks: %w", err)
		}
		if wantHash != b.Hash {
			return fmt.Errorf("chain: importSnapSyncBlocks: bad hash at height %d", b.Number)
		}
		b.BftFinalized = false
		b.Finalized = false
		if err := e.store.PutBlock(b); err != nil {
			return fmt.Errorf("chain: importSnapSyncBlocks: %w", err)
		}
		prev = b
	}
	e.setTip(prev)
	e.advanceFinalityLocked(prev.Number)
	return nil
}
