// Package chain is the block production and application pipeline that
// owns the mempool, state trie, and event emitter (spec.md §4.4). It is
// the integration point wiring internal/mempool, internal/storage,
// internal/trie, internal/bft, internal/governance, internal/forkchoice,
// internal/eventbus, internal/signer, and the internal/evm.Executor
// boundary together.
//
// Grounded on core/consensus.go's sub-block/main-block lifecycle and its
// networkAdapter/securityAdapter/authorityAdapter wiring interfaces, and on
// core/chain_fork_manager.go for the persisted-ledger idiom.
package chain

import (
	"fmt"
	"math/big"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"coc-node/internal/eventbus"
	"coc-node/internal/evm"
	"coc-node/internal/governance"
	"coc-node/internal/mempool"
	"coc-node/internal/signer"
	"coc-node/internal/stablejson"
	"coc-node/internal/storage"
	"coc-node/internal/trie"
	"coc-node/internal/types"
)

var log = logrus.WithField("component", "chain")

// Config holds the spec.md §6 tunables the engine itself needs.
type Config struct {
	ChainID              int64
	BlockGasLimit        uint64
	MaxTxPerBlock        int
	MinGasPrice          *big.Int
	FinalityDepth        uint64
	SignatureEnforcement string // off | monitor | enforce

	GenesisAccounts  []PrefundAccount
	StaticValidators []types.Address // used only when gov == nil (round-robin)
	LocalValidatorID string          // this node's governance validator id, "" if none
}

func (c Config) withDefaults() Config {
	if c.BlockGasLimit == 0 {
		c.BlockGasLimit = types.BlockGasLimit
	}
	if c.MaxTxPerBlock == 0 {
		c.MaxTxPerBlock = 50
	}
	if c.MinGasPrice == nil {
		c.MinGasPrice = big.NewInt(1)
	}
	if c.FinalityDepth == 0 {
		c.FinalityDepth = 3
	}
	if c.SignatureEnforcement == "" {
		c.SignatureEnforcement = "enforce"
	}
	return c
}

// Engine is the node's chain core.
type Engine struct {
	cfg Config

	store *storage.Store
	trie  *trie.Trie
	pool  *mempool.Pool
	bus   *eventbus.Bus
	sign  *signer.Signer
	gov   *governance.Set
	exec  evm.Executor

	tipMu sync.RWMutex
	tip   *types.ChainBlock

	applyMu  sync.Mutex
	applying bool
}

// New constructs an Engine. exec may be nil to use the built-in native
// transfer executor.
func New(cfg Config, store *storage.Store, t *trie.Trie, bus *eventbus.Bus, s *signer.Signer, gov *governance.Set, exec evm.Executor) *Engine {
	cfg = cfg.withDefaults()
	if exec == nil {
		exec = nativeTransferExecutor{}
	}
	e := &Engine{cfg: cfg, store: store, trie: t, bus: bus, sign: s, gov: gov, exec: exec}
	e.pool = mempool.New(mempool.Config{ChainID: cfg.ChainID}, TxDecoder{ChainID: cfg.ChainID})
	return e
}

// Mempool exposes the engine's pool (read-only usage by P2P/RPC surfaces).
func (e *Engine) Mempool() *mempool.Pool { return e.pool }

// Tip returns the current chain tip (the stored block itself, not a copy),
// or nil before Init.
func (e *Engine) Tip() *types.ChainBlock {
	e.tipMu.RLock()
	defer e.tipMu.RUnlock()
	return e.tip
}

func (e *Engine) setTip(b *types.ChainBlock) {
	e.tipMu.Lock()
	e.tip = b
	e.tipMu.Unlock()
}

// Init opens storage state, applies prefund accounts, and either replays,
// skips, or writes genesis (spec.md §4.4 init).
func (e *Engine) Init() error {
	latest, err := e.store.LatestBlock()
	if err != nil {
		return fmt.Errorf("chain: init: %w", err)
	}
	if latest != nil {
		// A persisted chain already exists: a valid state-root checkpoint
		// means we can skip replay and trust the committed trie root.
		if _, ok, err := e.store.GetStateRoot(); err != nil {
			return fmt.Errorf("chain: init: %w", err)
		} else if ok {
			e.setTip(latest)
			return nil
		}
		return e.replayFromGenesisLocked(latest.Number)
	}

	return e.applyGenesisLocked()
}

// replayFromGenesisLocked rebuilds trie state by re-executing every stored
// block from height 1 (spec.md §4.4 init, case (a)).
func (e *Engine) replayFromGenesisLocked(tipHeight uint64) error {
	for h := uint64(1); h <= tipHeight; h++ {
		b, err := e.store.GetBlock(h)
		if err != nil {
			return fmt.Errorf("chain: replay height %d: %w", h, err)
		}
		if b == nil {
			return fmt.Errorf("chain: replay: missing block at height %d", h)
		}
		if h == 1 {
			for _, acc := range e.cfg.GenesisAccounts {
				e.trie.SetBalance(acc.Address, acc.Balance)
			}
			e.trie.Commit()
			e.setTip(b)
			continue
		}
		if _, err := e.executeBlockTxs(b); err != nil {
			return fmt.Errorf("chain: replay height %d: %w", h, err)
		}
		if root := e.trie.Commit(); root != b.StateRoot {
			return fmt.Errorf("chain: replay height %d: state root mismatch", h)
		}
		e.setTip(b)
	}
	return nil
}

// NonceOf implements mempool.NonceLookup.
func (e *Engine) NonceOf(sender types.Address) uint64 {
	return e.trie.Account(sender).Nonce
}

// AddRawTx admits raw into the mempool, rejecting if its hash is already in
// the nonce registry (spec.md §4.4 addRawTx). Emits a pending-tx event.
func (e *Engine) AddRawTx(raw []byte) (*types.MempoolTx, error) {
	tx, err := e.pool.Admit(raw, func(hash types.Hash) (bool, error) {
		return e.store.NonceRegistry().IsUsed(hash)
	})
	if err != nil {
		return nil, err
	}
	if e.bus != nil {
		e.bus.PublishPendingTx(tx)
	}
	return tx, nil
}

// expectedProposer returns the address and governance id (if any) expected
// to propose height (spec.md §4.4 "Proposer selection").
func (e *Engine) expectedProposer(height uint64) (types.Address, string) {
	if e.gov != nil {
		vs := e.gov.ActiveValidators() // already sorted by id
		if len(vs) == 0 {
			return types.ZeroAddress, ""
		}
		total := e.gov.TotalActiveStake()
		if total.Sign() == 0 {
			return vs[0].Address, vs[0].ID
		}
		buf := make([]byte, 0, 20)
		buf = append(buf, []byte(strconv.FormatUint(height, 10))...)
		digest := stablejson.Keccak256(buf)
		seed := new(big.Int).Mod(new(big.Int).SetBytes(digest[:]), total)
		cum := big.NewInt(0)
		for _, v := range vs {
			cum.Add(cum, v.Stake)
			if seed.Cmp(cum) < 0 {
				return v.Address, v.ID
			}
		}
		last := vs[len(vs)-1]
		return last.Address, last.ID
	}
	if len(e.cfg.StaticValidators) == 0 {
		return types.ZeroAddress, ""
	}
	idx := (height - 1) % uint64(len(e.cfg.StaticValidators))
	addr := e.cfg.StaticValidators[idx]
	return addr, addr.Hex()
}

// expectedWeight computes the cumulativeWeight a block at parent+1 must
// carry (spec.md §4.4 applyBlock step 6).
func (e *Engine) expectedWeight(parent *types.ChainBlock, proposer types.Address) *big.Int {
	parentWeight := big.NewInt(0)
	if parent != nil && parent.CumulativeWeight != nil {
		parentWeight = parent.CumulativeWeight
	}
	if e.gov == nil {
		return big.NewInt(int64(parent.Number + 1))
	}
	_, id := e.expectedProposer(parent.Number + 1)
	stake := e.gov.Stake(id)
	return new(big.Int).Add(parentWeight, stake)
}

// advanceFinalityLocked marks the block at tip-depth finalized, per
// spec.md §4.4: "when height becomes >= block.number + finalityDepth ...
// only the block at tip - depth is touched per apply".
func (e *Engine) advanceFinalityLocked(tipHeight uint64) {
	if tipHeight < e.cfg.FinalityDepth {
		return
	}
	target := tipHeight - e.cfg.FinalityDepth
	if target < 1 {
		return
	}
	b, err := e.store.GetBlock(target)
	if err != nil || b == nil || b.Finalized {
		return
	}
	b.Finalized = true
	if err := e.store.UpdateBlock(b); err != nil {
		log.WithError(err).Warn("chain: failed to persist finality flag")
	}
}

// FinalizeBFT is the bft.FinalizeCallback: it upgrades a stored block's
// bftFinalized flag once the BFT coordinator reaches commit quorum for it
// (spec.md §4.4 applyBlock step 2, §4.5 step 3).
func (e *Engine) FinalizeBFT(block *types.ChainBlock) {
	stored, err := e.store.GetBlockByHash(block.Hash)
	if err != nil {
		log.WithError(err).Warn("chain: finalizeBFT lookup failed")
		return
	}
	if stored == nil || stored.BftFinalized {
		return
	}
	stored.BftFinalized = true
	if err := e.store.UpdateBlock(stored); err != nil {
		log.WithError(err).Warn("chain: finalizeBFT persist failed")
	}
}

func nowMs() int64 { return time.Now().UnixMilli() }
