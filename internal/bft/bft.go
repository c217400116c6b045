// Package bft implements the two-phase stake-weighted BFT coordinator
// (spec.md §4.5): a single proposed block per (height, proposer) goes
// through propose -> prepare -> commit -> finalized | failed.
//
// Grounded on core/bft_simulation.go's SimulateBFT/SimulateBFTWith quorum
// math and core/consensus_validator_management.go's validator bookkeeping;
// concurrency follows the teacher's sync.Mutex + time.Timer idiom used
// throughout core/*.go.
package bft

import (
	"math/big"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"coc-node/internal/types"
)

var log = logrus.WithField("component", "bft")

// State is the coordinator's round state machine.
type State int

const (
	StateIdle State = iota
	StatePropose
	StatePrepare
	StateCommit
	StateFinalized
	StateFailed
)

// StakeOf resolves a validator's voting stake; also used to check
// validator membership (non-validators return (0, false)).
type StakeOf func(voterID string) (stake *big.Int, isValidator bool)

// TotalActiveStake returns the sum of active validator stakes for quorum
// computation.
type TotalActiveStake func() *big.Int

// AntiCheatPolicy is notified of equivocation (spec.md §4.5 "Edge rules").
type AntiCheatPolicy interface {
	ReportEquivocation(voterID string, height uint64, hashes []types.Hash)
}

// FinalizeCallback applies the finalized block locally with
// bftFinalized=true (spec.md §4.5 step 3).
type FinalizeCallback func(block *types.ChainBlock)

// Config holds the round timeouts (spec.md §6).
type Config struct {
	PrepareTimeout time.Duration
	CommitTimeout  time.Duration
}

// Coordinator runs at most one round at a time; BFT message processing for
// the current height is serialized, messages for other heights are
// dropped (spec.md §5).
type Coordinator struct {
	mu sync.Mutex

	cfg       Config
	stakeOf   StakeOf
	totalStake TotalActiveStake
	localID   string
	isValidator bool
	antiCheat AntiCheatPolicy
	onFinalize FinalizeCallback

	state State
	block *types.ChainBlock

	prepareVotes map[string]types.Hash // voterID -> hash they prepared
	commitVotes  map[string]types.Hash

	prepareStake *big.Int
	commitStake  *big.Int

	prepareTimer *time.Timer
	commitTimer  *time.Timer

	emitPrepare func(height uint64, hash types.Hash)
	emitCommit  func(height uint64, hash types.Hash)
}

// New constructs a Coordinator. emitPrepare/emitCommit are called when the
// local node needs to broadcast its own vote.
func New(cfg Config, localID string, isValidator bool, stakeOf StakeOf, totalStake TotalActiveStake, antiCheat AntiCheatPolicy, onFinalize FinalizeCallback, emitPrepare, emitCommit func(height uint64, hash types.Hash)) *Coordinator {
	if cfg.PrepareTimeout == 0 {
		cfg.PrepareTimeout = 10 * time.Second
	}
	if cfg.CommitTimeout == 0 {
		cfg.CommitTimeout = 10 * time.Second
	}
	return &Coordinator{
		cfg: cfg, localID: localID, isValidator: isValidator, stakeOf: stakeOf,
		totalStake: totalStake, antiCheat: antiCheat, onFinalize: onFinalize,
		emitPrepare: emitPrepare, emitCommit: emitCommit,
		state: StateIdle,
	}
}

// QuorumThreshold computes floor(2*totalActiveStake/3) + 1 (spec.md §4.5 /
// GLOSSARY).
func QuorumThreshold(total *big.Int) *big.Int {
	twoThirds := new(big.Int).Mul(total, big.NewInt(2))
	twoThirds.Div(twoThirds, big.NewInt(3))
	return twoThirds.Add(twoThirds, big.NewInt(1))
}

// StartRound records the proposed block and, if the local node is a
// validator, emits its own prepare vote (spec.md §4.5 step 1).
func (c *Coordinator) StartRound(block *types.ChainBlock) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.block = block
	c.state = StatePrepare
	c.prepareVotes = make(map[string]types.Hash)
	c.commitVotes = make(map[string]types.Hash)
	c.prepareStake = big.NewInt(0)
	c.commitStake = big.NewInt(0)

	c.stopTimersLocked()
	c.prepareTimer = time.AfterFunc(c.cfg.PrepareTimeout, c.onPrepareTimeout)

	if c.isValidator {
		c.prepareVotes[c.localID] = block.Hash
		if stake, ok := c.stakeOf(c.localID); ok {
			c.prepareStake.Add(c.prepareStake, stake)
		}
		if c.emitPrepare != nil {
			go c.emitPrepare(block.Number, block.Hash)
		}
	}
	c.maybeAdvancePrepareLocked()
}

// HandlePrepare ingests a prepare vote (spec.md §4.5 step 2).
func (c *Coordinator) HandlePrepare(voter string, height uint64, hash types.Hash) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.block == nil || height != c.block.Number || c.state != StatePrepare {
		return
	}
	stake, isValidator := c.stakeOf(voter)
	if !isValidator {
		return
	}
	if prior, seen := c.prepareVotes[voter]; seen {
		if prior != hash {
			c.reportEquivocationLocked(voter, height, prior, hash)
		}
		return // duplicate (or equivocation, already reported): idempotent
	}
	if hash != c.block.Hash {
		return // ignore votes for a different hash
	}
	c.prepareVotes[voter] = hash
	c.prepareStake.Add(c.prepareStake, stake)
	c.maybeAdvancePrepareLocked()
}

func (c *Coordinator) maybeAdvancePrepareLocked() {
	if c.state != StatePrepare {
		return
	}
	quorum := QuorumThreshold(c.totalStake())
	if c.prepareStake.Cmp(quorum) < 0 {
		return
	}
	c.state = StateCommit
	c.stopTimersLocked()
	c.commitTimer = time.AfterFunc(c.cfg.CommitTimeout, c.onCommitTimeout)
	if c.isValidator {
		c.commitVotes[c.localID] = c.block.Hash
		if stake, ok := c.stakeOf(c.localID); ok {
			c.commitStake.Add(c.commitStake, stake)
		}
		if c.emitCommit != nil {
			go c.emitCommit(c.block.Number, c.block.Hash)
		}
	}
	c.maybeAdvanceCommitLocked()
}

// HandleCommit ingests a commit vote (spec.md §4.5 step 3).
func (c *Coordinator) HandleCommit(voter string, height uint64, hash types.Hash) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.block == nil || height != c.block.Number || (c.state != StateCommit && c.state != StatePrepare) {
		return
	}
	stake, isValidator := c.stakeOf(voter)
	if !isValidator {
		return
	}
	if prior, seen := c.commitVotes[voter]; seen {
		if prior != hash {
			c.reportEquivocationLocked(voter, height, prior, hash)
		}
		return
	}
	if hash != c.block.Hash {
		return
	}
	c.commitVotes[voter] = hash
	c.commitStake.Add(c.commitStake, stake)
	c.maybeAdvanceCommitLocked()
}

func (c *Coordinator) maybeAdvanceCommitLocked() {
	if c.state != StateCommit {
		return
	}
	quorum := QuorumThreshold(c.totalStake())
	if c.commitStake.Cmp(quorum) < 0 {
		return
	}
	c.state = StateFinalized
	c.stopTimersLocked()
	block := c.block
	if c.onFinalize != nil {
		go c.onFinalize(block)
	}
}

func (c *Coordinator) reportEquivocationLocked(voter string, height uint64, hashes ...types.Hash) {
	log.WithFields(logrus.Fields{"voter": voter, "height": height}).Warn("equivocation detected")
	if c.antiCheat != nil {
		c.antiCheat.ReportEquivocation(voter, height, hashes)
	}
	// The voter's stake contribution for this round is discarded: it was
	// never added for the conflicting hash, and the prior vote stays
	// counted only for the hash it was originally cast for.
}

func (c *Coordinator) onPrepareTimeout() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StatePrepare {
		return
	}
	c.state = StateFailed
	log.WithField("height", blockHeight(c.block)).Warn("bft round failed: prepare timeout")
}

func (c *Coordinator) onCommitTimeout() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateCommit {
		return
	}
	c.state = StateFailed
	log.WithField("height", blockHeight(c.block)).Warn("bft round failed: commit timeout")
}

func blockHeight(b *types.ChainBlock) uint64 {
	if b == nil {
		return 0
	}
	return b.Number
}

func (c *Coordinator) stopTimersLocked() {
	if c.prepareTimer != nil {
		c.prepareTimer.Stop()
	}
	if c.commitTimer != nil {
		c.commitTimer.Stop()
	}
}

// State returns the current round state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Reset clears round state after finalize/fail so a new round can start.
func (c *Coordinator) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopTimersLocked()
	c.state = StateIdle
	c.block = nil
}
