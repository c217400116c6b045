// Package governance implements the validator active set, stake-weighted
// proposals/voting, slashing, and the faction/treasury side registries
// (spec.md §4.7).
//
// Grounded on core/governance.go's GovProposal struct (uuid ids, votes map,
// deadline) and core/dao.go's active-set bookkeeping idiom, extended to the
// spec's bigint stake-weighted thresholds.
package governance

import (
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"coc-node/internal/types"
)

var log = logrus.WithField("component", "governance")

// Config are the spec-defined governance constants (spec.md §4.7).
type Config struct {
	MaxValidators        int
	MinStake             *big.Int
	ApprovalThresholdPct int64 // e.g. 67
	ParticipationPct      int64 // e.g. 50

	// EquivocationSlashAmount is a configurable slash amount for a
	// validator that double-voted at a height. Nothing in this package
	// reads it: ReportEquivocation only logs the coordinator's report and
	// deducts no stake.
	EquivocationSlashAmount *big.Int
}

func (c Config) withDefaults() Config {
	if c.MaxValidators == 0 {
		c.MaxValidators = 100
	}
	if c.MinStake == nil {
		c.MinStake = big.NewInt(1)
	}
	if c.ApprovalThresholdPct == 0 {
		c.ApprovalThresholdPct = 67
	}
	if c.ParticipationPct == 0 {
		c.ParticipationPct = 50
	}
	return c
}

// Set is the validator governance registry.
type Set struct {
	mu sync.RWMutex

	cfg Config

	validators map[string]*types.Validator
	proposals  map[string]*types.Proposal

	factions map[types.Address]string // address -> lowercased faction name
	treasury *big.Int
}

// New constructs an empty governance set.
func New(cfg Config) *Set {
	return &Set{
		cfg:        cfg.withDefaults(),
		validators: make(map[string]*types.Validator),
		proposals:  make(map[string]*types.Proposal),
		factions:   make(map[types.Address]string),
		treasury:   big.NewInt(0),
	}
}

// AddValidator registers a new active validator, enforcing maxValidators
// and minStake (spec.md §4.7 invariants).
func (s *Set) AddValidator(v *types.Validator) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.activeCountLocked() >= s.cfg.MaxValidators {
		return fmt.Errorf("governance: active set at maxValidators")
	}
	if v.Stake.Cmp(s.cfg.MinStake) < 0 {
		return fmt.Errorf("governance: stake below minStake")
	}
	v.Active = true
	s.validators[v.ID] = v
	s.recomputeVotingPowerLocked()
	return nil
}

// RemoveValidator deactivates a validator, protecting against removing the
// last active validator (spec.md §4.7: "last-validator protection").
func (s *Set) RemoveValidator(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.validators[id]
	if !ok || !v.Active {
		return nil // idempotent
	}
	if s.activeCountLocked() <= 1 {
		return fmt.Errorf("governance: cannot remove the last active validator")
	}
	v.Active = false
	v.VotingPowerBp = 0
	s.recomputeVotingPowerLocked()
	return nil
}

// UpdateStake changes a validator's stake, re-checking minStake.
func (s *Set) UpdateStake(id string, stake *big.Int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.validators[id]
	if !ok {
		return fmt.Errorf("governance: unknown validator %s", id)
	}
	if v.Active && stake.Cmp(s.cfg.MinStake) < 0 {
		return fmt.Errorf("governance: stake below minStake")
	}
	v.Stake = new(big.Int).Set(stake)
	s.recomputeVotingPowerLocked()
	return nil
}

func (s *Set) activeCountLocked() int {
	n := 0
	for _, v := range s.validators {
		if v.Active {
			n++
		}
	}
	return n
}

// recomputeVotingPowerLocked recomputes basis-point voting power for every
// active validator after any active-set change, zeroing inactive
// validators (spec.md §4.7).
func (s *Set) recomputeVotingPowerLocked() {
	total := big.NewInt(0)
	for _, v := range s.validators {
		if v.Active {
			total.Add(total, v.Stake)
		}
	}
	for _, v := range s.validators {
		if !v.Active {
			v.VotingPowerBp = 0
			continue
		}
		if total.Sign() == 0 {
			v.VotingPowerBp = 0
			continue
		}
		bp := new(big.Int).Mul(v.Stake, big.NewInt(10_000))
		bp.Div(bp, total)
		v.VotingPowerBp = bp.Uint64()
	}
}

// ActiveValidators returns active validators sorted by id, for
// deterministic proposer selection (spec.md §4.4: "sort active validators
// by id").
func (s *Set) ActiveValidators() []*types.Validator {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*types.Validator, 0)
	for _, v := range s.validators {
		if v.Active {
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// TotalActiveStake sums stake across active validators (bigint, per
// spec.md §4.7: "computed over active stake in bigint to avoid rounding").
func (s *Set) TotalActiveStake() *big.Int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.totalActiveStakeLocked()
}

func (s *Set) totalActiveStakeLocked() *big.Int {
	total := big.NewInt(0)
	for _, v := range s.validators {
		if v.Active {
			total.Add(total, v.Stake)
		}
	}
	return total
}

// StakeOf implements bft.StakeOf: a validator id's stake, and whether it is
// currently an active validator.
func (s *Set) StakeOf(voterID string) (*big.Int, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.validators[voterID]
	if !ok || !v.Active {
		return nil, false
	}
	return new(big.Int).Set(v.Stake), true
}

// Stake looks up a single validator's stake for fork-choice cumulativeWeight
// bookkeeping (spec.md §3).
func (s *Set) Stake(id string) *big.Int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.validators[id]
	if !ok {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v.Stake)
}

// --- Proposals --------------------------------------------------------

// CreateProposal opens a new proposal (spec.md §3/§4.7).
func (s *Set) CreateProposal(pType types.ProposalType, targetID string, targetAddr types.Address, targetStake *big.Int, proposerID string, createdEpoch, expiresEpoch uint64) *types.Proposal {
	p := &types.Proposal{
		ID: uuid.NewString(), Type: pType, TargetID: targetID,
		TargetAddress: targetAddr, TargetStake: targetStake, ProposerID: proposerID,
		CreatedAtEpoch: createdEpoch, ExpiresAtEpoch: expiresEpoch,
		Votes: make(map[string]bool), Status: types.ProposalPending,
	}
	s.mu.Lock()
	s.proposals[p.ID] = p
	s.mu.Unlock()
	return p
}

var ErrUnknownProposal = errors.New("governance: unknown proposal")

// Vote records voterID's approve/deny vote and re-evaluates the proposal's
// status against stake-weighted approval/participation thresholds, crossed
// strictly (spec.md §4.7).
func (s *Set) Vote(proposalID, voterID string, approve bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.proposals[proposalID]
	if !ok {
		return ErrUnknownProposal
	}
	if p.Status != types.ProposalPending {
		return nil
	}
	p.Votes[voterID] = approve
	s.evaluateProposalLocked(p, 0)
	return nil
}

// Tick re-evaluates every pending proposal against the current epoch,
// expiring any whose deadline has passed (spec.md §4.7: "if the expiry
// epoch passes while still pending, it is expired").
func (s *Set) Tick(currentEpoch uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.proposals {
		if p.Status != types.ProposalPending {
			continue
		}
		s.evaluateProposalLocked(p, currentEpoch)
	}
}

func (s *Set) evaluateProposalLocked(p *types.Proposal, currentEpoch uint64) {
	total := s.totalActiveStakeLocked()
	if total.Sign() == 0 {
		return
	}
	approveStake := big.NewInt(0)
	participatedStake := big.NewInt(0)
	for voterID, approve := range p.Votes {
		v, ok := s.validators[voterID]
		if !ok || !v.Active {
			continue
		}
		participatedStake.Add(participatedStake, v.Stake)
		if approve {
			approveStake.Add(approveStake, v.Stake)
		}
	}

	approvalPct := new(big.Int).Mul(approveStake, big.NewInt(100))
	approvalPct.Div(approvalPct, total)
	participationPct := new(big.Int).Mul(participatedStake, big.NewInt(100))
	participationPct.Div(participationPct, total)

	approved := approvalPct.Cmp(big.NewInt(s.cfg.ApprovalThresholdPct)) > 0
	participated := participationPct.Cmp(big.NewInt(s.cfg.ParticipationPct)) > 0

	if approved && participated {
		p.Status = types.ProposalApproved
		s.executeLocked(p)
		return
	}

	allVoted := len(p.Votes) >= s.activeCountLocked()
	if allVoted && !approved {
		p.Status = types.ProposalRejected
		return
	}

	if currentEpoch > 0 && currentEpoch >= p.ExpiresAtEpoch {
		p.Status = types.ProposalExpired
	}
}

// executeLocked applies an approved proposal's change, re-checking
// preconditions at execution time so repeated execution is idempotent
// (spec.md §4.7: "preconditions ... are re-checked at execution").
func (s *Set) executeLocked(p *types.Proposal) {
	switch p.Type {
	case types.ProposalAddValidator:
		if s.activeCountLocked() >= s.cfg.MaxValidators {
			log.Warn("governance: add_validator proposal approved but maxValidators reached, skipping")
			return
		}
		v, ok := s.validators[p.TargetID]
		if !ok {
			v = &types.Validator{ID: p.TargetID, Address: p.TargetAddress, Stake: p.TargetStake}
			s.validators[p.TargetID] = v
		}
		if v.Stake == nil || v.Stake.Cmp(s.cfg.MinStake) < 0 {
			log.Warn("governance: add_validator proposal approved but stake below minStake, skipping")
			return
		}
		v.Active = true
	case types.ProposalRemoveValidator:
		if s.activeCountLocked() <= 1 {
			log.Warn("governance: remove_validator proposal approved but would remove last validator, skipping")
			return
		}
		if v, ok := s.validators[p.TargetID]; ok {
			v.Active = false
			v.VotingPowerBp = 0
		}
	case types.ProposalUpdateStake:
		if v, ok := s.validators[p.TargetID]; ok {
			if v.Active && p.TargetStake.Cmp(s.cfg.MinStake) < 0 {
				log.Warn("governance: update_stake proposal approved but result is below minStake, skipping")
				return
			}
			v.Stake = new(big.Int).Set(p.TargetStake)
		}
	}
	s.recomputeVotingPowerLocked()
}

// Proposal returns a proposal by id.
func (s *Set) Proposal(id string) (*types.Proposal, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.proposals[id]
	return p, ok
}

// --- Slashing -----------------------------------------------------------

// Slash deducts stake directly from a validator; if the post-slash stake
// falls below minStake the validator is deactivated (spec.md §4.7).
func (s *Set) Slash(id string, amount *big.Int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.validators[id]
	if !ok {
		return fmt.Errorf("governance: unknown validator %s", id)
	}
	v.Stake = new(big.Int).Sub(v.Stake, amount)
	if v.Stake.Sign() < 0 {
		v.Stake = big.NewInt(0)
	}
	if v.Active && v.Stake.Cmp(s.cfg.MinStake) < 0 {
		v.Active = false
		v.VotingPowerBp = 0
		log.WithField("validator", id).Warn("slashed below minStake, deactivated")
	}
	s.recomputeVotingPowerLocked()
	return nil
}

// ReportEquivocation implements bft.AntiCheatPolicy (spec.md §4.5 edge
// rules: "may feed a slash proposal"). It does not auto-slash — it only
// records the report; turning repeated reports into a slash proposal is
// left to an operator or a future policy, matching the spec's "may".
func (s *Set) ReportEquivocation(voterID string, height uint64, hashes []types.Hash) {
	s.mu.Lock()
	_, known := s.validators[voterID]
	s.mu.Unlock()
	log.WithField("validator", voterID).WithField("height", height).WithField("known", known).
		Warn("governance: equivocation reported")
}

// --- Factions & treasury -------------------------------------------------

// SetFaction assigns addr to a faction name, stored lowercased.
func (s *Set) SetFaction(addr types.Address, faction string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.factions[addr] = strings.ToLower(faction)
}

// FactionOf returns addr's faction, if any.
func (s *Set) FactionOf(addr types.Address) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.factions[addr]
	return f, ok
}

// Deposit grows the treasury by a positive amount only (spec.md §4.7:
// "treasury is a bigint that only grows via a positive deposit call").
func (s *Set) Deposit(amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("governance: deposit must be positive")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.treasury.Add(s.treasury, amount)
	return nil
}

// Treasury returns the current treasury balance.
func (s *Set) Treasury() *big.Int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return new(big.Int).Set(s.treasury)
}
