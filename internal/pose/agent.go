// Package pose's Agent drives the periodic tick described in spec.md
// §4.11: refresh L1 height and registration status, flush a batch at
// epoch rollover, skip the tick entirely when this node is not the
// scheduled challenger, then issue/verify one challenge per type against
// every tracked target subject to the ChallengeQuota.
package pose

import (
	"context"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"coc-node/internal/p2p/noncetracker"
	"coc-node/internal/signer"
	"coc-node/internal/stablejson"
	"coc-node/internal/types"
)

var log = logrus.WithField("component", "pose")

// Target is a node this agent probes.
type Target struct {
	NodeID string
}

// TargetClient delivers a challenge to a target and retrieves its receipt
// (spec.md §4.11 step 6: "POST challenge then receipt endpoints"). This is
// an external collaborator — the wire format of the target's challenge/
// receipt endpoints is outside this repo's core scope (spec.md §1).
type TargetClient interface {
	PostChallenge(ctx context.Context, target Target, challenge *types.Challenge) error
	FetchReceipt(ctx context.Context, target Target, challengeID string) (*types.Receipt, error)
}

// L1HeightSource is a best-effort refresh of the latest tracked L1 block
// height (spec.md §4.11 step 1).
type L1HeightSource func(ctx context.Context) (uint64, error)

// RegistrationSource reports whether this node's own PoSe registration is
// active (spec.md §4.11 step 2), cached by the caller.
type RegistrationSource func(ctx context.Context) (bool, error)

// ChallengerSchedule reports whether nodeID is the scheduled challenger
// for epochID, given the current size of the challenger set (spec.md
// §4.11 step 4: "modulo the challenger set").
type ChallengerSchedule func(epochID uint64, nodeID string, challengerSetSize int) bool

// AggregatorSchedule reports whether nodeID is the scheduled aggregator
// for epochID (spec.md §4.11 step 10: "if this node is the scheduled
// aggregator, submit it").
type AggregatorSchedule func(epochID uint64, nodeID string, aggregatorSetSize int) bool

// AgentConfig bundles the tunables and collaborators an Agent tick needs.
type AgentConfig struct {
	EpochDuration      time.Duration // spec.md GLOSSARY: "default is one hour"
	BatchSize          int           // spec.md §6 agent_batch_size
	SampleSize         int           // spec.md §6 agent_sample_size
	ChallengerSetSize  int
	AggregatorSetSize  int
}

func (c AgentConfig) withDefaults() AgentConfig {
	if c.EpochDuration == 0 {
		c.EpochDuration = time.Hour
	}
	if c.BatchSize == 0 {
		c.BatchSize = 5
	}
	if c.SampleSize == 0 {
		c.SampleSize = SampleSize
	}
	if c.ChallengerSetSize == 0 {
		c.ChallengerSetSize = 1
	}
	if c.AggregatorSetSize == 0 {
		c.AggregatorSetSize = 1
	}
	return c
}

// Agent runs the periodic PoSe tick for one node.
type Agent struct {
	cfg    AgentConfig
	sign   *signer.Signer
	quota  *ChallengeQuota
	journal *Journal
	evidence *EvidenceLog
	nonces *noncetracker.Tracker
	client TargetClient
	l1     L1HeightSource
	reg    RegistrationSource
	chSched ChallengerSchedule
	agSched AggregatorSchedule
	submit BatchSubmitter
	storageRoot StorageRootSource

	lastL1Height   uint64
	registered     bool
	lastEpoch      uint64
	targets        []Target
}

// NewAgent constructs an Agent. submit may be nil, in which case a flush
// still drains the journal and builds a batch but skips the external
// submission step; the built batch is not kept.
func NewAgent(cfg AgentConfig, sign *signer.Signer, quota *ChallengeQuota, journal *Journal, evidence *EvidenceLog, nonces *noncetracker.Tracker, client TargetClient, l1 L1HeightSource, reg RegistrationSource, chSched ChallengerSchedule, agSched AggregatorSchedule, submit BatchSubmitter, targets []Target) *Agent {
	return &Agent{
		cfg: cfg.withDefaults(), sign: sign, quota: quota, journal: journal, evidence: evidence,
		nonces: nonces, client: client, l1: l1, reg: reg, chSched: chSched, agSched: agSched,
		submit: submit, targets: targets,
	}
}

// SetStorageRootSource wires the resolver used to pin a storage challenge's
// expected root at issue time, and to infer it at verify time for
// challenges issued before a resolver was available (spec.md §9 Open
// Question on storage challenge roots). Nil means storage challenges
// against a target with no pinned root are rejected outright.
func (a *Agent) SetStorageRootSource(src StorageRootSource) { a.storageRoot = src }

func (a *Agent) epochOf(now time.Time) uint64 {
	return uint64(now.UnixNano()) / uint64(a.cfg.EpochDuration.Nanoseconds())
}

// replayFingerprint is the NonceRegistry key defending PoSe receipts
// against replay: an opaque 32-byte keccak256(challengerId || nodeId ||
// nonce || type || epochId) fingerprint, hex-encoded for storage as a
// NonceRegistry key (spec.md §3, §4.11 step 8).
func replayFingerprint(challengerID, nodeID, nonce string, typ types.ChallengeType, epochID uint64) string {
	preimage := fmt.Sprintf("%s:%s:%s:%s:%d", challengerID, nodeID, nonce, typ, epochID)
	digest := stablejson.Keccak256([]byte(preimage))
	return hex.EncodeToString(digest[:])
}

// Tick runs one full agent iteration (spec.md §4.11 steps 1-10).
func (a *Agent) Tick(ctx context.Context, now time.Time) {
	if h, err := a.l1(ctx); err == nil {
		a.lastL1Height = h
	} else {
		log.WithError(err).Debug("pose: l1 height refresh failed, keeping cached value")
	}

	if ok, err := a.reg(ctx); err == nil {
		a.registered = ok
	} else {
		log.WithError(err).Debug("pose: registration refresh failed, keeping cached value")
	}

	epoch := a.epochOf(now)
	if epoch != a.lastEpoch {
		a.flushEpoch(ctx, a.lastEpoch)
		a.quota.ResetEpoch(epoch)
		a.lastEpoch = epoch
	}

	if !a.chSched(epoch, a.sign.NodeID().Hex(), a.cfg.ChallengerSetSize) {
		return
	}

	for _, target := range a.targets {
		for _, typ := range []types.ChallengeType{types.ChallengeUptime, types.ChallengeStorage, types.ChallengeRelay} {
			a.challengeOne(ctx, target, typ, epoch, now)
		}
	}

	if a.journal.Len() >= a.cfg.BatchSize {
		a.flushEpoch(ctx, epoch)
	}
}

func (a *Agent) challengeOne(ctx context.Context, target Target, typ types.ChallengeType, epoch uint64, now time.Time) {
	if !a.quota.Allow(target.NodeID, typ, epoch, now) {
		return
	}
	challenge, err := NewChallenge(a.sign, epoch, target.NodeID, typ, nil)
	if err != nil {
		log.WithError(err).Error("pose: build challenge")
		return
	}
	if typ == types.ChallengeStorage && a.storageRoot != nil {
		if root, ok := a.storageRoot(target.NodeID); ok {
			challenge.PinnedRoot = &root
		}
	}

	if err := a.client.PostChallenge(ctx, target, challenge); err != nil {
		a.recordEvidence(challenge, EvidenceTimeout, err.Error())
		return
	}
	receipt, err := a.client.FetchReceipt(ctx, target, challenge.ChallengeID)
	if err != nil {
		a.recordEvidence(challenge, EvidenceTimeout, err.Error())
		return
	}

	ok, reason := VerifyReceipt(challenge, receipt, a.lastL1Height, a.storageRoot)
	if !ok {
		a.recordEvidence(challenge, EvidenceVerifyFailed, reason)
		return
	}

	fp := replayFingerprint(challenge.ChallengerID, challenge.NodeID, challenge.Nonce, challenge.Type, challenge.EpochID)
	consumed, err := a.nonces.Consume(fp, now.UnixMilli())
	if err != nil {
		log.WithError(err).Error("pose: replay check")
		return
	}
	if !consumed {
		a.recordEvidence(challenge, EvidenceReplay, "duplicate challenge/receipt nonce")
		return
	}

	if err := a.journal.Append(challenge, receipt); err != nil {
		log.WithError(err).Error("pose: journal append")
	}
}

func (a *Agent) recordEvidence(challenge *types.Challenge, kind EvidenceKind, detail string) {
	if a.evidence == nil {
		return
	}
	_ = a.evidence.Record(EvidenceRecord{
		AtMs: time.Now().UnixMilli(), NodeID: challenge.NodeID, ChallengeID: challenge.ChallengeID,
		Type: string(challenge.Type), Kind: kind, Detail: detail,
	})
}

// flushEpoch drains the journal into a batch (if anything is pending) and
// submits it when this node is the scheduled aggregator (spec.md §4.11
// step 10).
func (a *Agent) flushEpoch(ctx context.Context, epoch uint64) {
	if a.journal.Len() == 0 {
		return
	}
	pending, err := a.journal.Drain()
	if err != nil {
		log.WithError(err).Error("pose: drain journal")
		return
	}
	if len(pending) == 0 {
		return
	}
	batch, err := BuildBatch(epoch, pending, a.cfg.SampleSize)
	if err != nil {
		log.WithError(err).Error("pose: build batch")
		return
	}
	if a.submit == nil || !a.agSched(epoch, a.sign.NodeID().Hex(), a.cfg.AggregatorSetSize) {
		return
	}
	if err := a.submit.SubmitBatch(ctx, batch); err != nil {
		log.WithError(err).Warn("pose: submit batch failed")
	}
}
