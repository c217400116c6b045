// Package pose implements the Proof-of-Service-Existence challenge/
// receipt/batch pipeline (spec.md §4.11): issuing signed challenges to
// tracked targets, verifying their receipts, enforcing replay defense,
// journaling verified receipts, and rolling them into merkle-rooted
// batches for external submission.
//
// No direct teacher analogue exists (Synnergy's on-chain verticals — AI,
// DAO, cross-chain, carbon-credit, biometric nodes — are out of spec
// scope); this package is grounded on the general signed-evidence +
// penalty-bookkeeping idiom of core/authority_penalty_test.go and
// core/access_control.go, plus internal/signer, internal/trie, and
// internal/p2p/noncetracker for its crypto/merkle/replay primitives.
package pose

import (
	"sync"
	"time"

	"coc-node/internal/types"
)

// QuotaConfig are the spec.md §6 per-epoch PoSe challenge caps.
type QuotaConfig struct {
	MaxPerEpochByType map[types.ChallengeType]int
	MinInterval       map[types.ChallengeType]time.Duration
}

func (c QuotaConfig) withDefaults() QuotaConfig {
	if c.MaxPerEpochByType == nil {
		c.MaxPerEpochByType = map[types.ChallengeType]int{
			types.ChallengeUptime:  4,
			types.ChallengeStorage: 2,
			types.ChallengeRelay:   2,
		}
	}
	if c.MinInterval == nil {
		c.MinInterval = map[types.ChallengeType]time.Duration{
			types.ChallengeUptime:  5 * time.Minute,
			types.ChallengeStorage: 15 * time.Minute,
			types.ChallengeRelay:   15 * time.Minute,
		}
	}
	return c
}

type quotaKey struct {
	nodeID  string
	typ     types.ChallengeType
	epochID uint64
}

// ChallengeQuota enforces per-epoch count caps and a minimum interval
// between challenges of the same type against the same target (spec.md
// §4.11 step 5).
type ChallengeQuota struct {
	mu   sync.Mutex
	cfg  QuotaConfig
	used map[quotaKey]int
	last map[quotaKey]time.Time
}

// NewChallengeQuota constructs a ChallengeQuota.
func NewChallengeQuota(cfg QuotaConfig) *ChallengeQuota {
	return &ChallengeQuota{
		cfg:  cfg.withDefaults(),
		used: make(map[quotaKey]int),
		last: make(map[quotaKey]time.Time),
	}
}

// Allow reports whether a new challenge of typ against nodeID in epochID
// is permitted at now, and if so records the attempt.
func (q *ChallengeQuota) Allow(nodeID string, typ types.ChallengeType, epochID uint64, now time.Time) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	key := quotaKey{nodeID: nodeID, typ: typ, epochID: epochID}
	if last, ok := q.last[key]; ok {
		if now.Sub(last) < q.cfg.MinInterval[typ] {
			return false
		}
	}
	if q.used[key] >= q.cfg.MaxPerEpochByType[typ] {
		return false
	}
	q.used[key]++
	q.last[key] = now
	return true
}

// ResetEpoch drops all counters for epochs strictly older than keepFrom,
// bounding quota's memory footprint across long node lifetimes.
func (q *ChallengeQuota) ResetEpoch(keepFrom uint64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for k := range q.used {
		if k.epochID < keepFrom {
			delete(q.used, k)
			delete(q.last, k)
		}
	}
}
