package pose

import (
	"testing"
	"time"

	"coc-node/internal/types"
)

func TestChallengeQuotaEnforcesPerEpochCap(t *testing.T) {
	q := NewChallengeQuota(QuotaConfig{
		MaxPerEpochByType: map[types.ChallengeType]int{types.ChallengeUptime: 2},
		MinInterval:       map[types.ChallengeType]time.Duration{types.ChallengeUptime: 0},
	})
	now := time.Now()
	if !q.Allow("node1", types.ChallengeUptime, 1, now) {
		t.Fatal("expected first challenge to be allowed")
	}
	if !q.Allow("node1", types.ChallengeUptime, 1, now.Add(time.Second)) {
		t.Fatal("expected second challenge to be allowed")
	}
	if q.Allow("node1", types.ChallengeUptime, 1, now.Add(2*time.Second)) {
		t.Fatal("expected third challenge in the same epoch to be rejected by the cap")
	}
}

func TestChallengeQuotaEnforcesMinInterval(t *testing.T) {
	q := NewChallengeQuota(QuotaConfig{
		MaxPerEpochByType: map[types.ChallengeType]int{types.ChallengeStorage: 10},
		MinInterval:       map[types.ChallengeType]time.Duration{types.ChallengeStorage: time.Minute},
	})
	now := time.Now()
	if !q.Allow("node1", types.ChallengeStorage, 1, now) {
		t.Fatal("expected first challenge to be allowed")
	}
	if q.Allow("node1", types.ChallengeStorage, 1, now.Add(10*time.Second)) {
		t.Fatal("expected challenge within the minimum interval to be rejected")
	}
	if !q.Allow("node1", types.ChallengeStorage, 1, now.Add(2*time.Minute)) {
		t.Fatal("expected challenge after the minimum interval to be allowed")
	}
}

func TestChallengeQuotaIndependentPerNodeAndType(t *testing.T) {
	q := NewChallengeQuota(QuotaConfig{
		MaxPerEpochByType: map[types.ChallengeType]int{types.ChallengeUptime: 1, types.ChallengeRelay: 1},
		MinInterval:       map[types.ChallengeType]time.Duration{types.ChallengeUptime: 0, types.ChallengeRelay: 0},
	})
	now := time.Now()
	if !q.Allow("node1", types.ChallengeUptime, 1, now) {
		t.Fatal("expected node1/uptime to be allowed")
	}
	if !q.Allow("node2", types.ChallengeUptime, 1, now) {
		t.Fatal("expected node2/uptime to be allowed independently of node1")
	}
	if !q.Allow("node1", types.ChallengeRelay, 1, now) {
		t.Fatal("expected node1/relay to be allowed independently of node1/uptime")
	}
}

func TestChallengeQuotaResetEpoch(t *testing.T) {
	q := NewChallengeQuota(QuotaConfig{
		MaxPerEpochByType: map[types.ChallengeType]int{types.ChallengeUptime: 1},
		MinInterval:       map[types.ChallengeType]time.Duration{types.ChallengeUptime: 0},
	})
	now := time.Now()
	q.Allow("node1", types.ChallengeUptime, 1, now)
	q.ResetEpoch(2)
	if !q.Allow("node1", types.ChallengeUptime, 1, now) {
		t.Fatal("expected quota for an old epoch to be cleared by ResetEpoch")
	}
}
