package discovery

import (
	"testing"
	"time"
)

func TestScoreStartsNeutral(t *testing.T) {
	sb := newScoreboard()
	if got := sb.Value("peer1"); got != scoreNeutral {
		t.Fatalf("expected initial score %d, got %d", scoreNeutral, got)
	}
}

func TestScoreClampedToRange(t *testing.T) {
	sb := newScoreboard()
	for i := 0; i < 200; i++ {
		sb.RecordSuccess("peer1")
	}
	if got := sb.Value("peer1"); got > scoreMax {
		t.Fatalf("expected score clamped to max %d, got %d", scoreMax, got)
	}
}

func TestBanTriggersAtZero(t *testing.T) {
	sb := newScoreboard()
	now := time.Now()
	// scoreNeutral(100) -> invalid data penalty -20 x5 = 0.
	for i := 0; i < 5; i++ {
		sb.RecordInvalidData("peer1", now)
	}
	if !sb.IsBanned("peer1", now) {
		t.Fatal("expected peer to be banned once score reaches 0")
	}
}

func TestBanDurationExponentialBackoff(t *testing.T) {
	if banDuration(1) != banBase {
		t.Fatalf("expected first ban duration == base, got %s", banDuration(1))
	}
	if banDuration(2) != banBase*2 {
		t.Fatalf("expected second ban duration == 2x base, got %s", banDuration(2))
	}
	if banDuration(100) != banCap {
		t.Fatalf("expected ban duration capped at 24h for large ban counts, got %s", banDuration(100))
	}
}

func TestDecayDriftsTowardNeutral(t *testing.T) {
	sb := newScoreboard()
	now := time.Now()
	sb.RecordSuccess("peer1") // 102
	sb.RecordSuccess("peer1") // 104
	before := sb.Value("peer1")
	sb.Decay(now)
	after := sb.Value("peer1")
	if after >= before {
		t.Fatalf("expected decay to drift score back toward neutral, before=%d after=%d", before, after)
	}
}
