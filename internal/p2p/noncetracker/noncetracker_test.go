package noncetracker

import (
	"path/filepath"
	"testing"
	"time"
)

// TestReplayRejectedThenAcceptedAfterTTL is spec.md §8 scenario 5 / the
// P2P replay testable property: the first Consume succeeds, a second call
// with the same fingerprint fails, and after TTL elapses the same
// fingerprint is accepted again.
func TestReplayRejectedThenAcceptedAfterTTL(t *testing.T) {
	tr, err := Open(Config{TTL: 50 * time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}
	defer tr.Close()

	now := int64(1_000_000)
	fresh, err := tr.Consume("challenge-1", now)
	if err != nil {
		t.Fatal(err)
	}
	if !fresh {
		t.Fatal("expected first consume to report fresh")
	}

	fresh, err = tr.Consume("challenge-1", now+10)
	if err != nil {
		t.Fatal(err)
	}
	if fresh {
		t.Fatal("expected second consume of the same fingerprint to be a replay")
	}

	// After TTL elapses (50ms), the same fingerprint is accepted again.
	fresh, err = tr.Consume("challenge-1", now+100)
	if err != nil {
		t.Fatal(err)
	}
	if !fresh {
		t.Fatal("expected fingerprint to be accepted again after TTL elapses")
	}
}

// TestReplaySurvivesRestart exercises persistence: after the tracker is
// closed and reopened from its journal, the same fingerprint is still
// rejected as a replay.
func TestReplaySurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	journal := filepath.Join(dir, "used-nonces.log")

	tr, err := Open(Config{TTL: time.Hour, JournalPath: journal})
	if err != nil {
		t.Fatal(err)
	}
	fresh, err := tr.Consume("challenge-x", 1000)
	if err != nil {
		t.Fatal(err)
	}
	if !fresh {
		t.Fatal("expected first consume to be fresh")
	}
	if err := tr.Close(); err != nil {
		t.Fatal(err)
	}

	tr2, err := Open(Config{TTL: time.Hour, JournalPath: journal})
	if err != nil {
		t.Fatal(err)
	}
	defer tr2.Close()
	fresh, err = tr2.Consume("challenge-x", 1001)
	if err != nil {
		t.Fatal(err)
	}
	if fresh {
		t.Fatal("expected the same fingerprint to remain a replay after restart")
	}
}

func TestSeenDoesNotConsume(t *testing.T) {
	tr, err := Open(Config{TTL: time.Hour})
	if err != nil {
		t.Fatal(err)
	}
	defer tr.Close()
	if tr.Seen("unconsumed", 0) {
		t.Fatal("expected Seen to report false for an unconsumed fingerprint")
	}
	if _, err := tr.Consume("unconsumed", 0); err != nil {
		t.Fatal(err)
	}
	if !tr.Seen("unconsumed", 100) {
		t.Fatal("expected Seen to report true after Consume")
	}
}
