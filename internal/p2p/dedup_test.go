package p2p

import (
	"testing"
	"time"
)

func TestDedupSetSeenOrAdd(t *testing.T) {
	d := newDedupSet(10)
	if d.SeenOrAdd("a") {
		t.Fatal("expected first insertion to report not-seen")
	}
	if !d.SeenOrAdd("a") {
		t.Fatal("expected duplicate insertion to report seen")
	}
}

func TestDedupSetEvictsOldest(t *testing.T) {
	d := newDedupSet(2)
	d.SeenOrAdd("a")
	d.SeenOrAdd("b")
	d.SeenOrAdd("c") // evicts "a"
	if d.Len() != 2 {
		t.Fatalf("expected bounded size 2, got %d", d.Len())
	}
	if d.SeenOrAdd("a") {
		t.Fatal("expected evicted fingerprint to be treated as unseen again")
	}
}

func TestRateLimiterAllowsWithinWindow(t *testing.T) {
	rl := NewRateLimiter(0, 2)
	now := time.Now()
	if !rl.Allow("1.2.3.4", now) {
		t.Fatal("expected first request to be allowed")
	}
	if !rl.Allow("1.2.3.4", now) {
		t.Fatal("expected second request to be allowed")
	}
	if rl.Allow("1.2.3.4", now) {
		t.Fatal("expected third request within the same window to be rejected")
	}
}

func TestRateLimiterPerIPIndependent(t *testing.T) {
	rl := NewRateLimiter(0, 1)
	now := time.Now()
	if !rl.Allow("1.1.1.1", now) {
		t.Fatal("expected first IP's request to be allowed")
	}
	if !rl.Allow("2.2.2.2", now) {
		t.Fatal("expected a different IP's request to be allowed independently")
	}
}
