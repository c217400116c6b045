package pose

import (
	"testing"

	"coc-node/internal/signer"
	"coc-node/internal/types"
)

// TestNewChallengeIsSignedAndVerifiable covers spec.md §4.11 step 6: a
// freshly issued challenge carries a valid challenger signature over its
// own (challengeId, epochId, nodeId).
func TestNewChallengeIsSignedAndVerifiable(t *testing.T) {
	s, _ := signer.Generate()
	c, err := NewChallenge(s, 5, "0x000000000000000000000000000000000000aa", types.ChallengeUptime, nil)
	if err != nil {
		t.Fatal(err)
	}
	if c.ChallengerID != s.NodeID().Hex() {
		t.Fatalf("expected challengerId to be the issuing node, got %s", c.ChallengerID)
	}
	msg := signer.PoSeChallengeMessage(c.ChallengeID, c.EpochID, c.NodeID)
	if !signer.Verify(s.NodeID(), msg, c.ChallengerSig) {
		t.Fatal("expected the challenge signature to verify")
	}
	if c.DeadlineMs <= c.IssuedAtMs {
		t.Fatal("expected the deadline to be strictly after issuance")
	}
}

func TestNewChallengeNoncesAreUnique(t *testing.T) {
	s, _ := signer.Generate()
	c1, err := NewChallenge(s, 1, "node", types.ChallengeUptime, nil)
	if err != nil {
		t.Fatal(err)
	}
	c2, err := NewChallenge(s, 1, "node", types.ChallengeUptime, nil)
	if err != nil {
		t.Fatal(err)
	}
	if c1.ChallengeID == c2.ChallengeID || c1.Nonce == c2.Nonce {
		t.Fatal("expected distinct challenges to carry distinct ids and nonces")
	}
}
