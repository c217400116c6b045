package pose

import (
	"context"
	"encoding/hex"
	"testing"
	"time"

	"coc-node/internal/p2p/noncetracker"
	"coc-node/internal/signer"
	"coc-node/internal/stablejson"
	"coc-node/internal/types"
)

type fakeClient struct {
	node *signer.Signer
}

func (c *fakeClient) PostChallenge(ctx context.Context, target Target, challenge *types.Challenge) error {
	return nil
}

func (c *fakeClient) FetchReceipt(ctx context.Context, target Target, challengeID string) (*types.Receipt, error) {
	body := map[string]interface{}{"blockNumber": float64(100)}
	bodyHash, err := stablejson.Hash(body)
	if err != nil {
		return nil, err
	}
	now := time.Now().UnixMilli()
	msg := signer.PoSeReceiptMessage(challengeID, c.node.NodeID().Hex(), hex.EncodeToString(bodyHash[:]), now)
	sig, err := c.node.SignMessage(msg)
	if err != nil {
		return nil, err
	}
	return &types.Receipt{
		ChallengeID: challengeID, NodeID: c.node.NodeID().Hex(), ResponseAtMs: now,
		ResponseBody: body, NodeSig: sig,
	}, nil
}

func newTestAgent(t *testing.T, challenger *signer.Signer, target *signer.Signer, chScheduled bool) (*Agent, *Journal) {
	t.Helper()
	quota := NewChallengeQuota(QuotaConfig{})
	journal, err := OpenJournal("")
	if err != nil {
		t.Fatal(err)
	}
	nonces, err := noncetracker.Open(noncetracker.Config{TTL: time.Hour})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { nonces.Close() })

	agent := NewAgent(
		AgentConfig{EpochDuration: time.Hour, BatchSize: 100},
		challenger, quota, journal, nil, nonces,
		&fakeClient{node: target},
		func(ctx context.Context) (uint64, error) { return 100, nil },
		func(ctx context.Context) (bool, error) { return true, nil },
		func(epochID uint64, nodeID string, setSize int) bool { return chScheduled },
		func(epochID uint64, nodeID string, setSize int) bool { return false },
		nil,
		[]Target{{NodeID: target.NodeID().Hex()}},
	)
	return agent, journal
}

// TestAgentTickJournalsVerifiedReceiptWhenScheduled covers spec.md §4.11
// steps 4-9: a node scheduled as challenger for the epoch issues, fetches,
// and verifies a challenge per type per target. The fake target only
// answers the uptime shape correctly, so only that challenge's receipt
// should survive verification and reach the journal.
func TestAgentTickJournalsVerifiedReceiptWhenScheduled(t *testing.T) {
	challenger, _ := signer.Generate()
	target, _ := signer.Generate()
	agent, journal := newTestAgent(t, challenger, target, true)

	agent.Tick(context.Background(), time.Now())

	if journal.Len() != 1 {
		t.Fatalf("expected only the verifiable uptime receipt to be journaled, got %d", journal.Len())
	}
}

// TestAgentTickSkipsWhenNotScheduledChallenger covers spec.md §4.11 step
// 4: a node not scheduled as challenger for the epoch does nothing.
func TestAgentTickSkipsWhenNotScheduledChallenger(t *testing.T) {
	challenger, _ := signer.Generate()
	target, _ := signer.Generate()
	agent, journal := newTestAgent(t, challenger, target, false)

	agent.Tick(context.Background(), time.Now())

	if journal.Len() != 0 {
		t.Fatalf("expected no challenges issued when not the scheduled challenger, got %d", journal.Len())
	}
}

// TestAgentTickRespectsMinIntervalAcrossRepeatedTicks covers spec.md
// §4.11 step 5: a second tick one second after the first falls within
// every challenge type's minimum interval, so it must journal nothing new.
func TestAgentTickRespectsMinIntervalAcrossRepeatedTicks(t *testing.T) {
	challenger, _ := signer.Generate()
	target, _ := signer.Generate()
	agent, journal := newTestAgent(t, challenger, target, true)

	now := time.Now()
	agent.Tick(context.Background(), now)
	firstLen := journal.Len()
	agent.Tick(context.Background(), now.Add(time.Second))

	if journal.Len() != firstLen {
		t.Fatalf("expected the minimum-interval quota to block a tick 1s later, went from %d to %d", firstLen, journal.Len())
	}
}

func TestReplayFingerprintIsStableForSameInputs(t *testing.T) {
	a := replayFingerprint("challenger", "node", "nonce", types.ChallengeUptime, 5)
	b := replayFingerprint("challenger", "node", "nonce", types.ChallengeUptime, 5)
	if a != b {
		t.Fatal("expected the replay fingerprint to be a pure function of its inputs")
	}
	c := replayFingerprint("challenger", "node", "nonce", types.ChallengeUptime, 6)
	if a == c {
		t.Fatal("expected a different epoch to produce a different fingerprint")
	}
}
