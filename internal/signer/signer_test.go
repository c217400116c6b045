package signer

import (
	"testing"

	"coc-node/internal/types"
)

func TestSignAndVerifyMessage(t *testing.T) {
	s, err := Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	msg := BlockProposerMessage(types.BytesToHash([]byte("some-block-hash")))
	sig, err := s.SignMessage(msg)
	if err != nil {
		t.Fatalf("SignMessage: %v", err)
	}
	if len(sig) != 65 {
		t.Fatalf("expected 65-byte signature, got %d", len(sig))
	}
	if !Verify(s.NodeID(), msg, sig) {
		t.Fatal("expected signature to verify against signer's own nodeId")
	}
}

func TestVerifyRejectsWrongAddress(t *testing.T) {
	s, _ := Generate()
	other, _ := Generate()
	msg := []byte("hello")
	sig, _ := s.SignMessage(msg)
	if Verify(other.NodeID(), msg, sig) {
		t.Fatal("expected verify to fail for the wrong expected address")
	}
}

func TestVerifyRejectsTamperedMessage(t *testing.T) {
	s, _ := Generate()
	msg := []byte("original message")
	sig, _ := s.SignMessage(msg)
	if Verify(s.NodeID(), []byte("tampered message"), sig) {
		t.Fatal("expected verify to fail for a tampered message")
	}
}

func TestSignBytesRoundTrip(t *testing.T) {
	s, _ := Generate()
	data := []byte{1, 2, 3, 4, 5}
	sig, err := s.SignBytes(data)
	if err != nil {
		t.Fatal(err)
	}
	if !VerifyBytes(s.NodeID(), data, sig) {
		t.Fatal("expected SignBytes/VerifyBytes round trip to verify")
	}
}

func TestCanonicalMessageBuilders(t *testing.T) {
	if got := string(PoSeChallengeMessage("c1", 7, "node1")); got != "pose:challenge:c1:7:node1" {
		t.Fatalf("unexpected challenge message: %s", got)
	}
	if got := string(PoSeReceiptMessage("c1", "node1", "abcd", -1)); got != "pose:receipt:c1:node1:abcd" {
		t.Fatalf("unexpected receipt message without timestamp: %s", got)
	}
	if got := string(PoSeReceiptMessage("c1", "node1", "abcd", 1000)); got != "pose:receipt:c1:node1:abcd:1000" {
		t.Fatalf("unexpected receipt message with timestamp: %s", got)
	}
	if got := string(P2PIdentityChallengeMessage("xyz", "NODE1")); got != "p2p:identity:xyz:node1" {
		t.Fatalf("expected nodeId lowercased in identity challenge: %s", got)
	}
}
