package p2p

import (
	"encoding/hex"
	"encoding/json"
	"testing"
	"time"

	"coc-node/internal/p2p/noncetracker"
	"coc-node/internal/signer"
)

func newTracker(t *testing.T) *noncetracker.Tracker {
	t.Helper()
	tr, err := noncetracker.Open(noncetracker.Config{TTL: time.Hour})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { tr.Close() })
	return tr
}

func signedEnvelope(t *testing.T, s *signer.Signer, path string, body map[string]interface{}, nonce string, atMs int64) ([]byte, *AuthEnvelope) {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	ph, err := payloadHashHex(raw)
	if err != nil {
		t.Fatal(err)
	}
	msg := signer.P2PEnvelopeMessage(path, s.NodeID().Hex(), atMs, nonce, ph)
	sig, err := s.SignMessage(msg)
	if err != nil {
		t.Fatal(err)
	}
	env := &AuthEnvelope{
		SenderID: s.NodeID().Hex(), TimestampMs: atMs, Nonce: nonce,
		Signature: "0x" + hex.EncodeToString(sig),
	}
	return raw, env
}

// TestEnvelopeRoundTrip is spec.md §8's round-trip law: encode then decode
// a gossip envelope with a valid signature yields the same senderId and
// payload and verifies successfully.
func TestEnvelopeRoundTrip(t *testing.T) {
	s, _ := signer.Generate()
	tracker := newTracker(t)
	body := map[string]interface{}{"rawTx": "0xdeadbeef"}
	raw, env := signedEnvelope(t, s, "/p2p/gossip-tx", body, "nonce-1", nowMs())

	if err := verifyEnvelope("/p2p/gossip-tx", raw, env, nowMs(), tracker); err != nil {
		t.Fatalf("expected valid envelope to verify, got %v", err)
	}
	if env.SenderID != s.NodeID().Hex() {
		t.Fatal("senderId mismatch after round trip")
	}
}

func TestEnvelopeRejectsMissing(t *testing.T) {
	tracker := newTracker(t)
	if err := verifyEnvelope("/p2p/gossip-tx", []byte(`{}`), nil, nowMs(), tracker); err == nil {
		t.Fatal("expected missing envelope to be rejected")
	}
}

func TestEnvelopeRejectsClockSkew(t *testing.T) {
	s, _ := signer.Generate()
	tracker := newTracker(t)
	body := map[string]interface{}{"rawTx": "0x00"}
	farPast := nowMs() - 10*60*1000
	raw, env := signedEnvelope(t, s, "/p2p/gossip-tx", body, "nonce-skew", farPast)
	if err := verifyEnvelope("/p2p/gossip-tx", raw, env, nowMs(), tracker); err == nil {
		t.Fatal("expected excessive clock skew to be rejected")
	}
}

func TestEnvelopeRejectsWrongSignature(t *testing.T) {
	s, _ := signer.Generate()
	other, _ := signer.Generate()
	tracker := newTracker(t)
	body := map[string]interface{}{"rawTx": "0x00"}
	raw, env := signedEnvelope(t, s, "/p2p/gossip-tx", body, "nonce-2", nowMs())
	env.SenderID = other.NodeID().Hex() // claim a different sender than who actually signed
	if err := verifyEnvelope("/p2p/gossip-tx", raw, env, nowMs(), tracker); err == nil {
		t.Fatal("expected signature/sender mismatch to be rejected")
	}
}

func TestEnvelopeRejectsReplay(t *testing.T) {
	s, _ := signer.Generate()
	tracker := newTracker(t)
	body := map[string]interface{}{"rawTx": "0x00"}
	raw, env := signedEnvelope(t, s, "/p2p/gossip-tx", body, "nonce-replay", nowMs())
	if err := verifyEnvelope("/p2p/gossip-tx", raw, env, nowMs(), tracker); err != nil {
		t.Fatalf("expected first use to verify, got %v", err)
	}
	if err := verifyEnvelope("/p2p/gossip-tx", raw, env, nowMs(), tracker); err == nil {
		t.Fatal("expected replayed (senderId,nonce) to be rejected")
	}
}
