package p2p

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"coc-node/internal/p2p/noncetracker"
	"coc-node/internal/signer"
	"coc-node/internal/stablejson"
	"coc-node/internal/types"
)

// AuthEnvelope is the `_auth` envelope every POST body may carry (spec.md
// §4.8): `{senderId, timestampMs, nonce, signature}`.
type AuthEnvelope struct {
	SenderID    string `json:"senderId"`
	TimestampMs int64  `json:"timestampMs"`
	Nonce       string `json:"nonce"`
	Signature   string `json:"signature"` // 0x-hex, 65 bytes
}

// maxClockSkewMs is the replay-window tolerance for envelope timestamps
// (spec.md §4.8: "clock skew > 120 s ... -> 401").
const maxClockSkewMs = 120_000

// authError is returned by verifyEnvelope; the caller maps it to a 401.
type authError struct{ reason string }

func (e *authError) Error() string { return "p2p: auth: " + e.reason }

// payloadHashHex computes the keccak-256 of the stable-JSON encoding of
// body with `_auth` removed (spec.md §4.2: payloadHash is "the keccak-256
// of a stable JSON encoding").
func payloadHashHex(rawBody []byte) (string, error) {
	var generic map[string]interface{}
	if len(rawBody) > 0 {
		if err := json.Unmarshal(rawBody, &generic); err != nil {
			return "", fmt.Errorf("p2p: decode body for auth: %w", err)
		}
	}
	delete(generic, "_auth")
	digest, err := stablejson.Hash(generic)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(digest[:]), nil
}

// verifyEnvelope enforces spec.md §4.8 step 5 for one request: invalid
// envelope fields, wrong signature, excessive clock skew, or a replayed
// (senderId,nonce) pair all fail with an *authError.
func verifyEnvelope(path string, rawBody []byte, auth *AuthEnvelope, nowMs int64, nonces *noncetracker.Tracker) error {
	if auth == nil {
		return &authError{"missing envelope"}
	}
	if auth.SenderID == "" || auth.Nonce == "" || auth.Signature == "" {
		return &authError{"incomplete envelope"}
	}
	skew := nowMs - auth.TimestampMs
	if skew < 0 {
		skew = -skew
	}
	if skew > maxClockSkewMs {
		return &authError{"clock skew too large"}
	}
	senderAddr, err := types.AddressFromHex(auth.SenderID)
	if err != nil {
		return &authError{"invalid senderId"}
	}
	sig, err := hexDecodeSig(auth.Signature)
	if err != nil {
		return &authError{"invalid signature encoding"}
	}
	ph, err := payloadHashHex(rawBody)
	if err != nil {
		return &authError{"invalid payload"}
	}
	msg := signer.P2PEnvelopeMessage(path, auth.SenderID, auth.TimestampMs, auth.Nonce, ph)
	if !signer.Verify(senderAddr, msg, sig) {
		return &authError{"signature mismatch"}
	}
	fingerprint := auth.SenderID + ":" + auth.Nonce
	fresh, err := nonces.Consume(fingerprint, nowMs)
	if err != nil {
		return fmt.Errorf("p2p: nonce tracker: %w", err)
	}
	if !fresh {
		return &authError{"replayed nonce"}
	}
	return nil
}

func hexDecodeSig(s string) ([]byte, error) {
	if len(s) >= 2 && s[0:2] == "0x" {
		s = s[2:]
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, err
	}
	if len(b) != 65 {
		return nil, fmt.Errorf("signature must be 65 bytes")
	}
	return b, nil
}

func nowMs() int64 { return time.Now().UnixMilli() }
