// Package signer implements the EIP-191-style message signing and address
// recovery used for proposer signatures, PoSe challenge/receipt signatures,
// and P2P envelope authentication (spec.md §4.2).
//
// It follows the dispatch-by-algo shape of the teacher's core/security.go
// Sign/Verify pair, but the underlying primitive is secp256k1 + keccak-256
// recovery (Ethereum-style), not Ed25519/BLS, because the spec requires
// deriving a 20-byte address from a (msg, sig) pair.
package signer

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"log"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"

	"coc-node/internal/stablejson"
	"coc-node/internal/types"
)

var sigLogger = log.New(io.Discard, "[signer] ", log.LstdFlags)

// SetLogger lets the caller redirect the package logger, matching the
// teacher's SetSecurityLogger(l) pattern.
func SetLogger(l *log.Logger) { sigLogger = l }

// eip191Prefix applies the Ethereum Signed Message prefix: "\x19Ethereum
// Signed Message:\n" || len(msg) || msg (spec.md §4.2).
func eip191Prefix(msg []byte) []byte {
	prefix := fmt.Sprintf("\x19Ethereum Signed Message:\n%d", len(msg))
	return append([]byte(prefix), msg...)
}

// Signer wraps a single node private key.
type Signer struct {
	priv    *secp256k1.PrivateKey
	nodeID  types.Address
}

// New derives a Signer from a raw 32-byte private key.
func New(priv []byte) (*Signer, error) {
	if len(priv) != 32 {
		return nil, errors.New("signer: private key must be 32 bytes")
	}
	key := secp256k1.PrivKeyFromBytes(priv)
	return &Signer{priv: key, nodeID: addressFromPubKey(key.PubKey())}, nil
}

// Generate creates a new random signer, used by genesis/test tooling.
func Generate() (*Signer, error) {
	var raw [32]byte
	if _, err := io.ReadFull(rand.Reader, raw[:]); err != nil {
		return nil, err
	}
	return New(raw[:])
}

// NodeID is the signer's lowercase 20-byte address.
func (s *Signer) NodeID() types.Address { return s.nodeID }

// signDigest signs an already-computed 32-byte digest. Callers almost
// always want SignMessage instead.
func (s *Signer) signDigest(digest [32]byte) ([]byte, error) {
	sig := ecdsa.SignCompact(s.priv, digest[:], false)
	if len(sig) != 65 {
		return nil, fmt.Errorf("signer: unexpected signature length %d", len(sig))
	}
	// SignCompact returns [recoveryID||R||S]; callers (and go-ethereum
	// style verifiers) expect [R||S||recoveryID].
	out := make([]byte, 65)
	copy(out, sig[1:])
	out[64] = sig[0] - 27
	return out, nil
}

// SignMessage signs msg under the EIP-191 prefix (spec.md §4.2: block
// proposer / PoSe challenge / PoSe receipt / P2P envelope messages all pass
// through here).
func (s *Signer) SignMessage(msg []byte) ([]byte, error) {
	digest := stablejson.Keccak256(eip191Prefix(msg))
	return s.signDigest(digest)
}

// SignBytes signs raw bytes directly without the EIP-191 prefix, for
// internal framing that does not need cross-chain message-signing
// compatibility.
func (s *Signer) SignBytes(data []byte) ([]byte, error) {
	digest := stablejson.Keccak256(data)
	return s.signDigest(digest)
}

func addressFromPubKey(pub *secp256k1.PublicKey) types.Address {
	uncompressed := pub.SerializeUncompressed()[1:] // drop 0x04 prefix
	digest := stablejson.Keccak256(uncompressed)
	return types.BytesToAddress(digest[12:])
}

// RecoverAddress recovers the signer address from a (msg, sig) pair signed
// via SignMessage. sig must be the 65-byte [R||S||V] compact form.
func RecoverAddress(msg, sig []byte) (types.Address, error) {
	digest := stablejson.Keccak256(eip191Prefix(msg))
	return recoverDigest(digest, sig)
}

// RecoverAddressBytes mirrors RecoverAddress for messages signed via
// SignBytes (no EIP-191 prefix).
func RecoverAddressBytes(data, sig []byte) (types.Address, error) {
	digest := stablejson.Keccak256(data)
	return recoverDigest(digest, sig)
}

func recoverDigest(digest [32]byte, sig []byte) (types.Address, error) {
	if len(sig) != 65 {
		return types.Address{}, errors.New("signer: signature must be 65 bytes")
	}
	compact := make([]byte, 65)
	compact[0] = sig[64] + 27
	copy(compact[1:], sig[:64])
	pub, _, err := ecdsa.RecoverCompact(compact, digest[:])
	if err != nil {
		return types.Address{}, fmt.Errorf("signer: recover: %w", err)
	}
	return addressFromPubKey(pub), nil
}

// Verify recovers the signer of (msg, sig) and reports whether it matches
// expected (spec.md §4.2: "returns true iff it matches the expected
// address").
func Verify(expected types.Address, msg, sig []byte) bool {
	got, err := RecoverAddress(msg, sig)
	if err != nil {
		sigLogger.Printf("verify failed: %v", err)
		return false
	}
	return got == expected
}

// VerifyBytes is the SignBytes counterpart of Verify.
func VerifyBytes(expected types.Address, data, sig []byte) bool {
	got, err := RecoverAddressBytes(data, sig)
	if err != nil {
		sigLogger.Printf("verify failed: %v", err)
		return false
	}
	return got == expected
}

// Canonical message builders (spec.md §4.2).

// BlockProposerMessage builds the "block:<hash>" message a proposer signs.
func BlockProposerMessage(hash types.Hash) []byte {
	return []byte("block:" + hash.Hex())
}

// PoSeChallengeMessage builds the PoSe challenge message.
func PoSeChallengeMessage(challengeID string, epochID uint64, nodeID string) []byte {
	return []byte(fmt.Sprintf("pose:challenge:%s:%d:%s", challengeID, epochID, nodeID))
}

// PoSeReceiptMessage builds the PoSe receipt message. responseAtMs is
// optional per spec.md §4.2 ("[ + \":\" + responseAtMs ]"); pass -1 to omit.
func PoSeReceiptMessage(challengeID, nodeID, responseBodyHash string, responseAtMs int64) []byte {
	msg := fmt.Sprintf("pose:receipt:%s:%s:%s", challengeID, nodeID, responseBodyHash)
	if responseAtMs >= 0 {
		msg += fmt.Sprintf(":%d", responseAtMs)
	}
	return []byte(msg)
}

// PoSeRelayWitnessMessage builds the message a relay witness signs to
// attest it observed a challenge/receipt pass through it (spec.md §4.11
// step 7: "witness contains matching routeTag, challengeId, relayer,
// signature").
func PoSeRelayWitnessMessage(routeTag, challengeID, relayer string, responseAtMs int64) []byte {
	return []byte(fmt.Sprintf("pose:relay:%s:%s:%s:%d", routeTag, challengeID, lower(relayer), responseAtMs))
}

// P2PEnvelopeMessage builds the envelope-authentication message.
func P2PEnvelopeMessage(path, senderID string, timestampMs int64, nonce, payloadHash string) []byte {
	return []byte(fmt.Sprintf("p2p:%s:%s:%d:%s:%s", path, senderID, timestampMs, nonce, payloadHash))
}

// P2PIdentityChallengeMessage builds the identity-proof challenge message.
func P2PIdentityChallengeMessage(challenge, nodeID string) []byte {
	return []byte(fmt.Sprintf("p2p:identity:%s:%s", challenge, lower(nodeID)))
}

func lower(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}
