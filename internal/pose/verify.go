package pose

import (
	"encoding/hex"
	"fmt"
	"time"

	"coc-node/internal/signer"
	"coc-node/internal/stablejson"
	"coc-node/internal/trie"
	"coc-node/internal/types"
)

// uptimeTolerance bounds how far a claimed block number may drift from the
// challenger's own view of the latest L1 height (spec.md §4.11 step 7:
// "uptime = block number within tolerance").
const uptimeTolerance = 3

// relayLatencyTolerance bounds how far a relay witness's responseAtMs may
// be from the challenge's issue time (spec.md §4.11 step 7:
// "relay latency within 5 min").
const relayLatencyTolerance = 5 * time.Minute

// StorageRootSource resolves the expected storage merkle root for a node
// when a storage challenge did not pin one (spec.md §9 Open Question: "the
// source accepts either a pinned or an inferred root"). ok is false when no
// root is known for nodeID, in which case the receipt is rejected.
type StorageRootSource func(nodeID string) (root types.Hash, ok bool)

// VerifyReceipt checks a Receipt against the Challenge it answers:
// challenger signature, node signature, and the type-specific result check
// (spec.md §4.11 step 7). latestL1Height is this node's own best-effort
// view, used for the uptime check. storageRoot resolves the expected root
// for a storage challenge that did not pin one; it may be nil, in which
// case unpinned storage challenges are rejected.
func VerifyReceipt(challenge *types.Challenge, receipt *types.Receipt, latestL1Height uint64, storageRoot StorageRootSource) (bool, string) {
	if receipt.ChallengeID != challenge.ChallengeID || receipt.NodeID != challenge.NodeID {
		return false, "receipt does not match challenge"
	}

	challengerAddr, err := types.AddressFromHex(challenge.ChallengerID)
	if err != nil {
		return false, "invalid challenger id"
	}
	challengeMsg := signer.PoSeChallengeMessage(challenge.ChallengeID, challenge.EpochID, challenge.NodeID)
	if !signer.Verify(challengerAddr, challengeMsg, challenge.ChallengerSig) {
		return false, "invalid challenger signature"
	}

	nodeAddr, err := types.AddressFromHex(receipt.NodeID)
	if err != nil {
		return false, "invalid node id"
	}
	bodyHash, err := stablejson.Hash(receipt.ResponseBody)
	if err != nil {
		return false, "unhashable response body"
	}
	receiptMsg := signer.PoSeReceiptMessage(challenge.ChallengeID, receipt.NodeID, hex.EncodeToString(bodyHash[:]), receipt.ResponseAtMs)
	if !signer.Verify(nodeAddr, receiptMsg, receipt.NodeSig) {
		return false, "invalid node signature"
	}

	switch challenge.Type {
	case types.ChallengeUptime:
		return verifyUptime(receipt, latestL1Height)
	case types.ChallengeStorage:
		return verifyStorage(challenge, receipt, storageRoot)
	case types.ChallengeRelay:
		return verifyRelay(challenge, receipt)
	default:
		return false, fmt.Sprintf("unknown challenge type %q", challenge.Type)
	}
}

func verifyUptime(receipt *types.Receipt, latestL1Height uint64) (bool, string) {
	claimed, ok := asUint64(receipt.ResponseBody["blockNumber"])
	if !ok {
		return false, "missing blockNumber"
	}
	var delta uint64
	if claimed > latestL1Height {
		delta = claimed - latestL1Height
	} else {
		delta = latestL1Height - claimed
	}
	if delta > uptimeTolerance {
		return false, "block number outside tolerance"
	}
	return true, ""
}

func verifyStorage(challenge *types.Challenge, receipt *types.Receipt, storageRoot StorageRootSource) (bool, string) {
	expectedRoot := challenge.PinnedRoot
	if expectedRoot == nil {
		if storageRoot == nil {
			return false, "challenge has no pinned root and no root source configured"
		}
		root, ok := storageRoot(challenge.NodeID)
		if !ok {
			return false, "no inferred root known for node"
		}
		expectedRoot = &root
	}
	leafHex, ok := receipt.ResponseBody["leaf"].(string)
	if !ok {
		return false, "missing leaf"
	}
	index, ok := asUint64(receipt.ResponseBody["chunkIndex"])
	if !ok {
		return false, "missing chunkIndex"
	}
	pathRaw, ok := receipt.ResponseBody["merklePath"].([]interface{})
	if !ok {
		return false, "missing merklePath"
	}
	leafBytes, err := hex.DecodeString(trimHex(leafHex))
	if err != nil || len(leafBytes) != 32 {
		return false, "malformed leaf"
	}
	var leaf [32]byte
	copy(leaf[:], leafBytes)

	path := make([][32]byte, 0, len(pathRaw))
	for _, entry := range pathRaw {
		s, ok := entry.(string)
		if !ok {
			return false, "malformed merklePath entry"
		}
		b, err := hex.DecodeString(trimHex(s))
		if err != nil || len(b) != 32 {
			return false, "malformed merklePath entry"
		}
		var node [32]byte
		copy(node[:], b)
		path = append(path, node)
	}
	if !trie.VerifyMerklePath(leaf, path, int(index), *expectedRoot) {
		return false, "merkle path does not reconstruct pinned root"
	}
	return true, ""
}

func verifyRelay(challenge *types.Challenge, receipt *types.Receipt) (bool, string) {
	witness, ok := receipt.ResponseBody["witness"].(map[string]interface{})
	if !ok {
		return false, "missing witness"
	}
	routeTag, _ := witness["routeTag"].(string)
	witnessChallengeID, _ := witness["challengeId"].(string)
	relayer, _ := witness["relayer"].(string)
	witnessSig, _ := witness["signature"].(string)
	witnessAtMs, okAt := asInt64(witness["responseAtMs"])
	if routeTag == "" || relayer == "" || witnessSig == "" {
		return false, "incomplete witness"
	}
	if witnessChallengeID != challenge.ChallengeID {
		return false, "witness challenge id mismatch"
	}
	if !okAt || witnessAtMs != receipt.ResponseAtMs {
		return false, "witness responseAtMs mismatch"
	}

	relayerAddr, err := types.AddressFromHex(relayer)
	if err != nil {
		return false, "invalid relayer id"
	}
	sigBytes, err := hex.DecodeString(trimHex(witnessSig))
	if err != nil {
		return false, "malformed witness signature"
	}
	msg := signer.PoSeRelayWitnessMessage(routeTag, witnessChallengeID, relayer, witnessAtMs)
	if !signer.Verify(relayerAddr, msg, sigBytes) {
		return false, "invalid witness signature"
	}

	delta := time.Duration(absInt64(witnessAtMs-challenge.IssuedAtMs)) * time.Millisecond
	if delta > relayLatencyTolerance {
		return false, "relay latency outside tolerance"
	}
	return true, ""
}

func trimHex(s string) string {
	if len(s) >= 2 && s[0:2] == "0x" {
		return s[2:]
	}
	return s
}

func asUint64(v interface{}) (uint64, bool) {
	switch n := v.(type) {
	case float64:
		return uint64(n), true
	case int64:
		return uint64(n), true
	case int:
		return uint64(n), true
	default:
		return 0, false
	}
}

func asInt64(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case float64:
		return int64(n), true
	case int64:
		return n, true
	case int:
		return int64(n), true
	default:
		return 0, false
	}
}

func absInt64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
