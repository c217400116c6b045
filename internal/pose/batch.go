package pose

import (
	"coc-node/internal/stablejson"
	"coc-node/internal/trie"
	"coc-node/internal/types"
)

// SampleSize is the default number of merkle proofs included in a batch
// sample (spec.md §4.11 step 10, §6 agent_sample_size).
const SampleSize = 2

// BuildBatch rolls verified receipts into a single submittable unit: a
// merkle root over every receipt, a summary hash, and a sample of merkle
// proofs (spec.md §4.11 step 10). receipts must be non-empty.
func BuildBatch(epochID uint64, receipts []verifiedReceipt, sampleSize int) (types.Batch, error) {
	if sampleSize <= 0 {
		sampleSize = SampleSize
	}
	leaves := make([][32]byte, len(receipts))
	for i, r := range receipts {
		leaf, err := receiptLeaf(r)
		if err != nil {
			return types.Batch{}, err
		}
		leaves[i] = leaf
	}
	root := trie.MerkleRoot(leaves)

	summaryDigest, err := stablejson.Hash(struct {
		EpochID uint64     `json:"epochId"`
		Root    types.Hash `json:"root"`
		Count   int        `json:"count"`
	}{EpochID: epochID, Root: root, Count: len(receipts)})
	if err != nil {
		return types.Batch{}, err
	}

	n := sampleSize
	if n > len(leaves) {
		n = len(leaves)
	}
	samples := make([][]types.Hash, 0, n)
	for i := 0; i < n; i++ {
		path, err := trie.MerklePath(leaves, i)
		if err != nil {
			return types.Batch{}, err
		}
		hashPath := make([]types.Hash, len(path))
		for j, p := range path {
			hashPath[j] = types.Hash(p)
		}
		samples = append(samples, hashPath)
	}

	return types.Batch{
		EpochID:      epochID,
		MerkleRoot:   root,
		SummaryHash:  types.Hash(summaryDigest),
		SampleProofs: samples,
	}, nil
}

func receiptLeaf(r verifiedReceipt) ([32]byte, error) {
	return stablejson.Hash(struct {
		ChallengeID string `json:"challengeId"`
		NodeID      string `json:"nodeId"`
		Type        string `json:"type"`
	}{ChallengeID: r.Challenge.ChallengeID, NodeID: r.Receipt.NodeID, Type: string(r.Challenge.Type)})
}
