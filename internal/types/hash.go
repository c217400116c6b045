package types

import (
	"encoding/hex"
	"math/big"

	"coc-node/internal/stablejson"
)

// blockPreimage is the exact field set hashed into a block's identity
// (spec.md §3: "hash = H(number, parentHash, proposer, timestampMs, txs,
// baseFee?, cumulativeWeight?)"). stateRoot and the proposer signature are
// never included.
type blockPreimage struct {
	Number           uint64   `json:"number"`
	ParentHash       string   `json:"parentHash"`
	Proposer         string   `json:"proposer"`
	TimestampMs      int64    `json:"timestampMs"`
	Txs              []string `json:"txs"`
	BaseFee          *big.Int `json:"baseFee,omitempty"`
	CumulativeWeight *big.Int `json:"cumulativeWeight,omitempty"`
}

// ComputeBlockHash derives the canonical hash of a block from its
// hash-relevant fields, ignoring whatever is currently in b.Hash.
func ComputeBlockHash(b *ChainBlock) (Hash, error) {
	txs := make([]string, len(b.Txs))
	for i, raw := range b.Txs {
		txs[i] = "0x" + hex.EncodeToString(raw)
	}
	p := blockPreimage{
		Number:           b.Number,
		ParentHash:       b.ParentHash.Hex(),
		Proposer:         b.Proposer.Hex(),
		TimestampMs:      b.TimestampMs,
		Txs:              txs,
		BaseFee:          b.BaseFee,
		CumulativeWeight: b.CumulativeWeight,
	}
	digest, err := stablejson.Hash(p)
	if err != nil {
		return Hash{}, err
	}
	return Hash(digest), nil
}
