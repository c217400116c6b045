package p2p

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"

	"coc-node/internal/types"
)

// blockWire is the gossip wire encoding of a ChainBlock (spec.md §6: "all
// gossip payloads are UTF-8 JSON with bigints rendered as decimal
// strings"), mirroring internal/storage's storedBlock shape so the same
// block round-trips identically whether it travels over disk or the wire.
type blockWire struct {
	Number           uint64   `json:"number"`
	Hash             string   `json:"hash"`
	ParentHash       string   `json:"parentHash"`
	Proposer         string   `json:"proposer"`
	TimestampMs      int64    `json:"timestampMs"`
	Txs              []string `json:"txs"`
	BaseFee          string   `json:"baseFee"`
	GasUsed          uint64   `json:"gasUsed"`
	CumulativeWeight string   `json:"cumulativeWeight"`
	StateRoot        string   `json:"stateRoot"`
	BftFinalized     bool     `json:"bftFinalized"`
	Finalized        bool     `json:"finalized"`
	ProposerSig      string   `json:"proposerSig,omitempty"`
}

func toBlockWire(b *types.ChainBlock) blockWire {
	txs := make([]string, len(b.Txs))
	for i, t := range b.Txs {
		txs[i] = "0x" + hex.EncodeToString(t)
	}
	baseFee := "0"
	if b.BaseFee != nil {
		baseFee = b.BaseFee.String()
	}
	weight := "0"
	if b.CumulativeWeight != nil {
		weight = b.CumulativeWeight.String()
	}
	sig := ""
	if len(b.ProposerSig) > 0 {
		sig = "0x" + hex.EncodeToString(b.ProposerSig)
	}
	return blockWire{
		Number: b.Number, Hash: b.Hash.Hex(), ParentHash: b.ParentHash.Hex(),
		Proposer: b.Proposer.Hex(), TimestampMs: b.TimestampMs, Txs: txs,
		BaseFee: baseFee, GasUsed: b.GasUsed, CumulativeWeight: weight,
		StateRoot: b.StateRoot.Hex(), BftFinalized: b.BftFinalized,
		Finalized: b.Finalized, ProposerSig: sig,
	}
}

func fromBlockWire(w blockWire) (*types.ChainBlock, error) {
	hash, err := types.HashFromHex(w.Hash)
	if err != nil {
		return nil, fmt.Errorf("p2p: wire block: hash: %w", err)
	}
	parent, err := types.HashFromHex(w.ParentHash)
	if err != nil {
		return nil, fmt.Errorf("p2p: wire block: parentHash: %w", err)
	}
	proposer, err := types.AddressFromHex(w.Proposer)
	if err != nil {
		return nil, fmt.Errorf("p2p: wire block: proposer: %w", err)
	}
	stateRoot, _ := types.HashFromHex(w.StateRoot)
	txs := make([][]byte, len(w.Txs))
	for i, t := range w.Txs {
		b, err := wireHexDecode(t)
		if err != nil {
			return nil, fmt.Errorf("p2p: wire block: tx %d: %w", i, err)
		}
		txs[i] = b
	}
	baseFee, ok := new(big.Int).SetString(w.BaseFee, 10)
	if !ok {
		baseFee = big.NewInt(0)
	}
	weight, ok := new(big.Int).SetString(w.CumulativeWeight, 10)
	if !ok {
		weight = big.NewInt(0)
	}
	var sig []byte
	if w.ProposerSig != "" {
		sig, err = wireHexDecode(w.ProposerSig)
		if err != nil {
			return nil, fmt.Errorf("p2p: wire block: proposerSig: %w", err)
		}
	}
	return &types.ChainBlock{
		Number: w.Number, Hash: hash, ParentHash: parent, Proposer: proposer,
		TimestampMs: w.TimestampMs, Txs: txs, BaseFee: baseFee, GasUsed: w.GasUsed,
		CumulativeWeight: weight, StateRoot: stateRoot, BftFinalized: w.BftFinalized,
		Finalized: w.Finalized, ProposerSig: sig,
	}, nil
}

func wireHexDecode(s string) ([]byte, error) {
	if len(s) >= 2 && s[0:2] == "0x" {
		s = s[2:]
	}
	if s == "" {
		return nil, nil
	}
	return hex.DecodeString(s)
}

func marshalBlocks(blocks []*types.ChainBlock) ([]byte, error) {
	wires := make([]blockWire, len(blocks))
	for i, b := range blocks {
		wires[i] = toBlockWire(b)
	}
	return json.Marshal(struct {
		Blocks []blockWire `json:"blocks"`
	}{Blocks: wires})
}
