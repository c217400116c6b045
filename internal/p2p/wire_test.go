package p2p

import (
	"encoding/json"
	"math/big"
	"testing"

	"coc-node/internal/types"
)

func sampleBlock() *types.ChainBlock {
	return &types.ChainBlock{
		Number: 7, Hash: types.BytesToHash([]byte("hash")), ParentHash: types.BytesToHash([]byte("parent")),
		Proposer: types.BytesToAddress([]byte("proposer")), TimestampMs: 123456,
		Txs: [][]byte{[]byte{0xde, 0xad}, []byte{0xbe, 0xef}},
		BaseFee: big.NewInt(17), GasUsed: 42000, CumulativeWeight: big.NewInt(99),
		StateRoot: types.BytesToHash([]byte("state")), BftFinalized: true, Finalized: false,
		ProposerSig: []byte{1, 2, 3, 4, 5},
	}
}

// TestBlockWireRoundTrip covers spec.md §6's gossip wire format law: a
// ChainBlock survives toBlockWire -> JSON -> fromBlockWire unchanged.
func TestBlockWireRoundTrip(t *testing.T) {
	b := sampleBlock()
	raw, err := json.Marshal(toBlockWire(b))
	if err != nil {
		t.Fatal(err)
	}
	var w blockWire
	if err := json.Unmarshal(raw, &w); err != nil {
		t.Fatal(err)
	}
	got, err := fromBlockWire(w)
	if err != nil {
		t.Fatal(err)
	}
	if got.Number != b.Number || got.Hash != b.Hash || got.ParentHash != b.ParentHash ||
		got.Proposer != b.Proposer || got.TimestampMs != b.TimestampMs ||
		got.BaseFee.Cmp(b.BaseFee) != 0 || got.GasUsed != b.GasUsed ||
		got.CumulativeWeight.Cmp(b.CumulativeWeight) != 0 || got.StateRoot != b.StateRoot ||
		got.BftFinalized != b.BftFinalized || got.Finalized != b.Finalized {
		t.Fatalf("round trip mismatch: %+v != %+v", got, b)
	}
	if len(got.Txs) != len(b.Txs) {
		t.Fatalf("expected %d txs, got %d", len(b.Txs), len(got.Txs))
	}
	for i := range b.Txs {
		if string(got.Txs[i]) != string(b.Txs[i]) {
			t.Fatalf("tx %d mismatch: %x != %x", i, got.Txs[i], b.Txs[i])
		}
	}
	if string(got.ProposerSig) != string(b.ProposerSig) {
		t.Fatal("proposer signature mismatch after round trip")
	}
}

func TestMarshalBlocksProducesDecodableWireList(t *testing.T) {
	blocks := []*types.ChainBlock{sampleBlock(), sampleBlock()}
	raw, err := marshalBlocks(blocks)
	if err != nil {
		t.Fatal(err)
	}
	var decoded struct {
		Blocks []blockWire `json:"blocks"`
	}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatal(err)
	}
	if len(decoded.Blocks) != 2 {
		t.Fatalf("expected 2 wire blocks, got %d", len(decoded.Blocks))
	}
}
