package types

import (
	"math/big"
	"testing"
)

func TestComputeBlockHashDeterministic(t *testing.T) {
	b := &ChainBlock{
		Number:           1,
		ParentHash:       ZeroHash,
		Proposer:         BytesToAddress([]byte("proposer-1")),
		TimestampMs:      0,
		Txs:              [][]byte{[]byte("tx-a"), []byte("tx-b")},
		BaseFee:          big.NewInt(1),
		CumulativeWeight: big.NewInt(1),
	}
	h1, err := ComputeBlockHash(b)
	if err != nil {
		t.Fatalf("ComputeBlockHash: %v", err)
	}
	h2, err := ComputeBlockHash(b)
	if err != nil {
		t.Fatalf("ComputeBlockHash: %v", err)
	}
	if h1 != h2 {
		t.Fatalf("hash not deterministic: %s != %s", h1.Hex(), h2.Hex())
	}
}

func TestComputeBlockHashExcludesStateRootAndSig(t *testing.T) {
	base := &ChainBlock{
		Number:           2,
		ParentHash:       BytesToHash([]byte("parent")),
		Proposer:         BytesToAddress([]byte("proposer-2")),
		TimestampMs:      1000,
		BaseFee:          big.NewInt(2),
		CumulativeWeight: big.NewInt(2),
	}
	h1, err := ComputeBlockHash(base)
	if err != nil {
		t.Fatal(err)
	}

	withRoot := *base
	withRoot.StateRoot = BytesToHash([]byte("some-state-root"))
	withRoot.ProposerSig = []byte("some-signature-bytes")
	h2, err := ComputeBlockHash(&withRoot)
	if err != nil {
		t.Fatal(err)
	}
	if h1 != h2 {
		t.Fatalf("stateRoot/signature must not affect hash: %s != %s", h1.Hex(), h2.Hex())
	}
}

func TestComputeBlockHashChangesWithFields(t *testing.T) {
	b1 := &ChainBlock{Number: 1, ParentHash: ZeroHash, Proposer: BytesToAddress([]byte("p")), TimestampMs: 0}
	b2 := &ChainBlock{Number: 2, ParentHash: ZeroHash, Proposer: BytesToAddress([]byte("p")), TimestampMs: 0}
	h1, _ := ComputeBlockHash(b1)
	h2, _ := ComputeBlockHash(b2)
	if h1 == h2 {
		t.Fatal("different block numbers must hash differently")
	}
}

func TestHashHexRoundTrip(t *testing.T) {
	h := BytesToHash([]byte("hello world this is more than 32 bytes of input data"))
	parsed, err := HashFromHex(h.Hex())
	if err != nil {
		t.Fatalf("HashFromHex: %v", err)
	}
	if parsed != h {
		t.Fatalf("round trip mismatch: %s != %s", parsed.Hex(), h.Hex())
	}
}

func TestAddressHexRoundTrip(t *testing.T) {
	a := BytesToAddress([]byte("0123456789abcdefghij"))
	parsed, err := AddressFromHex(a.Hex())
	if err != nil {
		t.Fatalf("AddressFromHex: %v", err)
	}
	if parsed != a {
		t.Fatalf("round trip mismatch: %s != %s", parsed.Hex(), a.Hex())
	}
}

func TestMempoolTxEffectivePrice(t *testing.T) {
	tx := &MempoolTx{
		MaxFeePerGas:         big.NewInt(5),
		MaxPriorityFeePerGas: big.NewInt(2),
	}
	baseFee := big.NewInt(2)
	// baseFee + tip = 4, below maxFee 5, so effective price is 4.
	if got := tx.EffectivePrice(baseFee); got.Cmp(big.NewInt(4)) != 0 {
		t.Fatalf("expected 4, got %s", got)
	}

	tx2 := &MempoolTx{MaxFeePerGas: big.NewInt(3), MaxPriorityFeePerGas: big.NewInt(2)}
	// baseFee + tip = 4, above maxFee 3, so capped at 3.
	if got := tx2.EffectivePrice(baseFee); got.Cmp(big.NewInt(3)) != 0 {
		t.Fatalf("expected capped 3, got %s", got)
	}

	legacy := &MempoolTx{GasPrice: big.NewInt(7)}
	if got := legacy.EffectivePrice(baseFee); got.Cmp(big.NewInt(7)) != 0 {
		t.Fatalf("legacy tx should ignore baseFee, got %s", got)
	}
}
