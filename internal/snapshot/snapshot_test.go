package snapshot

import (
	"math/big"
	"testing"

	"coc-node/internal/trie"
	"coc-node/internal/types"
)

func addr(b byte) types.Address {
	var a types.Address
	a[19] = b
	return a
}

// TestExportImportRoundTrip covers spec.md §8's round-trip law: serialize
// then deserialize a state snapshot must produce an equal object.
func TestExportImportRoundTrip(t *testing.T) {
	tr := trie.New()
	tr.SetBalance(addr(1), big.NewInt(1000))
	tr.SetNonce(addr(1), 3)
	tr.SetStorage(addr(1), types.BytesToHash([]byte("slot")), []byte("value"))
	codeHash := tr.SetCode(addr(2), []byte{0x60, 0x00, 0x60, 0x00})
	_ = codeHash
	root := tr.Commit()

	blockHash := types.BytesToHash([]byte("block-hash"))
	snap := Export(tr, 42, blockHash, root)

	raw, err := snap.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	got, err := Unmarshal(raw)
	if err != nil {
		t.Fatal(err)
	}
	if got.Version != snap.Version || got.StateRoot != snap.StateRoot || got.BlockHeight != snap.BlockHeight {
		t.Fatalf("round trip mismatch: %+v != %+v", got, snap)
	}
	if len(got.Accounts) != len(snap.Accounts) {
		t.Fatalf("expected %d accounts, got %d", len(snap.Accounts), len(got.Accounts))
	}
}

func TestImportRejectsWrongVersion(t *testing.T) {
	_, err := Unmarshal([]byte(`{"version":2,"blockHeight":0,"accounts":[]}`))
	if err == nil {
		t.Fatal("expected version mismatch to be rejected")
	}
}

func TestImportRejectsExpectedRootMismatch(t *testing.T) {
	src := trie.New()
	src.SetBalance(addr(1), big.NewInt(500))
	root := src.Commit()
	snap := Export(src, 1, types.BytesToHash([]byte("bh")), root)

	dst := trie.New()
	wrongExpected := types.BytesToHash([]byte("not-the-root"))
	if _, err := Import(dst, snap, wrongExpected); err == nil {
		t.Fatal("expected import to reject a mismatched expected root")
	}
}

func TestImportAppliesAccountsAndStorage(t *testing.T) {
	src := trie.New()
	src.SetBalance(addr(1), big.NewInt(777))
	src.SetNonce(addr(1), 5)
	src.SetStorage(addr(1), types.BytesToHash([]byte("k")), []byte("v"))
	root := src.Commit()
	snap := Export(src, 1, types.BytesToHash([]byte("bh")), root)

	dst := trie.New()
	gotRoot, err := Import(dst, snap, root)
	if err != nil {
		t.Fatal(err)
	}
	if gotRoot != root {
		t.Fatalf("expected committed root to match expected, got %s vs %s", gotRoot.Hex(), root.Hex())
	}
	acc := dst.Account(addr(1))
	if acc.Balance.Cmp(big.NewInt(777)) != 0 || acc.Nonce != 5 {
		t.Fatalf("expected imported account state to match source, got %+v", acc)
	}
	if string(dst.GetStorage(addr(1), types.BytesToHash([]byte("k")))) != "v" {
		t.Fatal("expected imported storage slot to match source")
	}
}
