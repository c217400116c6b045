package stablejson

import (
	"encoding/json"
	"math/big"
	"testing"
)

func TestMarshalSortsKeysRecursively(t *testing.T) {
	a := map[string]interface{}{
		"zeta":  1,
		"alpha": map[string]interface{}{"b": 2, "a": 1},
	}
	out, err := Marshal(a)
	if err != nil {
		t.Fatal(err)
	}
	if string(out) != `{"alpha":{"a":1,"b":2},"zeta":1}` {
		t.Fatalf("unexpected stable encoding: %s", out)
	}
}

func TestMarshalIsOrderIndependent(t *testing.T) {
	m1 := map[string]interface{}{"a": 1, "b": 2, "c": 3}
	m2 := map[string]interface{}{"c": 3, "b": 2, "a": 1}
	out1, _ := Marshal(m1)
	out2, _ := Marshal(m2)
	if string(out1) != string(out2) {
		t.Fatalf("expected identical output regardless of map construction order: %s vs %s", out1, out2)
	}
}

func TestMarshalBigIntAsDecimalString(t *testing.T) {
	v := struct {
		Amount *big.Int `json:"amount"`
	}{Amount: big.NewInt(123456789)}
	out, err := Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	var generic map[string]interface{}
	if err := json.Unmarshal(out, &generic); err != nil {
		t.Fatal(err)
	}
	if generic["amount"] != "123456789" {
		t.Fatalf("expected bigint rendered as decimal string, got %v (%T)", generic["amount"], generic["amount"])
	}
}

func TestHashDeterministic(t *testing.T) {
	v := map[string]interface{}{"x": 1, "y": "two"}
	h1, err := Hash(v)
	if err != nil {
		t.Fatal(err)
	}
	h2, err := Hash(v)
	if err != nil {
		t.Fatal(err)
	}
	if h1 != h2 {
		t.Fatal("expected Hash to be deterministic for the same logical value")
	}
}

func TestKeccak256KnownVector(t *testing.T) {
	// keccak256("") per the Ethereum/legacy-Keccak test vector.
	want := "c5d2460186f7233c927e7db2dcc703c0e500b653ca82273b7bfad8045d85a470"
	got := Keccak256([]byte{})
	if hexEncode(got[:]) != want {
		t.Fatalf("expected keccak256('')=%s, got %s", want, hexEncode(got[:]))
	}
}

func hexEncode(b []byte) string {
	const hexchars = "0123456789abcdef"
	out := make([]byte, len(b)*2)
	for i, c := range b {
		out[i*2] = hexchars[c>>4]
		out[i*2+1] = hexchars[c&0x0f]
	}
	return string(out)
}
