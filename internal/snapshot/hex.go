package snapshot

import (
	"encoding/hex"
	"math/big"
)

func hexEncode(b []byte) string { return "0x" + hex.EncodeToString(b) }

func hexDecode(s string) ([]byte, error) {
	if len(s) >= 2 && s[0:2] == "0x" {
		s = s[2:]
	}
	if s == "" {
		return nil, nil
	}
	return hex.DecodeString(s)
}

func newBigFromDecimal(s string) (*big.Int, bool) {
	if s == "" {
		return big.NewInt(0), true
	}
	return new(big.Int).SetString(s, 10)
}
