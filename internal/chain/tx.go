package chain

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"

	"coc-node/internal/evm"
	"coc-node/internal/signer"
	"coc-node/internal/stablejson"
	"coc-node/internal/types"
)

// RawTx is the signed transaction envelope coc-node exchanges over gossip
// and persists in raw form (spec.md §3 MempoolTx: "Created when a raw
// signed tx is admitted"). It is a plain stable-JSON envelope rather than
// RLP: the spec only requires EIP-1559 fee semantics and Ethereum-style
// addressing, not byte-for-byte Ethereum tx encoding, and the pack gives no
// grounding for a specific wire codec beyond "UTF-8 JSON ... bigints as
// decimal strings" (spec.md §6).
type RawTx struct {
	ChainID              int64         `json:"chainId"`
	Nonce                uint64        `json:"nonce"`
	To                   *types.Address `json:"to,omitempty"`
	Value                *big.Int      `json:"value"`
	Data                 []byte        `json:"data,omitempty"`
	GasLimit             uint64        `json:"gasLimit"`
	GasPrice             *big.Int      `json:"gasPrice,omitempty"`
	MaxFeePerGas         *big.Int      `json:"maxFeePerGas,omitempty"`
	MaxPriorityFeePerGas *big.Int      `json:"maxPriorityFeePerGas,omitempty"`
	Sig                  []byte        `json:"-"`
}

// signingPayload is the preimage RawTx.Sig signs over (everything but the
// signature itself).
type signingPayload struct {
	ChainID              int64    `json:"chainId"`
	Nonce                uint64   `json:"nonce"`
	To                   string   `json:"to,omitempty"`
	Value                *big.Int `json:"value"`
	Data                 string   `json:"data,omitempty"`
	GasLimit             uint64   `json:"gasLimit"`
	GasPrice             *big.Int `json:"gasPrice,omitempty"`
	MaxFeePerGas         *big.Int `json:"maxFeePerGas,omitempty"`
	MaxPriorityFeePerGas *big.Int `json:"maxPriorityFeePerGas,omitempty"`
}

func (tx *RawTx) payload() signingPayload {
	p := signingPayload{
		ChainID: tx.ChainID, Nonce: tx.Nonce, Value: tx.Value, GasLimit: tx.GasLimit,
		GasPrice: tx.GasPrice, MaxFeePerGas: tx.MaxFeePerGas, MaxPriorityFeePerGas: tx.MaxPriorityFeePerGas,
	}
	if tx.To != nil {
		p.To = tx.To.Hex()
	}
	if len(tx.Data) > 0 {
		p.Data = "0x" + fmt.Sprintf("%x", tx.Data)
	}
	return p
}

// wireTx is the on-the-wire JSON envelope: payload fields plus the 0x-hex
// signature.
type wireTx struct {
	ChainID              int64   `json:"chainId"`
	Nonce                uint64  `json:"nonce"`
	To                   string  `json:"to,omitempty"`
	Value                string  `json:"value"`
	Data                 string  `json:"data,omitempty"`
	GasLimit             uint64  `json:"gasLimit"`
	GasPrice             string  `json:"gasPrice,omitempty"`
	MaxFeePerGas         string  `json:"maxFeePerGas,omitempty"`
	MaxPriorityFeePerGas string  `json:"maxPriorityFeePerGas,omitempty"`
	Sig                  string  `json:"sig"`
}

// Encode serializes tx into its raw gossip/storage form: sign with s first.
func Encode(tx *RawTx, s *signer.Signer) ([]byte, error) {
	payload, err := stablejson.Marshal(tx.payload())
	if err != nil {
		return nil, err
	}
	sig, err := s.SignBytes(payload)
	if err != nil {
		return nil, err
	}
	tx.Sig = sig
	w := wireTx{
		ChainID: tx.ChainID, Nonce: tx.Nonce, Value: bigStr(tx.Value),
		GasLimit: tx.GasLimit, GasPrice: bigStrOpt(tx.GasPrice),
		MaxFeePerGas: bigStrOpt(tx.MaxFeePerGas), MaxPriorityFeePerGas: bigStrOpt(tx.MaxPriorityFeePerGas),
		Sig: "0x" + fmt.Sprintf("%x", sig),
	}
	if tx.To != nil {
		w.To = tx.To.Hex()
	}
	if len(tx.Data) > 0 {
		w.Data = "0x" + fmt.Sprintf("%x", tx.Data)
	}
	return json.Marshal(w)
}

func bigStr(b *big.Int) string {
	if b == nil {
		return "0"
	}
	return b.String()
}

func bigStrOpt(b *big.Int) string {
	if b == nil {
		return ""
	}
	return b.String()
}

// TxDecoder implements mempool.Decoder: decode raw bytes, verify the
// signature and chainId, and recover the sender address (spec.md §4.3 step
// 1: "Decode and validate the raw tx; reject if chainId != configured").
type TxDecoder struct {
	ChainID int64
}

func (d TxDecoder) Decode(raw []byte) (*types.MempoolTx, error) {
	var w wireTx
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, fmt.Errorf("chain: decode tx: %w", err)
	}
	if w.ChainID != d.ChainID {
		return nil, fmt.Errorf("chain: wrong chainId")
	}
	tx := &RawTx{ChainID: w.ChainID, Nonce: w.Nonce, GasLimit: w.GasLimit}
	if w.To != "" {
		to, err := types.AddressFromHex(w.To)
		if err != nil {
			return nil, fmt.Errorf("chain: invalid to address: %w", err)
		}
		tx.To = &to
	}
	value, ok := new(big.Int).SetString(w.Value, 10)
	if !ok {
		return nil, fmt.Errorf("chain: invalid value")
	}
	tx.Value = value
	if w.Data != "" {
		data, err := hexDecode(w.Data)
		if err != nil {
			return nil, err
		}
		tx.Data = data
	}
	if w.GasPrice != "" {
		gp, ok := new(big.Int).SetString(w.GasPrice, 10)
		if !ok {
			return nil, fmt.Errorf("chain: invalid gasPrice")
		}
		tx.GasPrice = gp
	}
	if w.MaxFeePerGas != "" {
		mf, ok := new(big.Int).SetString(w.MaxFeePerGas, 10)
		if !ok {
			return nil, fmt.Errorf("chain: invalid maxFeePerGas")
		}
		tx.MaxFeePerGas = mf
	}
	if w.MaxPriorityFeePerGas != "" {
		mp, ok := new(big.Int).SetString(w.MaxPriorityFeePerGas, 10)
		if !ok {
			return nil, fmt.Errorf("chain: invalid maxPriorityFeePerGas")
		}
		tx.MaxPriorityFeePerGas = mp
	}
	sig, err := hexDecode(w.Sig)
	if err != nil {
		return nil, fmt.Errorf("chain: invalid sig: %w", err)
	}
	if tx.GasPrice == nil && tx.MaxFeePerGas == nil {
		return nil, fmt.Errorf("chain: tx must set gasPrice or maxFeePerGas")
	}

	payload, err := stablejson.Marshal(tx.payload())
	if err != nil {
		return nil, err
	}
	sender, err := signer.RecoverAddressBytes(payload, sig)
	if err != nil {
		return nil, fmt.Errorf("chain: recover sender: %w", err)
	}

	hash := types.Hash(stablejson.Keccak256(raw))
	return &types.MempoolTx{
		Hash: hash, Raw: raw, Sender: sender, Nonce: tx.Nonce,
		GasPrice: tx.GasPrice, MaxFeePerGas: tx.MaxFeePerGas,
		MaxPriorityFeePerGas: tx.MaxPriorityFeePerGas, GasLimit: tx.GasLimit,
	}, nil
}

// DecodeExec turns raw bytes into the minimal view evm.Executor needs.
func DecodeExec(raw []byte) (evm.DecodedTx, types.Address, error) {
	var w wireTx
	if err := json.Unmarshal(raw, &w); err != nil {
		return evm.DecodedTx{}, types.Address{}, err
	}
	var to *types.Address
	if w.To != "" {
		t, err := types.AddressFromHex(w.To)
		if err != nil {
			return evm.DecodedTx{}, types.Address{}, err
		}
		to = &t
	}
	value, _ := new(big.Int).SetString(w.Value, 10)
	var data []byte
	if w.Data != "" {
		data, _ = hexDecode(w.Data)
	}
	sig, err := hexDecode(w.Sig)
	if err != nil {
		return evm.DecodedTx{}, types.Address{}, err
	}
	tx := &RawTx{ChainID: w.ChainID, Nonce: w.Nonce, To: to, Value: value, Data: data, GasLimit: w.GasLimit}
	if w.GasPrice != "" {
		tx.GasPrice, _ = new(big.Int).SetString(w.GasPrice, 10)
	}
	if w.MaxFeePerGas != "" {
		tx.MaxFeePerGas, _ = new(big.Int).SetString(w.MaxFeePerGas, 10)
	}
	if w.MaxPriorityFeePerGas != "" {
		tx.MaxPriorityFeePerGas, _ = new(big.Int).SetString(w.MaxPriorityFeePerGas, 10)
	}
	payload, err := stablejson.Marshal(tx.payload())
	if err != nil {
		return evm.DecodedTx{}, types.Address{}, err
	}
	sender, err := signer.RecoverAddressBytes(payload, sig)
	if err != nil {
		return evm.DecodedTx{}, types.Address{}, err
	}
	hash := types.Hash(stablejson.Keccak256(raw))
	return evm.DecodedTx{Hash: hash, From: sender, To: to, Value: value, Data: data, GasLimit: w.GasLimit, Nonce: w.Nonce}, sender, nil
}

func hexDecode(s string) ([]byte, error) {
	if len(s) >= 2 && s[0:2] == "0x" {
		s = s[2:]
	}
	if s == "" {
		return nil, nil
	}
	return hex.DecodeString(s)
}
