// Package types defines the core data model shared by every coc-node
// package: hex-encoded hashes and addresses, chain blocks, mempool
// transactions, validators, governance proposals, and the PoSe challenge/
// receipt/batch records.
package types

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
)

// HashLength and AddressLength are fixed per spec: hashes are 32 bytes,
// addresses are 20 bytes.
const (
	HashLength    = 32
	AddressLength = 20
)

// Hash is a 32-byte keccak digest.
type Hash [HashLength]byte

// ZeroHash is the all-zero parent hash used at height 1.
var ZeroHash = Hash{}

// BytesToHash truncates/pads b into a Hash (left-padded, Ethereum style).
func BytesToHash(b []byte) Hash {
	var h Hash
	if len(b) > HashLength {
		b = b[len(b)-HashLength:]
	}
	copy(h[HashLength-len(b):], b)
	return h
}

func (h Hash) Bytes() []byte { return h[:] }

func (h Hash) Hex() string { return "0x" + hex.EncodeToString(h[:]) }

func (h Hash) String() string { return h.Hex() }

func (h Hash) IsZero() bool { return h == ZeroHash }

// HashFromHex parses a 0x-prefixed 32-byte hex string.
func HashFromHex(s string) (Hash, error) {
	b, err := decodeHexPrefixed(s, HashLength)
	if err != nil {
		return Hash{}, err
	}
	var h Hash
	copy(h[:], b)
	return h, nil
}

// MarshalJSON renders a Hash as the 0x-prefixed hex string spec.md §3
// mandates for the "Hex" wire type, rather than Go's default
// array-of-integers encoding for fixed-size byte arrays.
func (h Hash) MarshalJSON() ([]byte, error) {
	return json.Marshal(h.Hex())
}

// UnmarshalJSON accepts a 0x-prefixed hex string, or "" for the zero hash.
func (h *Hash) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if s == "" {
		*h = Hash{}
		return nil
	}
	parsed, err := HashFromHex(s)
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}

// Address is a 20-byte account identifier, always compared/stored lowercase.
type Address [AddressLength]byte

var ZeroAddress = Address{}

func BytesToAddress(b []byte) Address {
	var a Address
	if len(b) > AddressLength {
		b = b[len(b)-AddressLength:]
	}
	copy(a[AddressLength-len(b):], b)
	return a
}

func (a Address) Bytes() []byte { return a[:] }

func (a Address) Hex() string { return "0x" + hex.EncodeToString(a[:]) }

func (a Address) String() string { return a.Hex() }

func (a Address) IsZero() bool { return a == ZeroAddress }

func AddressFromHex(s string) (Address, error) {
	b, err := decodeHexPrefixed(s, AddressLength)
	if err != nil {
		return Address{}, err
	}
	var a Address
	copy(a[:], b)
	return a, nil
}

// MarshalJSON renders an Address as the 0x-prefixed hex string spec.md §3
// mandates for the "Hex" wire type.
func (a Address) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.Hex())
}

// UnmarshalJSON accepts a 0x-prefixed hex string, or "" for the zero address.
func (a *Address) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if s == "" {
		*a = Address{}
		return nil
	}
	parsed, err := AddressFromHex(s)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

func decodeHexPrefixed(s string, wantLen int) ([]byte, error) {
	if len(s) < 2 || s[0:2] != "0x" {
		return nil, fmt.Errorf("hex string must be 0x-prefixed: %q", s)
	}
	b, err := hex.DecodeString(s[2:])
	if err != nil {
		return nil, fmt.Errorf("invalid hex: %w", err)
	}
	if len(b) != wantLen {
		return nil, fmt.Errorf("expected %d bytes, got %d", wantLen, len(b))
	}
	return b, nil
}

// MempoolTx is an admitted pending transaction (spec.md §3).
type MempoolTx struct {
	Hash               Hash
	Raw                []byte
	Sender             Address
	Nonce              uint64
	GasPrice           *big.Int
	MaxFeePerGas       *big.Int
	MaxPriorityFeePerGas *big.Int
	GasLimit           uint64
	ReceivedAt         int64 // unix millis
}

// HasFeeCap reports whether this is an EIP-1559 style tx (as opposed to a
// legacy fixed gasPrice tx).
func (tx *MempoolTx) HasFeeCap() bool {
	return tx.MaxFeePerGas != nil
}

// EffectivePrice computes the effective gas price given a base fee, per
// spec.md §4.3 step 2.
func (tx *MempoolTx) EffectivePrice(baseFee *big.Int) *big.Int {
	if !tx.HasFeeCap() {
		return new(big.Int).Set(tx.GasPrice)
	}
	tip := tx.MaxPriorityFeePerGas
	if tip == nil {
		tip = big.NewInt(0)
	}
	candidate := new(big.Int).Add(baseFee, tip)
	if candidate.Cmp(tx.MaxFeePerGas) > 0 {
		return new(big.Int).Set(tx.MaxFeePerGas)
	}
	return candidate
}

// ChainBlock is the canonical block record (spec.md §3).
type ChainBlock struct {
	Number           uint64
	Hash             Hash
	ParentHash       Hash
	Proposer         Address
	TimestampMs      int64
	Txs              [][]byte
	BaseFee          *big.Int
	GasUsed          uint64
	CumulativeWeight *big.Int
	StateRoot        Hash
	BftFinalized     bool
	Finalized        bool
	ProposerSig      []byte
}

// BlockGasLimit is the protocol block gas limit (spec.md §3).
const BlockGasLimit = 30_000_000

// Validator is a governance-tracked identity (spec.md §3).
type Validator struct {
	ID            string
	Address       Address
	Stake         *big.Int
	JoinedAtEpoch uint64
	Active        bool
	VotingPowerBp uint64 // basis points of total active stake
}

// ProposalType enumerates governance proposal kinds.
type ProposalType string

const (
	ProposalAddValidator    ProposalType = "add_validator"
	ProposalRemoveValidator ProposalType = "remove_validator"
	ProposalUpdateStake     ProposalType = "update_stake"
)

// ProposalStatus enumerates governance proposal lifecycle states.
type ProposalStatus string

const (
	ProposalPending  ProposalStatus = "pending"
	ProposalApproved ProposalStatus = "approved"
	ProposalRejected ProposalStatus = "rejected"
	ProposalExpired  ProposalStatus = "expired"
)

// Proposal is a governance change request (spec.md §3).
type Proposal struct {
	ID             string
	Type           ProposalType
	TargetID       string
	TargetAddress  Address
	TargetStake    *big.Int
	ProposerID     string
	CreatedAtEpoch uint64
	ExpiresAtEpoch uint64
	Votes          map[string]bool // voterID -> approve
	Status         ProposalStatus
}

// IndexedLog mirrors Ethereum event-log semantics (spec.md §3).
type IndexedLog struct {
	Address     Address
	Topics      []Hash
	Data        []byte
	BlockNumber uint64
	BlockHash   Hash
	TxHash      Hash
	TxIndex     uint32
	LogIndex    uint32
}

// TxReceipt mirrors Ethereum receipt semantics (spec.md §3).
type TxReceipt struct {
	TxHash      Hash
	BlockNumber uint64
	BlockHash   Hash
	From        Address
	To          Address
	GasUsed     uint64
	Status      bool
	Logs        []IndexedLog
}

// ChallengeType enumerates PoSe probe kinds (spec.md §3).
type ChallengeType string

const (
	ChallengeUptime  ChallengeType = "U"
	ChallengeStorage ChallengeType = "S"
	ChallengeRelay   ChallengeType = "R"
)

// Challenge is an issued PoSe probe (spec.md §3).
type Challenge struct {
	ChallengeID   string
	EpochID       uint64
	NodeID        string
	Type          ChallengeType
	Nonce         string
	RandSeed      string
	IssuedAtMs    int64
	DeadlineMs    int64
	QuerySpec     map[string]interface{}
	PinnedRoot    *Hash // optional: see DESIGN.md Open Question on storage challenges
	ChallengerID  string
	ChallengerSig []byte
}

// Receipt is the probed node's response to a Challenge (spec.md §3).
type Receipt struct {
	ChallengeID  string
	NodeID       string
	ResponseAtMs int64
	ResponseBody map[string]interface{}
	NodeSig      []byte
}

// Batch rolls up verified receipts into a single on-chain-submittable unit
// (spec.md §3).
type Batch struct {
	EpochID      uint64
	MerkleRoot   Hash
	SummaryHash  Hash
	SampleProofs [][]Hash
}
