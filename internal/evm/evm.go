// Package evm specifies only the interface the chain engine consumes from
// the external EVM executor (spec.md §1: "the raw EVM executor itself" is
// out of scope; "we specify only the interface the core consumes from
// it"). There is no implementation here by design.
package evm

import (
	"math/big"

	"coc-node/internal/types"
)

// ExecResult is the outcome of executing one transaction.
type ExecResult struct {
	GasUsed    uint64
	Status     bool // true = success
	Logs       []types.IndexedLog
	ContractAddr *types.Address // non-nil for a successful CREATE
	ReturnData []byte
}

// Executor is the external collaborator that actually interprets EVM
// bytecode. The chain engine only ever calls Execute; state commitment
// happens through the StateWriter it is given.
type Executor interface {
	// Execute applies a single decoded transaction against state,
	// returning its result. blockNumber/timestampMs/baseFee give the
	// executor the block context it needs for opcodes like NUMBER,
	// TIMESTAMP, and BASEFEE.
	Execute(state StateWriter, tx DecodedTx, blockNumber uint64, timestampMs int64, baseFee *big.Int) (ExecResult, error)
}

// DecodedTx is the minimal transaction view the executor needs; the
// mempool/chain packages own the concrete decoding.
type DecodedTx struct {
	Hash     types.Hash
	From     types.Address
	To       *types.Address // nil for CREATE
	Value    *big.Int
	Data     []byte
	GasLimit uint64
	Nonce    uint64
}

// StateWriter is the subset of the state trie the executor is allowed to
// mutate; it is implemented by internal/trie.Trie.
type StateWriter interface {
	AddBalance(addr types.Address, delta *big.Int)
	SetBalance(addr types.Address, bal *big.Int)
	IncrementNonce(addr types.Address) uint64
	SetCode(addr types.Address, code []byte) types.Hash
	SetStorage(addr types.Address, key types.Hash, value []byte)
	GetStorage(addr types.Address, key types.Hash) []byte
}
