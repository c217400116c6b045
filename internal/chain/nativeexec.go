package chain

import (
	"math/big"

	"coc-node/internal/evm"
)

// nativeTransferExecutor is the engine's default evm.Executor: it settles
// plain value transfers and bumps the sender nonce, and is used whenever no
// external EVM executor is wired in. It never interprets contract bytecode
// — CREATE/CALL with non-empty data simply fail with a non-fatal revert, so
// the engine has a working collaborator to exercise end to end without
// reaching into the out-of-scope EVM itself.
type nativeTransferExecutor struct{}

const intrinsicGas = 21_000

func (nativeTransferExecutor) Execute(state evm.StateWriter, tx evm.DecodedTx, blockNumber uint64, timestampMs int64, baseFee *big.Int) (evm.ExecResult, error) {
	if len(tx.Data) > 0 {
		state.IncrementNonce(tx.From)
		return evm.ExecResult{GasUsed: intrinsicGas, Status: false}, nil
	}
	if tx.To == nil {
		state.IncrementNonce(tx.From)
		return evm.ExecResult{GasUsed: intrinsicGas, Status: false}, nil
	}
	value := tx.Value
	if value == nil {
		value = big.NewInt(0)
	}
	state.AddBalance(tx.From, new(big.Int).Neg(value))
	state.AddBalance(*tx.To, value)
	state.IncrementNonce(tx.From)
	return evm.ExecResult{GasUsed: intrinsicGas, Status: true}, nil
}
