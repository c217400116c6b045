package chain

import "math/big"

// nextBaseFee applies the EIP-1559 base-fee update (spec.md §4.4:
// "computes the new baseFee from parent via EIP-1559 update"): the target
// is half the block gas limit, and the fee moves by at most 1/8 of the
// parent base fee in proportion to how far gasUsed diverged from target.
func nextBaseFee(parentBaseFee *big.Int, parentGasUsed, gasLimit uint64) *big.Int {
	if parentBaseFee == nil || parentBaseFee.Sign() == 0 {
		parentBaseFee = big.NewInt(1)
	}
	target := gasLimit / 2
	if target == 0 {
		return new(big.Int).Set(parentBaseFee)
	}

	if parentGasUsed == target {
		return new(big.Int).Set(parentBaseFee)
	}

	const denom = 8
	if parentGasUsed > target {
		delta := parentGasUsed - target
		change := new(big.Int).Mul(parentBaseFee, big.NewInt(int64(delta)))
		change.Div(change, big.NewInt(int64(target)))
		change.Div(change, big.NewInt(denom))
		if change.Sign() == 0 {
			change.SetInt64(1)
		}
		return new(big.Int).Add(parentBaseFee, change)
	}

	delta := target - parentGasUsed
	change := new(big.Int).Mul(parentBaseFee, big.NewInt(int64(delta)))
	change.Div(change, big.NewInt(int64(target)))
	change.Div(change, big.NewInt(denom))
	next := new(big.Int).Sub(parentBaseFee, change)
	if next.Sign() < 0 {
		next = big.NewInt(0)
	}
	return next
}
