package core

import (
	"math/big"

	"github.com/eth2030/blockpipe/core/types"
	"github.com/eth2030/blockpipe/params"
)

// EIP-1559 parameters.
const (
	ElasticityMultiplier     = 2
	BaseFeeChangeDenominator = 8
)

// CalcBaseFee derives the base fee of the child of parent. The first London
// block starts at params.InitialBaseFee.
func CalcBaseFee(config *params.ChainConfig, parent *types.Header) *big.Int {
	number := parent.Number.Uint64()
	spec := config.SpecForBlock(number, parent.Time)
	if !spec.IsLondon || parent.BaseFee == nil {
		return big.NewInt(params.InitialBaseFee)
	}

	target := parent.GasLimit / ElasticityMultiplier
	if target == 0 || parent.GasUsed == target {
		return new(big.Int).Set(parent.BaseFee)
	}
	var (
		num   = new(big.Int)
		denom = new(big.Int).SetUint64(target * BaseFeeChangeDenominator)
	)
	if parent.GasUsed > target {
		num.SetUint64(parent.GasUsed - target)
		num.Mul(num, parent.BaseFee)
		num.Div(num, denom)
		if num.Sign() == 0 {
			num.SetUint64(1)
		}
		return num.Add(parent.BaseFee, num)
	}
	num.SetUint64(target - parent.GasUsed)
	num.Mul(num, parent.BaseFee)
	num.Div(num, denom)
	fee := num.Sub(parent.BaseFee, num)
	if fee.Sign() < 0 {
		fee.SetUint64(0)
	}
	return fee
}

// CalcGasLimit moves parentGasLimit towards desired by less than the
// 1/1024 bound per block.
func CalcGasLimit(parentGasLimit, desired uint64) uint64 {
	delta := parentGasLimit/params.GasLimitBoundDivisor - 1
	limit := parentGasLimit
	if desired < params.MinGasLimit {
		desired = params.MinGasLimit
	}
	switch {
	case limit < desired:
		limit = min(parentGasLimit+delta, desired)
	case limit > desired:
		limit = max(parentGasLimit-delta, desired)
	}
	return limit
}
