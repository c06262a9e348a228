package core

import (
	"math/big"

	"github.com/eth2030/blockpipe/core/types"
	"github.com/eth2030/blockpipe/params"
)

// GasPerBlob is the blob gas consumed by one blob (EIP-4844).
const GasPerBlob = 1 << 17

// BlobScheduleEntry holds the blob parameters of a fork.
type BlobScheduleEntry struct {
	Target                uint64 // target blobs per block
	Max                   uint64 // maximum blobs per block
	BaseFeeUpdateFraction uint64
}

// Blob schedules per fork.
var (
	// EIP-4844.
	CancunBlobSchedule = BlobScheduleEntry{Target: 3, Max: 6, BaseFeeUpdateFraction: 3338477}
	// EIP-7691.
	PragueBlobSchedule = BlobScheduleEntry{Target: 6, Max: 9, BaseFeeUpdateFraction: 5007716}
)

// BlobScheduleAt returns the schedule in force for a block with timestamp
// time. Before Cancun the result is the zero entry.
func BlobScheduleAt(config *params.ChainConfig, number, time uint64) BlobScheduleEntry {
	spec := config.SpecForBlock(number, time)
	switch {
	case spec.IsPrague:
		return PragueBlobSchedule
	case spec.IsCancun:
		return CancunBlobSchedule
	default:
		return BlobScheduleEntry{}
	}
}

// CalcExcessBlobGas computes the excess blob gas of the child of parent
// with timestamp time. A parent without blob fields counts as zero.
func CalcExcessBlobGas(config *params.ChainConfig, parent *types.Header, time uint64) uint64 {
	var excess, used uint64
	if parent.ExcessBlobGas != nil {
		excess = *parent.ExcessBlobGas
	}
	if parent.BlobGasUsed != nil {
		used = *parent.BlobGasUsed
	}
	target := BlobScheduleAt(config, parent.Number.Uint64()+1, time).Target * GasPerBlob
	if excess+used < target {
		return 0
	}
	return excess + used - target
}

// CalcBlobFee returns the blob base fee of header.
func CalcBlobFee(config *params.ChainConfig, header *types.Header) *big.Int {
	if header.ExcessBlobGas == nil {
		return nil
	}
	schedule := BlobScheduleAt(config, header.Number.Uint64(), header.Time)
	if schedule.BaseFeeUpdateFraction == 0 {
		return nil
	}
	return fakeExponential(
		big.NewInt(1),
		new(big.Int).SetUint64(*header.ExcessBlobGas),
		new(big.Int).SetUint64(schedule.BaseFeeUpdateFraction),
	)
}

// fakeExponential approximates factor * e ** (numerator / denominator)
// using a Taylor expansion.
func fakeExponential(factor, numerator, denominator *big.Int) *big.Int {
	var (
		output = new(big.Int)
		accum  = new(big.Int).Mul(factor, denominator)
	)
	for i := 1; accum.Sign() > 0; i++ {
		output.Add(output, accum)

		accum.Mul(accum, numerator)
		accum.Div(accum, denominator)
		accum.Div(accum, big.NewInt(int64(i)))
	}
	return output.Div(output, denominator)
}
