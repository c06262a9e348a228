package core

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/eth2030/blockpipe/core/types"
	"github.com/eth2030/blockpipe/params"
)

func TestCalcBaseFee(t *testing.T) {
	config := params.PreMergeConfig(testChainID)
	parent := func(used uint64, baseFee int64) *types.Header {
		return &types.Header{
			Number:   big.NewInt(10),
			GasLimit: 30_000_000,
			GasUsed:  used,
			BaseFee:  big.NewInt(baseFee),
		}
	}
	tests := []struct {
		name   string
		parent *types.Header
		want   int64
	}{
		{"at target", parent(15_000_000, params.GWei), params.GWei},
		{"full block", parent(30_000_000, params.GWei), 1_125_000_000},
		{"empty block", parent(0, params.GWei), 875_000_000},
		{"minimum increase", parent(15_000_001, 1), 2},
		{"no parent base fee", &types.Header{Number: big.NewInt(10), GasLimit: 30_000_000}, params.InitialBaseFee},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, big.NewInt(tt.want), CalcBaseFee(config, tt.parent))
		})
	}
}

func TestCalcBaseFeeDoesNotAliasParent(t *testing.T) {
	parent := &types.Header{Number: big.NewInt(1), GasLimit: 30_000_000, GasUsed: 15_000_000, BaseFee: big.NewInt(7)}
	fee := CalcBaseFee(params.PreMergeConfig(testChainID), parent)
	fee.SetInt64(100)
	assert.Equal(t, int64(7), parent.BaseFee.Int64())
}

func TestCalcGasLimit(t *testing.T) {
	const parent = 30_000_000
	delta := uint64(parent/params.GasLimitBoundDivisor - 1)

	assert.Equal(t, uint64(parent), CalcGasLimit(parent, parent))
	assert.Equal(t, parent+delta, CalcGasLimit(parent, 40_000_000))
	assert.Equal(t, uint64(parent+10), CalcGasLimit(parent, parent+10))
	assert.Equal(t, parent-delta, CalcGasLimit(parent, 1000))
	assert.Equal(t, uint64(params.MinGasLimit), CalcGasLimit(params.MinGasLimit+1, 0))

	// Every step stays within the bound the validator enforces.
	limit := uint64(parent)
	for i := 0; i < 10; i++ {
		next := CalcGasLimit(limit, 60_000_000)
		assert.NoError(t, verifyGasLimit(limit, next))
		limit = next
	}
}
