package core

import (
	"github.com/holiman/uint256"

	"github.com/eth2030/blockpipe/core/state"
	"github.com/eth2030/blockpipe/core/types"
	"github.com/eth2030/blockpipe/params"
)

// WithdrawalProcessor credits EIP-4895 withdrawals after the transactions
// of a block.
type WithdrawalProcessor struct {
	ws state.WorldStateAccessor
}

// NewWithdrawalProcessor creates a processor crediting ws.
func NewWithdrawalProcessor(ws state.WorldStateAccessor) *WithdrawalProcessor {
	return &WithdrawalProcessor{ws: ws}
}

// ProcessWithdrawals credits each withdrawal amount, converted from gwei.
func (p *WithdrawalProcessor) ProcessWithdrawals(block *types.Block, spec *params.Spec) {
	if !spec.IsShanghai {
		return
	}
	gwei := uint256.NewInt(params.GWei)
	for _, w := range block.Withdrawals() {
		amount := new(uint256.Int).Mul(uint256.NewInt(w.Amount), gwei)
		p.ws.AddBalance(w.Address, amount)
	}
}
