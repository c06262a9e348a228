package core

import (
	"github.com/eth2030/blockpipe/core/state"
	"github.com/eth2030/blockpipe/core/types"
	"github.com/eth2030/blockpipe/params"
)

// ExecutionRequestsProcessor collects the EIP-7685 requests of a block:
// deposits from logs, withdrawal and consolidation requests from the
// system contract queues.
type ExecutionRequestsProcessor struct {
	ws state.WorldStateAccessor
}

// NewExecutionRequestsProcessor creates a processor over ws.
func NewExecutionRequestsProcessor(ws state.WorldStateAccessor) *ExecutionRequestsProcessor {
	return &ExecutionRequestsProcessor{ws: ws}
}

// ProcessExecutionRequests returns the typed request lists of the block.
// Empty lists are omitted. It returns nil before Prague.
func (p *ExecutionRequestsProcessor) ProcessExecutionRequests(receipts []*types.Receipt, spec *params.Spec) (types.Requests, error) {
	if !spec.IsPrague {
		return nil, nil
	}
	requests := make(types.Requests, 0, 3)
	add := func(typ byte, data []byte) {
		if len(data) == 0 {
			return
		}
		requests = append(requests, append([]byte{typ}, data...))
	}

	deposits, err := ParseDepositRequests(receipts, spec.DepositContractAddress)
	if err != nil {
		return nil, err
	}
	add(types.DepositRequestType, deposits)
	add(types.WithdrawalRequestType, WithdrawalRequestQueue(spec.WithdrawalRequestAddress).Dequeue(p.ws))
	add(types.ConsolidationRequestType, ConsolidationRequestQueue(spec.ConsolidationRequestAddress).Dequeue(p.ws))
	return requests, nil
}
