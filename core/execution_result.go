package core

import (
	"github.com/ethereum/go-ethereum/common"

	"github.com/eth2030/blockpipe/core/types"
)

// ExecutionResult holds the outcome of a transaction that was included in
// a block, successful or not.
type ExecutionResult struct {
	UsedGas         uint64
	Err             error // execution failure, the transaction is still included
	ReturnData      []byte
	Logs            []*types.Log
	ContractAddress common.Address // set for contract creation
}

// Unwrap returns the execution error, if any.
func (r *ExecutionResult) Unwrap() error {
	return r.Err
}

// Failed returns whether the execution resulted in an error.
func (r *ExecutionResult) Failed() bool {
	return r.Err != nil
}

// Return returns the return data from a successful execution.
func (r *ExecutionResult) Return() []byte {
	if r.Failed() {
		return nil
	}
	return r.ReturnData
}
