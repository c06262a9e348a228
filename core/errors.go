package core

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/eth2030/blockpipe/core/types"
)

// Processing errors. Everything except ErrCancelled, ErrUnknownParent and
// ErrMissingParentState marks the failing block as bad.
var (
	// ErrCancelled is returned when a tracer or token aborts processing.
	// The block itself is not at fault and may be retried.
	ErrCancelled = errors.New("processing cancelled")

	ErrInvalidStateRoot    = errors.New("invalid state root")
	ErrInvalidReceiptsRoot = errors.New("invalid receipts root")
	ErrInvalidLogsBloom    = errors.New("invalid logs bloom")
	ErrInvalidGasUsed      = errors.New("invalid gas used")
	ErrInvalidRequestsHash = errors.New("invalid requests hash")

	// ErrGasLimitExceeded is returned when a transaction would push the
	// cumulative gas of a block past its gas limit.
	ErrGasLimitExceeded = errors.New("block gas limit exceeded")

	// ErrTxRejected is returned when the transaction filter refuses a
	// transaction of a block under validation.
	ErrTxRejected = errors.New("transaction rejected by filter")

	ErrUnknownParent      = errors.New("unknown parent")
	ErrMissingParentState = errors.New("missing parent state")

	// ErrLevelCorruption is returned by the startup fixer when persisted
	// chain levels disagree with the stored blocks.
	ErrLevelCorruption = errors.New("chain level corruption")

	ErrKnownBadBlock    = errors.New("known bad block")
	ErrProcessorStopped = errors.New("blockchain processor stopped")
)

// BlockError reports why a block was rejected.
type BlockError struct {
	Hash   common.Hash
	Number uint64
	Reason string
	Err    error
}

func newBlockError(block *types.Block, reason string, err error) *BlockError {
	return &BlockError{Hash: block.Hash(), Number: block.NumberU64(), Reason: reason, Err: err}
}

func (e *BlockError) Error() string {
	return fmt.Sprintf("block %d (%x) %s: %v", e.Number, e.Hash[:8], e.Reason, e.Err)
}

func (e *BlockError) Unwrap() error { return e.Err }

// isRetryable reports whether a failed block can be processed again later.
func isRetryable(err error) bool {
	return errors.Is(err, ErrCancelled) || errors.Is(err, ErrMissingParentState) || errors.Is(err, ErrUnknownParent)
}
