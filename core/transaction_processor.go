package core

import (
	"errors"
	"fmt"
	"math"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"

	"github.com/eth2030/blockpipe/core/state"
	"github.com/eth2030/blockpipe/core/types"
	"github.com/eth2030/blockpipe/params"
)

// Transaction validity errors. A transaction failing with one of these
// cannot be included in a block.
var (
	ErrNonceTooLow        = errors.New("nonce too low")
	ErrNonceTooHigh       = errors.New("nonce too high")
	ErrNonceMax           = errors.New("nonce has max value")
	ErrInsufficientFunds  = errors.New("insufficient funds for gas * price + value")
	ErrIntrinsicGas       = errors.New("intrinsic gas too low")
	ErrFeeCapTooLow       = errors.New("gas price below base fee")
	ErrGasUintOverflow    = errors.New("gas uint64 overflow")
	ErrValueOverflow      = errors.New("value exceeds 256 bits")
	ErrSenderNotRecovered = errors.New("sender not recoverable")
)

// Execution failures. The transaction is included, its effects reverted.
var (
	ErrOutOfGas                 = errors.New("out of gas")
	ErrContractAddressCollision = errors.New("contract address collision")
)

// CreateDataGas is charged per byte of deployed code.
const CreateDataGas uint64 = 200

// BlockExecutionContext carries the block-level inputs of execution.
type BlockExecutionContext struct {
	Header *types.Header
	Spec   *params.Spec
	// GetHash resolves BLOCKHASH queries. It may be nil.
	GetHash func(number uint64) common.Hash
}

// TransactionProcessor applies a single transaction to a world state. It
// must be deterministic given the state, the transaction and the block
// context. A returned error means the transaction is invalid and left no
// trace in the state.
type TransactionProcessor interface {
	SetBlockExecutionContext(ctx BlockExecutionContext)
	Execute(tx *types.Transaction, ws state.WorldStateAccessor, tracer BlockTracer) (*ExecutionResult, error)
}

// IntrinsicGas computes the gas charged before execution starts.
func IntrinsicGas(data []byte, isContractCreation bool) (uint64, error) {
	gas := params.TxGas
	if isContractCreation {
		gas = params.TxGasContractCreation
	}
	if len(data) == 0 {
		return gas, nil
	}
	var nz uint64
	for _, b := range data {
		if b != 0 {
			nz++
		}
	}
	if (math.MaxUint64-gas)/params.TxDataNonZeroGas < nz {
		return 0, ErrGasUintOverflow
	}
	gas += nz * params.TxDataNonZeroGas

	z := uint64(len(data)) - nz
	if (math.MaxUint64-gas)/params.TxDataZeroGas < z {
		return 0, ErrGasUintOverflow
	}
	gas += z * params.TxDataZeroGas
	return gas, nil
}

// TransferProcessor is the reference transaction processor. It performs
// nonce and balance checks, gas purchase and refund, fee payment and value
// transfer. Code is not interpreted: contract creation deploys the init
// data as runtime code, and a call to an account with code runs a fixed
// script:
//
//   - a log is emitted from the callee with the first word of its code as
//     topic and the call data as payload;
//   - 32 bytes of call data are read as a block number and its hash is
//     stored in the slot of the same number;
//   - 64 or more bytes of call data store word 1 into slot word 0.
type TransferProcessor struct {
	signer types.Signer
	ctx    BlockExecutionContext
}

// NewTransferProcessor creates a processor recovering senders with signer.
func NewTransferProcessor(signer types.Signer) *TransferProcessor {
	return &TransferProcessor{signer: signer}
}

func (p *TransferProcessor) SetBlockExecutionContext(ctx BlockExecutionContext) {
	p.ctx = ctx
}

func (p *TransferProcessor) Execute(tx *types.Transaction, ws state.WorldStateAccessor, tracer BlockTracer) (*ExecutionResult, error) {
	header, spec := p.ctx.Header, p.ctx.Spec
	if header == nil || spec == nil {
		return nil, errors.New("block execution context not set")
	}
	from, err := p.signer.Sender(tx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSenderNotRecovered, err)
	}

	// Nonce checks.
	stNonce := ws.GetNonce(from)
	switch {
	case tx.Nonce() < stNonce:
		return nil, fmt.Errorf("%w: address %v, tx: %d state: %d", ErrNonceTooLow, from, tx.Nonce(), stNonce)
	case tx.Nonce() > stNonce:
		return nil, fmt.Errorf("%w: address %v, tx: %d state: %d", ErrNonceTooHigh, from, tx.Nonce(), stNonce)
	case stNonce == math.MaxUint64:
		return nil, fmt.Errorf("%w: address %v", ErrNonceMax, from)
	}

	gasPrice, overflow := uint256.FromBig(tx.GasPrice())
	if overflow {
		return nil, ErrValueOverflow
	}
	value, overflow := uint256.FromBig(tx.Value())
	if overflow {
		return nil, ErrValueOverflow
	}
	var baseFee *uint256.Int
	if spec.IsLondon && header.BaseFee != nil {
		baseFee, _ = uint256.FromBig(header.BaseFee)
		if gasPrice.Lt(baseFee) {
			return nil, fmt.Errorf("%w: address %v, gasPrice: %s baseFee: %s", ErrFeeCapTooLow, from, gasPrice, baseFee)
		}
	}

	isCreate := tx.To() == nil
	intrinsic, err := IntrinsicGas(tx.Data(), isCreate)
	if err != nil {
		return nil, err
	}
	if tx.Gas() < intrinsic {
		return nil, fmt.Errorf("%w: have %d, want %d", ErrIntrinsicGas, tx.Gas(), intrinsic)
	}

	// Balance check covers the full gas allowance plus value.
	gasCost := new(uint256.Int).Mul(gasPrice, uint256.NewInt(tx.Gas()))
	total, overflow := new(uint256.Int).AddOverflow(gasCost, value)
	if overflow {
		return nil, ErrValueOverflow
	}
	if balance := ws.GetBalance(from); balance.Lt(total) {
		return nil, fmt.Errorf("%w: address %v have %v want %v", ErrInsufficientFunds, from, balance, total)
	}

	// Buy gas and bump the nonce. These survive an execution failure.
	ws.SubBalance(from, gasCost)
	ws.SetNonce(from, stNonce+1)

	result := &ExecutionResult{}
	snap := ws.TakeSnapshot()
	used, execErr := p.run(ws, tx, from, stNonce, value, intrinsic, result)
	if execErr != nil {
		if err := ws.Restore(snap); err != nil {
			return nil, err
		}
		result.Logs = nil
		result.Err = execErr
		used = tx.Gas()
	}
	result.UsedGas = used

	// Refund leftover gas and pay the beneficiary.
	if left := tx.Gas() - used; left > 0 {
		ws.AddBalance(from, new(uint256.Int).Mul(gasPrice, uint256.NewInt(left)))
	}
	tip := new(uint256.Int).Set(gasPrice)
	if baseFee != nil {
		tip.Sub(tip, baseFee)
	}
	ws.AddBalance(header.Beneficiary(), new(uint256.Int).Mul(tip, uint256.NewInt(used)))

	ws.Commit(spec)
	return result, nil
}

// run applies the transaction body and returns the gas consumed.
func (p *TransferProcessor) run(ws state.WorldStateAccessor, tx *types.Transaction, from common.Address, nonce uint64, value *uint256.Int, gas uint64, result *ExecutionResult) (uint64, error) {
	data := tx.Data()
	limit := tx.Gas()
	charge := func(amount uint64) error {
		if limit-gas < amount {
			return ErrOutOfGas
		}
		gas += amount
		return nil
	}

	if tx.To() == nil {
		addr := crypto.CreateAddress(from, nonce)
		if hash := ws.GetCodeHash(addr); ws.GetNonce(addr) != 0 || (hash != (common.Hash{}) && hash != types.EmptyCodeHash) {
			return limit, ErrContractAddressCollision
		}
		ws.CreateAccount(addr)
		if p.ctx.Spec.IsEIP158 {
			ws.SetNonce(addr, 1)
		}
		ws.SubBalance(from, value)
		ws.AddBalance(addr, value)
		if err := charge(CreateDataGas * uint64(len(data))); err != nil {
			return limit, err
		}
		ws.SetCode(addr, data)
		result.ContractAddress = addr
		return gas, nil
	}

	to := *tx.To()
	ws.SubBalance(from, value)
	ws.AddBalance(to, value)

	code := ws.GetCode(to)
	if len(code) == 0 {
		return gas, nil
	}
	if err := charge(params.LogGas + params.LogTopicGas + params.LogDataGas*uint64(len(data))); err != nil {
		return limit, err
	}
	var topic common.Hash
	copy(topic[:], code)
	result.Logs = append(result.Logs, &types.Log{Address: to, Topics: []common.Hash{topic}, Data: data})

	switch {
	case len(data) == common.HashLength:
		number := new(big.Int).SetBytes(data)
		if !number.IsUint64() || p.ctx.GetHash == nil {
			break
		}
		if err := charge(params.SstoreSetGas); err != nil {
			return limit, err
		}
		ws.SetState(to, common.BytesToHash(data), p.ctx.GetHash(number.Uint64()))
	case len(data) >= 2*common.HashLength:
		if err := charge(params.SstoreSetGas); err != nil {
			return limit, err
		}
		ws.SetState(to, common.BytesToHash(data[:32]), common.BytesToHash(data[32:64]))
	}
	return gas, nil
}
