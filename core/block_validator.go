package core

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/eth2030/blockpipe/core/types"
	"github.com/eth2030/blockpipe/params"
)

// Block validation errors.
var (
	ErrInvalidNumber       = errors.New("invalid block number")
	ErrInvalidGasLimit     = errors.New("invalid gas limit")
	ErrInvalidTimestamp    = errors.New("timestamp not greater than parent")
	ErrExtraDataTooLong    = errors.New("extra data too long")
	ErrInvalidDifficulty   = errors.New("invalid difficulty")
	ErrInvalidUncleHash    = errors.New("invalid uncle hash")
	ErrInvalidTxRoot       = errors.New("invalid transactions root")
	ErrInvalidWithdrawals  = errors.New("invalid withdrawals")
	ErrInvalidPostMergeFld = errors.New("invalid post-merge header field")
	ErrInvalidBlobGas      = errors.New("invalid blob gas fields")
)

// MaxGasLimit is the largest gas limit a header may declare.
const MaxGasLimit uint64 = 1<<63 - 1

// BlockValidator checks blocks before and after execution.
type BlockValidator interface {
	// ValidateSuggestedBlock runs the structural checks that need no state.
	ValidateSuggestedBlock(block *types.Block) error
	// ValidateHeader checks header against its parent.
	ValidateHeader(header, parent *types.Header) error
	// ValidateProcessedBlock compares the header computed by execution with
	// the one the block declared.
	ValidateProcessedBlock(processed *types.Header, suggested *types.Block, receipts []*types.Receipt) error
}

// Validator is the consensus BlockValidator.
type Validator struct {
	config *params.ChainConfig
	finder HeaderFinder
}

var _ BlockValidator = (*Validator)(nil)

// NewBlockValidator creates a validator. finder may be nil, in which case
// suggested blocks are not checked against their parents.
func NewBlockValidator(config *params.ChainConfig, finder HeaderFinder) *Validator {
	return &Validator{config: config, finder: finder}
}

func (v *Validator) ValidateSuggestedBlock(block *types.Block) error {
	header := block.Header()
	spec := v.config.SpecForBlock(block.NumberU64(), block.Time())

	if len(header.Extra) > params.MaximumExtraDataSize {
		return fmt.Errorf("%w: %d > %d", ErrExtraDataTooLong, len(header.Extra), params.MaximumExtraDataSize)
	}
	if header.GasUsed > header.GasLimit {
		return fmt.Errorf("%w: %d > %d", ErrInvalidGasUsed, header.GasUsed, header.GasLimit)
	}
	if hash := types.DeriveSha(block.Transactions()); hash != header.TxHash {
		return fmt.Errorf("%w: have %x, want %x", ErrInvalidTxRoot, hash, header.TxHash)
	}
	if hash := types.CalcUncleHash(block.Uncles()); hash != header.UncleHash {
		return fmt.Errorf("%w: have %x, want %x", ErrInvalidUncleHash, hash, header.UncleHash)
	}

	// Withdrawals exist from Shanghai on and only then.
	switch {
	case spec.IsShanghai && header.WithdrawalsHash == nil:
		return fmt.Errorf("%w: missing withdrawals root", ErrInvalidWithdrawals)
	case !spec.IsShanghai && header.WithdrawalsHash != nil:
		return fmt.Errorf("%w: withdrawals root before shanghai", ErrInvalidWithdrawals)
	case spec.IsShanghai:
		if hash := types.DeriveSha(block.Withdrawals()); hash != *header.WithdrawalsHash {
			return fmt.Errorf("%w: have %x, want %x", ErrInvalidWithdrawals, hash, *header.WithdrawalsHash)
		}
	}

	if spec.IsMerge {
		if err := verifyPostMerge(header); err != nil {
			return err
		}
	}

	if v.finder != nil && !block.IsGenesis() {
		if parent := v.finder.FindParentHeader(header); parent != nil {
			return v.ValidateHeader(header, parent)
		}
	}
	return nil
}

func (v *Validator) ValidateHeader(header, parent *types.Header) error {
	// Verify parent hash matches.
	if header.ParentHash != parent.Hash() {
		return fmt.Errorf("%w: want %x, got %x", ErrUnknownParent, parent.Hash(), header.ParentHash)
	}

	// Verify block number = parent number + 1.
	expected := new(big.Int).Add(parent.Number, big.NewInt(1))
	if header.Number.Cmp(expected) != 0 {
		return fmt.Errorf("%w: want %v, got %v", ErrInvalidNumber, expected, header.Number)
	}

	if header.Time <= parent.Time {
		return fmt.Errorf("%w: child %d <= parent %d", ErrInvalidTimestamp, header.Time, parent.Time)
	}
	if len(header.Extra) > params.MaximumExtraDataSize {
		return fmt.Errorf("%w: %d > %d", ErrExtraDataTooLong, len(header.Extra), params.MaximumExtraDataSize)
	}
	if err := verifyGasLimit(parent.GasLimit, header.GasLimit); err != nil {
		return err
	}
	if header.GasUsed > header.GasLimit {
		return fmt.Errorf("%w: %d > %d", ErrInvalidGasUsed, header.GasUsed, header.GasLimit)
	}
	if err := v.verifyBlobGas(header, parent); err != nil {
		return err
	}
	if v.config.IsMerge(header.Number.Uint64()) {
		return verifyPostMerge(header)
	}
	if header.Difficulty == nil || header.Difficulty.Sign() <= 0 {
		return fmt.Errorf("%w: pre-merge block with difficulty %v", ErrInvalidDifficulty, header.Difficulty)
	}
	return nil
}

func (v *Validator) ValidateProcessedBlock(processed *types.Header, suggested *types.Block, receipts []*types.Receipt) error {
	want := suggested.Header()
	if processed.GasUsed != want.GasUsed {
		return fmt.Errorf("%w: have %d, want %d", ErrInvalidGasUsed, processed.GasUsed, want.GasUsed)
	}
	if processed.Bloom != want.Bloom {
		return fmt.Errorf("%w: have %x, want %x", ErrInvalidLogsBloom, processed.Bloom.Bytes()[:8], want.Bloom.Bytes()[:8])
	}
	if processed.ReceiptHash != want.ReceiptHash {
		return fmt.Errorf("%w: have %x, want %x (%d receipts)", ErrInvalidReceiptsRoot, processed.ReceiptHash, want.ReceiptHash, len(receipts))
	}
	if processed.Root != want.Root {
		return fmt.Errorf("%w: have %x, want %x", ErrInvalidStateRoot, processed.Root, want.Root)
	}
	switch {
	case processed.RequestsHash == nil && want.RequestsHash == nil:
	case processed.RequestsHash == nil || want.RequestsHash == nil || *processed.RequestsHash != *want.RequestsHash:
		return fmt.Errorf("%w: have %v, want %v", ErrInvalidRequestsHash, processed.RequestsHash, want.RequestsHash)
	}
	return nil
}

// AlwaysValid accepts everything. It is used when validation is done
// elsewhere.
type AlwaysValid struct{}

func (AlwaysValid) ValidateSuggestedBlock(*types.Block) error { return nil }
func (AlwaysValid) ValidateHeader(_, _ *types.Header) error     { return nil }
func (AlwaysValid) ValidateProcessedBlock(*types.Header, *types.Block, []*types.Receipt) error {
	return nil
}

// verifyGasLimit checks that the gas limit change is within bounds.
func verifyGasLimit(parentGasLimit, headerGasLimit uint64) error {
	if headerGasLimit < params.MinGasLimit {
		return fmt.Errorf("%w: %d < minimum %d", ErrInvalidGasLimit, headerGasLimit, params.MinGasLimit)
	}
	if headerGasLimit > MaxGasLimit {
		return fmt.Errorf("%w: %d > maximum %d", ErrInvalidGasLimit, headerGasLimit, MaxGasLimit)
	}
	// Gas limit can change by at most 1/1024 per block.
	var diff uint64
	if headerGasLimit < parentGasLimit {
		diff = parentGasLimit - headerGasLimit
	} else {
		diff = headerGasLimit - parentGasLimit
	}
	if limit := parentGasLimit / params.GasLimitBoundDivisor; diff >= limit && diff != 0 {
		return fmt.Errorf("%w: change %d exceeds limit %d", ErrInvalidGasLimit, diff, limit)
	}
	return nil
}

// verifyBlobGas checks the EIP-4844 header fields against the parent.
func (v *Validator) verifyBlobGas(header, parent *types.Header) error {
	spec := v.config.SpecForBlock(header.Number.Uint64(), header.Time)
	if !spec.IsCancun {
		if header.BlobGasUsed != nil || header.ExcessBlobGas != nil {
			return fmt.Errorf("%w: blob fields before cancun", ErrInvalidBlobGas)
		}
		return nil
	}
	if header.BlobGasUsed == nil || header.ExcessBlobGas == nil {
		return fmt.Errorf("%w: missing blob fields", ErrInvalidBlobGas)
	}
	schedule := BlobScheduleAt(v.config, header.Number.Uint64(), header.Time)
	if limit := schedule.Max * GasPerBlob; *header.BlobGasUsed > limit {
		return fmt.Errorf("%w: blob gas used %d > %d", ErrInvalidBlobGas, *header.BlobGasUsed, limit)
	}
	if want := CalcExcessBlobGas(v.config, parent, header.Time); *header.ExcessBlobGas != want {
		return fmt.Errorf("%w: excess blob gas %d, want %d", ErrInvalidBlobGas, *header.ExcessBlobGas, want)
	}
	return nil
}

// verifyPostMerge checks the fields fixed by proof of stake.
func verifyPostMerge(header *types.Header) error {
	if header.Difficulty != nil && header.Difficulty.Sign() != 0 {
		return fmt.Errorf("%w: difficulty %v", ErrInvalidPostMergeFld, header.Difficulty)
	}
	if header.Nonce != (types.BlockNonce{}) {
		return fmt.Errorf("%w: nonce %x", ErrInvalidPostMergeFld, header.Nonce)
	}
	if header.UncleHash != types.EmptyUncleHash {
		return fmt.Errorf("%w: uncle hash %x", ErrInvalidPostMergeFld, header.UncleHash)
	}
	return nil
}
