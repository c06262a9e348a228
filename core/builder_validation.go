package core

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/holiman/uint256"

	"github.com/eth2030/blockpipe/core/state"
	"github.com/eth2030/blockpipe/core/types"
	blscrypto "github.com/eth2030/blockpipe/crypto"
	"github.com/eth2030/blockpipe/log"
	"github.com/eth2030/blockpipe/params"
)

// Builder submission errors.
var (
	ErrBidMismatch          = errors.New("bid trace does not match block")
	ErrBidSignature         = errors.New("invalid builder signature")
	ErrBlobsBundle          = errors.New("invalid blobs bundle")
	ErrProposerPayment      = errors.New("proposer payment too low")
	ErrRegisteredGasLimit   = errors.New("gas limit does not follow registration")
	ErrSubmissionParentGone = errors.New("submission parent unknown or pruned")
)

// BidTrace is the builder's signed claim about a submitted block.
type BidTrace struct {
	Slot                 uint64
	ParentHash           common.Hash
	BlockHash            common.Hash
	BuilderPubkey        []byte
	ProposerPubkey       []byte
	ProposerFeeRecipient common.Address
	GasLimit             uint64
	GasUsed              uint64
	Value                *uint256.Int
}

// SigningRoot is the message the builder signs.
func (t *BidTrace) SigningRoot() (common.Hash, error) {
	enc, err := rlp.EncodeToBytes(t)
	if err != nil {
		return common.Hash{}, err
	}
	return crypto.Keccak256Hash(enc), nil
}

// BlobsBundle carries the blobs committed to by a submission.
type BlobsBundle struct {
	Commitments [][]byte
	Proofs      [][]byte
	Blobs       [][]byte
}

// BuilderSubmission is a block offered by an external builder.
type BuilderSubmission struct {
	Message     BidTrace
	Block       *types.Block
	Signature   []byte
	BlobsBundle *BlobsBundle
	// RegisteredGasLimit is the proposer's preferred gas limit; zero skips
	// the check.
	RegisteredGasLimit uint64
}

// BuilderValidator checks builder submissions by executing them on an
// isolated world state, so validation never contends with the canonical
// processing loop.
type BuilderValidator struct {
	chain     *params.ChainConfig
	tree      *BlockTree
	states    *state.Manager
	processor BlockProcessorConfig
	kzg       *blscrypto.KZG
	log       *log.Logger
}

// NewBuilderValidator creates a validator. processor configures the block
// processor used on each scope.
func NewBuilderValidator(chain *params.ChainConfig, tree *BlockTree, states *state.Manager, processor BlockProcessorConfig, logger *log.Logger) *BuilderValidator {
	processor.ChainConfig = chain
	return &BuilderValidator{
		chain:     chain,
		tree:      tree,
		states:    states,
		processor: processor,
		kzg:       blscrypto.DefaultKZG(),
		log:       logger.Module("builder-validation"),
	}
}

// ValidateBuilderSubmission verifies the bid signature, the blobs bundle
// and the block itself, then checks that the proposer was paid at least
// the bid value.
func (v *BuilderValidator) ValidateBuilderSubmission(ctx context.Context, req *BuilderSubmission) error {
	block, msg := req.Block, &req.Message
	header := block.Header()
	switch {
	case msg.BlockHash != block.Hash():
		return fmt.Errorf("%w: block hash %x, bid %x", ErrBidMismatch, block.Hash(), msg.BlockHash)
	case msg.ParentHash != block.ParentHash():
		return fmt.Errorf("%w: parent hash %x, bid %x", ErrBidMismatch, block.ParentHash(), msg.ParentHash)
	case msg.GasLimit != header.GasLimit:
		return fmt.Errorf("%w: gas limit %d, bid %d", ErrBidMismatch, header.GasLimit, msg.GasLimit)
	case msg.GasUsed != header.GasUsed:
		return fmt.Errorf("%w: gas used %d, bid %d", ErrBidMismatch, header.GasUsed, msg.GasUsed)
	}

	root, err := msg.SigningRoot()
	if err != nil {
		return err
	}
	if !blscrypto.BLSVerify(msg.BuilderPubkey, root[:], req.Signature) {
		return ErrBidSignature
	}

	if b := req.BlobsBundle; b != nil {
		if err := v.kzg.VerifyBlobProofs(b.Blobs, b.Commitments, b.Proofs); err != nil {
			return fmt.Errorf("%w: %v", ErrBlobsBundle, err)
		}
	}

	parent := v.tree.FindParentHeader(header)
	if parent == nil || !v.states.HasStateForRoot(parent.Root) {
		return fmt.Errorf("%w: %x", ErrSubmissionParentGone, block.ParentHash())
	}
	if req.RegisteredGasLimit != 0 {
		if want := CalcGasLimit(parent.GasLimit, req.RegisteredGasLimit); header.GasLimit != want {
			return fmt.Errorf("%w: have %d, want %d", ErrRegisteredGasLimit, header.GasLimit, want)
		}
	}

	ws := v.states.CreateResettableWorldState()
	if err := ws.ResetTo(parent.Root); err != nil {
		return fmt.Errorf("%w: %v", ErrSubmissionParentGone, err)
	}
	before := ws.GetBalance(msg.ProposerFeeRecipient)

	processor := NewBlockProcessor(v.processor, ws, v.tree, v.log)
	if _, err := processor.ProcessOne(ctx, parent.Root, block, IgnoreParentNotOnMainChain|ReadOnlyChain, NoopTracer{}); err != nil {
		return err
	}

	after := ws.GetBalance(msg.ProposerFeeRecipient)
	paid := new(uint256.Int)
	if after.Gt(before) {
		paid.Sub(after, before)
	}
	if msg.Value != nil && paid.Lt(msg.Value) {
		return fmt.Errorf("%w: paid %s, bid %s", ErrProposerPayment, paid, msg.Value)
	}
	v.log.Debug("Builder submission valid", "number", block.NumberU64(), "hash", block.Hash(), "paid", paid)
	return nil
}
