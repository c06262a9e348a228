package core

import (
	"bytes"
	"context"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eth2030/blockpipe/core/types"
	blscrypto "github.com/eth2030/blockpipe/crypto"
	"github.com/eth2030/blockpipe/log"
	"github.com/eth2030/blockpipe/params"
)

type builderFixture struct {
	chain     *testChain
	validator *BuilderValidator
	maker     *chainMaker
	pubkey    []byte
	secret    []byte
}

func newBuilderFixture(t *testing.T) *builderFixture {
	t.Helper()
	c := newTestChain(t, params.PreMergeConfig(testChainID), BlockProcessorConfig{})
	pub, secret, err := blscrypto.BLSKeyGen(bytes.Repeat([]byte{0x42}, 32))
	require.NoError(t, err)
	return &builderFixture{
		chain:     c,
		validator: NewBuilderValidator(c.config, c.tree, c.states, BlockProcessorConfig{}, log.NewNop()),
		maker:     newChainMaker(t, c.gspec, BlockProcessorConfig{}),
		pubkey:    pub,
		secret:    secret,
	}
}

// submission returns a signed submission for block paying minerA.
func (f *builderFixture) submission(t *testing.T, block *types.Block, value *uint256.Int) *BuilderSubmission {
	t.Helper()
	req := &BuilderSubmission{
		Message: BidTrace{
			Slot:                 block.NumberU64(),
			ParentHash:           block.ParentHash(),
			BlockHash:            block.Hash(),
			BuilderPubkey:        f.pubkey,
			ProposerFeeRecipient: minerA,
			GasLimit:             block.GasLimit(),
			GasUsed:              block.GasUsed(),
			Value:                value,
		},
		Block: block,
	}
	f.sign(t, req)
	return req
}

func (f *builderFixture) sign(t *testing.T, req *BuilderSubmission) {
	t.Helper()
	root, err := req.Message.SigningRoot()
	require.NoError(t, err)
	req.Signature, err = blscrypto.BLSSign(f.secret, root[:])
	require.NoError(t, err)
}

func (f *builderFixture) block(t *testing.T) *types.Block {
	t.Helper()
	recipient := common.HexToAddress("0x00000000000000000000000000000000000000cc")
	return f.maker.makeBlock(f.chain.genesis, blockSpec{coinbase: minerA, txs: []*types.Transaction{
		transferTx(testKey, 0, recipient, 100),
	}})
}

func TestBuilderSubmissionValid(t *testing.T) {
	f := newBuilderFixture(t)
	block := f.block(t)
	headRoot := f.chain.states.GlobalWorldState().StateRoot()

	req := f.submission(t, block, params.ConstantinopleBlockReward)
	require.NoError(t, f.validator.ValidateBuilderSubmission(context.Background(), req))

	// Validation runs on its own state and leaves the chain alone.
	assert.Equal(t, headRoot, f.chain.states.GlobalWorldState().StateRoot())
	assert.Equal(t, f.chain.genesis.Hash(), f.chain.tree.Head().Hash())
	assert.Nil(t, f.chain.tree.FindBlock(block.Hash()))

	req.BlobsBundle = &BlobsBundle{}
	f.sign(t, req)
	assert.NoError(t, f.validator.ValidateBuilderSubmission(context.Background(), req))
}

func TestBuilderSubmissionRejected(t *testing.T) {
	f := newBuilderFixture(t)
	block := f.block(t)
	ctx := context.Background()

	t.Run("bid mismatch", func(t *testing.T) {
		req := f.submission(t, block, nil)
		req.Message.GasUsed++
		f.sign(t, req)
		assert.ErrorIs(t, f.validator.ValidateBuilderSubmission(ctx, req), ErrBidMismatch)

		req = f.submission(t, block, nil)
		req.Message.BlockHash = common.HexToHash("0x01")
		f.sign(t, req)
		assert.ErrorIs(t, f.validator.ValidateBuilderSubmission(ctx, req), ErrBidMismatch)
	})

	t.Run("signature", func(t *testing.T) {
		req := f.submission(t, block, nil)
		req.Message.Slot++
		assert.ErrorIs(t, f.validator.ValidateBuilderSubmission(ctx, req), ErrBidSignature)

		req = f.submission(t, block, nil)
		req.Signature = nil
		assert.ErrorIs(t, f.validator.ValidateBuilderSubmission(ctx, req), ErrBidSignature)
	})

	t.Run("blobs bundle", func(t *testing.T) {
		req := f.submission(t, block, nil)
		req.BlobsBundle = &BlobsBundle{Blobs: [][]byte{{1}}}
		assert.ErrorIs(t, f.validator.ValidateBuilderSubmission(ctx, req), ErrBlobsBundle)
	})

	t.Run("unknown parent", func(t *testing.T) {
		child := f.maker.makeBlock(block, blockSpec{coinbase: minerA})
		req := f.submission(t, child, nil)
		assert.ErrorIs(t, f.validator.ValidateBuilderSubmission(ctx, req), ErrSubmissionParentGone)
	})

	t.Run("registered gas limit", func(t *testing.T) {
		req := f.submission(t, block, nil)
		req.RegisteredGasLimit = 2 * block.GasLimit()
		assert.ErrorIs(t, f.validator.ValidateBuilderSubmission(ctx, req), ErrRegisteredGasLimit)

		req.RegisteredGasLimit = block.GasLimit()
		assert.NoError(t, f.validator.ValidateBuilderSubmission(ctx, req))
	})

	t.Run("proposer payment", func(t *testing.T) {
		tooMuch := new(uint256.Int).Add(params.ConstantinopleBlockReward, uint256.NewInt(3*params.GWei*params.TxGas))
		req := f.submission(t, block, tooMuch)
		assert.ErrorIs(t, f.validator.ValidateBuilderSubmission(ctx, req), ErrProposerPayment)
	})

	t.Run("invalid block", func(t *testing.T) {
		header := block.Header()
		header.Root = common.HexToHash("0xbad")
		bad := block.WithReplacedHeader(header)
		req := f.submission(t, bad, nil)
		err := f.validator.ValidateBuilderSubmission(ctx, req)
		assert.ErrorIs(t, err, ErrInvalidStateRoot)
	})
}

func TestBidTraceSigningRoot(t *testing.T) {
	a := BidTrace{Slot: 1, GasLimit: 30_000_000, Value: uint256.NewInt(5)}
	b := a
	b.Value = uint256.NewInt(6)
	ra, err := a.SigningRoot()
	require.NoError(t, err)
	rb, err := b.SigningRoot()
	require.NoError(t, err)
	assert.NotEqual(t, ra, rb)

	again, err := a.SigningRoot()
	require.NoError(t, err)
	assert.Equal(t, ra, again)
}
