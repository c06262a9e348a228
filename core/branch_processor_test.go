package core

import (
	"context"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eth2030/blockpipe/core/rawdb"
	"github.com/eth2030/blockpipe/core/types"
	"github.com/eth2030/blockpipe/log"
	"github.com/eth2030/blockpipe/params"
)

func newTestBranch(t *testing.T) (*BranchProcessor, *types.Block, []*types.Block) {
	t.Helper()
	gspec := DevGenesis(params.PreMergeConfig(testChainID), testAddr)
	maker := newChainMaker(t, gspec, BlockProcessorConfig{})
	blocks := maker.makeChain(maker.genesis, 3, 1, minerA)
	processor, genesis := newBareProcessor(t, gspec, BlockProcessorConfig{})
	return NewBranchProcessor(processor, nil, nil, log.NewNop()), genesis, blocks
}

func TestBranchProcessesInOrder(t *testing.T) {
	branch, genesis, blocks := newTestBranch(t)

	results, err := branch.Process(context.Background(), genesis.Root(), blocks, NoOptions, nil)
	require.NoError(t, err)
	require.Len(t, results, len(blocks))
	for i, res := range results {
		assert.Equal(t, blocks[i].Hash(), res.Block.Hash())
	}
	assert.Equal(t, blocks[2].Root(), branch.ws.StateRoot())

	reward := params.ConstantinopleBlockReward.ToBig()
	assert.Equal(t, reward.Uint64()*3, branch.ws.GetBalance(minerA).Uint64())
}

func TestBranchFailureRollsBack(t *testing.T) {
	branch, genesis, blocks := newTestBranch(t)

	header := blocks[1].Header()
	header.Root = common.HexToHash("0xbad")
	bad := blocks[1].WithReplacedHeader(header)

	_, err := branch.Process(context.Background(), genesis.Root(), []*types.Block{blocks[0], bad, blocks[2]}, NoOptions, nil)
	require.ErrorIs(t, err, ErrInvalidStateRoot)
	var blockErr *BlockError
	require.ErrorAs(t, err, &blockErr)
	assert.Equal(t, bad.Hash(), blockErr.Hash)

	assert.Equal(t, genesis.Root(), branch.ws.StateRoot())
	assert.True(t, branch.ws.GetBalance(minerA).IsZero())

	// The same branch still processes once the bad block is replaced.
	_, err = branch.Process(context.Background(), genesis.Root(), blocks, NoOptions, nil)
	require.NoError(t, err)
}

func TestBranchReadOnlyRollsBack(t *testing.T) {
	branch, genesis, blocks := newTestBranch(t)

	results, err := branch.Process(context.Background(), genesis.Root(), blocks[:2], ReadOnlyChain, nil)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, blocks[1].Root(), results[1].Block.Root())

	assert.Equal(t, genesis.Root(), branch.ws.StateRoot())
	assert.True(t, branch.ws.GetBalance(minerA).IsZero())
}

func TestBranchFailureOnOtherBaseRestoresCallerState(t *testing.T) {
	branch, genesis, blocks := newTestBranch(t)
	_, err := branch.Process(context.Background(), genesis.Root(), blocks, NoOptions, nil)
	require.NoError(t, err)
	head := blocks[2].Root()
	headBalance := branch.ws.GetBalance(minerA).Uint64()

	header := blocks[0].Header()
	header.Root = common.HexToHash("0xbad")
	bad := blocks[0].WithReplacedHeader(header)

	_, err = branch.Process(context.Background(), genesis.Root(), []*types.Block{bad}, NoOptions, nil)
	require.ErrorIs(t, err, ErrInvalidStateRoot)
	assert.Equal(t, head, branch.ws.StateRoot())
	assert.Equal(t, headBalance, branch.ws.GetBalance(minerA).Uint64())
}

func TestBranchReadOnlyOnOtherBaseRestoresCallerState(t *testing.T) {
	branch, genesis, blocks := newTestBranch(t)
	_, err := branch.Process(context.Background(), genesis.Root(), blocks, NoOptions, nil)
	require.NoError(t, err)
	head := blocks[2].Root()

	results, err := branch.Process(context.Background(), genesis.Root(), blocks[:1], ReadOnlyChain, nil)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, head, branch.ws.StateRoot())
}

type cancelAtBlockTracer struct {
	NoopTracer
	at, started int
}

func (t *cancelAtBlockTracer) StartBlock(*types.Block) { t.started++ }
func (t *cancelAtBlockTracer) ShouldCancel() bool      { return t.started >= t.at }

func TestBranchCancellationRollsBack(t *testing.T) {
	branch, genesis, blocks := newTestBranch(t)

	tracer := &cancelAtBlockTracer{at: 2}
	_, err := branch.Process(context.Background(), genesis.Root(), blocks, NoOptions, tracer)
	require.ErrorIs(t, err, ErrCancelled)
	assert.Equal(t, 2, tracer.started)
	assert.Equal(t, genesis.Root(), branch.ws.StateRoot())
	assert.True(t, branch.ws.GetBalance(minerA).IsZero())
}

func TestBranchContextCancellation(t *testing.T) {
	branch, genesis, blocks := newTestBranch(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := branch.Process(ctx, genesis.Root(), blocks, NoOptions, nil)
	require.ErrorIs(t, err, ErrCancelled)
	assert.Equal(t, genesis.Root(), branch.ws.StateRoot())
}

func TestBranchUnknownBaseState(t *testing.T) {
	branch, _, blocks := newTestBranch(t)

	_, err := branch.Process(context.Background(), common.HexToHash("0x1234"), blocks, NoOptions, nil)
	assert.ErrorIs(t, err, ErrMissingParentState)
}

func TestBranchEmptyBatch(t *testing.T) {
	branch, genesis, _ := newTestBranch(t)

	results, err := branch.Process(context.Background(), genesis.Root(), nil, NoOptions, nil)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestBranchStoresReceipts(t *testing.T) {
	gspec := DevGenesis(params.PreMergeConfig(testChainID), testAddr)
	maker := newChainMaker(t, gspec, BlockProcessorConfig{})
	recipient := common.HexToAddress("0x00000000000000000000000000000000000000cc")
	tx := transferTx(testKey, 0, recipient, 5)
	block := maker.makeBlock(maker.genesis, blockSpec{txs: []*types.Transaction{tx}})

	processor, genesis := newBareProcessor(t, gspec, BlockProcessorConfig{})
	receipts := NewReceiptStorage(rawdb.NewMemoryDB(), processor.Signer())
	branch := NewBranchProcessor(processor, receipts, nil, log.NewNop())

	_, err := branch.Process(context.Background(), genesis.Root(), []*types.Block{block}, ReadOnlyChain|StoreReceipts, nil)
	require.NoError(t, err)
	_, err = receipts.Get(block.Hash())
	assert.ErrorIs(t, err, ErrReceiptsNotFound)

	_, err = branch.Process(context.Background(), genesis.Root(), []*types.Block{block}, StoreReceipts, nil)
	require.NoError(t, err)
	stored, err := receipts.Get(block.Hash())
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, tx.Hash(), stored[0].TxHash)
	hash, err := receipts.FindBlockHash(tx.Hash())
	require.NoError(t, err)
	assert.Equal(t, block.Hash(), hash)
}
