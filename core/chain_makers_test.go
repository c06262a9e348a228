package core

import (
	"context"
	"crypto/ecdsa"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	"github.com/eth2030/blockpipe/core/rawdb"
	"github.com/eth2030/blockpipe/core/state"
	"github.com/eth2030/blockpipe/core/types"
	"github.com/eth2030/blockpipe/log"
	"github.com/eth2030/blockpipe/metrics"
	"github.com/eth2030/blockpipe/params"
)

const testChainID = 1337

var (
	testKey, _  = crypto.HexToECDSA("b71c71a67e1177ad4e901695e1b4b9ee17ae16c6668d313eac2f96dbcda3f291")
	testAddr    = crypto.PubkeyToAddress(testKey.PublicKey)
	testSigner  = types.NewSigner(big.NewInt(testChainID))
	testTimeout = 10 * time.Second
)

// testChain is a started blockchain processor on an in-memory database,
// with the genesis processed.
type testChain struct {
	config    *params.ChainConfig
	gspec     *Genesis
	genesis   *types.Block
	db        *rawdb.MemoryDB
	states    *state.Manager
	tree      *BlockTree
	receipts  *PersistentReceiptStorage
	processor *BlockchainProcessor
}

func newTestChain(t *testing.T, config *params.ChainConfig, procCfg BlockProcessorConfig) *testChain {
	t.Helper()
	c := newUnstartedTestChain(t, config, procCfg)
	c.start(t)
	c.mustProcess(t, c.genesis)
	return c
}

// newUnstartedTestChain assembles the chain without starting the processor
// or suggesting the genesis.
func newUnstartedTestChain(t *testing.T, config *params.ChainConfig, procCfg BlockProcessorConfig) *testChain {
	t.Helper()
	return newUnstartedTestChainWithState(t, config, procCfg, state.DatabaseConfig{})
}

func newUnstartedTestChainWithState(t *testing.T, config *params.ChainConfig, procCfg BlockProcessorConfig, stateCfg state.DatabaseConfig) *testChain {
	t.Helper()
	db := rawdb.NewMemoryDB()
	sdb := state.NewDatabase(db, stateCfg, metrics.NopMetrics(), log.NewNop())
	gspec := DevGenesis(config, testAddr)
	genesis, err := gspec.Commit(sdb)
	require.NoError(t, err)

	tree, err := NewBlockTree(db, metrics.NopMetrics(), log.NewNop())
	require.NoError(t, err)
	states, err := state.NewManager(sdb, genesis.Root())
	require.NoError(t, err)

	procCfg.ChainConfig = config
	processor := NewBlockProcessor(procCfg, states.GlobalWorldState(), tree, log.NewNop())
	receipts := NewReceiptStorage(db, processor.Signer())
	branch := NewBranchProcessor(processor, receipts, nil, log.NewNop())
	chain := NewBlockchainProcessor(BlockchainProcessorConfig{
		RecoveryQueueSize:   64,
		ProcessingQueueSize: 64,
		RecoveryWorkers:     2,
		StoreReceipts:       true,
	}, config, tree, branch, nil, metrics.NopMetrics(), log.NewNop())

	return &testChain{
		config:    config,
		gspec:     gspec,
		genesis:   genesis,
		db:        db,
		states:    states,
		tree:      tree,
		receipts:  receipts,
		processor: chain,
	}
}

func (c *testChain) start(t *testing.T) {
	t.Helper()
	c.processor.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
		defer cancel()
		_ = c.processor.Stop(ctx)
	})
}

func (c *testChain) process(block *types.Block, options ProcessingOptions, tracer BlockTracer) (*types.Block, error) {
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	return c.processor.Process(ctx, block, options, tracer)
}

func (c *testChain) mustProcess(t *testing.T, blocks ...*types.Block) {
	t.Helper()
	for _, block := range blocks {
		_, err := c.process(block, NoOptions, nil)
		require.NoError(t, err, "block %d", block.NumberU64())
	}
}

// headState opens a fresh world state at the canonical head.
func (c *testChain) headState(t *testing.T) *state.WorldState {
	t.Helper()
	ws := c.states.CreateResettableWorldState()
	require.NoError(t, ws.ResetTo(c.tree.Head().Root()))
	return ws
}

// chainMaker produces valid blocks on its own state database, independent
// of the chain under test. Blocks are sealed by running them through a
// producing BranchProcessor, so their header roots are the computed ones.
type chainMaker struct {
	t       *testing.T
	config  *params.ChainConfig
	genesis *types.Block
	branch  *BranchProcessor
}

// blockSpec describes one block to produce. A zero difficulty inherits the
// parent's.
type blockSpec struct {
	difficulty  int64
	coinbase    common.Address
	author      common.Address
	txs         []*types.Transaction
	withdrawals []*types.Withdrawal
	beaconRoot  *common.Hash
	extra       []byte
}

func newChainMaker(t *testing.T, gspec *Genesis, procCfg BlockProcessorConfig) *chainMaker {
	t.Helper()
	processor, genesis := newBareProcessor(t, gspec, procCfg)
	return &chainMaker{
		t:       t,
		config:  gspec.Config,
		genesis: genesis,
		branch:  NewBranchProcessor(processor, nil, nil, log.NewNop()),
	}
}

// newBareProcessor returns a block processor on a fresh state database
// holding the genesis allocation. It has no header finder.
func newBareProcessor(t *testing.T, gspec *Genesis, procCfg BlockProcessorConfig) (*BlockProcessor, *types.Block) {
	t.Helper()
	sdb := state.NewDatabase(rawdb.NewMemoryDB(), state.DatabaseConfig{}, metrics.NopMetrics(), log.NewNop())
	genesis, err := gspec.Commit(sdb)
	require.NoError(t, err)
	ws, err := state.New(genesis.Root(), sdb)
	require.NoError(t, err)
	procCfg.ChainConfig = gspec.Config
	return NewBlockProcessor(procCfg, ws, nil, log.NewNop()), genesis
}

// newTestWorldState returns an empty world state.
func newTestWorldState(t *testing.T) *state.WorldState {
	t.Helper()
	sdb := state.NewDatabase(rawdb.NewMemoryDB(), state.DatabaseConfig{}, metrics.NopMetrics(), log.NewNop())
	ws, err := state.New(types.EmptyRootHash, sdb)
	require.NoError(t, err)
	return ws
}

// makeBlock produces a child of parent. Every transaction in spec must
// execute; a skipped one fails the test.
func (m *chainMaker) makeBlock(parent *types.Block, spec blockSpec) *types.Block {
	m.t.Helper()
	header := (&BlockBuilder{config: m.config}).prepareHeader(parent.Header(), &BuildAttributes{
		FeeRecipient: spec.coinbase,
		BeaconRoot:   spec.beaconRoot,
		Extra:        spec.extra,
	})
	if spec.difficulty > 0 {
		header.Difficulty = big.NewInt(spec.difficulty)
	}
	header.Author = spec.author
	body := &types.Body{Transactions: spec.txs}
	if m.config.SpecForBlock(header.Number.Uint64(), header.Time).IsShanghai {
		body.Withdrawals = spec.withdrawals
		if body.Withdrawals == nil {
			body.Withdrawals = []*types.Withdrawal{}
		}
	}
	candidate := types.NewBlock(header, body, nil)

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	results, err := m.branch.Process(ctx, parent.Root(), []*types.Block{candidate}, ProducingBlock|IgnoreParentNotOnMainChain, nil)
	require.NoError(m.t, err)
	require.Len(m.t, results, 1)
	require.Empty(m.t, results[0].Skipped, "transactions skipped while producing block %d", header.Number)
	return results[0].Block
}

// makeChain produces n empty blocks on top of parent. coinbase tells
// sibling chains apart.
func (m *chainMaker) makeChain(parent *types.Block, n int, difficulty int64, coinbase common.Address) []*types.Block {
	m.t.Helper()
	blocks := make([]*types.Block, 0, n)
	for i := 0; i < n; i++ {
		parent = m.makeBlock(parent, blockSpec{difficulty: difficulty, coinbase: coinbase})
		blocks = append(blocks, parent)
	}
	return blocks
}

func transferTx(key *ecdsa.PrivateKey, nonce uint64, to common.Address, value int64) *types.Transaction {
	return types.MustSignNewTx(key, testSigner, &types.TxData{
		ChainID:  big.NewInt(testChainID),
		Nonce:    nonce,
		GasPrice: big.NewInt(2 * params.GWei),
		Gas:      params.TxGas,
		To:       &to,
		Value:    big.NewInt(value),
	})
}

func callTx(key *ecdsa.PrivateKey, nonce uint64, to common.Address, gas uint64, data []byte) *types.Transaction {
	return types.MustSignNewTx(key, testSigner, &types.TxData{
		ChainID:  big.NewInt(testChainID),
		Nonce:    nonce,
		GasPrice: big.NewInt(2 * params.GWei),
		Gas:      gas,
		To:       &to,
		Value:    new(big.Int),
		Data:     data,
	})
}
