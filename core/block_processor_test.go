package core

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eth2030/blockpipe/core/state"
	"github.com/eth2030/blockpipe/core/types"
	"github.com/eth2030/blockpipe/log"
	"github.com/eth2030/blockpipe/params"
)

var logContract = common.HexToAddress("0x00000000000000000000000000000000000c0de0")

func genesisWithContract(config *params.ChainConfig) *Genesis {
	gspec := DevGenesis(config, testAddr)
	gspec.Alloc[logContract] = GenesisAccount{Code: []byte{0xfe, 0xed}}
	return gspec
}

func storeData(key, value byte) []byte {
	data := make([]byte, 64)
	data[31] = key
	data[63] = value
	return data
}

func TestProcessOneIsDeterministic(t *testing.T) {
	gspec := genesisWithContract(params.PreMergeConfig(testChainID))
	maker := newChainMaker(t, gspec, BlockProcessorConfig{})
	recipient := common.HexToAddress("0x00000000000000000000000000000000000000cc")
	block := maker.makeBlock(maker.genesis, blockSpec{coinbase: minerA, txs: []*types.Transaction{
		transferTx(testKey, 0, recipient, 10),
		callTx(testKey, 1, logContract, 100_000, storeData(1, 7)),
	}})
	require.NotEqual(t, types.Bloom{}, block.Bloom())

	for i := 0; i < 2; i++ {
		processor, genesis := newBareProcessor(t, gspec, BlockProcessorConfig{})
		res, err := processor.ProcessOne(context.Background(), genesis.Root(), block, NoOptions, nil)
		require.NoError(t, err, "run %d", i)
		assert.Equal(t, block.Hash(), res.Block.Hash())
		assert.Equal(t, block.Root(), processor.WorldState().StateRoot())
		assert.Equal(t, block.ReceiptHash(), types.DeriveSha(types.Receipts(res.Receipts)))
		assert.Equal(t, block.Bloom(), types.CreateBloom(res.Receipts))

		require.Len(t, res.Receipts, 2)
		require.Len(t, res.Receipts[1].Logs, 1)
		assert.Equal(t, logContract, res.Receipts[1].Logs[0].Address)
		assert.Equal(t, common.BytesToHash([]byte{7}), processor.WorldState().GetState(logContract, common.BytesToHash([]byte{1})))
	}
}

func TestProcessOneRewardsAndFees(t *testing.T) {
	gspec := DevGenesis(params.PreMergeConfig(testChainID), testAddr)
	maker := newChainMaker(t, gspec, BlockProcessorConfig{})
	recipient := common.HexToAddress("0x00000000000000000000000000000000000000cc")
	block := maker.makeBlock(maker.genesis, blockSpec{coinbase: minerA, txs: []*types.Transaction{
		transferTx(testKey, 0, recipient, 1000),
		transferTx(testKey, 1, recipient, 1000),
	}})
	require.Equal(t, 2*params.TxGas, block.GasUsed())

	processor, genesis := newBareProcessor(t, gspec, BlockProcessorConfig{})
	_, err := processor.ProcessOne(context.Background(), genesis.Root(), block, NoOptions, nil)
	require.NoError(t, err)
	ws := processor.WorldState()

	gasPrice := big.NewInt(2 * params.GWei)
	tip := new(big.Int).Sub(gasPrice, block.BaseFee())
	fees := new(big.Int).Mul(tip, new(big.Int).SetUint64(2*params.TxGas))
	wantMiner := new(big.Int).Add(params.ConstantinopleBlockReward.ToBig(), fees)
	assert.Equal(t, wantMiner.String(), ws.GetBalance(minerA).ToBig().String())

	spent := new(big.Int).Mul(gasPrice, new(big.Int).SetUint64(2*params.TxGas))
	spent.Add(spent, big.NewInt(2000))
	wantSender := new(big.Int).Sub(gspec.Alloc[testAddr].Balance, spent)
	assert.Equal(t, wantSender.String(), ws.GetBalance(testAddr).ToBig().String())
	assert.Equal(t, uint64(2000), ws.GetBalance(recipient).Uint64())
}

func TestProcessOneRejectsTransactionAboveGasLimit(t *testing.T) {
	gspec := DevGenesis(params.PreMergeConfig(testChainID), testAddr)
	processor, genesis := newBareProcessor(t, gspec, BlockProcessorConfig{})
	header := (&BlockBuilder{config: gspec.Config}).prepareHeader(genesis.Header(), &BuildAttributes{FeeRecipient: minerA})
	recipient := common.HexToAddress("0x00000000000000000000000000000000000000cc")
	tx := types.MustSignNewTx(testKey, testSigner, &types.TxData{
		ChainID:  big.NewInt(testChainID),
		Gas:      header.GasLimit + 1,
		GasPrice: big.NewInt(2 * params.GWei),
		To:       &recipient,
		Value:    new(big.Int),
	})
	block := types.NewBlock(header, &types.Body{Transactions: []*types.Transaction{tx}}, nil)

	_, err := processor.ProcessOne(context.Background(), genesis.Root(), block, NoOptions, nil)
	require.ErrorIs(t, err, ErrGasLimitExceeded)
	var blockErr *BlockError
	require.ErrorAs(t, err, &blockErr)
	assert.Equal(t, uint64(1), blockErr.Number)
	assert.Zero(t, processor.WorldState().GetNonce(testAddr))

	// Producing leaves the transaction out instead.
	producer, _ := newBareProcessor(t, gspec, BlockProcessorConfig{})
	branch := NewBranchProcessor(producer, nil, nil, log.NewNop())
	results, err := branch.Process(context.Background(), genesis.Root(), []*types.Block{block}, ProducingBlock, nil)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Zero(t, results[0].Block.Transactions().Len())
	assert.Zero(t, results[0].Block.GasUsed())
	require.Len(t, results[0].Skipped, 1)
	assert.Equal(t, tx.Hash(), results[0].Skipped[0].Hash())
}

func TestProcessOneValidatesTransactionsAgainstFilter(t *testing.T) {
	gspec := DevGenesis(params.PreMergeConfig(testChainID), testAddr)
	maker := newChainMaker(t, gspec, BlockProcessorConfig{})
	recipient := common.HexToAddress("0x00000000000000000000000000000000000000cc")
	block := maker.makeBlock(maker.genesis, blockSpec{coinbase: minerA, txs: []*types.Transaction{
		transferTx(testKey, 0, recipient, 1),
		transferTx(testKey, 1, recipient, 1),
	}})

	t.Run("rejection fails the block", func(t *testing.T) {
		calls := 0
		filter := TxFilterFunc(func(*types.Transaction, *types.Header, state.StateReader) AcceptTxResult {
			calls++
			return InsufficientFunds
		})
		processor, genesis := newBareProcessor(t, gspec, BlockProcessorConfig{Filter: filter})

		_, err := processor.ProcessOne(context.Background(), genesis.Root(), block, NoOptions, nil)
		require.ErrorIs(t, err, ErrTxRejected)
		assert.Contains(t, err.Error(), InsufficientFunds.String())
		var blockErr *BlockError
		require.ErrorAs(t, err, &blockErr)
		assert.Equal(t, block.Hash(), blockErr.Hash)
		assert.Equal(t, 1, calls)
		assert.Zero(t, processor.WorldState().GetNonce(testAddr))
	})

	t.Run("every transaction is checked", func(t *testing.T) {
		var seen []common.Hash
		filter := TxFilterFunc(func(tx *types.Transaction, _ *types.Header, _ state.StateReader) AcceptTxResult {
			seen = append(seen, tx.Hash())
			return Accepted
		})
		processor, genesis := newBareProcessor(t, gspec, BlockProcessorConfig{Filter: filter})

		_, err := processor.ProcessOne(context.Background(), genesis.Root(), block, NoOptions, nil)
		require.NoError(t, err)
		require.Len(t, seen, 2)
		assert.Equal(t, block.Transactions()[0].Hash(), seen[0])
		assert.Equal(t, block.Transactions()[1].Hash(), seen[1])
	})
}

func TestProducingSkipsInvalidTransactions(t *testing.T) {
	gspec := DevGenesis(params.PreMergeConfig(testChainID), testAddr)
	processor, genesis := newBareProcessor(t, gspec, BlockProcessorConfig{})
	branch := NewBranchProcessor(processor, nil, nil, log.NewNop())

	poorKey, err := crypto.ToECDSA(crypto.Keccak256([]byte("poor sender")))
	require.NoError(t, err)
	recipient := common.HexToAddress("0x00000000000000000000000000000000000000cc")
	txs := []*types.Transaction{
		transferTx(testKey, 0, recipient, 1),
		transferTx(testKey, 5, recipient, 1),
		transferTx(poorKey, 0, recipient, 1),
		transferTx(testKey, 1, recipient, 1),
	}
	header := (&BlockBuilder{config: gspec.Config}).prepareHeader(genesis.Header(), &BuildAttributes{FeeRecipient: minerA})
	candidate := types.NewBlock(header, &types.Body{Transactions: txs}, nil)

	results, err := branch.Process(context.Background(), genesis.Root(), []*types.Block{candidate}, ProducingBlock, nil)
	require.NoError(t, err)
	produced := results[0].Block
	require.Equal(t, 2, produced.Transactions().Len())
	assert.Equal(t, txs[0].Hash(), produced.Transactions()[0].Hash())
	assert.Equal(t, txs[3].Hash(), produced.Transactions()[1].Hash())
	assert.Len(t, results[0].Skipped, 2)
	assert.Equal(t, 2*params.TxGas, produced.GasUsed())
	assert.Equal(t, types.DeriveSha(produced.Transactions()), produced.TxHash())
	assert.Equal(t, produced.Root(), processor.WorldState().StateRoot())

	// The produced block is valid on an independent chain.
	c := newTestChain(t, gspec.Config, BlockProcessorConfig{})
	c.mustProcess(t, produced)
	assert.Equal(t, produced.Hash(), c.tree.Head().Hash())
}

func TestProducingAppliesFiltersAndBudgets(t *testing.T) {
	gspec := DevGenesis(params.PreMergeConfig(testChainID), testAddr)
	recipient := common.HexToAddress("0x00000000000000000000000000000000000000cc")

	t.Run("min gas price", func(t *testing.T) {
		processor, genesis := newBareProcessor(t, gspec, BlockProcessorConfig{
			Filter: MinGasPriceFilter{MinGasPrice: big.NewInt(3 * params.GWei)},
		})
		cheap := transferTx(testKey, 0, recipient, 1)
		rich := types.MustSignNewTx(testKey, testSigner, &types.TxData{
			ChainID:  big.NewInt(testChainID),
			Nonce:    0,
			GasPrice: big.NewInt(4 * params.GWei),
			Gas:      params.TxGas,
			To:       &recipient,
			Value:    big.NewInt(1),
		})
		header := (&BlockBuilder{config: gspec.Config}).prepareHeader(genesis.Header(), &BuildAttributes{})
		candidate := types.NewBlock(header, &types.Body{Transactions: []*types.Transaction{cheap, rich}}, nil)

		res, err := processor.ProcessOne(context.Background(), genesis.Root(), candidate, ProducingBlock, nil)
		require.NoError(t, err)
		require.Equal(t, 1, res.Block.Transactions().Len())
		assert.Equal(t, rich.Hash(), res.Block.Transactions()[0].Hash())
		require.Len(t, res.Skipped, 1)
		assert.Equal(t, cheap.Hash(), res.Skipped[0].Hash())
	})

	t.Run("size budget", func(t *testing.T) {
		processor, genesis := newBareProcessor(t, gspec, BlockProcessorConfig{
			Production: ProductionConfig{MaxTxKilobytes: 1},
		})
		var txs []*types.Transaction
		for nonce := uint64(0); nonce < 16; nonce++ {
			txs = append(txs, transferTx(testKey, nonce, recipient, 1))
		}
		header := (&BlockBuilder{config: gspec.Config}).prepareHeader(genesis.Header(), &BuildAttributes{})
		candidate := types.NewBlock(header, &types.Body{Transactions: txs}, nil)

		res, err := processor.ProcessOne(context.Background(), genesis.Root(), candidate, ProducingBlock, nil)
		require.NoError(t, err)
		fit := int(1024 / txs[0].Size())
		require.Less(t, fit, len(txs))
		assert.Equal(t, fit, res.Block.Transactions().Len())
		assert.Len(t, res.Skipped, len(txs)-fit)
	})
}

func TestContractRewriterAppliesAtScheduledHeights(t *testing.T) {
	a := common.HexToAddress("0x000000000000000000000000000000000000aaaa")
	b := common.HexToAddress("0x000000000000000000000000000000000000bbbb")
	rewriter := NewContractRewriter(map[uint64]map[common.Address][]byte{
		2: {a: {0x01}, b: {0x02}},
		3: {a: {0x03, 0x03}, b: {0x04, 0x04}},
	})
	cfg := BlockProcessorConfig{Rewriter: rewriter}
	c := newTestChain(t, params.PreMergeConfig(testChainID), cfg)
	maker := newChainMaker(t, c.gspec, cfg)
	blocks := maker.makeChain(c.genesis, 3, 1, minerA)
	c.mustProcess(t, blocks...)

	want := []struct{ a, b []byte }{
		{nil, nil},
		{[]byte{0x01}, []byte{0x02}},
		{[]byte{0x03, 0x03}, []byte{0x04, 0x04}},
	}
	ws := c.states.CreateResettableWorldState()
	for i, block := range blocks {
		require.NoError(t, ws.ResetTo(block.Root()))
		if want[i].a == nil {
			assert.Empty(t, ws.GetCode(a), "block %d", block.NumberU64())
			assert.Empty(t, ws.GetCode(b), "block %d", block.NumberU64())
			continue
		}
		assert.Equal(t, want[i].a, ws.GetCode(a), "block %d", block.NumberU64())
		assert.Equal(t, want[i].b, ws.GetCode(b), "block %d", block.NumberU64())
	}
}

func TestContractRewriterNil(t *testing.T) {
	var r *ContractRewriter
	assert.Nil(t, r.RewriteContracts(2, newTestWorldState(t)))
}

func TestProcessOneWithdrawals(t *testing.T) {
	gspec := DevGenesis(params.AllForksConfig(testChainID), testAddr)
	maker := newChainMaker(t, gspec, BlockProcessorConfig{})
	validator := common.HexToAddress("0x00000000000000000000000000000000000000dd")
	block := maker.makeBlock(maker.genesis, blockSpec{withdrawals: []*types.Withdrawal{
		{Index: 0, Validator: 1, Address: validator, Amount: 5},
		{Index: 1, Validator: 2, Address: validator, Amount: 7},
	}})

	processor, genesis := newBareProcessor(t, gspec, BlockProcessorConfig{})
	_, err := processor.ProcessOne(context.Background(), genesis.Root(), block, NoOptions, nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(12*params.GWei), processor.WorldState().GetBalance(validator).Uint64())
}

func TestProcessOneMissingParentState(t *testing.T) {
	gspec := DevGenesis(params.PreMergeConfig(testChainID), testAddr)
	processor, genesis := newBareProcessor(t, gspec, BlockProcessorConfig{})
	header := (&BlockBuilder{config: gspec.Config}).prepareHeader(genesis.Header(), &BuildAttributes{})
	block := types.NewBlock(header, nil, nil)

	_, err := processor.ProcessOne(context.Background(), common.HexToHash("0x1234"), block, NoOptions, nil)
	assert.ErrorIs(t, err, ErrMissingParentState)
}

type countingTracer struct {
	NoopTracer
	blocks, txs int
	calls       []string
}

func (t *countingTracer) StartBlock(*types.Block)                        { t.blocks++ }
func (t *countingTracer) EndTx(*types.Transaction, *types.Receipt, error) { t.txs++ }
func (t *countingTracer) OnSystemCall(name string)                        { t.calls = append(t.calls, name) }

func TestProcessOneTracerEvents(t *testing.T) {
	gspec := DevGenesis(params.AllForksConfig(testChainID), testAddr)
	maker := newChainMaker(t, gspec, BlockProcessorConfig{})
	recipient := common.HexToAddress("0x00000000000000000000000000000000000000cc")
	block := maker.makeBlock(maker.genesis, blockSpec{txs: []*types.Transaction{transferTx(testKey, 0, recipient, 1)}})

	processor, genesis := newBareProcessor(t, gspec, BlockProcessorConfig{})
	tracer := &countingTracer{}
	_, err := processor.ProcessOne(context.Background(), genesis.Root(), block, NoOptions, tracer)
	require.NoError(t, err)
	assert.Equal(t, 1, tracer.blocks)
	assert.Equal(t, 1, tracer.txs)
	assert.Equal(t, []string{"blockhash-history", "beacon-root", "withdrawals", "execution-requests"}, tracer.calls)
}
