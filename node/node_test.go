package node

import (
	"bytes"
	"context"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/eth2030/blockpipe/core"
	"github.com/eth2030/blockpipe/core/rawdb"
	"github.com/eth2030/blockpipe/core/types"
	"github.com/eth2030/blockpipe/log"
	"github.com/eth2030/blockpipe/params"
)

func memoryConfig() *Config {
	cfg := DefaultConfig()
	cfg.DB.Engine = string(rawdb.EngineMemory)
	cfg.Processing.PrewarmWorkers = 0
	return &cfg
}

func startNode(t *testing.T, cfg *Config) *Node {
	t.Helper()
	n, err := New(cfg, log.NewNop())
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, n.Start(ctx))
	t.Cleanup(func() {
		stopCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
		defer stop()
		_ = n.Close(stopCtx)
		cancel()
	})
	return n
}

// produceChain builds count empty blocks on top of n's head and processes
// each of them into n.
func produceChain(t *testing.T, n *Node, count int) []*types.Block {
	t.Helper()
	ctx := context.Background()
	env := n.Producers().Create(ctx)
	defer env.Close(ctx)
	builder := core.NewBlockBuilder(env, n.ChainConfig(), log.NewNop())

	var out []*types.Block
	for i := 0; i < count; i++ {
		parent := n.BlockTree().Head().Header()
		block, err := builder.Build(ctx, parent, &core.BuildAttributes{})
		require.NoError(t, err)
		_, err = n.Processor().Process(ctx, block, core.NoOptions, nil)
		require.NoError(t, err)
		out = append(out, block)
	}
	return out
}

func TestNodeStartProcessesGenesis(t *testing.T) {
	n := startNode(t, memoryConfig())
	assert.True(t, n.Running())
	head := n.BlockTree().Head()
	require.NotNil(t, head)
	assert.Equal(t, n.Genesis().Hash(), head.Hash())
	assert.True(t, n.States().HasStateForBlock(head.Header()))
	assert.ErrorIs(t, n.Start(context.Background()), ErrNodeRunning)
}

func TestNodeExportImport(t *testing.T) {
	src := startNode(t, memoryConfig())
	blocks := produceChain(t, src, 4)
	require.Equal(t, blocks[3].Hash(), src.BlockTree().Head().Hash())

	var buf bytes.Buffer
	written, err := src.Export(&buf, 1, 10)
	require.NoError(t, err)
	assert.Equal(t, 4, written)

	dst := startNode(t, memoryConfig())
	res, err := dst.Import(context.Background(), &buf)
	require.NoError(t, err)
	assert.Equal(t, 4, res.Read)
	require.NotNil(t, res.Head)
	assert.Equal(t, blocks[3].Hash(), res.Head.Hash())
	assert.Equal(t, src.BlockTree().Head().Root(), dst.BlockTree().Head().Root())
}

func TestNodeImportRequiresStart(t *testing.T) {
	n, err := New(memoryConfig(), log.NewNop())
	require.NoError(t, err)
	defer n.Close(context.Background())

	_, err = n.Import(context.Background(), bytes.NewReader(nil))
	assert.ErrorIs(t, err, ErrNodeStopped)
	_, err = n.Fix(context.Background())
	assert.ErrorIs(t, err, ErrNodeStopped)
}

func TestNodeRestartKeepsHead(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.DB.Engine = string(rawdb.EngineLevelDB)
	cfg.DB.CacheMB = 16
	cfg.DB.Handles = 16

	n, err := New(&cfg, log.NewNop())
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, n.Start(ctx))
	blocks := produceChain(t, n, 3)
	require.NoError(t, n.Close(ctx))

	n, err = New(&cfg, log.NewNop())
	require.NoError(t, err)
	defer n.Close(ctx)
	require.NoError(t, n.Start(ctx))
	assert.Equal(t, blocks[2].Hash(), n.BlockTree().Head().Hash())
	assert.True(t, n.States().HasStateForBlock(blocks[2].Header()))

	more := produceChain(t, n, 1)
	assert.Equal(t, uint64(4), more[0].NumberU64())
}

func TestNodeRejectsForeignGenesis(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.DB.Engine = string(rawdb.EnginePebble)

	n, err := New(&cfg, log.NewNop())
	require.NoError(t, err)
	require.NoError(t, n.Start(context.Background()))
	require.NoError(t, n.Close(context.Background()))

	cfg.Network = NetworkDevPoS
	_, err = New(&cfg, log.NewNop())
	assert.ErrorIs(t, err, core.ErrGenesisMismatch)
}

func TestNodeMetricsExporter(t *testing.T) {
	cfg := memoryConfig()
	cfg.Metrics.Enabled = true
	cfg.Metrics.Addr = "127.0.0.1:0"
	n := startNode(t, cfg)

	state, err := n.lifecycle.State("metrics")
	require.NoError(t, err)
	assert.Equal(t, StateRunning, state)
	assert.NotNil(t, n.Metrics().Blocks)
}

func TestNodeProducesPoolTransactions(t *testing.T) {
	key, err := crypto.ToECDSA(crypto.Keccak256([]byte("node test sender")))
	require.NoError(t, err)
	sender := crypto.PubkeyToAddress(key.PublicKey)
	recipient := common.HexToAddress("0x00000000000000000000000000000000000000aa")

	chain := params.PreMergeConfig(1337)
	data, err := yaml.Marshal(core.DevGenesis(chain, sender))
	require.NoError(t, err)
	cfg := memoryConfig()
	cfg.DataDir = t.TempDir()
	cfg.GenesisFile = "genesis.yaml"
	require.NoError(t, os.WriteFile(filepath.Join(cfg.DataDir, cfg.GenesisFile), data, 0o600))

	n := startNode(t, cfg)
	signer := types.NewSigner(new(big.Int).SetUint64(chain.ChainID))
	for nonce := uint64(0); nonce < 2; nonce++ {
		tx := types.MustSignNewTx(key, signer, &types.TxData{
			ChainID:  new(big.Int).SetUint64(chain.ChainID),
			Nonce:    nonce,
			GasPrice: big.NewInt(2 * params.GWei),
			Gas:      params.TxGas,
			To:       &recipient,
			Value:    big.NewInt(1000),
		})
		require.NoError(t, n.TxPool().Add(tx))
	}
	pending, queued := n.TxPool().Stats()
	require.Equal(t, 2, pending)
	require.Zero(t, queued)

	blocks := produceChain(t, n, 1)
	assert.Equal(t, 2, blocks[0].Transactions().Len())
	assert.Equal(t, 2*params.TxGas, blocks[0].GasUsed())

	require.Eventually(t, func() bool {
		pending, _ := n.TxPool().Stats()
		return pending == 0
	}, 5*time.Second, 10*time.Millisecond)

	ws := n.States().CreateResettableWorldState()
	require.NoError(t, ws.ResetTo(n.BlockTree().Head().Root()))
	assert.Equal(t, uint64(1000*2), ws.GetBalance(recipient).Uint64())
	assert.Equal(t, uint64(2), ws.GetNonce(sender))
}
