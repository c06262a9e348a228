package core

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum/common"

	"github.com/eth2030/blockpipe/core/state"
	"github.com/eth2030/blockpipe/core/types"
	"github.com/eth2030/blockpipe/log"
	"github.com/eth2030/blockpipe/metrics"
	"github.com/eth2030/blockpipe/params"
)

var ErrParentNotProcessed = errors.New("parent block not processed")

// TxSource supplies candidate transactions for a new block.
type TxSource interface {
	Pending(parent *types.Header, gasLimit uint64) []*types.Transaction
}

// StaticTxSource returns the same transactions for every block.
type StaticTxSource []*types.Transaction

func (s StaticTxSource) Pending(*types.Header, uint64) []*types.Transaction { return s }

// BlockProducerEnv is everything a block producer needs. The chain
// processor runs on its own world state, so production never touches the
// canonical one.
type BlockProducerEnv struct {
	BlockTree      *BlockTree
	ChainProcessor *BlockchainProcessor
	WorldState     *state.WorldState
	TxSource       TxSource
}

// Close stops the env's chain processor.
func (e *BlockProducerEnv) Close(ctx context.Context) error {
	return e.ChainProcessor.Stop(ctx)
}

// BlockProducerEnvFactory assembles producer environments over a shared
// block tree and state database.
type BlockProducerEnvFactory struct {
	Chain     *params.ChainConfig
	Tree      *BlockTree
	States    *state.Manager
	TxSource  TxSource
	Processor BlockProcessorConfig
	Logger    *log.Logger
}

// Create builds a started env on a fresh resettable world state.
func (f *BlockProducerEnvFactory) Create(ctx context.Context) *BlockProducerEnv {
	ws := f.States.CreateResettableWorldState()
	cfg := f.Processor
	cfg.ChainConfig = f.Chain
	logger := f.Logger.With("scope", "producer")

	processor := NewBlockProcessor(cfg, ws, f.Tree, logger)
	branch := NewBranchProcessor(processor, nil, nil, logger)
	chain := NewBlockchainProcessor(BlockchainProcessorConfig{
		RecoveryQueueSize:   16,
		ProcessingQueueSize: 16,
	}, f.Chain, f.Tree, branch, nil, metrics.NopMetrics(), logger)
	chain.Start(ctx)

	return &BlockProducerEnv{
		BlockTree:      f.Tree,
		ChainProcessor: chain,
		WorldState:     ws,
		TxSource:       f.TxSource,
	}
}

// BuildAttributes are the caller-chosen fields of a new block.
type BuildAttributes struct {
	Timestamp    uint64
	FeeRecipient common.Address
	Random       common.Hash
	Withdrawals  []*types.Withdrawal
	BeaconRoot   *common.Hash
	// GasLimit is the desired gas limit; the block moves towards it within
	// the per-block bound. Zero keeps the parent's limit.
	GasLimit uint64
	Extra    []byte
}

// BlockBuilder fills new blocks from the env's transaction source.
type BlockBuilder struct {
	env    *BlockProducerEnv
	config *params.ChainConfig
	log    *log.Logger
}

// NewBlockBuilder creates a builder on env.
func NewBlockBuilder(env *BlockProducerEnv, config *params.ChainConfig, logger *log.Logger) *BlockBuilder {
	return &BlockBuilder{env: env, config: config, log: logger.Module("block-builder")}
}

// Build produces a child of parent. Transactions that do not fit or fail
// are left out. The returned block carries the computed roots.
func (b *BlockBuilder) Build(ctx context.Context, parent *types.Header, attrs *BuildAttributes) (*types.Block, error) {
	if !b.env.BlockTree.WasProcessed(parent.Hash(), parent.Number.Uint64()) {
		return nil, fmt.Errorf("%w: %d (%x)", ErrParentNotProcessed, parent.Number, parent.Hash())
	}
	header := b.prepareHeader(parent, attrs)

	var txs []*types.Transaction
	if b.env.TxSource != nil {
		txs = orderByPriceAndNonce(b.env.TxSource.Pending(parent, header.GasLimit), b.env.ChainProcessor.signer)
	}

	body := &types.Body{Transactions: txs}
	if b.config.SpecForBlock(header.Number.Uint64(), header.Time).IsShanghai {
		body.Withdrawals = attrs.Withdrawals
		if body.Withdrawals == nil {
			body.Withdrawals = []*types.Withdrawal{}
		}
	}
	candidate := types.NewBlock(header, body, nil)

	block, err := b.env.ChainProcessor.Process(ctx, candidate, ProducerOptions, nil)
	if err != nil {
		return nil, fmt.Errorf("produce block %d: %w", header.Number, err)
	}
	b.log.Info("Produced block",
		"number", block.NumberU64(),
		"hash", block.Hash(),
		"txs", block.Transactions().Len(),
		"candidates", len(txs),
		"gasUsed", block.GasUsed(),
	)
	return block, nil
}

func (b *BlockBuilder) prepareHeader(parent *types.Header, attrs *BuildAttributes) *types.Header {
	number := new(big.Int).Add(parent.Number, common.Big1)
	timestamp := attrs.Timestamp
	if timestamp <= parent.Time {
		timestamp = parent.Time + 1
	}
	gasLimit := parent.GasLimit
	if attrs.GasLimit != 0 {
		gasLimit = CalcGasLimit(parent.GasLimit, attrs.GasLimit)
	}
	header := &types.Header{
		ParentHash: parent.Hash(),
		Number:     number,
		GasLimit:   gasLimit,
		Time:       timestamp,
		Coinbase:   attrs.FeeRecipient,
		MixDigest:  attrs.Random,
		Extra:      common.CopyBytes(attrs.Extra),
		Difficulty: new(big.Int),
	}
	spec := b.config.SpecForBlock(number.Uint64(), timestamp)
	if !spec.IsMerge {
		header.Difficulty.Set(parent.Difficulty)
		if header.Difficulty.Sign() == 0 {
			header.Difficulty.SetUint64(1)
		}
	}
	if spec.IsLondon {
		header.BaseFee = CalcBaseFee(b.config, parent)
	}
	if spec.IsCancun {
		var used uint64
		excess := CalcExcessBlobGas(b.config, parent, timestamp)
		header.BlobGasUsed, header.ExcessBlobGas = &used, &excess
		root := common.Hash{}
		if attrs.BeaconRoot != nil {
			root = *attrs.BeaconRoot
		}
		header.ParentBeaconRoot = &root
	}
	return header
}

// orderByPriceAndNonce repeatedly picks the highest priced next
// transaction among senders, so each sender's transactions stay in nonce
// order. Transactions with unrecoverable senders are dropped.
func orderByPriceAndNonce(txs []*types.Transaction, signer types.Signer) []*types.Transaction {
	bySender := make(map[common.Address][]*types.Transaction)
	for _, tx := range txs {
		from, err := signer.Sender(tx)
		if err != nil {
			continue
		}
		bySender[from] = append(bySender[from], tx)
	}
	count := 0
	for _, list := range bySender {
		sort.Slice(list, func(i, j int) bool { return list[i].Nonce() < list[j].Nonce() })
		count += len(list)
	}
	out := make([]*types.Transaction, 0, count)
	for len(bySender) > 0 {
		var (
			best   common.Address
			bestTx *types.Transaction
		)
		for from, list := range bySender {
			head := list[0]
			if bestTx == nil {
				best, bestTx = from, head
				continue
			}
			switch c := head.GasPrice().Cmp(bestTx.GasPrice()); {
			case c > 0, c == 0 && bytes.Compare(from[:], best[:]) < 0:
				best, bestTx = from, head
			}
		}
		out = append(out, bestTx)
		if rest := bySender[best][1:]; len(rest) > 0 {
			bySender[best] = rest
		} else {
			delete(bySender, best)
		}
	}
	return out
}
