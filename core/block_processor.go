package core

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/eth2030/blockpipe/core/state"
	"github.com/eth2030/blockpipe/core/types"
	"github.com/eth2030/blockpipe/log"
	"github.com/eth2030/blockpipe/params"
)

// ProductionConfig bounds how much work goes into a produced block.
type ProductionConfig struct {
	// MaxTxKilobytes caps the encoded size of the included transactions.
	// Zero disables the cap.
	MaxTxKilobytes uint64
	// Timeout stops picking transactions once exceeded. Zero disables it.
	Timeout time.Duration
}

// BlockProcessorConfig wires the collaborators of a BlockProcessor. Nil
// collaborators are replaced with defaults derived from ChainConfig.
type BlockProcessorConfig struct {
	ChainConfig *params.ChainConfig
	Validator   BlockValidator
	Rewards     RewardCalculator
	TxProcessor TransactionProcessor
	Filter      TxFilter
	Rewriter    *ContractRewriter
	Production  ProductionConfig
}

// ProcessedBlock is the outcome of processing one block.
type ProcessedBlock struct {
	Block    *types.Block
	Receipts []*types.Receipt
	Requests types.Requests
	// Skipped holds the transactions left out while producing.
	Skipped []*types.Transaction
}

// BlockProcessor applies one block to a world state. In validation mode the
// computed roots must match the block header; in production mode the header
// is filled from the computed values and transactions that do not fit are
// skipped.
type BlockProcessor struct {
	config     *params.ChainConfig
	signer     types.Signer
	validator  BlockValidator
	rewards    RewardCalculator
	txProc     TransactionProcessor
	filter     TxFilter
	rewriter   *ContractRewriter
	production ProductionConfig

	ws          *state.WorldState
	finder      HeaderFinder
	blockhashes *BlockhashProvider
	history     *BlockhashStore
	beaconRoots *BeaconBlockRootHandler
	withdrawals *WithdrawalProcessor
	requests    *ExecutionRequestsProcessor

	log *log.Logger
}

// NewBlockProcessor creates a processor mutating ws. finder resolves parent
// headers; it may be nil for processors that never look at ancestors.
func NewBlockProcessor(cfg BlockProcessorConfig, ws *state.WorldState, finder HeaderFinder, logger *log.Logger) *BlockProcessor {
	signer := types.NewSigner(new(big.Int).SetUint64(cfg.ChainConfig.ChainID))
	p := &BlockProcessor{
		config:      cfg.ChainConfig,
		signer:      signer,
		validator:   cfg.Validator,
		rewards:     cfg.Rewards,
		txProc:      cfg.TxProcessor,
		filter:      cfg.Filter,
		rewriter:    cfg.Rewriter,
		production:  cfg.Production,
		ws:          ws,
		finder:      finder,
		history:     NewBlockhashStore(ws),
		beaconRoots: NewBeaconBlockRootHandler(ws),
		withdrawals: NewWithdrawalProcessor(ws),
		requests:    NewExecutionRequestsProcessor(ws),
		log:         logger.Module("block-processor"),
	}
	if p.validator == nil {
		p.validator = NewBlockValidator(cfg.ChainConfig, finder)
	}
	if p.rewards == nil {
		p.rewards = NewEthashRewardCalculator(cfg.ChainConfig)
	}
	if p.txProc == nil {
		p.txProc = NewTransferProcessor(signer)
	}
	if p.filter == nil {
		p.filter = AcceptAllFilter
	}
	if finder != nil {
		p.blockhashes = NewBlockhashProvider(finder, ws, logger)
	}
	return p
}

// WorldState returns the state the processor mutates.
func (p *BlockProcessor) WorldState() *state.WorldState { return p.ws }

// Signer returns the signer used to recover senders.
func (p *BlockProcessor) Signer() types.Signer { return p.signer }

// ProcessOne executes block on top of parentStateRoot. The world state is
// left holding the block's changes uncommitted; the caller commits them
// with CommitTree or restores a snapshot.
func (p *BlockProcessor) ProcessOne(ctx context.Context, parentStateRoot common.Hash, block *types.Block, options ProcessingOptions, tracer BlockTracer) (*ProcessedBlock, error) {
	if tracer == nil {
		tracer = NoopTracer{}
	}
	if err := checkCancel(ctx, tracer); err != nil {
		return nil, err
	}
	start := time.Now()

	if p.ws.StateRoot() != parentStateRoot {
		if err := p.ws.ResetTo(parentStateRoot); err != nil {
			return nil, fmt.Errorf("%w: root %x for block %d: %v", ErrMissingParentState, parentStateRoot, block.NumberU64(), err)
		}
	}
	if err := p.checkParent(block, parentStateRoot, options); err != nil {
		return nil, err
	}

	header := block.Header()
	spec := p.config.SpecForBlock(block.NumberU64(), block.Time())
	producing := options.Has(ProducingBlock)

	if !producing && !options.Has(NoValidation) {
		if err := p.validator.ValidateSuggestedBlock(block); err != nil {
			return nil, newBlockError(block, "failed pre-execution validation", err)
		}
	}

	tracer.StartBlock(block)
	if err := p.applyPreBlock(ctx, header, &spec, tracer); err != nil {
		return nil, err
	}

	p.txProc.SetBlockExecutionContext(BlockExecutionContext{
		Header:  header,
		Spec:    &spec,
		GetHash: p.getHashFn(header, &spec),
	})

	txs, receipts, skipped, err := p.applyTransactions(ctx, block, header, &spec, producing, tracer, start)
	if err != nil {
		return nil, err
	}

	requests, err := p.applyPostBlock(ctx, block, receipts, &spec, tracer)
	if err != nil {
		return nil, err
	}
	p.ws.Commit(&spec)
	root := p.ws.RecalculateStateRoot()

	out := block.Header()
	out.Root = root
	out.GasUsed = cumulativeGas(receipts)
	out.Bloom = types.CreateBloom(receipts)
	out.ReceiptHash = types.DeriveSha(types.Receipts(receipts))
	if spec.IsPrague {
		h := requests.Hash()
		out.RequestsHash = &h
	}

	var processed *types.Block
	switch {
	case !producing:
		if err := p.validator.ValidateProcessedBlock(out, block, receipts); err != nil {
			return nil, newBlockError(block, "failed post-execution validation", err)
		}
		processed = block
	case len(skipped) == 0:
		processed = block.WithReplacedHeader(out)
	default:
		processed = types.NewBlock(out, &types.Body{
			Transactions: txs,
			Uncles:       block.Uncles(),
			Withdrawals:  block.Withdrawals(),
		}, receipts)
	}

	if err := types.Receipts(receipts).DeriveFields(p.signer, processed.Hash(), processed.NumberU64(), txs); err != nil {
		return nil, newBlockError(block, "deriving receipt fields", err)
	}
	tracer.EndBlock(processed, receipts)

	p.log.Debug("Processed block",
		"number", processed.NumberU64(),
		"hash", processed.Hash(),
		"txs", len(txs),
		"skipped", len(skipped),
		"gas", out.GasUsed,
		"fork", spec.Name,
		"elapsed", time.Since(start),
	)
	return &ProcessedBlock{Block: processed, Receipts: receipts, Requests: requests, Skipped: skipped}, nil
}

// checkParent verifies that the loaded state belongs to the block's parent.
func (p *BlockProcessor) checkParent(block *types.Block, parentStateRoot common.Hash, options ProcessingOptions) error {
	if block.IsGenesis() || p.finder == nil || options.Has(IgnoreParentNotOnMainChain) {
		return nil
	}
	parent := p.finder.FindParentHeader(block.Header())
	if parent == nil {
		return fmt.Errorf("%w: %x for block %d", ErrUnknownParent, block.ParentHash(), block.NumberU64())
	}
	if parent.Root != parentStateRoot {
		return fmt.Errorf("%w: loaded %x, parent %d has %x", ErrMissingParentState, parentStateRoot, parent.Number.Uint64(), parent.Root)
	}
	return nil
}

// applyPreBlock runs the system calls that precede the transactions.
func (p *BlockProcessor) applyPreBlock(ctx context.Context, header *types.Header, spec *params.Spec, tracer BlockTracer) error {
	if spec.IsPrague {
		p.history.ApplyBlockhashStateChanges(header, spec)
		tracer.OnSystemCall("blockhash-history")
		if err := checkCancel(ctx, tracer); err != nil {
			return err
		}
	}
	if spec.IsCancun {
		p.beaconRoots.StoreBeaconRoot(header, spec)
		tracer.OnSystemCall("beacon-root")
		if err := checkCancel(ctx, tracer); err != nil {
			return err
		}
	}
	if rewritten := p.rewriter.RewriteContracts(header.Number.Uint64(), p.ws); len(rewritten) > 0 {
		p.log.Info("Rewrote contracts", "number", header.Number, "count", len(rewritten))
	}
	return nil
}

// applyTransactions executes the transactions of block in order. Every
// transaction is first checked by the filter. In production mode
// transactions rejected by the filter, the size and time budgets, the
// remaining gas or the processor are skipped; in validation mode any of
// these fails the block.
func (p *BlockProcessor) applyTransactions(ctx context.Context, block *types.Block, header *types.Header, spec *params.Spec, producing bool, tracer BlockTracer, start time.Time) (types.Transactions, []*types.Receipt, []*types.Transaction, error) {
	var (
		txs      types.Transactions
		receipts []*types.Receipt
		skipped  []*types.Transaction
		gp       = NewGasPool(header.GasLimit)
		used     uint64
		size     uint64
		maxSize  = p.production.MaxTxKilobytes * 1024
	)
	for i, tx := range block.Transactions() {
		if err := checkCancel(ctx, tracer); err != nil {
			return nil, nil, nil, err
		}
		if producing && p.production.Timeout > 0 && time.Since(start) > p.production.Timeout {
			p.log.Info("Block production timed out", "number", header.Number, "included", len(txs), "left", block.Transactions().Len()-i)
			skipped = append(skipped, block.Transactions()[i:]...)
			break
		}
		verdict := p.filter.IsAllowed(tx, header, p.ws)
		if producing {
			if verdict.OK() && maxSize > 0 && size+tx.Size() > maxSize {
				verdict = MaxTxSizeExceeded.WithMessage(fmt.Sprintf("block would reach %d bytes", size+tx.Size()))
			}
			if verdict.OK() && tx.Gas() > gp.Gas() {
				verdict = GasLimitExceeded
			}
			if !verdict.OK() {
				p.log.Debug("Skipping transaction", "hash", tx.Hash(), "reason", verdict)
				skipped = append(skipped, tx)
				continue
			}
		} else {
			if !verdict.OK() {
				return nil, nil, nil, newBlockError(block, fmt.Sprintf("tx %d (%x)", i, tx.Hash()),
					fmt.Errorf("%w: %s", ErrTxRejected, verdict))
			}
			if tx.Gas() > gp.Gas() {
				return nil, nil, nil, newBlockError(block, fmt.Sprintf("tx %d", i),
					fmt.Errorf("%w: tx gas %d, remaining %d", ErrGasLimitExceeded, tx.Gas(), gp.Gas()))
			}
		}

		index := len(txs)
		tracer.StartTx(tx, index)
		result, err := p.txProc.Execute(tx, p.ws, tracer)
		if err != nil {
			tracer.EndTx(tx, nil, err)
			if producing {
				p.log.Debug("Skipping invalid transaction", "hash", tx.Hash(), "err", err)
				skipped = append(skipped, tx)
				continue
			}
			return nil, nil, nil, newBlockError(block, fmt.Sprintf("tx %d (%x)", i, tx.Hash()), err)
		}
		if err := gp.SubGas(result.UsedGas); err != nil {
			return nil, nil, nil, newBlockError(block, fmt.Sprintf("tx %d", i), err)
		}
		used += result.UsedGas
		size += tx.Size()

		var root []byte
		if !spec.IsByzantium {
			root = p.ws.RecalculateStateRoot().Bytes()
		}
		receipt := types.NewReceipt(root, result.Failed(), used)
		receipt.GasUsed = result.UsedGas
		receipt.Logs = result.Logs
		receipt.Bloom = types.LogsBloom(result.Logs)
		receipt.TxHash = tx.Hash()
		receipt.TransactionIndex = uint(index)

		txs = append(txs, tx)
		receipts = append(receipts, receipt)
		tracer.EndTx(tx, receipt, nil)
	}
	return txs, receipts, skipped, nil
}

// applyPostBlock credits withdrawals, collects execution requests and pays
// block rewards.
func (p *BlockProcessor) applyPostBlock(ctx context.Context, block *types.Block, receipts []*types.Receipt, spec *params.Spec, tracer BlockTracer) (types.Requests, error) {
	if spec.IsShanghai {
		p.withdrawals.ProcessWithdrawals(block, spec)
		tracer.OnSystemCall("withdrawals")
		if err := checkCancel(ctx, tracer); err != nil {
			return nil, err
		}
	}
	requests, err := p.requests.ProcessExecutionRequests(receipts, spec)
	if err != nil {
		return nil, newBlockError(block, "collecting execution requests", err)
	}
	if spec.IsPrague {
		tracer.OnSystemCall("execution-requests")
		if err := checkCancel(ctx, tracer); err != nil {
			return nil, err
		}
	}
	for _, reward := range p.rewards.CalculateRewards(block) {
		p.ws.AddBalance(reward.Address, reward.Value)
	}
	return requests, nil
}

func (p *BlockProcessor) getHashFn(header *types.Header, spec *params.Spec) func(uint64) common.Hash {
	if p.blockhashes == nil {
		return func(number uint64) common.Hash {
			if spec.IsPrague {
				return p.history.GetBlockHashFromState(header, number, spec)
			}
			return common.Hash{}
		}
	}
	return func(number uint64) common.Hash {
		return p.blockhashes.GetBlockhash(header, number, spec)
	}
}

func cumulativeGas(receipts []*types.Receipt) uint64 {
	if len(receipts) == 0 {
		return 0
	}
	return receipts[len(receipts)-1].CumulativeGasUsed
}
