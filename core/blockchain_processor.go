package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/event"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/errgroup"

	"github.com/eth2030/blockpipe/core/state"
	"github.com/eth2030/blockpipe/core/types"
	"github.com/eth2030/blockpipe/log"
	"github.com/eth2030/blockpipe/metrics"
	"github.com/eth2030/blockpipe/params"
)

// BlockchainProcessorConfig tunes the processing queues.
type BlockchainProcessorConfig struct {
	RecoveryQueueSize   int
	ProcessingQueueSize int
	// RecoveryWorkers bounds parallel signature recovery per block.
	RecoveryWorkers int
	// StoreReceipts persists receipts of every processed block.
	StoreReceipts     bool
	BadBlockCacheSize int
}

// DefaultBlockchainProcessorConfig returns the defaults used by the node.
func DefaultBlockchainProcessorConfig() BlockchainProcessorConfig {
	return BlockchainProcessorConfig{
		RecoveryQueueSize:   2048,
		ProcessingQueueSize: 4096,
		RecoveryWorkers:     8,
		StoreReceipts:       true,
		BadBlockCacheSize:   128,
	}
}

// ProcessingResult classifies how a dequeued block left the pipeline.
type ProcessingResult int

const (
	ProcessingSucceeded ProcessingResult = iota
	ProcessingSkipped
	ProcessingCancelled
	ProcessingFailed
	ProcessingRejected
)

func (r ProcessingResult) String() string {
	switch r {
	case ProcessingSucceeded:
		return "success"
	case ProcessingSkipped:
		return "skipped"
	case ProcessingCancelled:
		return "cancelled"
	case ProcessingFailed:
		return "failed"
	case ProcessingRejected:
		return "rejected"
	default:
		return fmt.Sprintf("ProcessingResult(%d)", int(r))
	}
}

// BlockProcessedEvent is posted for every successfully processed block.
type BlockProcessedEvent struct {
	Block    *types.Block
	Receipts []*types.Receipt
}

// BlockRemovedEvent is posted when a dequeued block leaves the pipeline.
type BlockRemovedEvent struct {
	Hash   common.Hash
	Result ProcessingResult
	Err    error
}

// QueueEmptyEvent is posted when the last queued block has been handled.
type QueueEmptyEvent struct{}

type blockRef struct {
	block   *types.Block
	options ProcessingOptions
	tracer  BlockTracer
	done    chan processOutcome
}

type processOutcome struct {
	block *types.Block
	err   error
}

// BlockchainProcessor is the single writer of the canonical world state. It
// queues suggested blocks, recovers their senders, processes them on one
// goroutine and moves the canonical head through the block tree.
type BlockchainProcessor struct {
	config     BlockchainProcessorConfig
	chain      *params.ChainConfig
	tree       *BlockTree
	branch     *BranchProcessor
	ws         *state.WorldState
	signer     types.Signer
	comparator BetterChainComparator

	recoveryQueue   chan *blockRef
	processingQueue chan *blockRef
	queued          atomic.Int64
	queueMu         sync.Mutex // held while pushing to recoveryQueue and while draining
	badBlocks       *lru.Cache[common.Hash, struct{}]

	blockProcessedFeed event.Feed
	blockRemovedFeed   event.Feed
	queueEmptyFeed     event.Feed

	startOnce sync.Once
	stopOnce  sync.Once
	quit      chan struct{}
	wg        sync.WaitGroup
	cancel    context.CancelFunc

	tokenMu sync.Mutex
	current *CancellationToken

	throughput *RateMeter
	metrics    *metrics.Metrics
	log        *log.Logger
}

// NewBlockchainProcessor creates a processor; Start launches its loops. A
// nil comparator selects TotalDifficultyComparator.
func NewBlockchainProcessor(config BlockchainProcessorConfig, chain *params.ChainConfig, tree *BlockTree, branch *BranchProcessor, comparator BetterChainComparator, m *metrics.Metrics, logger *log.Logger) *BlockchainProcessor {
	def := DefaultBlockchainProcessorConfig()
	if config.RecoveryQueueSize <= 0 {
		config.RecoveryQueueSize = def.RecoveryQueueSize
	}
	if config.ProcessingQueueSize <= 0 {
		config.ProcessingQueueSize = def.ProcessingQueueSize
	}
	if config.RecoveryWorkers <= 0 {
		config.RecoveryWorkers = def.RecoveryWorkers
	}
	if config.BadBlockCacheSize <= 0 {
		config.BadBlockCacheSize = def.BadBlockCacheSize
	}
	if comparator == nil {
		comparator = TotalDifficultyComparator{Config: chain}
	}
	bad, _ := lru.New[common.Hash, struct{}](config.BadBlockCacheSize)
	return &BlockchainProcessor{
		config:          config,
		chain:           chain,
		tree:            tree,
		branch:          branch,
		ws:              branch.ws,
		signer:          branch.processor.Signer(),
		comparator:      comparator,
		recoveryQueue:   make(chan *blockRef, config.RecoveryQueueSize),
		processingQueue: make(chan *blockRef, config.ProcessingQueueSize),
		badBlocks:       bad,
		quit:            make(chan struct{}),
		throughput:      NewRateMeter(DefaultRateMeterConfig()),
		metrics:         m,
		log:             logger.Module("blockchain-processor"),
	}
}

// Start launches the recovery and processing loops.
func (p *BlockchainProcessor) Start(ctx context.Context) {
	p.startOnce.Do(func() {
		ctx, p.cancel = context.WithCancel(ctx)
		p.wg.Add(2)
		go p.recoveryLoop(ctx)
		go p.processingLoop(ctx)
		p.log.Info("Blockchain processor started",
			"recoveryQueue", p.config.RecoveryQueueSize,
			"processingQueue", p.config.ProcessingQueueSize,
		)
	})
}

// Stop abandons queued blocks, cancels the block in flight and waits for
// the loops to exit or ctx to end.
func (p *BlockchainProcessor) Stop(ctx context.Context) error {
	p.stopOnce.Do(func() {
		close(p.quit)
		p.cancelCurrent()
		if p.cancel != nil {
			p.cancel()
		}
	})
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		p.drain()
		p.log.Info("Blockchain processor stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("stop blockchain processor: %w", ctx.Err())
	}
}

// Suggest adds block to the block tree and queues it for processing. It
// returns once the block is queued.
func (p *BlockchainProcessor) Suggest(block *types.Block, options ProcessingOptions) error {
	_, err := p.enqueue(block, options, nil, nil)
	return err
}

// Process queues block and waits for its outcome. The returned block is the
// processed one, with header roots filled in when producing.
func (p *BlockchainProcessor) Process(ctx context.Context, block *types.Block, options ProcessingOptions, tracer BlockTracer) (*types.Block, error) {
	done := make(chan processOutcome, 1)
	queued, err := p.enqueue(block, options, tracer, done)
	if err != nil {
		return nil, err
	}
	if !queued {
		return block, nil
	}
	select {
	case out := <-done:
		return out.block, out.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *BlockchainProcessor) enqueue(block *types.Block, options ProcessingOptions, tracer BlockTracer, done chan processOutcome) (bool, error) {
	select {
	case <-p.quit:
		return false, ErrProcessorStopped
	default:
	}
	if p.IsKnownBad(block.Hash()) || (!block.IsGenesis() && p.IsKnownBad(block.ParentHash())) {
		return false, fmt.Errorf("%w: %d (%x)", ErrKnownBadBlock, block.NumberU64(), block.Hash())
	}
	if options.Has(StoreReceipts) || p.config.StoreReceipts {
		options |= StoreReceipts
	}

	if !options.Has(ReadOnlyChain) {
		result, err := p.tree.SuggestBlock(block)
		if err != nil {
			return false, err
		}
		switch result {
		case UnknownParent:
			return false, fmt.Errorf("%w: %x for block %d", ErrUnknownParent, block.ParentHash(), block.NumberU64())
		case InvalidBlock:
			return false, fmt.Errorf("%w: %d (%x)", ErrKnownBadBlock, block.NumberU64(), block.Hash())
		case AlreadyKnown:
			if p.tree.WasProcessed(block.Hash(), block.NumberU64()) && !options.Has(ForceProcessing) {
				p.log.Debug("Skipping processed block", "number", block.NumberU64(), "hash", block.Hash())
				return false, nil
			}
		}
	}

	ref := &blockRef{block: block, options: options, tracer: tracer, done: done}
	p.queueMu.Lock()
	defer p.queueMu.Unlock()
	select {
	case <-p.quit:
		return false, ErrProcessorStopped
	default:
	}
	p.queued.Add(1)
	select {
	case p.recoveryQueue <- ref:
		p.metrics.RecoveryQueueSize.Set(float64(len(p.recoveryQueue)))
		return true, nil
	case <-p.quit:
		p.queued.Add(-1)
		return false, ErrProcessorStopped
	}
}

// QueueCount is the number of blocks waiting in or moving through the
// queues.
func (p *BlockchainProcessor) QueueCount() int64 { return p.queued.Load() }

// Throughput returns the meter fed with every processed block.
func (p *BlockchainProcessor) Throughput() *RateMeter { return p.throughput }

// IsKnownBad reports whether hash failed processing before.
func (p *BlockchainProcessor) IsKnownBad(hash common.Hash) bool {
	return p.badBlocks.Contains(hash)
}

// SubscribeBlockProcessed registers ch for BlockProcessedEvent.
func (p *BlockchainProcessor) SubscribeBlockProcessed(ch chan<- BlockProcessedEvent) event.Subscription {
	return p.blockProcessedFeed.Subscribe(ch)
}

// SubscribeBlockRemoved registers ch for BlockRemovedEvent.
func (p *BlockchainProcessor) SubscribeBlockRemoved(ch chan<- BlockRemovedEvent) event.Subscription {
	return p.blockRemovedFeed.Subscribe(ch)
}

// SubscribeQueueEmpty registers ch for QueueEmptyEvent.
func (p *BlockchainProcessor) SubscribeQueueEmpty(ch chan<- QueueEmptyEvent) event.Subscription {
	return p.queueEmptyFeed.Subscribe(ch)
}

// recoveryLoop recovers transaction senders in parallel and forwards blocks
// to the processing queue.
func (p *BlockchainProcessor) recoveryLoop(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-p.quit:
			return
		case ref := <-p.recoveryQueue:
			p.metrics.RecoveryQueueSize.Set(float64(len(p.recoveryQueue)))
			if err := p.recoverSenders(ctx, ref.block); err != nil {
				if ctx.Err() != nil {
					p.finish(ref, nil, ProcessingCancelled, ErrCancelled)
					continue
				}
				p.log.Warn("Sender recovery failed", "number", ref.block.NumberU64(), "hash", ref.block.Hash(), "err", err)
				p.markBad(ref.block.Hash(), ref.block.NumberU64(), ref.options)
				p.finish(ref, nil, ProcessingRejected, newBlockError(ref.block, "sender recovery", err))
				continue
			}
			select {
			case p.processingQueue <- ref:
				p.metrics.ProcessingQueueSize.Set(float64(len(p.processingQueue)))
			case <-p.quit:
				p.finish(ref, nil, ProcessingCancelled, ErrProcessorStopped)
				return
			}
		}
	}
}

func (p *BlockchainProcessor) recoverSenders(ctx context.Context, block *types.Block) error {
	txs := block.Transactions()
	if len(txs) == 0 {
		return nil
	}
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(p.config.RecoveryWorkers)
	for i, tx := range txs {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			if _, err := p.signer.Sender(tx); err != nil {
				return fmt.Errorf("tx %d (%x): %w", i, tx.Hash(), err)
			}
			return nil
		})
	}
	return g.Wait()
}

func (p *BlockchainProcessor) processingLoop(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-p.quit:
			return
		case ref := <-p.processingQueue:
			p.metrics.ProcessingQueueSize.Set(float64(len(p.processingQueue)))
			block, result, err := p.process(ctx, ref)
			p.finish(ref, block, result, err)
		}
	}
}

// finish reports the outcome of ref and posts QueueEmpty when it was the
// last queued block.
func (p *BlockchainProcessor) finish(ref *blockRef, block *types.Block, result ProcessingResult, err error) {
	if ref.done != nil {
		ref.done <- processOutcome{block: block, err: err}
	}
	if result != ProcessingSucceeded {
		p.blockRemovedFeed.Send(BlockRemovedEvent{Hash: ref.block.Hash(), Result: result, Err: err})
	}
	if p.queued.Add(-1) == 0 {
		p.queueEmptyFeed.Send(QueueEmptyEvent{})
	}
}

// drain fails every block left in the queues after the loops exited.
func (p *BlockchainProcessor) drain() {
	p.queueMu.Lock()
	defer p.queueMu.Unlock()
	for {
		select {
		case ref := <-p.recoveryQueue:
			p.finish(ref, nil, ProcessingCancelled, ErrProcessorStopped)
		case ref := <-p.processingQueue:
			p.finish(ref, nil, ProcessingCancelled, ErrProcessorStopped)
		default:
			p.metrics.RecoveryQueueSize.Set(0)
			p.metrics.ProcessingQueueSize.Set(0)
			return
		}
	}
}

// process decides what to do with a dequeued block and runs it.
func (p *BlockchainProcessor) process(ctx context.Context, ref *blockRef) (*types.Block, ProcessingResult, error) {
	block, options := ref.block, ref.options
	header := block.Header()

	headBlock := p.tree.Head()
	var headHeader *types.Header
	if headBlock != nil {
		headHeader = headBlock.Header()
	}
	td := p.tree.TotalDifficulty(header)
	isBetter := p.comparator.IsBetter(header, td, headHeader, p.tree.HeadTotalDifficulty())
	postMerge := p.chain.IsMerge(block.NumberU64())

	if !isBetter && !postMerge && !options.Has(ForceProcessing) && !options.Has(DoNotUpdateHead) && !options.Has(ReadOnlyChain) {
		p.log.Debug("Block is not better than head, retained in tree",
			"number", block.NumberU64(), "hash", block.Hash(), "td", td, "headTD", p.tree.HeadTotalDifficulty())
		return block, ProcessingSkipped, nil
	}
	updateHead := isBetter && !options.Has(DoNotUpdateHead) && !options.Has(ReadOnlyChain)

	base, branch, err := p.collectBranch(block, updateHead)
	if err != nil {
		p.log.Warn("Cannot process block", "number", block.NumberU64(), "hash", block.Hash(), "err", err)
		if errors.Is(err, ErrKnownBadBlock) {
			p.markBad(block.Hash(), block.NumberU64(), options)
			return nil, ProcessingRejected, err
		}
		return nil, ProcessingFailed, err
	}

	token := p.newToken(ctx)
	defer p.clearToken()
	tracer := NewCancellationTracer(ref.tracer, token)

	start := time.Now()
	var results []*ProcessedBlock
	if base == nil {
		results, err = p.processGenesis(ctx, block, options, tracer)
	} else {
		results, err = p.branch.Process(ctx, base.Root(), branch, options, tracer)
	}
	if err != nil {
		return nil, p.handleFailure(block, options, err), err
	}
	elapsed := time.Since(start)

	processed := make([]*types.Block, len(results))
	for i, r := range results {
		processed[i] = r.Block
		if !options.Has(ReadOnlyChain) {
			if err := p.tree.MarkProcessed(r.Block); err != nil {
				p.log.Error("Failed to mark block processed", "number", r.Block.NumberU64(), "err", err)
			}
		}
		p.report(r, elapsed/time.Duration(len(results)))
		if !options.Has(ReadOnlyChain) {
			p.blockProcessedFeed.Send(BlockProcessedEvent{Block: r.Block, Receipts: r.Receipts})
		}
	}

	if updateHead {
		reorg, err := p.tree.UpdateMainChain(processed, true)
		if err != nil {
			p.log.Error("Failed to update main chain", "number", block.NumberU64(), "err", err)
			return nil, ProcessingFailed, err
		}
		if reorg != nil {
			p.metrics.Reorganizations.Add(1)
			p.log.Info("Chain reorganization",
				"depth", reorg.Depth(),
				"ancestor", reorg.CommonAncestor,
				"oldHead", reorg.OldHead,
				"newHead", reorg.NewHead,
			)
		}
	}
	return processed[len(processed)-1], ProcessingSucceeded, nil
}

// collectBranch walks back from block to the nearest processed ancestor
// whose state is available. When the head is to be updated the ancestor
// must also be canonical, so that the returned branch can be made
// canonical as a whole. base is nil only when block is the genesis.
func (p *BlockchainProcessor) collectBranch(block *types.Block, toMain bool) (*types.Block, []*types.Block, error) {
	branch := []*types.Block{block}
	for cur := block; !cur.IsGenesis(); {
		parent := p.tree.FindParent(cur)
		if parent == nil {
			return nil, nil, fmt.Errorf("%w: %x for block %d", ErrUnknownParent, cur.ParentHash(), cur.NumberU64())
		}
		info := p.tree.BlockInfo(parent.Hash(), parent.NumberU64())
		if info == nil {
			return nil, nil, fmt.Errorf("%w: no level info for %d (%x)", ErrUnknownParent, parent.NumberU64(), parent.Hash())
		}
		if info.Bad || p.IsKnownBad(parent.Hash()) {
			return nil, nil, fmt.Errorf("%w: ancestor %d (%x)", ErrKnownBadBlock, parent.NumberU64(), parent.Hash())
		}
		if info.WasProcessed && p.ws.HasStateForRoot(parent.Root()) && (!toMain || p.tree.IsMainChain(parent.Hash())) {
			return parent, branch, nil
		}
		if parent.IsGenesis() && !info.WasProcessed {
			return nil, nil, fmt.Errorf("%w: genesis not processed", ErrMissingParentState)
		}
		branch = append([]*types.Block{parent}, branch...)
		cur = parent
	}
	if len(branch) > 1 {
		// The walk reached genesis without finding an ancestor with state.
		return nil, nil, fmt.Errorf("%w: no ancestor state for %d (%x)", ErrMissingParentState, block.NumberU64(), block.Hash())
	}
	return nil, branch, nil
}

// processGenesis accepts the genesis block. Its allocation is committed
// beforehand, so only an empty genesis is executed.
func (p *BlockchainProcessor) processGenesis(ctx context.Context, block *types.Block, options ProcessingOptions, tracer BlockTracer) ([]*ProcessedBlock, error) {
	if p.ws.HasStateForRoot(block.Root()) {
		if err := p.ws.ResetTo(block.Root()); err != nil {
			return nil, err
		}
		return []*ProcessedBlock{{Block: block}}, nil
	}
	return p.branch.Process(ctx, types.EmptyRootHash, []*types.Block{block}, options, tracer)
}

// handleFailure classifies a processing error. Cancelled and missing
// dependencies leave the block retryable; anything else marks the failing
// block bad.
func (p *BlockchainProcessor) handleFailure(block *types.Block, options ProcessingOptions, err error) ProcessingResult {
	if errors.Is(err, ErrCancelled) {
		p.log.Info("Block processing cancelled", "number", block.NumberU64(), "hash", block.Hash())
		return ProcessingCancelled
	}
	if isRetryable(err) {
		p.log.Warn("Block processing deferred", "number", block.NumberU64(), "hash", block.Hash(), "err", err)
		return ProcessingFailed
	}
	var blockErr *BlockError
	if errors.As(err, &blockErr) {
		p.log.Warn("Invalid block", "number", blockErr.Number, "hash", blockErr.Hash, "reason", blockErr.Reason, "err", blockErr.Err)
		p.markBad(blockErr.Hash, blockErr.Number, options)
		return ProcessingRejected
	}
	p.log.Error("Block processing failed", "number", block.NumberU64(), "hash", block.Hash(), "err", err)
	return ProcessingFailed
}

func (p *BlockchainProcessor) markBad(hash common.Hash, number uint64, options ProcessingOptions) {
	p.badBlocks.Add(hash, struct{}{})
	p.metrics.BadBlocks.Add(1)
	if options.Has(ReadOnlyChain) {
		return
	}
	if err := p.tree.MarkBad(hash, number); err != nil && !errors.Is(err, ErrBlockNotFound) {
		p.log.Error("Failed to mark block bad", "number", number, "hash", hash, "err", err)
	}
}

func (p *BlockchainProcessor) report(r *ProcessedBlock, elapsed time.Duration) {
	block := r.Block
	p.metrics.Blocks.Add(1)
	p.metrics.Transactions.Add(float64(block.Transactions().Len()))
	p.metrics.Mgas.Add(float64(block.GasUsed()) / 1e6)
	p.metrics.GasUsed.Set(float64(block.GasUsed()))
	p.metrics.GasLimit.Set(float64(block.GasLimit()))
	p.metrics.LastBlockProcessingTimeMs.Set(float64(elapsed.Milliseconds()))
	p.metrics.BlockProcessingTime.Observe(elapsed.Seconds())
	p.throughput.RecordBlock(block.NumberU64(), block.GasUsed(), block.Transactions().Len(), elapsed)
	gasRate, txRate := p.throughput.WindowRate()
	p.log.Info("Processed block",
		"number", block.NumberU64(),
		"hash", block.Hash(),
		"txs", block.Transactions().Len(),
		"mgas", float64(block.GasUsed())/1e6,
		"elapsed", elapsed,
		"mgasps", gasRate/1e6,
		"tps", txRate,
	)
}

func (p *BlockchainProcessor) newToken(ctx context.Context) *CancellationToken {
	token := NewCancellationToken(ctx)
	p.tokenMu.Lock()
	p.current = token
	p.tokenMu.Unlock()
	return token
}

func (p *BlockchainProcessor) clearToken() {
	p.tokenMu.Lock()
	p.current = nil
	p.tokenMu.Unlock()
}

// cancelCurrent aborts the block being processed, if any. The block stays
// in the tree and can be suggested again.
func (p *BlockchainProcessor) cancelCurrent() {
	p.tokenMu.Lock()
	defer p.tokenMu.Unlock()
	if p.current != nil {
		p.current.Cancel()
	}
}
