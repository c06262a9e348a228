package core

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/eth2030/blockpipe/core/state"
	"github.com/eth2030/blockpipe/core/types"
	"github.com/eth2030/blockpipe/log"
)

// BranchProcessor processes consecutive blocks of one branch on a single
// world state. A batch is all-or-nothing: if any block fails or processing
// is cancelled, the state is rolled back to where it was before the call.
type BranchProcessor struct {
	processor *BlockProcessor
	ws        *state.WorldState
	receipts  ReceiptStorage
	prewarmer *state.Prewarmer
	log       *log.Logger
}

// NewBranchProcessor creates a branch processor. receipts and prewarmer may
// be nil.
func NewBranchProcessor(processor *BlockProcessor, receipts ReceiptStorage, prewarmer *state.Prewarmer, logger *log.Logger) *BranchProcessor {
	return &BranchProcessor{
		processor: processor,
		ws:        processor.WorldState(),
		receipts:  receipts,
		prewarmer: prewarmer,
		log:       logger.Module("branch-processor"),
	}
}

// Process executes blocks in order on top of the state with baseStateRoot.
// blocks[0] must be a child of the base block and every following block a
// child of its predecessor.
//
// Unless ForceProcessing is set the world state is first reset to the base
// root. Each block's state is committed under its number as it completes,
// except with ReadOnlyChain where the whole batch is rolled back at the end.
func (p *BranchProcessor) Process(ctx context.Context, baseStateRoot common.Hash, blocks []*types.Block, options ProcessingOptions, tracer BlockTracer) ([]*ProcessedBlock, error) {
	if len(blocks) == 0 {
		return nil, nil
	}
	// Failed and read-only batches return here, not to the base root.
	snap := p.ws.TakeSnapshot()
	if !options.Has(ForceProcessing) && p.ws.StateRoot() != baseStateRoot {
		p.log.Debug("Resetting world state to branch base", "from", p.ws.StateRoot(), "to", baseStateRoot)
		if err := p.ws.ResetTo(baseStateRoot); err != nil {
			p.restore(snap)
			return nil, fmt.Errorf("%w: %x: %v", ErrMissingParentState, baseStateRoot, err)
		}
	}

	parentRoot := p.ws.StateRoot()
	results := make([]*ProcessedBlock, 0, len(blocks))
	for _, block := range blocks {
		stopWarm := p.warm(ctx, parentRoot, block)
		processed, err := p.processor.ProcessOne(ctx, parentRoot, block, options, tracer)
		stopWarm()
		if err != nil {
			p.restore(snap)
			return nil, err
		}
		if !options.Has(ReadOnlyChain) {
			if err := p.ws.CommitTree(block.NumberU64()); err != nil {
				p.restore(snap)
				return nil, err
			}
			if options.Has(StoreReceipts) && p.receipts != nil {
				if err := p.receipts.Insert(processed.Block, processed.Receipts); err != nil {
					p.restore(snap)
					return nil, err
				}
			}
		}
		parentRoot = processed.Block.Root()
		results = append(results, processed)
	}

	if options.Has(ReadOnlyChain) {
		p.restore(snap)
	}
	return results, nil
}

// warm prefetches the accounts touched by block on the prewarmer workers
// while it executes. The returned function stops them.
func (p *BranchProcessor) warm(ctx context.Context, parentRoot common.Hash, block *types.Block) context.CancelFunc {
	if p.prewarmer == nil {
		return func() {}
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		// Errors only mean the caches stay cold.
		_ = p.prewarmer.Warm(ctx, parentRoot, block, p.processor.Signer())
	}()
	return func() {
		cancel()
		<-done
	}
}

// restore returns the world state to where it was when Process was
// called, reopening the snapshot root when the journal no longer applies.
func (p *BranchProcessor) restore(snap state.Snapshot) {
	if err := p.ws.Restore(snap); err == nil {
		return
	}
	if err := p.ws.ResetTo(snap.Root()); err != nil {
		p.log.Error("Failed to restore world state", "root", snap.Root(), "err", err)
	}
}
