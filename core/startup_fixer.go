package core

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/eth2030/blockpipe/core/rawdb"
	"github.com/eth2030/blockpipe/core/types"
	"github.com/eth2030/blockpipe/log"
)

// blockSuggester queues blocks for processing.
type blockSuggester interface {
	queueCounter
	Suggest(block *types.Block, options ProcessingOptions) error
}

// stateAvailability reports whether a state root can be opened.
type stateAvailability interface {
	HasStateForRoot(root common.Hash) bool
}

// FixResult summarizes a startup review of the block tree.
type FixResult struct {
	// Start and End bound the reviewed levels, inclusive. Reviewed is false
	// when there was nothing above the head.
	Start, End uint64
	Reviewed   bool
	Suggested  int
	// GapStart is the first deleted level when HasGap is set.
	GapStart uint64
	HasGap   bool
}

// StartupFixer reviews the levels above the head left by a previous run.
// Blocks with bodies are queued for processing again until the first gap;
// the gap and every level after it are deleted.
type StartupFixer struct {
	tree      *BlockTree
	processor blockSuggester
	state     stateAvailability
	pacer     *SuggestPacer
	log       *log.Logger
}

// NewStartupFixer creates a fixer that queues at most high blocks at a
// time. A zero high selects DefaultPacerHigh.
func NewStartupFixer(tree *BlockTree, processor blockSuggester, state stateAvailability, high int64, logger *log.Logger) *StartupFixer {
	return &StartupFixer{
		tree:      tree,
		processor: processor,
		state:     state,
		pacer:     NewSuggestPacer(processor, tree, high, high/2),
		log:       logger.Module("startup-fixer"),
	}
}

// levelVisit counts what was found in one chain level.
type levelVisit struct {
	visited int
	bodies  []*types.Block
}

// Fix runs the review. It must complete before the node accepts new
// blocks from the network.
func (f *StartupFixer) Fix(ctx context.Context) (FixResult, error) {
	var res FixResult

	head := f.tree.Head()
	assumedHead := uint64(0)
	if head != nil {
		assumedHead = head.NumberU64()
	}
	start := assumedHead + 1
	if pivot, err := rawdb.ReadSyncPivot(f.tree.db); err == nil && pivot > start {
		start = pivot
	} else if err != nil && !errors.Is(err, rawdb.ErrNotFound) {
		return res, err
	}
	bestKnown := f.tree.BestKnownNumber()
	if assumedHead+1 < start || bestKnown < start {
		f.log.Info("No block tree levels to review for fixes")
		return res, nil
	}
	res.Start, res.End, res.Reviewed = start, bestKnown, true
	f.log.Info("Reviewing block tree levels", "from", start, "to", bestKnown, "count", bestKnown-start+1)

	var (
		parentChecked    bool
		lastProcessed    uint64
		hasLastProcessed bool
		processingGap    uint64
		hasProcessingGap bool
	)
	for n := start; n <= bestKnown; n++ {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if (n-start)%1000 == 0 && n != start {
			f.log.Info("Reviewed block tree levels", "done", n-start, "total", bestKnown-start+1)
		}

		level := f.tree.ChainLevel(n)
		if level == nil {
			res.GapStart, res.HasGap = n, true
			break
		}

		if level.WasAnyProcessed() {
			if hasProcessingGap {
				f.log.Warn("Detected processed blocks gap", "from", processingGap, "to", n)
				hasProcessingGap = false
			}
			lastProcessed, hasLastProcessed = n, true
		} else if hasLastProcessed && lastProcessed == n-1 {
			processingGap, hasProcessingGap = n, true
		}

		visit, err := f.visitLevel(n, level)
		if err != nil {
			return res, err
		}
		if len(visit.bodies) == 0 {
			res.GapStart, res.HasGap = n, true
			break
		}
		if !parentChecked {
			parentChecked = true
			if !f.parentStateAvailable(visit.bodies[0]) {
				f.log.Warn("Parent state of first reviewed level unavailable", "level", n)
				res.GapStart, res.HasGap = n, true
				break
			}
		}

		for _, block := range visit.bodies {
			if f.pacer.Blocked() {
				f.log.Info("Waiting for processor before loading more blocks", "loaded", res.Suggested, "level", n)
			}
			if err := f.pacer.Wait(ctx); err != nil {
				return res, err
			}
			if err := f.processor.Suggest(block, NoOptions); err != nil {
				f.log.Warn("Failed to queue stored block", "number", n, "hash", block.Hash(), "err", err)
				continue
			}
			res.Suggested++
		}
	}

	if res.HasGap {
		f.log.Warn("Found a gap in blocks after last shutdown", "level", res.GapStart, "deleting", bestKnown-res.GapStart+1)
		if err := f.tree.DeleteLevels(res.GapStart, bestKnown); err != nil {
			return res, fmt.Errorf("delete levels after gap: %w", err)
		}
	}
	f.log.Info("Block tree review done", "suggested", res.Suggested, "gap", res.HasGap)
	return res, nil
}

// visitLevel loads the blocks recorded in level. Every recorded hash must
// be visited exactly once, and no more bodies than hashes may be found.
func (f *StartupFixer) visitLevel(number uint64, level *types.ChainLevelInfo) (levelVisit, error) {
	var visit levelVisit
	seen := make(map[common.Hash]struct{}, len(level.BlockInfos))
	for _, info := range level.BlockInfos {
		if _, ok := seen[info.Hash]; ok {
			continue
		}
		seen[info.Hash] = struct{}{}
		visit.visited++

		if !rawdb.HasHeader(f.tree.db, info.Hash, number) {
			f.log.Warn("Missing block recorded in chain level", "level", number, "hash", info.Hash)
			continue
		}
		if !rawdb.HasBody(f.tree.db, info.Hash, number) {
			continue
		}
		block := f.tree.FindBlock(info.Hash)
		if block == nil {
			f.log.Warn("Stored block unreadable", "level", number, "hash", info.Hash)
			continue
		}
		visit.bodies = append(visit.bodies, block)
	}
	if visit.visited != len(level.BlockInfos) {
		return visit, fmt.Errorf("%w: visited %d of %d blocks at level %d", ErrLevelCorruption, visit.visited, len(level.BlockInfos), number)
	}
	if len(visit.bodies) > len(level.BlockInfos) {
		return visit, fmt.Errorf("%w: %d bodies for %d blocks at level %d", ErrLevelCorruption, len(visit.bodies), len(level.BlockInfos), number)
	}
	return visit, nil
}

func (f *StartupFixer) parentStateAvailable(block *types.Block) bool {
	parent := f.tree.FindParentHeader(block.Header())
	if parent == nil {
		return false
	}
	return f.state.HasStateForRoot(parent.Root)
}
