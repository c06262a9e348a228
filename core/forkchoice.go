package core

import (
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/eth2030/blockpipe/core/types"
	"github.com/eth2030/blockpipe/log"
	"github.com/eth2030/blockpipe/metrics"
)

// Fork choice errors.
var (
	ErrHeadBlockUnknown      = errors.New("head block not found")
	ErrHeadNotProcessed      = errors.New("head block not processed")
	ErrSafeBlockUnknown      = errors.New("safe block not found")
	ErrFinalizedBlockUnknown = errors.New("finalized block not found")
	ErrInvalidFinalizedChain = errors.New("finalized block not in head's ancestry")
	ErrInvalidSafeChain      = errors.New("safe block not in head's ancestry")
	ErrSafeNotFinalized      = errors.New("safe block number is below finalized block number")
	ErrReorgPastFinalized    = errors.New("reorg would revert past finalized block")
)

// ForkChoice applies consensus layer forkchoice updates to the block tree.
// After the merge it is the only component that moves the canonical head.
type ForkChoice struct {
	mu        sync.Mutex
	tree      *BlockTree
	safe      *types.Header
	finalized *types.Header

	metrics *metrics.Metrics
	log     *log.Logger
}

// NewForkChoice creates a ForkChoice over tree.
func NewForkChoice(tree *BlockTree, m *metrics.Metrics, logger *log.Logger) *ForkChoice {
	return &ForkChoice{tree: tree, metrics: m, log: logger.Module("forkchoice")}
}

// Safe returns the last safe header, nil if none was set.
func (fc *ForkChoice) Safe() *types.Header {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return fc.safe
}

// Finalized returns the last finalized header, nil if none was set.
func (fc *ForkChoice) Finalized() *types.Header {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return fc.finalized
}

// ForkchoiceUpdated makes head canonical. safe and finalized may be zero;
// when set they must be ancestors of head. The head block must have been
// processed. Moving to a block on another branch reorganizes the chain
// through the block tree.
func (fc *ForkChoice) ForkchoiceUpdated(head, safe, finalized common.Hash) (*ReorgEvent, error) {
	fc.mu.Lock()
	defer fc.mu.Unlock()

	headBlock := fc.tree.FindBlock(head)
	if headBlock == nil {
		return nil, fmt.Errorf("%w: %x", ErrHeadBlockUnknown, head)
	}
	if !fc.tree.WasProcessed(head, headBlock.NumberU64()) {
		return nil, fmt.Errorf("%w: %d (%x)", ErrHeadNotProcessed, headBlock.NumberU64(), head)
	}

	var finalizedHeader, safeHeader *types.Header
	if finalized != (common.Hash{}) {
		if finalizedHeader = fc.tree.FindHeader(finalized); finalizedHeader == nil {
			return nil, fmt.Errorf("%w: %x", ErrFinalizedBlockUnknown, finalized)
		}
		if !fc.isAncestor(finalizedHeader, headBlock.Header()) {
			return nil, ErrInvalidFinalizedChain
		}
	}
	if safe != (common.Hash{}) {
		if safeHeader = fc.tree.FindHeader(safe); safeHeader == nil {
			return nil, fmt.Errorf("%w: %x", ErrSafeBlockUnknown, safe)
		}
		if !fc.isAncestor(safeHeader, headBlock.Header()) {
			return nil, ErrInvalidSafeChain
		}
		if finalizedHeader != nil && safeHeader.Number.Cmp(finalizedHeader.Number) < 0 {
			return nil, ErrSafeNotFinalized
		}
	}

	// Collect the part of the new chain that is not canonical yet.
	var branch []*types.Block
	for cur := headBlock; cur != nil && !fc.tree.IsMainChain(cur.Hash()); cur = fc.tree.FindParent(cur) {
		if !fc.tree.WasProcessed(cur.Hash(), cur.NumberU64()) {
			return nil, fmt.Errorf("%w: ancestor %d (%x)", ErrHeadNotProcessed, cur.NumberU64(), cur.Hash())
		}
		branch = append([]*types.Block{cur}, branch...)
	}
	if len(branch) == 0 {
		branch = []*types.Block{headBlock}
	}
	if fc.finalized != nil && branch[0].NumberU64() <= fc.finalized.Number.Uint64() && !fc.isAncestor(fc.finalized, headBlock.Header()) {
		return nil, fmt.Errorf("%w: fork at %d, finalized %d", ErrReorgPastFinalized, branch[0].NumberU64(), fc.finalized.Number)
	}

	var reorg *ReorgEvent
	if current := fc.tree.Head(); current == nil || current.Hash() != head {
		var err error
		if reorg, err = fc.tree.UpdateMainChain(branch, true); err != nil {
			return nil, err
		}
		if reorg != nil {
			fc.metrics.Reorganizations.Add(1)
			fc.log.Info("Forkchoice reorganization", "depth", reorg.Depth(), "ancestor", reorg.CommonAncestor, "head", head)
		}
	}
	if finalizedHeader != nil {
		fc.finalized = finalizedHeader
	}
	if safeHeader != nil {
		fc.safe = safeHeader
	}
	fc.log.Debug("Forkchoice updated", "head", headBlock.NumberU64(), "safe", safe, "finalized", finalized)
	return reorg, nil
}

// isAncestor reports whether anc is head or one of its ancestors.
func (fc *ForkChoice) isAncestor(anc, head *types.Header) bool {
	target := anc.Number.Uint64()
	for cur := head; cur != nil; cur = fc.tree.FindParentHeader(cur) {
		n := cur.Number.Uint64()
		if n == target {
			return cur.Hash() == anc.Hash()
		}
		if n < target {
			return false
		}
	}
	return false
}
