package core

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/eth2030/blockpipe/core/types"
	"github.com/eth2030/blockpipe/params"
)

// ReorgEvent describes a change of the canonical chain that dropped blocks
// from it.
type ReorgEvent struct {
	OldHead common.Hash
	NewHead common.Hash
	// CommonAncestor is the number of the last block both chains share.
	CommonAncestor uint64
	// Dropped lists the blocks removed from the canonical chain, ascending.
	Dropped []common.Hash
	// Added lists the blocks that became canonical, ascending.
	Added []common.Hash
}

// Depth is the number of blocks unwound.
func (e *ReorgEvent) Depth() int { return len(e.Dropped) }

// BetterChainComparator decides whether a processed candidate should replace
// the current head. head is nil before the first block is accepted.
type BetterChainComparator interface {
	IsBetter(candidate *types.Header, candidateTD *big.Int, head *types.Header, headTD *big.Int) bool
}

// TotalDifficultyComparator prefers the chain with the strictly higher total
// difficulty. On equal difficulty the current head is kept, so the first
// block to arrive wins. Proof-of-stake blocks are never better: their head
// is set by forkchoice updates.
type TotalDifficultyComparator struct {
	Config *params.ChainConfig
}

func (c TotalDifficultyComparator) IsBetter(candidate *types.Header, candidateTD *big.Int, head *types.Header, headTD *big.Int) bool {
	if head == nil {
		return true
	}
	if c.Config != nil && c.Config.IsMerge(candidate.Number.Uint64()) {
		return false
	}
	if candidateTD == nil {
		return false
	}
	if headTD == nil {
		return true
	}
	return candidateTD.Cmp(headTD) > 0
}
